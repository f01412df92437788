package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"telemetry-service/internal/config"
	"telemetry-service/internal/store"
)

func main() {
	seedPath := flag.String("file", getenv("TELEMETRY_SEED_PATH", "seed.yaml"), "path to the directory fixture")
	flag.Parse()

	cfg, err := config.LoadDirectory()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	f, err := os.Open(*seedPath)
	if err != nil {
		slog.Error("open seed failed", "path", *seedPath, "error", err)
		os.Exit(1)
	}
	seed, err := store.ParseSeed(f)
	_ = f.Close()
	if err != nil {
		slog.Error("invalid seed", "path", *seedPath, "error", err)
		os.Exit(1)
	}

	var db *gorm.DB
	if cfg.DBDriver == config.DriverSQLite {
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
	} else {
		pg := cfg.Postgres
		db, err = store.OpenPostgres(pg.User, pg.Password, pg.DBName, pg.Host, pg.Port, pg.SSLMode)
	}
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := repo.ApplySeed(ctx, seed)
	if err != nil {
		slog.Error("apply seed failed", "error", err)
		os.Exit(1)
	}
	slog.Info("seed applied", "path", *seedPath, "created", res.Created, "skipped", res.Skipped)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
