package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"telemetry-service/internal/authz"
	"telemetry-service/internal/config"
	"telemetry-service/internal/gateway"
	"telemetry-service/internal/httpapi"
	"telemetry-service/internal/identity"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/mqtt"
	"telemetry-service/internal/observability"
	"telemetry-service/internal/store"
	"telemetry-service/internal/tsdb"
	"telemetry-service/internal/tsdb/influx"
	"telemetry-service/internal/tsdb/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	shutdownOtel, promHandler, tracer, err := observability.Setup("telemetry-service", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownOtel()

	db, err := openDirectoryDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	var devices ingest.DeviceResolver = repo
	var lookup httpapi.DeviceLookup = repo
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unavailable, device lookups go to the database", "addr", cfg.RedisAddr, "error", err)
		}
		pingCancel()
		defer rdb.Close()
		cached := store.NewCachedDirectory(repo, store.NewDeviceCache(rdb, cfg.DeviceCacheTTL))
		devices = cached
		lookup = cached
	}

	points, err := openPointStore(cfg, db)
	if err != nil {
		slog.Error("tsdb open failed", "backend", cfg.TSDBBackend, "error", err)
		os.Exit(1)
	}
	defer points.Close()

	verifier, err := newVerifier(cfg)
	if err != nil {
		slog.Error("jwt key load failed", "path", cfg.JWTPublicKeyPath, "error", err)
		os.Exit(1)
	}
	resolver := authz.NewResolver(repo, cfg.DirectoryTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, err := mqtt.NewClientOptions(cfg.MQTTBrokerURL, cfg.MQTTClientID)
	if err != nil {
		slog.Error("invalid mqtt broker url", "url", cfg.MQTTBrokerURL, "error", err)
		os.Exit(1)
	}
	ing := &ingest.Ingestor{Devices: devices, Points: points, AllowRetains: cfg.IngestRetained, StoreTimeout: cfg.QueryTimeout}
	bridge := ingest.NewBridge(opts, ingest.BridgeConfig{
		Topic:         cfg.MQTTTopic,
		QoS:           byte(cfg.MQTTQoS),
		RetryInterval: cfg.ReconnectInterval,
	}, ing)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			slog.Error("ingest bridge stopped", "error", err)
		}
	}()

	gw := gateway.New(gateway.Config{
		HistoryWindow:  cfg.HistoryWindow,
		StreamInterval: cfg.StreamInterval,
		QueryTimeout:   cfg.QueryTimeout,
	}, verifier, resolver, points)

	srv := httpapi.New(httpapi.Options{
		Gateway:        gw,
		Metrics:        promHandler,
		Tracer:         tracer,
		Verifier:       verifier,
		Resolver:       resolver,
		Devices:        lookup,
		Reader:         points,
		MQTTState:      func() string { return bridge.State().String() },
		SessionCount:   gw.Sessions().Len,
		AllowedOrigins: cfg.AllowedOrigins(),
		LatestWindow:   cfg.LatestWindow,
		HistoryWindow:  cfg.HistoryWindow,
		QueryTimeout:   cfg.QueryTimeout,
	})
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("telemetry-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	gw.CloseAll()
	cancel()
	select {
	case <-bridge.Done():
	case <-shutdownCtx.Done():
		slog.Warn("ingest bridge did not stop in time")
	}
}

func openDirectoryDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DBDriver == config.DriverSQLite {
		return gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
	}
	pg := cfg.Postgres
	return store.OpenPostgres(pg.User, pg.Password, pg.DBName, pg.Host, pg.Port, pg.SSLMode)
}

// openPointStore picks the time-series engine. The sql backend shares the
// directory database unless TSDB_SQLITE_PATH names a separate file.
func openPointStore(cfg *config.Config, db *gorm.DB) (tsdb.Store, error) {
	switch cfg.TSDBBackend {
	case config.BackendSQL:
		if cfg.TSDBSQLitePath != "" {
			return sqlstore.OpenSQLite(cfg.TSDBSQLitePath)
		}
		return sqlstore.New(db)
	default:
		s, err := influx.New(influx.Options{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			slog.Warn("influxdb not reachable yet", "url", cfg.Influx.URL, "error", err)
		}
		return s, nil
	}
}

func newVerifier(cfg *config.Config) (identity.Verifier, error) {
	if cfg.JWTPublicKeyPath != "" {
		key, err := identity.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, err
		}
		return identity.NewRS256Verifier(key), nil
	}
	return identity.NewHS256Verifier([]byte(cfg.JWTSecret)), nil
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
