package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendInflux = "influx"
	BackendSQL    = "sql"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port     string `mapstructure:"TELEMETRY_SERVICE_PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	MQTTBrokerURL string `mapstructure:"MQTT_BROKER_URL"`
	MQTTClientID  string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopic     string `mapstructure:"MQTT_TOPIC"`
	MQTTQoS       int    `mapstructure:"MQTT_QOS"`
	// IngestRetained controls whether retained readings are stored.
	IngestRetained bool `mapstructure:"INGEST_RETAINED"`

	DBDriver   string   `mapstructure:"DB_DRIVER"`
	SQLitePath string   `mapstructure:"SQLITE_PATH"`
	Postgres   DBConfig `mapstructure:",squash"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	TSDBBackend    string       `mapstructure:"TSDB_BACKEND"`
	TSDBSQLitePath string       `mapstructure:"TSDB_SQLITE_PATH"`
	Influx         InfluxConfig `mapstructure:",squash"`

	JWTPublicKeyPath string `mapstructure:"JWT_PUBLIC_KEY_PATH"`
	JWTSecret        string `mapstructure:"JWT_SECRET"`

	OTLPEndpoint       string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	RawReconnectInterval string `mapstructure:"MQTT_RECONNECT_INTERVAL"`
	RawHistoryWindow     string `mapstructure:"GATEWAY_HISTORY_WINDOW"`
	RawStreamInterval    string `mapstructure:"GATEWAY_STREAM_INTERVAL"`
	RawQueryTimeout      string `mapstructure:"TSDB_QUERY_TIMEOUT"`
	RawDirectoryTimeout  string `mapstructure:"DIRECTORY_TIMEOUT"`
	RawDeviceCacheTTL    string `mapstructure:"DEVICE_CACHE_TTL"`
	RawLatestWindow      string `mapstructure:"LATEST_WINDOW"`

	ReconnectInterval time.Duration `mapstructure:"-"`
	HistoryWindow     time.Duration `mapstructure:"-"`
	StreamInterval    time.Duration `mapstructure:"-"`
	QueryTimeout      time.Duration `mapstructure:"-"`
	DirectoryTimeout  time.Duration `mapstructure:"-"`
	DeviceCacheTTL    time.Duration `mapstructure:"-"`
	LatestWindow      time.Duration `mapstructure:"-"`
}

type DBConfig struct {
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     string `mapstructure:"POSTGRES_PORT"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
}

type InfluxConfig struct {
	URL    string `mapstructure:"INFLUXDB_URL"`
	Token  string `mapstructure:"INFLUXDB_TOKEN"`
	Org    string `mapstructure:"INFLUXDB_ORG"`
	Bucket string `mapstructure:"INFLUXDB_BUCKET"`
}

var defaults = map[string]any{
	"TELEMETRY_SERVICE_PORT":      "8095",
	"LOG_LEVEL":                   "info",
	"MQTT_BROKER_URL":             "",
	"MQTT_CLIENT_ID":              "telemetry-service",
	"MQTT_TOPIC":                  "sensor/data",
	"MQTT_QOS":                    1,
	"MQTT_RECONNECT_INTERVAL":     "5s",
	"INGEST_RETAINED":             true,
	"DB_DRIVER":                   DriverPostgres,
	"SQLITE_PATH":                 "",
	"POSTGRES_USER":               "",
	"POSTGRES_PASSWORD":           "",
	"POSTGRES_DB":                 "",
	"POSTGRES_HOST":               "",
	"POSTGRES_PORT":               "5432",
	"POSTGRES_SSLMODE":            "disable",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"DEVICE_CACHE_TTL":            "5m",
	"TSDB_BACKEND":                BackendInflux,
	"TSDB_SQLITE_PATH":            "",
	"INFLUXDB_URL":                "",
	"INFLUXDB_TOKEN":              "",
	"INFLUXDB_ORG":                "",
	"INFLUXDB_BUCKET":             "",
	"TSDB_QUERY_TIMEOUT":          "10s",
	"DIRECTORY_TIMEOUT":           "3s",
	"GATEWAY_HISTORY_WINDOW":      "1h",
	"GATEWAY_STREAM_INTERVAL":     "5s",
	"LATEST_WINDOW":               "5m",
	"JWT_PUBLIC_KEY_PATH":         "",
	"JWT_SECRET":                  "",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"CORS_ALLOWED_ORIGINS":        "*",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return v
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("telemetry-service config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "topic", cfg.MQTTTopic, "tsdb", cfg.TSDBBackend)
	return &cfg, nil
}

func (c *Config) parseDurations() error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"MQTT_RECONNECT_INTERVAL", c.RawReconnectInterval, &c.ReconnectInterval},
		{"GATEWAY_HISTORY_WINDOW", c.RawHistoryWindow, &c.HistoryWindow},
		{"GATEWAY_STREAM_INTERVAL", c.RawStreamInterval, &c.StreamInterval},
		{"TSDB_QUERY_TIMEOUT", c.RawQueryTimeout, &c.QueryTimeout},
		{"DIRECTORY_TIMEOUT", c.RawDirectoryTimeout, &c.DirectoryTimeout},
		{"DEVICE_CACHE_TTL", c.RawDeviceCacheTTL, &c.DeviceCacheTTL},
		{"LATEST_WINDOW", c.RawLatestWindow, &c.LatestWindow},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.key, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", f.key)
		}
		*f.dst = d
	}
	return nil
}

// LoadDirectory reads only the directory database settings, for tools that
// never touch MQTT or the time-series store.
func LoadDirectory() (*Config, error) {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validateDirectory(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.MQTTBrokerURL) == "" {
		return errors.New("config: MQTT_BROKER_URL must be set")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return errors.New("config: MQTT_QOS must be 0, 1 or 2")
	}
	if err := c.validateDirectory(); err != nil {
		return err
	}

	switch c.TSDBBackend {
	case BackendInflux:
		if c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "" {
			return errors.New("config: INFLUXDB_URL, INFLUXDB_ORG and INFLUXDB_BUCKET must be set when TSDB_BACKEND=influx")
		}
	case BackendSQL:
	default:
		return fmt.Errorf("config: unknown TSDB_BACKEND %q", c.TSDBBackend)
	}

	if c.JWTPublicKeyPath == "" && c.JWTSecret == "" {
		return errors.New("config: JWT_PUBLIC_KEY_PATH or JWT_SECRET must be set")
	}
	return nil
}

func (c *Config) validateDirectory() error {
	switch c.DBDriver {
	case DriverPostgres:
		for key, val := range map[string]string{
			"POSTGRES_USER": c.Postgres.User,
			"POSTGRES_DB":   c.Postgres.DBName,
			"POSTGRES_HOST": c.Postgres.Host,
			"POSTGRES_PORT": c.Postgres.Port,
		} {
			if strings.TrimSpace(val) == "" {
				return fmt.Errorf("config: %s must be set", key)
			}
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: SQLITE_PATH must be set when DB_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DBDriver)
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
