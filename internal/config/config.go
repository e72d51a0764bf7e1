// Package config loads the eventrepo CLI configuration from a TOML file and
// EVENTREPO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendSQL    = "sql"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

type Config struct {
	Backend        string `toml:"backend"`          // EVENTREPO_BACKEND (default "sql")
	StreamPageSize int    `toml:"stream_page_size"` // EVENTREPO_STREAM_PAGE_SIZE (default 500)
	MetricsAddr    string `toml:"metrics_addr"`     // EVENTREPO_METRICS_ADDR (empty = no metrics endpoint)
	Trace          bool   `toml:"trace"`            // EVENTREPO_TRACE

	SQL  SQL  `toml:"sql"`
	NATS NATS `toml:"nats"`
	S3   S3   `toml:"s3"`
	Log  Log  `toml:"log"`
}

type SQL struct {
	Dialect         string        `toml:"dialect"` // EVENTREPO_SQL_DIALECT (default "sqlite")
	Driver          string        `toml:"driver"`  // EVENTREPO_SQL_DRIVER
	DSN             string        `toml:"dsn"`     // EVENTREPO_SQL_DSN (default "eventrepo.db")
	Migrate         bool          `toml:"migrate"` // EVENTREPO_SQL_MIGRATE (default true)
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type NATS struct {
	URL      string `toml:"url"`      // EVENTREPO_NATS_URL
	Bucket   string `toml:"bucket"`   // EVENTREPO_NATS_BUCKET
	Storage  string `toml:"storage"`  // "file" or "memory"
	Replicas int    `toml:"replicas"` // EVENTREPO_NATS_REPLICAS
	// Publish mirrors committed events to a JetStream stream.
	Publish       bool          `toml:"publish"` // EVENTREPO_NATS_PUBLISH
	SubjectPrefix string        `toml:"subject_prefix"`
	MaxAge        time.Duration `toml:"max_age"`
}

type S3 struct {
	Bucket   string `toml:"bucket"`   // EVENTREPO_S3_BUCKET
	Key      string `toml:"key"`      // EVENTREPO_S3_KEY (default "eventrepo/archive.jsonl")
	Region   string `toml:"region"`   // EVENTREPO_S3_REGION (default "us-east-1")
	Endpoint string `toml:"endpoint"` // EVENTREPO_S3_ENDPOINT
}

type Log struct {
	Level  string `toml:"level"`  // EVENTREPO_LOG_LEVEL (default "info")
	Format string `toml:"format"` // EVENTREPO_LOG_FORMAT, "text" or "json"
}

// Default returns the configuration used when neither file nor environment
// set anything: a local SQLite file with migrations applied.
func Default() *Config {
	return &Config{
		Backend:        BackendSQL,
		StreamPageSize: 500,
		SQL: SQL{
			Dialect: "sqlite",
			DSN:     "eventrepo.db",
			Migrate: true,
		},
		NATS: NATS{
			Storage:  "file",
			Replicas: 1,
			MaxAge:   7 * 24 * time.Hour,
		},
		S3: S3{
			Key:    "eventrepo/archive.jsonl",
			Region: "us-east-1",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path falls back to EVENTREPO_CONFIG; no file at all is fine.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		path = os.Getenv("EVENTREPO_CONFIG")
	}
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	envString("EVENTREPO_BACKEND", &c.Backend)
	envString("EVENTREPO_METRICS_ADDR", &c.MetricsAddr)
	envString("EVENTREPO_SQL_DIALECT", &c.SQL.Dialect)
	envString("EVENTREPO_SQL_DRIVER", &c.SQL.Driver)
	envString("EVENTREPO_SQL_DSN", &c.SQL.DSN)
	envString("EVENTREPO_NATS_URL", &c.NATS.URL)
	envString("EVENTREPO_NATS_BUCKET", &c.NATS.Bucket)
	envString("EVENTREPO_S3_BUCKET", &c.S3.Bucket)
	envString("EVENTREPO_S3_KEY", &c.S3.Key)
	envString("EVENTREPO_S3_REGION", &c.S3.Region)
	envString("EVENTREPO_S3_ENDPOINT", &c.S3.Endpoint)
	envString("EVENTREPO_LOG_LEVEL", &c.Log.Level)
	envString("EVENTREPO_LOG_FORMAT", &c.Log.Format)

	return errors.Join(
		envParse("EVENTREPO_STREAM_PAGE_SIZE", &c.StreamPageSize, strconv.Atoi),
		envParse("EVENTREPO_NATS_REPLICAS", &c.NATS.Replicas, strconv.Atoi),
		envParse("EVENTREPO_TRACE", &c.Trace, strconv.ParseBool),
		envParse("EVENTREPO_SQL_MIGRATE", &c.SQL.Migrate, strconv.ParseBool),
		envParse("EVENTREPO_NATS_PUBLISH", &c.NATS.Publish, strconv.ParseBool),
	)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSQL:
		if c.SQL.DSN == "" {
			errs = append(errs, errors.New("sql.dsn is required for the sql backend"))
		}
	case BackendNATS, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.StreamPageSize <= 0 {
		errs = append(errs, fmt.Errorf("stream_page_size must be positive, got %d", c.StreamPageSize))
	}
	if c.NATS.Storage != "file" && c.NATS.Storage != "memory" {
		errs = append(errs, fmt.Errorf("nats.storage must be file or memory, got %q", c.NATS.Storage))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the process logger writing to w.
func (l Log) Logger(w io.Writer) *slog.Logger {
	lvl, _ := l.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envParse[T any](key string, dst *T, parse func(string) (T, error)) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := parse(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}
