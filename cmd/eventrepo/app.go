package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/codewandler/eventrepo/adapters/nats"
	promadapter "github.com/codewandler/eventrepo/adapters/prometheus"
	"github.com/codewandler/eventrepo/adapters/sqldb"
	"github.com/codewandler/eventrepo/core/cqrs"
	"github.com/codewandler/eventrepo/core/es"
	"github.com/codewandler/eventrepo/internal/config"
	"github.com/codewandler/eventrepo/internal/telemetry"
	"github.com/codewandler/eventrepo/ports/backend"
)

// app is everything a command needs, opened from the loaded config.
type app struct {
	backend backend.Backend
	repo    *es.Repository
	metrics *promadapter.AllMetrics
	closers []func(context.Context) error
}

func openApp(ctx context.Context, c *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if c.Trace {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{Stdout: true})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	a.metrics = promadapter.NewAllMetrics(reg)
	if c.MetricsAddr != "" {
		a.serveMetrics(c.MetricsAddr, reg)
	}

	a.backend, err = openBackend(ctx, c)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.backend.Close() })

	a.repo = es.NewRepository(
		a.backend,
		es.WithLog(log),
		es.WithMetrics(a.metrics.Repo),
		es.WithStreamPageSize(c.StreamPageSize),
	)
	return a, nil
}

func openBackend(ctx context.Context, c *config.Config) (backend.Backend, error) {
	schema := es.Schema(cqrs.ViewsSchema)
	switch c.Backend {
	case config.BackendSQL:
		dialect, err := sqldb.ParseDialect(c.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		return sqldb.Open(ctx, sqldb.Config{
			Dialect:         dialect,
			Driver:          c.SQL.Driver,
			DSN:             c.SQL.DSN,
			Migrate:         c.SQL.Migrate,
			MaxOpenConns:    c.SQL.MaxOpenConns,
			MaxIdleConns:    c.SQL.MaxIdleConns,
			ConnMaxLifetime: c.SQL.ConnMaxLifetime,
			Log:             log,
		}, schema)
	case config.BackendNATS:
		storage := jetstream.FileStorage
		if c.NATS.Storage == "memory" {
			storage = jetstream.MemoryStorage
		}
		return nats.NewBackend(ctx, nats.BackendConfig{
			Connect:  natsConnector(c),
			Log:      log,
			Bucket:   c.NATS.Bucket,
			Storage:  storage,
			Replicas: c.NATS.Replicas,
		}, schema)
	case config.BackendMemory:
		log.Warn("memory backend, nothing is kept after exit")
		return backend.NewMemory(schema)
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend)
}

func natsConnector(c *config.Config) nats.Connector {
	if c.NATS.URL == "" {
		return nats.ConnectDefault()
	}
	return nats.ConnectURL(c.NATS.URL)
}

func (a *app) serveMetrics(addr string, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promadapter.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", slog.Any("error", err))
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// withApp opens the app for the duration of fn.
func withApp(cmd interface{ Context() context.Context }, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}
