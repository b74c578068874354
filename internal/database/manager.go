// Package database opens the configured persistence backends and exposes
// them as one tracker.Sink plus the stratum session store.
package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Manager owns every backend that was configured. Unset URLs leave the
// corresponding field nil.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	sink   *tracker.AsyncSink
	logger *log.Logger
}

// Open connects to each backend named in cfg. A failure closes whatever was
// already opened.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Discard()
	}
	m := &Manager{logger: logger.WithComponent("database")}

	if cfg.PostgresURL != "" {
		pg, err := postgres.NewClient(ctx, &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  30 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		m.Postgres = pg
		m.logger.Info("postgres share log enabled")
	}

	if cfg.RedisURL != "" {
		rc, err := redis.NewClient(ctx, &redis.Config{URL: cfg.RedisURL, Prefix: cfg.ServiceName})
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.Redis = rc
		m.logger.Info("redis session store enabled")
	}

	if cfg.InfluxURL != "" {
		ic, err := influx.NewClient(ctx, &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Logger: logger,
		})
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.Influx = ic
		m.logger.Info("influx metrics enabled", "bucket", cfg.InfluxBucket)
	}

	if sinks := m.sinks(); len(sinks) > 0 {
		m.sink = tracker.NewAsyncSink(sinks, 4096, 10*time.Second, logger)
	}
	return m, nil
}

func (m *Manager) sinks() tracker.MultiSink {
	var out tracker.MultiSink
	if m.Postgres != nil {
		out = append(out, Guard(m.Postgres, "postgres", m.logger))
	}
	if m.Redis != nil {
		out = append(out, Guard(m.Redis, "redis", m.logger))
	}
	if m.Influx != nil {
		out = append(out, m.Influx)
	}
	return out
}

// Sink returns the combined event sink, or nil when no backend is configured.
func (m *Manager) Sink() tracker.Sink {
	if m.sink == nil {
		return nil
	}
	return m.sink
}

// SessionStore returns the Redis resume-id store, or nil.
func (m *Manager) SessionStore() stratum.SessionStore {
	if m.Redis == nil {
		return nil
	}
	return m.Redis
}

// Health checks every open backend.
func (m *Manager) Health(ctx context.Context) error {
	var errs []error
	if m.Postgres != nil {
		errs = append(errs, m.Postgres.Health(ctx))
	}
	if m.Redis != nil {
		errs = append(errs, m.Redis.Health(ctx))
	}
	if m.Influx != nil {
		errs = append(errs, m.Influx.Health(ctx))
	}
	return stderrors.Join(errs...)
}

// Close drains queued events and closes all connections.
func (m *Manager) Close() error {
	if m.sink != nil {
		m.sink.Close()
	}
	var errs []error
	if m.Postgres != nil {
		errs = append(errs, m.Postgres.Close())
	}
	if m.Redis != nil {
		errs = append(errs, m.Redis.Close())
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
	return stderrors.Join(errs...)
}

// GuardedSink retries storage writes and stops calling a backend that keeps
// failing until its breaker half-opens.
type GuardedSink struct {
	next    tracker.Sink
	breaker *circuit.Breaker
	retry   *retry.Config
}

// Guard wraps next with a circuit breaker named name.
func Guard(next tracker.Sink, name string, logger *log.Logger) *GuardedSink {
	cfg := &circuit.Config{
		Name:            name,
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("storage breaker changed state", "backend", name, "from", from.String(), "to", to.String())
		},
	}
	return &GuardedSink{next: next, breaker: circuit.New(cfg), retry: retry.StorageConfig()}
}

func (g *GuardedSink) do(ctx context.Context, fn func() error) error {
	return g.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, g.retry, fn)
	})
}

func (g *GuardedSink) RecordShare(ctx context.Context, ev tracker.ShareEvent) error {
	return g.do(ctx, func() error { return g.next.RecordShare(ctx, ev) })
}

func (g *GuardedSink) RecordBlock(ctx context.Context, ev tracker.BlockEvent) error {
	return g.do(ctx, func() error { return g.next.RecordBlock(ctx, ev) })
}

func (g *GuardedSink) RecordSwitch(ctx context.Context, ev tracker.SwitchEvent) error {
	return g.do(ctx, func() error { return g.next.RecordSwitch(ctx, ev) })
}
