// Package main implements the gominer process: it loads configuration,
// connects the configured sinks, runs the miner and hashes on the CPU when
// asked to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/metrics"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gominer",
		"version", cfg.Version,
		"pools", len(cfg.Pools),
		"strategy", cfg.Strategy,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := run(ctx, cfg, logger, hup); err != nil {
		logger.WithError(err).Error("gominer failed")
		os.Exit(1)
	}
	logger.Info("gominer stopped")
}

// backends holds whatever sinks the configuration enabled.
type backends struct {
	collector *metrics.Collector
	db        *database.Manager
	kafka     *messaging.KafkaClient
	events    *tracker.AsyncSink
	sink      tracker.Sink
}

func openBackends(ctx context.Context, cfg *config.Config, logger *log.Logger) (*backends, error) {
	b := &backends{collector: metrics.NewCollector(cfg.ServiceName)}
	sinks := tracker.MultiSink{b.collector}

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.db = db
	if s := db.Sink(); s != nil {
		sinks = append(sinks, s)
	}

	if len(cfg.KafkaBrokers) > 0 {
		b.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		b.events = tracker.NewAsyncSink(b.kafka, 4096, 10*time.Second, logger)
		sinks = append(sinks, b.events)
		logger.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "prefix", cfg.KafkaTopic)
	}

	b.sink = sinks
	return b, nil
}

func (b *backends) close(logger *log.Logger) {
	if b.events != nil {
		b.events.Close()
	}
	if b.kafka != nil {
		if err := b.kafka.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka client")
		}
	}
	if err := b.db.Close(); err != nil {
		logger.WithError(err).Warn("failed to close databases")
	}
}

// run blocks until ctx ends or a component fails.
func run(ctx context.Context, cfg *config.Config, logger *log.Logger, rebuild <-chan os.Signal) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	var blocks miner.BlockSource
	if cfg.ZMQAddr != "" {
		zn, err := bitcoin.NewZMQNotifier(cfg.ZMQAddr, logger)
		if err != nil {
			return err
		}
		if err := zn.Connect(); err != nil {
			_ = zn.Close()
			return err
		}
		defer zn.Close()
		blocks = zn
	}

	var m *miner.Miner
	m, err = miner.New(miner.Options{
		Config: cfg,
		Logger: logger,
		Sink:   b.sink,
		Store:  b.db.SessionStore(),
		Blocks: blocks,
		OnTick: func(q *work.Queue) {
			b.collector.ObserveQueue(q)
			if m != nil {
				b.collector.ObservePools(m.Pools())
			}
		},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return b.collector.Serve(gctx, cfg.MetricsAddr, logger) })
	}

	if cfg.CPUThreads > 0 {
		sup := miner.NewSupervisor(m, func() miner.WorkerPool {
			return &miner.CPUWorkers{Threads: cfg.CPUThreads, Logger: logger}
		}, logger)
		g.Go(func() error {
			if err := sup.Start(gctx); err != nil {
				return err
			}
			for {
				select {
				case <-gctx.Done():
					return sup.Stop()
				case <-rebuild:
					logger.Info("rebuilding workers")
					if err := sup.Rebuild(gctx); err != nil {
						return err
					}
				}
			}
		})
	}

	err = g.Wait()
	logTotals(logger, m.Totals())
	if errors.IsFatal(err) {
		return err
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func logTotals(logger *log.Logger, t tracker.Totals) {
	logger.Info("share totals",
		"accepted", humanize.Comma(t.Accepted),
		"rejected", humanize.Comma(t.Rejected),
		"stale", humanize.Comma(t.Stale),
		"lost", humanize.Comma(t.Lost),
		"hw_errors", humanize.Comma(t.HWErrors),
		"blocks", t.Blocks,
		"best_share", humanize.SIWithDigits(t.BestShare, 2, ""),
	)
}
