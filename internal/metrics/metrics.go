// Package metrics exports share, block and queue statistics to Prometheus.
package metrics

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// Collector is a tracker.Sink that keeps Prometheus series. It owns its
// registry so tests and multiple miners do not collide.
type Collector struct {
	registry *prometheus.Registry

	shares       *prometheus.CounterVec
	shareDiff    *prometheus.CounterVec
	shareLatency prometheus.Histogram
	blocks       *prometheus.CounterVec
	switches     *prometheus.CounterVec

	queueDepth     prometheus.Gauge
	queueRollable  prometheus.Gauge
	queueDiscarded prometheus.Gauge

	poolState    *prometheus.GaugeVec
	poolFailures *prometheus.GaugeVec
}

// NewCollector creates a collector with every series registered under
// namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "gominer"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_total",
			Help:      "Shares by pool and result.",
		}, []string{"pool", "result"}),
		shareDiff: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_difficulty_total",
			Help:      "Summed pool difficulty of shares by pool and result.",
		}, []string{"pool", "result"}),
		shareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "share_latency_seconds",
			Help:      "Time from finding a share to its verdict.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_seen_total",
			Help:      "New blocks detected, by source.",
		}, []string{"source"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_switches_total",
			Help:      "Current pool changes by strategy.",
		}, []string{"strategy"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Staged work items.",
		}),
		queueRollable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_rollable",
			Help:      "Staged work items that can still be rolled.",
		}),
		queueDiscarded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_discarded",
			Help:      "Stale work items discarded since start.",
		}),
		poolState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_usable",
			Help:      "1 when the pool can supply work.",
		}, []string{"pool"}),
		poolFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_get_failures",
			Help:      "Consecutive failed work requests per pool.",
		}, []string{"pool"}),
	}
	c.registry.MustRegister(
		c.shares, c.shareDiff, c.shareLatency, c.blocks, c.switches,
		c.queueDepth, c.queueRollable, c.queueDiscarded,
		c.poolState, c.poolFailures,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func poolLabel(id int) string {
	if id < 0 {
		return "node"
	}
	return strconv.Itoa(id)
}

// RecordShare implements tracker.Sink.
func (c *Collector) RecordShare(_ context.Context, ev tracker.ShareEvent) error {
	labels := []string{poolLabel(ev.PoolID), string(ev.Result)}
	c.shares.WithLabelValues(labels...).Inc()
	c.shareDiff.WithLabelValues(labels...).Add(ev.Difficulty)
	if ev.Latency > 0 {
		c.shareLatency.Observe(ev.Latency.Seconds())
	}
	return nil
}

// RecordBlock implements tracker.Sink.
func (c *Collector) RecordBlock(_ context.Context, ev tracker.BlockEvent) error {
	source := "pool"
	if ev.PoolID < 0 {
		source = "node"
	}
	c.blocks.WithLabelValues(source).Inc()
	return nil
}

// RecordSwitch implements tracker.Sink.
func (c *Collector) RecordSwitch(_ context.Context, ev tracker.SwitchEvent) error {
	c.switches.WithLabelValues(ev.Strategy).Inc()
	return nil
}

// ObserveQueue updates the queue gauges.
func (c *Collector) ObserveQueue(q *work.Queue) {
	c.queueDepth.Set(float64(q.Len()))
	c.queueRollable.Set(float64(q.Rollable()))
	c.queueDiscarded.Set(float64(q.Discarded()))
}

// ObservePools updates the per-pool gauges.
func (c *Collector) ObservePools(infos []pool.Info) {
	c.poolState.Reset()
	c.poolFailures.Reset()
	for _, info := range infos {
		label := poolLabel(info.ID)
		usable := 0.0
		if info.Usable {
			usable = 1
		}
		c.poolState.WithLabelValues(label).Set(usable)
		c.poolFailures.WithLabelValues(label).Set(float64(info.Stats.GetFailures))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Serve exposes /metrics on addr until ctx ends.
func (c *Collector) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Discard()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
