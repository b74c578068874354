package scheduler

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// PoolSet is the registry surface the watchdog drives.
type PoolSet interface {
	Pools() []*pool.Pool
	Reevaluate()
}

// WatchdogOptions configure a Watchdog.
type WatchdogOptions struct {
	Pools     PoolSet
	Queue     *work.Queue
	Scheduler *Scheduler
	LongPoll  *LongPollManager
	Period    time.Duration
	// OnTick runs after each pass, for example to export queue gauges.
	OnTick func(q *work.Queue)
	Logger *log.Logger
}

// Watchdog periodically re-evaluates pool selection, drops stale work and
// probes idle RPC pools so failback happens without a share being found.
type Watchdog struct {
	pools    PoolSet
	queue    *work.Queue
	sched    *Scheduler
	longPoll *LongPollManager
	period   time.Duration
	onTick   func(q *work.Queue)
	logger   *log.Logger
}

// NewWatchdog creates a watchdog.
func NewWatchdog(opts WatchdogOptions) *Watchdog {
	if opts.Period <= 0 {
		opts.Period = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &Watchdog{
		pools:    opts.Pools,
		queue:    opts.Queue,
		sched:    opts.Scheduler,
		longPoll: opts.LongPoll,
		period:   opts.Period,
		onTick:   opts.OnTick,
		logger:   opts.Logger.WithComponent("watchdog"),
	}
}

// Run ticks until ctx ends.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one watchdog pass.
func (w *Watchdog) Tick(ctx context.Context) {
	w.pools.Reevaluate()

	if n := w.queue.DiscardStale(); n > 0 {
		w.logger.Debug("discarded stale work", "count", n)
	}

	for _, p := range w.pools.Pools() {
		if p.Removed() || p.State() == pool.StateDisabled {
			continue
		}
		if p.Idle() && p.Protocol() != pool.ProtocolStratum && w.sched != nil {
			if err := w.sched.Probe(ctx, p); err != nil {
				w.logger.Debug("idle pool still not answering", "pool", p.ID, "error", err)
			}
		}
		if w.longPoll != nil {
			w.longPoll.Ensure(ctx, p)
		}
	}

	if w.onTick != nil {
		w.onTick(w.queue)
	}
}
