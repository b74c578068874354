// Package scheduler keeps the staged work queue filled, submits found shares
// and watches pool health.
package scheduler

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Selector picks the pool the next unit of work is built for.
type Selector interface {
	Select() *pool.Pool
}

// Builder turns a pool into work.
type Builder interface {
	Build(ctx context.Context, p *pool.Pool) (*work.Work, error)
}

// BlockObserver records the previous-block hash of new work.
type BlockObserver interface {
	Observe(hash string, p *pool.Pool) (gen uint64, current bool)
}

// Options configure a Scheduler.
type Options struct {
	Selector Selector
	Builder  Builder
	Queue    *work.Queue
	Blocks   BlockObserver
	// Depth is how many items the scheduler keeps staged.
	Depth int
	// Poll bounds how long the loop sleeps without a wake-up.
	Poll time.Duration
	// GetFailLimit marks an RPC pool idle after this many failed fetches.
	GetFailLimit int64
	Logger       *log.Logger
}

// Scheduler keeps the queue at depth, cloning rollable work before asking a
// pool for more.
type Scheduler struct {
	sel      Selector
	builder  Builder
	queue    *work.Queue
	blocks   BlockObserver
	depth    int
	poll     time.Duration
	failures int64
	logger   *log.Logger
	kick     chan struct{}
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Depth <= 0 {
		opts.Depth = 2
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.GetFailLimit <= 0 {
		opts.GetFailLimit = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &Scheduler{
		sel:      opts.Selector,
		builder:  opts.Builder,
		queue:    opts.Queue,
		blocks:   opts.Blocks,
		depth:    opts.Depth,
		poll:     opts.Poll,
		failures: opts.GetFailLimit,
		logger:   opts.Logger.WithComponent("scheduler"),
		kick:     make(chan struct{}, 1),
	}
}

// Kick wakes the loop, for example after a pool delivered a new job.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run fills the queue until ctx ends. It returns early only on a fatal
// error.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if err := s.Fill(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.queue.Popped():
		case <-s.kick:
		case <-ticker.C:
		}
	}
}

// Fill stages work until the queue holds Depth items or no pool can provide
// more. Only fatal errors are returned.
func (s *Scheduler) Fill(ctx context.Context) error {
	for s.queue.Len() < s.depth {
		if ctx.Err() != nil || s.queue.Frozen() {
			return nil
		}
		if s.queue.CloneAvailable() {
			continue
		}

		p := s.sel.Select()
		if p == nil {
			s.logger.Debug("no usable pool")
			return nil
		}
		w, err := s.builder.Build(ctx, p)
		if err != nil {
			if errors.IsFatal(err) {
				s.logger.WithError(err).Error("failed to build work", "pool", p.ID)
				return err
			}
			s.buildFailed(p, err)
			return nil
		}
		if err := s.Stage(w); err != nil {
			return nil
		}
	}
	return nil
}

// Stage records the block w builds on and queues it. Work built on a
// superseded block is dropped.
func (s *Scheduler) Stage(w *work.Work) error {
	if s.blocks != nil {
		prev := bitcoin.HeaderPrevHash(w.Header).String()
		gen, current := s.blocks.Observe(prev, w.Pool)
		w.Generation = gen
		if !current {
			w.Stale = true
			s.logger.Debug("dropping work for a superseded block", "pool", w.Pool.ID, "prevhash", prev)
			return errors.New(errors.ErrorTypeStale, "stage", "work builds on an old block")
		}
	}
	if err := s.queue.Stage(w); err != nil {
		s.logger.Debug("failed to stage work", "work_id", w.ID, "error", err)
		return err
	}
	return nil
}

// Probe fetches work from an idle RPC pool and stages it if the pool
// answered.
func (s *Scheduler) Probe(ctx context.Context, p *pool.Pool) error {
	w, err := s.builder.Build(ctx, p)
	if err != nil {
		return err
	}
	if p.MarkAlive() {
		s.logger.Info("pool alive", "pool", p.ID, "pool_url", p.URL())
	}
	return s.Stage(w)
}

func (s *Scheduler) buildFailed(p *pool.Pool, err error) {
	if p.Protocol() == pool.ProtocolStratum {
		s.logger.Debug("stratum pool not ready", "pool", p.ID, "error", err)
		return
	}
	n := p.RecordGetFailure()
	s.logger.WithError(err).Warn("failed to get work", "pool", p.ID, "failures", n)
	if n >= s.failures && p.MarkIdle() {
		s.logger.Warn("pool not providing work, marking idle", "pool", p.ID, "pool_url", p.URL())
	}
}
