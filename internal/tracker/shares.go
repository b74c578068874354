package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/pkg/log"
)

// Demoter is the registry surface used to demote and restore pools.
type Demoter interface {
	MarkRejecting(p *pool.Pool)
	EnablePool(id int) error
}

// ShareOptions configure a ShareTracker.
type ShareOptions struct {
	Registry Demoter
	// RejectThreshold is the sequential reject count a pool must exceed
	// before it can be demoted.
	RejectThreshold int64
	// UtilityFactor demotes only when sequential rejects also exceed this
	// many minutes worth of the pool's accepted share rate.
	UtilityFactor float64
	Sink          Sink
	Logger        *log.Logger
	Now           func() time.Time
}

// Totals are the global share counters.
type Totals struct {
	Accepted     int64
	Rejected     int64
	Stale        int64
	Lost         int64
	HWErrors     int64
	Blocks       int64
	DiffAccepted float64
	DiffRejected float64
	DiffStale    float64
	BestShare    float64
	Since        time.Time
}

// ShareTracker keeps share totals and demotes pools that keep rejecting.
type ShareTracker struct {
	registry  Demoter
	threshold int64
	factor    float64
	sink      Sink
	logger    *log.Logger
	now       func() time.Time

	mu     sync.Mutex
	totals Totals
}

// NewShareTracker creates a tracker with zero totals.
func NewShareTracker(opts ShareOptions) *ShareTracker {
	if opts.RejectThreshold <= 0 {
		opts.RejectThreshold = 10
	}
	if opts.UtilityFactor <= 0 {
		opts.UtilityFactor = 3
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ShareTracker{
		registry:  opts.Registry,
		threshold: opts.RejectThreshold,
		factor:    opts.UtilityFactor,
		sink:      opts.Sink,
		logger:    opts.Logger.WithComponent("shares"),
		now:       opts.Now,
		totals:    Totals{Since: opts.Now()},
	}
}

// Found records the difficulty a hash reached and reports whether it is the
// best seen so far.
func (t *ShareTracker) Found(shareDiff float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if shareDiff <= t.totals.BestShare {
		return false
	}
	t.totals.BestShare = shareDiff
	return true
}

// HardwareError counts a nonce that failed local verification.
func (t *ShareTracker) HardwareError(p *pool.Pool) {
	t.mu.Lock()
	t.totals.HWErrors++
	t.mu.Unlock()
	t.logger.Warn("hardware error, nonce does not meet target", "pool", poolID(p))
}

// Record applies one share outcome to the totals and to p, then hands the
// event to the sink.
func (t *ShareTracker) Record(ctx context.Context, p *pool.Pool, ev ShareEvent) {
	if ev.Time.IsZero() {
		ev.Time = t.now()
	}
	if p != nil {
		ev.PoolID = p.ID
		if ev.PoolURL == "" {
			ev.PoolURL = p.URL()
		}
	}

	t.mu.Lock()
	switch ev.Result {
	case ShareAccepted:
		t.totals.Accepted++
		t.totals.DiffAccepted += ev.Difficulty
	case ShareRejected:
		t.totals.Rejected++
		t.totals.DiffRejected += ev.Difficulty
	case ShareStale:
		t.totals.Stale++
		t.totals.DiffStale += ev.Difficulty
	case ShareLost:
		t.totals.Lost++
	case ShareHWError:
		t.totals.HWErrors++
	}
	if ev.Block && ev.Result == ShareAccepted {
		t.totals.Blocks++
	}
	t.mu.Unlock()

	if p != nil {
		switch ev.Result {
		case ShareAccepted:
			t.accepted(p, ev)
		case ShareRejected:
			t.rejected(p, ev)
		case ShareStale, ShareLost:
			p.RecordStale()
		}
	}

	if err := t.sink.RecordShare(ctx, ev); err != nil {
		t.logger.Warn("failed to record share", "error", err)
	}
}

func (t *ShareTracker) accepted(p *pool.Pool, ev ShareEvent) {
	p.RecordAccepted(ev.Difficulty, ev.Time)
	if p.State() != pool.StateRejecting || t.registry == nil {
		return
	}
	if err := t.registry.EnablePool(p.ID); err != nil {
		t.logger.Error("failed to re-enable pool", "pool", p.ID, "error", err)
		return
	}
	t.logger.Info("rejecting pool accepted a share, re-enabling", "pool", p.ID)
}

func (t *ShareTracker) rejected(p *pool.Pool, ev ShareEvent) {
	seq := p.RecordRejected(ev.Difficulty, ev.Time)
	if seq <= t.threshold || p.State() != pool.StateEnabled || t.registry == nil {
		return
	}
	utility := p.Stats().Utility(ev.Time)
	if float64(seq) <= utility*t.factor {
		return
	}
	t.logger.Warn("pool exceeded reject limits", "pool", p.ID, "seq_rejects", seq, "utility", utility)
	t.registry.MarkRejecting(p)
}

// Totals returns a copy of the global counters.
func (t *ShareTracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

func poolID(p *pool.Pool) int {
	if p == nil {
		return -1
	}
	return p.ID
}
