package tracker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/pkg/log"
)

// DefaultBlockHistory is how many recent block hashes are remembered.
const DefaultBlockHistory = 6

// Restarter broadcasts a work restart.
type Restarter interface {
	Broadcast() uint64
}

// BlockOptions configure a BlockTracker.
type BlockOptions struct {
	History int
	Restart Restarter
	Sink    Sink
	Logger  *log.Logger
	Now     func() time.Time
}

// BlockTracker notices chain tip changes from the previous-block hash of
// freshly built work and from node notifications.
type BlockTracker struct {
	size    int
	restart Restarter
	sink    Sink
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	history []string
	current string
	gen     uint64
	changed time.Time
}

// NewBlockTracker creates a tracker with no block seen yet.
func NewBlockTracker(opts BlockOptions) *BlockTracker {
	if opts.History <= 0 {
		opts.History = DefaultBlockHistory
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
	return &BlockTracker{
		size:    opts.History,
		restart: opts.Restart,
		sink:    opts.Sink,
		logger:  opts.Logger.WithComponent("blocks"),
		now:     opts.Now,
	}
}

// Observe records hash, the previous-block hash of new work from p, and
// returns the current block generation. current is false when hash is a
// block already superseded, so work built on it is stale. The first sight of
// a new hash bumps the generation and broadcasts a restart; p is nil for
// node notifications.
func (t *BlockTracker) Observe(hash string, p *pool.Pool) (gen uint64, current bool) {
	gen, current, _ = t.Track(hash, p)
	return gen, current
}

// Track is Observe that also reports whether this call replaced the current
// block and broadcast the restart. Exactly one caller sees restarted for each
// new block.
func (t *BlockTracker) Track(hash string, p *pool.Pool) (gen uint64, current, restarted bool) {
	t.mu.Lock()
	if hash == t.current {
		gen = t.gen
		t.mu.Unlock()
		return gen, true, false
	}
	if slices.Contains(t.history, hash) {
		gen = t.gen
		t.mu.Unlock()
		return gen, false, false
	}

	first := t.current == ""
	t.history = append(t.history, hash)
	if len(t.history) > t.size {
		t.history = slices.Delete(t.history, 0, len(t.history)-t.size)
	}
	t.current = hash
	t.gen++
	gen = t.gen
	now := t.now()
	t.changed = now
	t.mu.Unlock()

	poolID := -1
	if p != nil {
		poolID = p.ID
	}
	if first {
		t.logger.Info("current block", "hash", hash, "pool", poolID)
	} else {
		t.logger.Info("new block detected", "hash", hash, "pool", poolID, "generation", gen)
		if t.restart != nil {
			t.restart.Broadcast()
		}
	}
	if err := t.sink.RecordBlock(context.Background(), BlockEvent{Hash: hash, PoolID: poolID, Generation: gen, Time: now}); err != nil {
		t.logger.Warn("failed to record block", "error", err)
	}
	return gen, true, !first
}

// Generation returns how many distinct blocks have been seen.
func (t *BlockTracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Current returns the current block hash and when it was first seen.
func (t *BlockTracker) Current() (string, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.changed
}

// Known reports whether hash is among the remembered blocks.
func (t *BlockTracker) Known(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Contains(t.history, hash)
}
