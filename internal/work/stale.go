package work

import (
	"time"

	"github.com/bardlex/gominer/internal/pool"
)

// Selector is the part of the pool registry staleness depends on.
type Selector interface {
	Current() *pool.Pool
	CrossPoolAllowed() bool
}

// Blocks reports the current block generation.
type Blocks interface {
	Generation() uint64
}

// StaleOptions configure a StaleChecker.
type StaleOptions struct {
	Selector Selector
	Blocks   Blocks
	// Expiry bounds the age of work that carries no roll window.
	Expiry time.Duration
	// MinExpiry floors the age limit after latency is subtracted.
	MinExpiry time.Duration
	Now       func() time.Time
}

// StaleChecker decides whether work can still yield useful shares.
type StaleChecker struct {
	sel       Selector
	blocks    Blocks
	expiry    time.Duration
	minExpiry time.Duration
	now       func() time.Time
}

// NewStaleChecker creates a checker.
func NewStaleChecker(opts StaleOptions) *StaleChecker {
	if opts.Expiry <= 0 {
		opts.Expiry = 120 * time.Second
	}
	if opts.MinExpiry <= 0 {
		opts.MinExpiry = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StaleChecker{
		sel:       opts.Selector,
		blocks:    opts.Blocks,
		expiry:    opts.Expiry,
		minExpiry: opts.MinExpiry,
		now:       opts.Now,
	}
}

// IsStale reports whether w is stale. Once true the result is latched in w.
func (c *StaleChecker) IsStale(w *Work) bool {
	if w.Stale {
		return true
	}
	if c.stale(w) {
		w.Stale = true
	}
	return w.Stale
}

func (c *StaleChecker) stale(w *Work) bool {
	p := w.Pool
	if p.Removed() {
		return true
	}

	// The pool moved on to another job.
	if w.JobID != "" && p.JobID() != w.JobID {
		return true
	}

	if c.blocks != nil && w.Generation != 0 && w.Generation != c.blocks.Generation() {
		return true
	}

	window := w.RollWindow
	if window <= 0 {
		window = c.expiry
	}
	window -= p.Latency()
	if window < c.minExpiry {
		window = c.minExpiry
	}
	if !w.Staged.IsZero() && c.now().Sub(w.Staged) >= window {
		return true
	}

	if !w.Mandatory && c.sel != nil && !c.sel.CrossPoolAllowed() {
		if cur := c.sel.Current(); cur != nil && cur != p {
			return true
		}
	}
	return false
}
