package work

import (
	"slices"
	"sync"
)

// Restart is a best-effort broadcast asking workers to drop what they are
// hashing. Workers either poll Generation or wait on C.
type Restart struct {
	mu        sync.Mutex
	gen       uint64
	ch        chan struct{}
	listeners []func(gen uint64)
}

// NewRestart returns a restart signal at generation zero.
func NewRestart() *Restart {
	return &Restart{ch: make(chan struct{})}
}

// Broadcast fires the signal and returns the new generation.
func (r *Restart) Broadcast() uint64 {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	close(r.ch)
	r.ch = make(chan struct{})
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(gen)
	}
	return gen
}

// Generation returns how many restarts have been broadcast.
func (r *Restart) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// C returns a channel closed by the next Broadcast.
func (r *Restart) C() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

// Subscribe registers fn to run after every broadcast.
func (r *Restart) Subscribe(fn func(gen uint64)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}
