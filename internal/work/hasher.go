package work

import (
	"sort"
	"sync"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/pkg/errors"
)

// Params describe how the core treats an algorithm.
type Params struct {
	Name     string
	Encoding target.Encoding
	RollMode RollMode
	// DiffMultiplier scales pool difficulty into the algorithm's own units.
	DiffMultiplier float64
}

// Hasher is the algorithm capability supplied by the compute module.
type Hasher interface {
	Params() Params
	// PrepareWork finalizes the header before it is staged.
	PrepareWork(w *Work) error
	// Regenhash recomputes w.Hash from w.Header.
	Regenhash(w *Work)
}

// Algorithms maps algorithm names to hashers.
type Algorithms struct {
	mu sync.RWMutex
	m  map[string]Hasher
}

// NewAlgorithms returns a registry holding hs.
func NewAlgorithms(hs ...Hasher) *Algorithms {
	a := &Algorithms{m: make(map[string]Hasher, len(hs))}
	for _, h := range hs {
		a.Register(h)
	}
	return a
}

// Register adds or replaces h under its own name.
func (a *Algorithms) Register(h Hasher) {
	a.mu.Lock()
	a.m[h.Params().Name] = h
	a.mu.Unlock()
}

// Get returns the hasher for name.
func (a *Algorithms) Get(name string) (Hasher, error) {
	a.mu.RLock()
	h, ok := a.m[name]
	a.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeInternal, "algorithms", "unknown algorithm %q", name)
	}
	return h, nil
}

// Names returns the registered algorithm names in order.
func (a *Algorithms) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.m))
	for n := range a.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SHA256d is bitcoin's double SHA-256.
type SHA256d struct{}

func (SHA256d) Params() Params {
	return Params{Name: "sha256d", Encoding: target.EncodingTruediff, RollMode: RollNTime, DiffMultiplier: 1}
}

func (SHA256d) PrepareWork(w *Work) error {
	if len(w.Header) != bitcoin.HeaderSize {
		return errors.Newf(errors.ErrorTypeInternal, "sha256d", "header is %d bytes", len(w.Header))
	}
	return nil
}

func (SHA256d) Regenhash(w *Work) {
	w.Hash = bitcoin.DoubleSHA256(w.Header)
}
