package miner

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// WorkSource is what hashing workers consume. *Miner implements it.
type WorkSource interface {
	GetWork(ctx context.Context) (*work.Work, error)
	SubmitNonce(ctx context.Context, w *work.Work, nonce uint32) error
	IsStale(w *work.Work) bool
	Restart() *work.Restart
}

// WorkerPool is a set of hashing workers. Run returns once ctx ends and all
// workers have stopped.
type WorkerPool interface {
	Run(ctx context.Context, src WorkSource) error
}

// Supervisor owns the worker pool and can rebuild it in place, for example
// after the device set changed.
type Supervisor struct {
	src     WorkSource
	newPool func() WorkerPool
	logger  *log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	started time.Time
	builds  int
}

// NewSupervisor creates a supervisor that builds pools with newPool.
func NewSupervisor(src WorkSource, newPool func() WorkerPool, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Discard()
	}
	return &Supervisor{
		src:     src,
		newPool: newPool,
		logger:  logger.WithComponent("supervisor"),
	}
}

// Start builds and starts a worker pool.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New(errors.ErrorTypePolicy, "supervisor", "workers already running")
	}

	wp := s.newPool()
	if wp == nil {
		return errors.New(errors.ErrorTypeInternal, "supervisor", "no worker pool")
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	s.cancel = cancel
	s.done = done
	s.started = time.Now()
	s.builds++

	go func() {
		done <- wp.Run(wctx, s.src)
	}()
	s.logger.Info("workers started", "build", s.builds)
	return nil
}

// Stop cancels the worker pool and waits for it to finish.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, done, started := s.cancel, s.done, s.started
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	err := <-done
	s.logger.LogDuration("workers", time.Since(started))
	if err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.WithError(err).Error("workers stopped with error")
		return err
	}
	s.logger.Info("workers stopped")
	return nil
}

// Rebuild stops the running pool, waits for it and starts a fresh one.
func (s *Supervisor) Rebuild(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("rebuilding after worker failure", "error", err)
	}
	return s.Start(ctx)
}

// Running reports whether a worker pool is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Builds returns how many worker pools have been started.
func (s *Supervisor) Builds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds
}
