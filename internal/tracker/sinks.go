// Package tracker follows the chain tip and share results, and fans the
// resulting events out to storage and metrics sinks.
package tracker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// ShareResult is the outcome of one found share.
type ShareResult string

const (
	ShareAccepted ShareResult = "accepted"
	ShareRejected ShareResult = "rejected"
	// ShareStale was dropped locally or arrived after the pool moved on.
	ShareStale ShareResult = "stale"
	// ShareLost never got a verdict, usually because the connection dropped.
	ShareLost ShareResult = "lost"
	// ShareHWError failed local verification.
	ShareHWError ShareResult = "hw_error"
)

// ShareEvent describes one share and what happened to it.
type ShareEvent struct {
	ID          string
	PoolID      int
	PoolURL     string
	User        string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	// Difficulty is the target difficulty the share was submitted at.
	Difficulty float64
	// ShareDiff is the difficulty the hash actually reached.
	ShareDiff float64
	Result    ShareResult
	Reason    string
	Block     bool
	Latency   time.Duration
	Time      time.Time
}

// BlockEvent announces a new chain tip. PoolID is -1 when the node reported
// it directly.
type BlockEvent struct {
	Hash       string
	PoolID     int
	Generation uint64
	Time       time.Time
}

// SwitchEvent records a change of the current pool.
type SwitchEvent struct {
	From     int
	To       int
	Strategy string
	Time     time.Time
}

// Sink consumes tracker events.
type Sink interface {
	RecordShare(ctx context.Context, ev ShareEvent) error
	RecordBlock(ctx context.Context, ev BlockEvent) error
	RecordSwitch(ctx context.Context, ev SwitchEvent) error
}

// NopSink ignores every event. Embed it to implement part of Sink.
type NopSink struct{}

func (NopSink) RecordShare(context.Context, ShareEvent) error   { return nil }
func (NopSink) RecordBlock(context.Context, BlockEvent) error   { return nil }
func (NopSink) RecordSwitch(context.Context, SwitchEvent) error { return nil }

// MultiSink delivers every event to each sink in turn.
type MultiSink []Sink

func (m MultiSink) RecordShare(ctx context.Context, ev ShareEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordShare(ctx, ev))
	}
	return stderrors.Join(errs...)
}

func (m MultiSink) RecordBlock(ctx context.Context, ev BlockEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordBlock(ctx, ev))
	}
	return stderrors.Join(errs...)
}

func (m MultiSink) RecordSwitch(ctx context.Context, ev SwitchEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordSwitch(ctx, ev))
	}
	return stderrors.Join(errs...)
}

// ErrSinkFull is returned when an AsyncSink buffer has no room.
var ErrSinkFull = errors.New(errors.ErrorTypeStorage, "sink", "event buffer full")

// AsyncSink decouples slow sinks from the mining path. Events are queued and
// delivered by one goroutine; when the buffer is full they are dropped.
type AsyncSink struct {
	next    Sink
	timeout time.Duration
	logger  *log.Logger
	events  chan func(context.Context) error
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts delivering to next. Close must be called to stop it.
func NewAsyncSink(next Sink, buffer int, timeout time.Duration, logger *log.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Discard()
	}
	a := &AsyncSink{
		next:    next,
		timeout: timeout,
		logger:  logger.WithComponent("sink"),
		events:  make(chan func(context.Context) error, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for fn := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := fn(ctx); err != nil {
			a.logger.Error("failed to record event", "error", err)
		}
		cancel()
	}
}

func (a *AsyncSink) enqueue(fn func(context.Context) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.events <- fn:
		return nil
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("event buffer full, dropping events", "dropped", a.dropped.Load())
		}
		return ErrSinkFull
	}
}

func (a *AsyncSink) RecordShare(_ context.Context, ev ShareEvent) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.RecordShare(ctx, ev) })
}

func (a *AsyncSink) RecordBlock(_ context.Context, ev BlockEvent) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.RecordBlock(ctx, ev) })
}

func (a *AsyncSink) RecordSwitch(_ context.Context, ev SwitchEvent) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.RecordSwitch(ctx, ev) })
}

// Dropped returns how many events were discarded for lack of buffer space.
func (a *AsyncSink) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}
