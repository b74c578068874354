package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// LongPoller is the RPC call that blocks until the node has new work.
type LongPoller interface {
	LongPoll(ctx context.Context, ep bitcoin.Endpoint, lpURL string) (*bitcoin.GetworkResult, *bitcoin.Reply, error)
}

// GetworkBuilder converts a getwork reply into work.
type GetworkBuilder interface {
	FromGetwork(p *pool.Pool, res *bitcoin.GetworkResult, reply *bitcoin.Reply) (*work.Work, error)
}

// LongPollOptions configure a LongPollManager.
type LongPollOptions struct {
	RPC       LongPoller
	Builder   GetworkBuilder
	Scheduler *Scheduler
	// ErrorDelay is the pause after a failed long-poll request.
	ErrorDelay time.Duration
	Logger     *log.Logger
}

// LongPollManager runs one long-poll loop per getwork pool that advertised
// a long-poll URL. Work from a long-poll reply is mandatory: it is never
// discarded for belonging to a pool other than the current one.
type LongPollManager struct {
	rpc     LongPoller
	builder GetworkBuilder
	sched   *Scheduler
	delay   time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	running map[*pool.Pool]context.CancelFunc
	wg      sync.WaitGroup
}

// NewLongPollManager creates a manager with no loops running.
func NewLongPollManager(opts LongPollOptions) *LongPollManager {
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &LongPollManager{
		rpc:     opts.RPC,
		builder: opts.Builder,
		sched:   opts.Scheduler,
		delay:   opts.ErrorDelay,
		logger:  opts.Logger.WithComponent("longpoll"),
		running: make(map[*pool.Pool]context.CancelFunc),
	}
}

// Ensure starts a loop for p if it needs one and none is running.
func (m *LongPollManager) Ensure(ctx context.Context, p *pool.Pool) bool {
	if !m.eligible(p) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[p]; ok {
		return false
	}
	lctx, cancel := context.WithCancel(ctx)
	m.running[p] = cancel
	m.wg.Add(1)
	go m.loop(lctx, p)
	return true
}

// Stop ends the loop for p, if any.
func (m *LongPollManager) Stop(p *pool.Pool) {
	m.mu.Lock()
	cancel, ok := m.running[p]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a loop is active for p.
func (m *LongPollManager) Running(p *pool.Pool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[p]
	return ok
}

// Wait blocks until every loop has returned.
func (m *LongPollManager) Wait() {
	m.wg.Wait()
}

func (m *LongPollManager) eligible(p *pool.Pool) bool {
	return !p.Removed() && p.Protocol() == pool.ProtocolGetwork && p.LongPollURL() != ""
}

func (m *LongPollManager) loop(ctx context.Context, p *pool.Pool) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.running, p)
		m.mu.Unlock()
	}()

	logger := m.logger.WithPool(p.ID, p.URL())
	logger.Info("long-poll started", "url", p.LongPollURL())

	for ctx.Err() == nil && m.eligible(p) {
		res, reply, err := m.rpc.LongPoll(ctx, work.Endpoint(p), p.LongPollURL())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.WithError(err).Warn("long-poll failed, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(m.delay):
			}
			continue
		}
		if !m.eligible(p) {
			break
		}

		w, err := m.builder.FromGetwork(p, res, reply)
		if err != nil {
			logger.WithError(err).Warn("failed to decode long-poll work")
			continue
		}
		w.LongPoll = true
		w.Mandatory = true
		logger.Debug("long-poll returned new work", "work_id", w.ID)
		if err := m.sched.Stage(w); err == nil {
			m.sched.Kick()
		}
	}
	logger.Info("long-poll stopped")
}
