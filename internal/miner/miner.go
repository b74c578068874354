// Package miner wires pools, work production and share submission into one
// object that hashing workers and the process entry point talk to.
package miner

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/scheduler"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// RPC is everything the miner needs from a getwork/GBT transport.
type RPC interface {
	GetWork(ctx context.Context, ep bitcoin.Endpoint) (*bitcoin.GetworkResult, *bitcoin.Reply, error)
	GetBlockTemplate(ctx context.Context, ep bitcoin.Endpoint) (*btcjson.GetBlockTemplateResult, *bitcoin.Reply, error)
	LongPoll(ctx context.Context, ep bitcoin.Endpoint, lpURL string) (*bitcoin.GetworkResult, *bitcoin.Reply, error)
	SubmitWork(ctx context.Context, ep bitcoin.Endpoint, data string) (bool, error)
	SubmitBlock(ctx context.Context, ep bitcoin.Endpoint, blockHex, workID string) (string, error)
}

// BlockSource announces new blocks independently of the pools, typically a
// local node.
type BlockSource interface {
	Listen(ctx context.Context, fn bitcoin.BlockFunc) error
}

// Options carry the collaborators a Miner is built from. Only Config is
// required.
type Options struct {
	Config *config.Config
	Logger *log.Logger
	// Sink receives share, block and switch events.
	Sink tracker.Sink
	// Store persists stratum resume ids.
	Store stratum.SessionStore
	// RPC defaults to a bitcoin.RPCClient built from Config.
	RPC RPC
	// Blocks is an optional node notifier.
	Blocks     BlockSource
	Algorithms *work.Algorithms
	// Dial overrides stratum dialing, for tests.
	Dial stratum.DialFunc
	// OnTick runs on every watchdog pass.
	OnTick func(q *work.Queue)
}

type session struct {
	sess   *stratum.Session
	cancel context.CancelFunc
}

// Miner owns the pool registry, the staged work queue and the loops that
// keep it filled.
type Miner struct {
	cfg    *config.Config
	base   *log.Logger
	logger *log.Logger
	sink   tracker.Sink
	store  stratum.SessionStore
	dial   stratum.DialFunc
	source BlockSource

	registry  *pool.Registry
	seq       *work.Sequence
	restart   *work.Restart
	queue     *work.Queue
	stale     *work.StaleChecker
	factory   *work.Factory
	blocks    *tracker.BlockTracker
	shares    *tracker.ShareTracker
	sched     *scheduler.Scheduler
	submitter *scheduler.Submitter
	longPoll  *scheduler.LongPollManager
	watchdog  *scheduler.Watchdog

	mu       sync.Mutex
	runCtx   context.Context
	sessions map[*pool.Pool]*session
	wg       sync.WaitGroup
}

// New builds a miner and registers the configured pools. Nothing connects
// until Run.
func New(opts Options) (*Miner, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "miner", "config is required")
	}
	strategy, err := pool.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePolicy, "miner", "invalid strategy")
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Sink == nil {
		opts.Sink = tracker.NopSink{}
	}
	if opts.Algorithms == nil {
		opts.Algorithms = work.NewAlgorithms(work.SHA256d{})
	}
	if opts.RPC == nil {
		opts.RPC = bitcoin.NewRPCClient(bitcoin.RPCConfig{
			UserAgent: cfg.ClientID,
			Timeout:   cfg.RPCTimeout,
			RateLimit: cfg.RPCRateLimit,
			Logger:    opts.Logger,
		})
	}

	m := &Miner{
		cfg:      cfg,
		base:     opts.Logger,
		logger:   opts.Logger.WithComponent("miner"),
		sink:     opts.Sink,
		store:    opts.Store,
		dial:     opts.Dial,
		source:   opts.Blocks,
		seq:      &work.Sequence{},
		restart:  work.NewRestart(),
		sessions: make(map[*pool.Pool]*session),
	}

	m.registry = pool.NewRegistry(pool.Options{
		Strategy:        strategy,
		RotateInterval:  cfg.RotateInterval,
		FailSwitchDelay: cfg.FailSwitchDelay,
		Logger:          opts.Logger,
	})
	m.registry.OnSwitch(m.onSwitch)

	m.blocks = tracker.NewBlockTracker(tracker.BlockOptions{
		Restart: m.restart,
		Sink:    opts.Sink,
		Logger:  opts.Logger,
	})
	m.shares = tracker.NewShareTracker(tracker.ShareOptions{
		Registry:        m.registry,
		RejectThreshold: int64(cfg.RejectThreshold),
		UtilityFactor:   cfg.RejectUtility,
		Sink:            opts.Sink,
		Logger:          opts.Logger,
	})
	m.stale = work.NewStaleChecker(work.StaleOptions{
		Selector:  m.registry,
		Blocks:    m.blocks,
		Expiry:    cfg.Expiry,
		MinExpiry: cfg.MinExpiry,
	})
	m.queue = work.NewQueue(work.QueueOptions{
		Sequence:      m.seq,
		Stale:         m.stale.IsStale,
		CloneDiscount: cfg.CloneDiscount,
		MaxRolls:      cfg.MaxRolls,
		Interval:      cfg.ScanInterval,
		OnIdle:        m.onIdle,
		Logger:        opts.Logger,
	})
	m.factory = work.NewFactory(work.FactoryOptions{
		Algorithms:    opts.Algorithms,
		RPC:           opts.RPC,
		Sequence:      m.seq,
		MaxDeviceDiff: cfg.MaxDeviceDiff,
		OnStratum:     m.upgrade,
		Logger:        opts.Logger,
	})
	m.sched = scheduler.New(scheduler.Options{
		Selector:     m.registry,
		Builder:      m.factory,
		Queue:        m.queue,
		Blocks:       m.blocks,
		Depth:        cfg.QueueDepth,
		GetFailLimit: int64(cfg.GetFailLimit),
		Logger:       opts.Logger,
	})
	m.submitter = scheduler.NewSubmitter(scheduler.SubmitOptions{
		Sessions:    m,
		RPC:         opts.RPC,
		Shares:      m.shares,
		Algorithms:  opts.Algorithms,
		Stale:       m.stale.IsStale,
		SubmitStale: cfg.SubmitStale,
		LowResource: cfg.LowResource,
		RetryWindow: cfg.SubmitRetryWindow,
		MaxInFlight: cfg.SubmitLanes,
		Logger:      opts.Logger,
	})
	m.longPoll = scheduler.NewLongPollManager(scheduler.LongPollOptions{
		RPC:       opts.RPC,
		Builder:   m.factory,
		Scheduler: m.sched,
		Logger:    opts.Logger,
	})
	m.watchdog = scheduler.NewWatchdog(scheduler.WatchdogOptions{
		Pools:     m.registry,
		Queue:     m.queue,
		Scheduler: m.sched,
		LongPoll:  m.longPoll,
		Period:    cfg.WatchdogPeriod,
		OnTick:    opts.OnTick,
		Logger:    opts.Logger,
	})

	for _, pc := range cfg.Pools {
		m.registry.AddPool(poolConfig(pc))
	}
	return m, nil
}

func poolConfig(pc config.PoolConfig) pool.Config {
	return pool.Config{
		URL:       pc.URL,
		User:      pc.User,
		Pass:      pc.Pass,
		Name:      pc.Name,
		Proxy:     pc.Proxy,
		Algorithm: pc.Algorithm,
		Priority:  pc.Priority,
		Quota:     pc.Quota,
		Disabled:  pc.Disabled,
	}
}

// Run connects to the pools and keeps work flowing until ctx ends or a fatal
// error occurs. Queue waiters are released when it returns.
func (m *Miner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	m.mu.Lock()
	m.runCtx = gctx
	for _, p := range m.registry.Pools() {
		if p.Protocol() == pool.ProtocolStratum {
			m.startSessionLocked(p)
		}
	}
	m.mu.Unlock()

	g.Go(func() error { return m.sched.Run(gctx) })
	g.Go(func() error { return m.watchdog.Run(gctx) })
	if m.source != nil {
		g.Go(func() error {
			err := m.source.Listen(gctx, func(hash string) { m.blocks.Observe(hash, nil) })
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	m.logger.Info("miner started", "pools", len(m.registry.Pools()), "strategy", m.registry.Strategy().String())
	err := g.Wait()

	m.queue.Freeze()
	m.wg.Wait()
	m.longPoll.Wait()
	m.submitter.Close()
	if err != nil {
		m.logger.WithError(err).Error("miner stopped")
		return err
	}
	m.logger.Info("miner stopped")
	return nil
}

func (m *Miner) startSessionLocked(p *pool.Pool) {
	if m.runCtx == nil || m.runCtx.Err() != nil {
		return
	}
	if _, ok := m.sessions[p]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	sess := stratum.NewSession(p, m, stratum.Config{
		ClientID:       m.cfg.ClientID,
		ConnectTimeout: m.cfg.ConnectTimeout,
		ReadTimeout:    m.cfg.ReadTimeout,
		WriteTimeout:   m.cfg.WriteTimeout,
		ReconnectDelay: m.cfg.ReconnectDelay,
		Store:          m.store,
		Logger:         m.base,
		Dial:           m.dial,
	})
	m.sessions[p] = &session{sess: sess, cancel: cancel}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := sess.Run(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Error("stratum session ended", "pool", p.ID)
		}
		m.mu.Lock()
		if cur, ok := m.sessions[p]; ok && cur.sess == sess {
			delete(m.sessions, p)
		}
		m.mu.Unlock()
	}()
}

func (m *Miner) stopSession(p *pool.Pool) {
	m.mu.Lock()
	s, ok := m.sessions[p]
	delete(m.sessions, p)
	m.mu.Unlock()
	if ok {
		s.cancel()
		s.sess.Close()
	}
}

// Session returns the authorized stratum session of p.
func (m *Miner) Session(p *pool.Pool) (scheduler.ShareSender, bool) {
	m.mu.Lock()
	s, ok := m.sessions[p]
	m.mu.Unlock()
	if !ok || !s.sess.Authorized() {
		return nil, false
	}
	return s.sess, true
}

// upgrade moves an RPC pool that advertised X-Stratum onto stratum.
func (m *Miner) upgrade(p *pool.Pool, url string) {
	if !pool.IsStratumURL(url) {
		m.logger.Warn("ignoring unsupported stratum url", "pool", p.ID, "url", url)
		return
	}
	m.logger.Info("switching pool to stratum", "pool", p.ID, "from", p.URL(), "to", url)
	m.longPoll.Stop(p)
	p.SetURL(url)
	m.queue.DiscardPool(p)

	m.mu.Lock()
	m.startSessionLocked(p)
	m.mu.Unlock()
}

// OnNotify handles a new stratum job. A clean job drops the pool's staged
// work and restarts workers exactly once, whether or not it also starts a
// new block.
func (m *Miner) OnNotify(p *pool.Pool, job *pool.Job) {
	if job.Clean {
		if n := m.queue.DiscardPool(p); n > 0 {
			m.logger.Debug("clean job discarded staged work", "pool", p.ID, "count", n)
		}
	}

	restarted := false
	if prev, err := bitcoin.ParsePrevHash(job.PrevHash); err == nil {
		var current bool
		_, current, restarted = m.blocks.Track(prev.String(), p)
		if !current {
			m.logger.Warn("pool sent a job for a superseded block", "pool", p.ID, "job_id", job.JobID)
		}
	}
	if job.Clean && !restarted {
		m.restart.Broadcast()
	}
	m.sched.Kick()
}

// OnReconnect drops work for a pool that is moving to another endpoint.
func (m *Miner) OnReconnect(p *pool.Pool) {
	m.queue.DiscardPool(p)
	m.sched.Kick()
}

// OnSuspend lets the registry fail over from a pool whose connection died.
func (m *Miner) OnSuspend(p *pool.Pool) {
	m.logger.Warn("pool connection lost", "pool", p.ID, "pool_url", p.URL())
	m.registry.Reevaluate()
	m.sched.Kick()
}

func (m *Miner) onSwitch(from, to *pool.Pool) {
	if !m.registry.CrossPoolAllowed() {
		m.queue.DiscardPool(from)
		m.restart.Broadcast()
	}
	ev := tracker.SwitchEvent{
		From:     from.ID,
		To:       to.ID,
		Strategy: m.registry.Strategy().String(),
		Time:     time.Now(),
	}
	if err := m.sink.RecordSwitch(context.Background(), ev); err != nil {
		m.logger.Warn("failed to record pool switch", "error", err)
	}
	m.sched.Kick()
}

func (m *Miner) onIdle() {
	m.logger.Warn("workers waiting for work, pools may be slow")
	m.sched.Kick()
}

// GetWork blocks until work is available or ctx ends.
func (m *Miner) GetWork(ctx context.Context) (*work.Work, error) {
	w, err := m.queue.Pop(ctx, true)
	if err != nil {
		return nil, err
	}
	w.Started = time.Now()
	return w, nil
}

// TryGetWork returns staged work or nil without waiting.
func (m *Miner) TryGetWork() (*work.Work, error) {
	w, err := m.queue.Pop(context.Background(), false)
	if w != nil {
		w.Started = time.Now()
	}
	return w, err
}

// SubmitNonce hands a nonce found for w to the submitter.
func (m *Miner) SubmitNonce(ctx context.Context, w *work.Work, nonce uint32) error {
	return m.submitter.SubmitNonce(ctx, w, nonce)
}

// IsStale reports whether w should be abandoned.
func (m *Miner) IsStale(w *work.Work) bool {
	return m.stale.IsStale(w)
}

// Restart returns the signal broadcast when workers must drop their work.
func (m *Miner) Restart() *work.Restart {
	return m.restart
}

// Queue exposes the staged work queue.
func (m *Miner) Queue() *work.Queue {
	return m.queue
}

// Totals returns the global share counters.
func (m *Miner) Totals() tracker.Totals {
	return m.shares.Totals()
}

// CurrentBlock returns the current block hash and when it was first seen.
func (m *Miner) CurrentBlock() (string, time.Time) {
	return m.blocks.Current()
}
