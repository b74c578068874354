package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// ErrHardware is returned for a nonce whose hash misses the device target.
var ErrHardware = errors.New(errors.ErrorTypeInternal, "submit", "nonce does not meet the device target")

// ShareSender writes a share on a live stratum connection.
type ShareSender interface {
	Submit(share stratum.Share, fn func(stratum.SubmitResult)) error
}

// Sessions finds the stratum session serving a pool.
type Sessions interface {
	Session(p *pool.Pool) (ShareSender, bool)
}

// RPCSubmitter submits solutions to getwork and GBT pools.
type RPCSubmitter interface {
	SubmitWork(ctx context.Context, ep bitcoin.Endpoint, data string) (bool, error)
	SubmitBlock(ctx context.Context, ep bitcoin.Endpoint, blockHex, workID string) (string, error)
}

// SubmitOptions configure a Submitter.
type SubmitOptions struct {
	Sessions   Sessions
	RPC        RPCSubmitter
	Shares     *tracker.ShareTracker
	Algorithms *work.Algorithms
	// Stale reports whether work is stale. Nil treats all work as fresh.
	Stale func(*work.Work) bool
	// SubmitStale sends shares for stale work anyway.
	SubmitStale bool
	// LowResource disables resubmission.
	LowResource bool
	// RetryWindow bounds how long a share is resent while the pool keeps
	// the session it was found under.
	RetryWindow time.Duration
	RetryDelay  time.Duration
	// MaxInFlight caps submissions in progress across all pools.
	MaxInFlight int
	Logger      *log.Logger
	Now         func() time.Time
}

type submission struct {
	id        string
	work      *work.Work
	nonce     uint32
	shareDiff float64
	block     bool
	found     time.Time
}

// Submitter validates found nonces and delivers shares to their pools. Each
// pool has one lane, so shares for a pool are sent in order.
type Submitter struct {
	sessions    Sessions
	rpc         RPCSubmitter
	shares      *tracker.ShareTracker
	algos       *work.Algorithms
	stale       func(*work.Work) bool
	submitStale bool
	lowResource bool
	window      time.Duration
	delay       time.Duration
	logger      *log.Logger
	now         func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	swg     sizedwaitgroup.SizedWaitGroup
	pending sync.WaitGroup

	mu     sync.Mutex
	lanes  map[*pool.Pool]*sync.Mutex
	closed bool
}

// NewSubmitter creates a submitter. Close stops it.
func NewSubmitter(opts SubmitOptions) *Submitter {
	if opts.Shares == nil {
		opts.Shares = tracker.NewShareTracker(tracker.ShareOptions{})
	}
	if opts.Algorithms == nil {
		opts.Algorithms = work.NewAlgorithms(work.SHA256d{})
	}
	if opts.Stale == nil {
		opts.Stale = func(*work.Work) bool { return false }
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 120 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Submitter{
		sessions:    opts.Sessions,
		rpc:         opts.RPC,
		shares:      opts.Shares,
		algos:       opts.Algorithms,
		stale:       opts.Stale,
		submitStale: opts.SubmitStale,
		lowResource: opts.LowResource,
		window:      opts.RetryWindow,
		delay:       opts.RetryDelay,
		logger:      opts.Logger.WithComponent("submitter"),
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
		swg:         sizedwaitgroup.New(opts.MaxInFlight),
		lanes:       make(map[*pool.Pool]*sync.Mutex),
	}
}

// SubmitNonce checks a nonce a worker found for w and, if it meets the
// pool's target, queues the share for its pool. Delivery is asynchronous.
func (s *Submitter) SubmitNonce(ctx context.Context, w *work.Work, nonce uint32) error {
	h, err := s.algos.Get(w.Algorithm)
	if err != nil {
		return err
	}

	solved := w.Copy(w.ID)
	bitcoin.SetHeaderNonce(solved.Header, nonce)
	h.Regenhash(solved)
	p := w.Pool

	if !target.HashMeetsTarget(solved.Hash[:], w.DeviceTarget) {
		s.shares.HardwareError(p)
		return ErrHardware
	}

	shareDiff := target.HashDifficulty(solved.Hash[:])
	if s.shares.Found(shareDiff) {
		s.logger.Info("new best share", "difficulty", humanize.SIWithDigits(shareDiff, 2, ""), "pool", p.ID)
	}

	block := target.HashMeetsTarget(solved.Hash[:], w.Network)
	if !block && !target.HashMeetsTarget(solved.Hash[:], w.Target) {
		return nil
	}
	solved.BlockFound = block

	sub := &submission{
		id:        uuid.NewString(),
		work:      solved,
		nonce:     nonce,
		shareDiff: shareDiff,
		block:     block,
		found:     s.now(),
	}
	if block {
		s.logger.LogBlockFound(chainhash.Hash(solved.Hash).String(), p.ID, shareDiff)
	} else if s.stale(w) && !s.submitStale {
		s.record(ctx, sub, tracker.ShareStale, "stale work")
		return nil
	}

	s.spawn(sub)
	return nil
}

// spawn delivers sub on its own goroutine.
func (s *Submitter) spawn(sub *submission) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.record(context.Background(), sub, tracker.ShareLost, "shutting down")
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		s.dispatch(sub)
	}()
}

func (s *Submitter) lane(p *pool.Pool) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[p]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[p] = l
	}
	return l
}

// Forget drops the lane of a removed pool.
func (s *Submitter) Forget(p *pool.Pool) {
	s.mu.Lock()
	delete(s.lanes, p)
	s.mu.Unlock()
}

// dispatch takes the pool's lane before a global slot, so a pool that keeps
// retrying holds at most one slot and never delays other pools.
func (s *Submitter) dispatch(sub *submission) {
	l := s.lane(sub.work.Pool)
	l.Lock()
	defer l.Unlock()

	if err := s.swg.AddWithContext(s.ctx); err != nil {
		s.record(context.Background(), sub, tracker.ShareLost, "shutting down")
		return
	}
	defer s.swg.Done()

	proto := sub.work.Protocol
	if proto == pool.ProtocolUnknown {
		proto = sub.work.Pool.Protocol()
	}
	switch proto {
	case pool.ProtocolStratum:
		s.sendStratum(sub)
	case pool.ProtocolGBT:
		s.sendBlock(sub)
	default:
		s.sendGetwork(sub)
	}
}

func (s *Submitter) retryConfig() *retry.Config {
	if s.lowResource {
		return &retry.Config{MaxAttempts: 1}
	}
	return retry.FixedConfig(s.delay, s.window)
}

// resendable reports whether a share may be sent again: the pool must still
// hold the session the work came from.
func (s *Submitter) resendable(sub *submission) error {
	p := sub.work.Pool
	if p.Removed() {
		return errors.New(errors.ErrorTypePolicy, "submit", "pool removed")
	}
	if sub.work.SessionID == "" || p.SessionID() != sub.work.SessionID {
		return errors.New(errors.ErrorTypePolicy, "submit", "session changed")
	}
	if s.now().Sub(sub.found) >= s.window {
		return errors.New(errors.ErrorTypePolicy, "submit", "retry window elapsed")
	}
	return nil
}

func (s *Submitter) sendStratum(sub *submission) {
	w := sub.work
	p := w.Pool
	share := stratum.Share{
		User:        p.User,
		JobID:       w.JobID,
		Extranonce2: w.Extranonce2,
		NTime:       w.NTime,
		Nonce:       bitcoin.FormatUint32BE(sub.nonce),
	}

	attempt := 0
	err := retry.Do(s.ctx, s.retryConfig(), func() error {
		if attempt++; attempt > 1 {
			if err := s.resendable(sub); err != nil {
				return err
			}
		}
		sess, ok := s.sessions.Session(p)
		if !ok {
			return errors.New(errors.ErrorTypeNetwork, "submit", "no stratum session")
		}
		return sess.Submit(share, func(res stratum.SubmitResult) { s.stratumResult(sub, res) })
	})
	if err != nil {
		s.failed(sub, err)
	}
}

// stratumResult runs on the session goroutine.
func (s *Submitter) stratumResult(sub *submission, res stratum.SubmitResult) {
	switch {
	case res.Err != nil:
		if s.lowResource || s.resendable(sub) != nil {
			s.failed(sub, res.Err)
			return
		}
		s.logger.Debug("connection lost before share verdict, resending", "share_id", sub.id)
		s.spawn(sub)
	case res.Accepted:
		s.record(s.ctx, sub, tracker.ShareAccepted, "")
	default:
		s.record(s.ctx, sub, tracker.ShareRejected, res.Reason)
	}
}

func (s *Submitter) sendGetwork(sub *submission) {
	if s.rpc == nil {
		s.failed(sub, errors.New(errors.ErrorTypeInternal, "submit", "no rpc transport"))
		return
	}
	ok, err := s.rpc.SubmitWork(s.ctx, work.Endpoint(sub.work.Pool), sub.work.SubmitData())
	switch {
	case err != nil:
		s.failed(sub, err)
	case ok:
		s.record(s.ctx, sub, tracker.ShareAccepted, "")
	default:
		s.record(s.ctx, sub, tracker.ShareRejected, "rejected")
	}
}

func (s *Submitter) sendBlock(sub *submission) {
	if s.rpc == nil {
		s.failed(sub, errors.New(errors.ErrorTypeInternal, "submit", "no rpc transport"))
		return
	}
	w := sub.work
	blockHex, err := bitcoin.SerializeBlock(w.Header, w.Coinbase, w.Transactions)
	if err != nil {
		s.failed(sub, errors.Wrap(err, errors.ErrorTypeResource, "submit", "failed to serialize block"))
		return
	}
	reason, err := s.rpc.SubmitBlock(s.ctx, work.Endpoint(w.Pool), blockHex, w.WorkID)
	switch {
	case err != nil:
		s.failed(sub, err)
	case reason == "":
		s.record(s.ctx, sub, tracker.ShareAccepted, "")
	default:
		s.record(s.ctx, sub, tracker.ShareRejected, reason)
	}
}

func (s *Submitter) failed(sub *submission, err error) {
	s.logger.WithError(err).Warn("share lost", "share_id", sub.id, "pool", sub.work.Pool.ID)
	s.record(context.Background(), sub, tracker.ShareLost, err.Error())
}

func (s *Submitter) record(ctx context.Context, sub *submission, result tracker.ShareResult, reason string) {
	w := sub.work
	p := w.Pool
	if result == tracker.ShareAccepted || result == tracker.ShareRejected {
		s.logger.WithPool(p.ID, p.URL()).LogShareResult(w.JobID, w.Difficulty, result == tracker.ShareAccepted, reason)
	}
	s.shares.Record(ctx, p, tracker.ShareEvent{
		ID:          sub.id,
		User:        p.User,
		JobID:       w.JobID,
		Extranonce2: w.Extranonce2,
		NTime:       w.NTime,
		Nonce:       bitcoin.FormatUint32BE(sub.nonce),
		Difficulty:  w.Difficulty,
		ShareDiff:   sub.shareDiff,
		Result:      result,
		Reason:      reason,
		Block:       sub.block,
		Latency:     s.now().Sub(sub.found),
	})
}

// Close stops resubmission and waits until every queued share has a
// verdict or was counted lost.
func (s *Submitter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.pending.Wait()
}
