// Package pool holds upstream pool records and the registry that selects the
// pool each new unit of work is built for.
package pool

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol is the wire protocol a pool was found to speak.
type Protocol int32

const (
	ProtocolUnknown Protocol = iota
	ProtocolStratum
	ProtocolGetwork
	ProtocolGBT
)

func (p Protocol) String() string {
	switch p {
	case ProtocolStratum:
		return "stratum"
	case ProtocolGetwork:
		return "getwork"
	case ProtocolGBT:
		return "gbt"
	default:
		return "unknown"
	}
}

// State is the administrative state of a pool.
type State int32

const (
	StateEnabled State = iota
	StateDisabled
	// StateRejecting is entered automatically after too many sequential
	// rejects and left on the next accepted share.
	StateRejecting
)

func (s State) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateRejecting:
		return "rejecting"
	default:
		return "unknown"
	}
}

// Config describes a pool to add to a Registry.
type Config struct {
	URL       string
	User      string
	Pass      string
	Name      string
	Proxy     string
	Algorithm string
	Priority  int
	Quota     int
	Disabled  bool
}

// Job is the most recent stratum job together with the subscription values
// needed to build work from it. Values returned by Pool.Job are deep copies.
type Job struct {
	JobID        string
	PrevHash     string
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch [][]byte
	Version      string
	NBits        string
	NTime        string
	Clean        bool

	Difficulty      float64
	Extranonce1     []byte
	Extranonce2Size int
	SessionID       string
	Generation      uint64
	Received        time.Time
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Coinb1 = append([]byte(nil), j.Coinb1...)
	c.Coinb2 = append([]byte(nil), j.Coinb2...)
	c.Extranonce1 = append([]byte(nil), j.Extranonce1...)
	c.MerkleBranch = make([][]byte, len(j.MerkleBranch))
	for i, b := range j.MerkleBranch {
		c.MerkleBranch[i] = append([]byte(nil), b...)
	}
	return &c
}

// Stats are per-pool share counters.
type Stats struct {
	Accepted     int64
	Rejected     int64
	Stale        int64
	DiffAccepted float64
	DiffRejected float64
	SeqRejects   int64
	GetFailures  int64
	Works        int64
	LastShare    time.Time
	Since        time.Time
}

// Utility returns accepted shares per minute since the pool was added.
func (s Stats) Utility(now time.Time) float64 {
	mins := now.Sub(s.Since).Minutes()
	if mins <= 0 {
		return 0
	}
	return float64(s.Accepted) / mins
}

// Pool is one upstream pool. Selection fields (priority, quota) are guarded
// by the owning Registry; session fields by mu; the rest are atomics.
type Pool struct {
	ID        int
	User      string
	Pass      string
	Name      string
	Proxy     string
	Algorithm string

	// XNSub requests mining.extranonce.subscribe after authorization.
	XNSub bool

	priority  int
	quota     int
	quotaGCD  int
	quotaUsed int
	balance   int64

	state     atomic.Int32
	protocol  atomic.Int32
	idle      atomic.Bool
	connected atomic.Bool
	notified  atomic.Bool
	removed   atomic.Bool
	nonce2    atomic.Uint64

	mu          sync.RWMutex
	url         string
	job         *Job
	nextDiff    float64
	extranonce1 []byte
	n2size      int
	sessionID   string
	notifyCount uint64
	jobGen      uint64
	longPollURL string

	statsMu sync.Mutex
	stats   Stats
	latency time.Duration
}

// New creates a pool from cfg. It starts idle until a connection succeeds.
func New(cfg Config) *Pool {
	u, xnsub := strings.CutSuffix(cfg.URL, "#xnsub")
	p := &Pool{
		User:      cfg.User,
		Pass:      cfg.Pass,
		Name:      cfg.Name,
		Proxy:     cfg.Proxy,
		Algorithm: cfg.Algorithm,
		XNSub:     xnsub,
		priority:  cfg.Priority,
		quota:     cfg.Quota,
		url:       u,
		nextDiff:  1,
	}
	if p.Name == "" {
		p.Name = u
	}
	if p.Algorithm == "" {
		p.Algorithm = "sha256d"
	}
	if cfg.Disabled {
		p.state.Store(int32(StateDisabled))
	}
	if IsStratumURL(u) {
		p.protocol.Store(int32(ProtocolStratum))
	}
	p.idle.Store(true)
	p.stats.Since = time.Now()
	return p
}

// IsStratumURL reports whether raw names a stratum endpoint.
func IsStratumURL(raw string) bool {
	return strings.HasPrefix(raw, "stratum+tcp://") || strings.HasPrefix(raw, "stratum://")
}

// URL returns the current pool URL. A client.reconnect or an X-Stratum
// upgrade may change it.
func (p *Pool) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// SetURL replaces the pool URL.
func (p *Pool) SetURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
	if IsStratumURL(u) {
		p.SetProtocol(ProtocolStratum)
	}
}

// HostPort returns the host:port of the pool URL.
func (p *Pool) HostPort() string {
	u, err := url.Parse(p.URL())
	if err != nil {
		return ""
	}
	return u.Host
}

func (p *Pool) State() State { return State(p.state.Load()) }
func (p *Pool) SetState(s State) { p.state.Store(int32(s)) }
func (p *Pool) Enabled() bool { return p.State() == StateEnabled }
func (p *Pool) Protocol() Protocol { return Protocol(p.protocol.Load()) }
func (p *Pool) SetProtocol(pr Protocol) { p.protocol.Store(int32(pr)) }
func (p *Pool) Idle() bool { return p.idle.Load() }
func (p *Pool) Connected() bool { return p.connected.Load() }
func (p *Pool) HasJob() bool { return p.notified.Load() }
func (p *Pool) Removed() bool { return p.removed.Load() }
func (p *Pool) MarkRemoved() { p.removed.Store(true) }
func (p *Pool) NextExtranonce2() uint64 { return p.nonce2.Add(1) - 1 }

// SetLongPollURL records the long-poll path advertised by an RPC pool.
func (p *Pool) SetLongPollURL(u string) {
	p.mu.Lock()
	p.longPollURL = u
	p.mu.Unlock()
}

// LongPollURL returns the advertised long-poll URL, if any.
func (p *Pool) LongPollURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.longPollURL
}

// MarkIdle flags the pool as not answering. It reports whether the pool was
// alive before.
func (p *Pool) MarkIdle() bool {
	return !p.idle.Swap(true)
}

// MarkAlive clears the idle flag. It reports whether the pool was idle before.
func (p *Pool) MarkAlive() bool {
	return p.idle.Swap(false)
}

// SetConnected records the stratum socket state. Disconnecting also forgets
// that a notify was received, so the pool is unusable until the next one.
func (p *Pool) SetConnected(c bool) {
	p.connected.Store(c)
	if !c {
		p.notified.Store(false)
	}
}

// Usable reports whether work may be built for the pool.
func (p *Pool) Usable() bool {
	if !p.Enabled() || p.Idle() || p.Removed() {
		return false
	}
	if p.Protocol() == ProtocolStratum {
		return p.Connected() && p.HasJob()
	}
	return true
}

// SetSubscription stores the values returned by mining.subscribe.
func (p *Pool) SetSubscription(extranonce1 []byte, n2size int, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extranonce1 = append([]byte(nil), extranonce1...)
	p.n2size = n2size
	p.sessionID = sessionID
}

// SetExtranonce handles mining.set_extranonce.
func (p *Pool) SetExtranonce(extranonce1 []byte, n2size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extranonce1 = append([]byte(nil), extranonce1...)
	p.n2size = n2size
}

// SessionID returns the resume id from the last subscribe.
func (p *Pool) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

// ClearSession forgets the resume id.
func (p *Pool) ClearSession() {
	p.mu.Lock()
	p.sessionID = ""
	p.mu.Unlock()
}

// SetNextDifficulty records a mining.set_difficulty value. It takes effect at
// the next notify so work already built keeps its difficulty.
func (p *Pool) SetNextDifficulty(d float64) {
	p.mu.Lock()
	p.nextDiff = d
	p.mu.Unlock()
}

// NextDifficulty returns the difficulty the next job will carry.
func (p *Pool) NextDifficulty() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextDiff
}

// ApplyNotify installs job as the current job and returns its generation.
// The job is owned by the pool afterwards.
func (p *Pool) ApplyNotify(job *Job) uint64 {
	p.mu.Lock()
	job.Difficulty = p.nextDiff
	job.Extranonce1 = append([]byte(nil), p.extranonce1...)
	job.Extranonce2Size = p.n2size
	job.SessionID = p.sessionID
	p.notifyCount++
	p.jobGen++
	job.Generation = p.jobGen
	if job.Received.IsZero() {
		job.Received = time.Now()
	}
	p.job = job
	gen := p.jobGen
	p.mu.Unlock()

	p.notified.Store(true)
	return gen
}

// Job returns a deep copy of the current stratum job, or nil.
func (p *Pool) Job() *Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.job.Clone()
}

// JobID returns the current stratum job id without copying the job.
func (p *Pool) JobID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.job == nil {
		return ""
	}
	return p.job.JobID
}

// NotifyCount returns the number of notifies received.
func (p *Pool) NotifyCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.notifyCount
}

// RecordLatency folds one request round trip into an exponentially weighted
// average.
func (p *Pool) RecordLatency(d time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	if p.latency == 0 {
		p.latency = d
		return
	}
	p.latency = (p.latency*7 + d) / 8
}

// Latency returns the averaged request latency.
func (p *Pool) Latency() time.Duration {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.latency
}

// RecordAccepted counts an accepted share and clears the reject streak.
func (p *Pool) RecordAccepted(diff float64, at time.Time) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.Accepted++
	p.stats.DiffAccepted += diff
	p.stats.SeqRejects = 0
	p.stats.LastShare = at
}

// RecordRejected counts a rejected share and returns the reject streak.
func (p *Pool) RecordRejected(diff float64, at time.Time) int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.Rejected++
	p.stats.DiffRejected += diff
	p.stats.SeqRejects++
	p.stats.LastShare = at
	return p.stats.SeqRejects
}

// RecordStale counts a share dropped or rejected as stale.
func (p *Pool) RecordStale() {
	p.statsMu.Lock()
	p.stats.Stale++
	p.statsMu.Unlock()
}

// RecordWork counts a unit of work built for the pool.
func (p *Pool) RecordWork() {
	p.statsMu.Lock()
	p.stats.Works++
	p.stats.GetFailures = 0
	p.statsMu.Unlock()
}

// RecordGetFailure counts a failed work fetch and returns the streak.
func (p *Pool) RecordGetFailure() int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.GetFailures++
	return p.stats.GetFailures
}

// Stats returns a copy of the share counters.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}
