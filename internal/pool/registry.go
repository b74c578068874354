package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// SwitchFunc is called after the current pool changes. from is nil on the
// first selection.
type SwitchFunc func(from, to *Pool)

// Options configures a Registry.
type Options struct {
	Strategy        Strategy
	RotateInterval  time.Duration
	FailSwitchDelay time.Duration
	Logger          *log.Logger
	Now             func() time.Time
}

// Info is a point-in-time view of a pool for listings.
type Info struct {
	ID       int
	URL      string
	Name     string
	Priority int
	Quota    int
	State    State
	Protocol Protocol
	Idle     bool
	Usable   bool
	Current  bool
	Stats    Stats
}

// Registry owns the pool list and the selection strategy. It replaces the
// process-wide pool array, current pool and strategy globals with one object.
type Registry struct {
	mu              sync.RWMutex
	pools           []*Pool
	nextID          int
	current         *Pool
	strategy        Strategy
	rotateInterval  time.Duration
	lastRotate      time.Time
	failSwitchDelay time.Duration
	usableSince     map[*Pool]time.Time
	onSwitch        []SwitchFunc

	now    func() time.Time
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return &Registry{
		strategy:        opts.Strategy,
		rotateInterval:  opts.RotateInterval,
		failSwitchDelay: opts.FailSwitchDelay,
		usableSince:     make(map[*Pool]time.Time),
		now:             opts.Now,
		logger:          opts.Logger.WithComponent("registry"),
	}
}

// OnSwitch registers fn to run after every change of the current pool.
func (r *Registry) OnSwitch(fn SwitchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSwitch = append(r.onSwitch, fn)
}

func (r *Registry) fireSwitch(from, to *Pool) {
	if from == nil || to == nil || from == to {
		return
	}
	r.mu.RLock()
	hooks := append([]SwitchFunc(nil), r.onSwitch...)
	strategy := r.strategy
	r.mu.RUnlock()

	r.logger.LogPoolSwitch(from.ID, to.ID, strategy.String())
	for _, fn := range hooks {
		fn(from, to)
	}
}

// AddPool creates a pool from cfg and appends it. A zero priority puts the
// pool at the end of the failover order. An explicit priority takes that
// slot and pushes later pools down; priorities are then renumbered 0..n-1.
func (r *Registry) AddPool(cfg Config) *Pool {
	p := New(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	p.ID = r.nextID
	r.nextID++
	if cfg.Priority <= 0 {
		p.priority = 0
		for _, other := range r.pools {
			p.priority = max(p.priority, other.priority+1)
		}
	} else {
		for _, other := range r.pools {
			if other.priority >= p.priority {
				other.priority++
			}
		}
	}
	if p.quota < 0 {
		p.quota = 0
	}
	r.pools = append(r.pools, p)
	r.renumberLocked()
	r.recalcQuotasLocked()

	r.logger.Info("pool added", "pool", p.ID, "pool_url", p.URL(), "priority", p.priority, "quota", p.quota)
	return p
}

// RemovePool marks the pool removed and excises it from the list. Work that
// still references the pool keeps it alive until retired.
func (r *Registry) RemovePool(id int) (*Pool, error) {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return nil, errNotFound("remove", id)
	}
	p := r.pools[idx]
	p.MarkRemoved()
	r.pools = append(r.pools[:idx], r.pools[idx+1:]...)
	delete(r.usableSince, p)
	r.recalcQuotasLocked()

	var next *Pool
	if r.current == p {
		next = r.reselectLocked()
	}
	r.mu.Unlock()

	r.logger.Info("pool removed", "pool", id)
	r.fireSwitch(p, next)
	return p, nil
}

// EnablePool re-enables a disabled or rejecting pool. Under failover it is
// switched back to only after the switch delay.
func (r *Registry) EnablePool(id int) error {
	p := r.Get(id)
	if p == nil {
		return errNotFound("enable", id)
	}
	p.SetState(StateEnabled)
	r.logger.Info("pool enabled", "pool", id)
	return nil
}

// DisablePool disables a pool, moving off it at once if it is current.
func (r *Registry) DisablePool(id int) error {
	return r.demote(id, StateDisabled, "disable")
}

// MarkRejecting demotes a pool that keeps rejecting shares.
func (r *Registry) MarkRejecting(p *Pool) {
	r.logger.Warn("pool rejecting too many shares, disabling", "pool", p.ID)
	_ = r.demote(p.ID, StateRejecting, "reject")
}

func (r *Registry) demote(id int, state State, op string) error {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return errNotFound(op, id)
	}
	p := r.pools[idx]
	p.SetState(state)
	delete(r.usableSince, p)

	var next *Pool
	if r.current == p {
		next = r.reselectLocked()
	}
	r.mu.Unlock()

	r.fireSwitch(p, next)
	return nil
}

// SwitchPool makes id the current pool. Under failover it also becomes the
// highest priority pool so it is not switched away from on the next tick.
func (r *Registry) SwitchPool(id int) error {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return errNotFound("switch", id)
	}
	p := r.pools[idx]
	if p.State() != StateEnabled {
		p.SetState(StateEnabled)
	}

	p.priority = -1
	r.renumberLocked()

	old := r.current
	r.current = p
	r.lastRotate = r.now()
	r.mu.Unlock()

	r.fireSwitch(old, p)
	return nil
}

// SetPoolPriority changes a pool's failover priority. Lower is preferred.
func (r *Registry) SetPoolPriority(id, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(id)
	if idx < 0 {
		return errNotFound("priority", id)
	}
	r.pools[idx].priority = priority
	return nil
}

// SetPoolQuota changes a pool's load-balance quota. Zero excludes it.
func (r *Registry) SetPoolQuota(id, quota int) error {
	if quota < 0 {
		return errors.Newf(errors.ErrorTypePolicy, "quota", "negative quota %d", quota)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(id)
	if idx < 0 {
		return errNotFound("quota", id)
	}
	r.pools[idx].quota = quota
	r.recalcQuotasLocked()
	return nil
}

// SetStrategy changes the selection strategy. rotate is the rotate interval
// and is required for StrategyRotate.
func (r *Registry) SetStrategy(s Strategy, rotate time.Duration) error {
	if _, ok := strategyNames[s]; !ok {
		return errors.Newf(errors.ErrorTypePolicy, "strategy", "unknown strategy %d", s)
	}
	if s == StrategyRotate && rotate <= 0 {
		return errors.New(errors.ErrorTypePolicy, "strategy", "rotate requires a positive interval")
	}

	r.mu.Lock()
	r.strategy = s
	if rotate > 0 {
		r.rotateInterval = rotate
	}
	r.lastRotate = r.now()
	for _, p := range r.pools {
		p.quotaUsed = 0
		p.balance = 0
	}
	r.mu.Unlock()

	r.logger.Info("pool strategy changed", "strategy", s.String(), "rotate", rotate)
	return nil
}

// Select returns the pool the next unit of work should come from, switching
// the current pool when the strategy calls for it. It returns nil when no
// pool is usable.
func (r *Registry) Select() *Pool {
	r.mu.Lock()
	now := r.now()
	r.refreshUsableLocked(now)
	old := r.current

	var p *Pool
	switch r.strategy {
	case StrategyLoadBalance:
		p = r.selectLoadBalanceLocked()
	case StrategyBalance:
		p = r.selectBalanceLocked()
	case StrategyRoundRobin:
		p = r.selectRoundRobinLocked()
	case StrategyRotate:
		p = r.selectRotateLocked(now)
	default:
		p = r.selectFailoverLocked(now)
	}
	if p != nil {
		r.current = p
	}
	perWork := r.strategy.perWork()
	r.mu.Unlock()

	if !perWork {
		r.fireSwitch(old, p)
	}
	return p
}

// Reevaluate applies time based switching (failback, rotation) without
// consuming a load-balance quota. The watchdog calls it periodically.
func (r *Registry) Reevaluate() {
	r.mu.Lock()
	perWork := r.strategy.perWork()
	if perWork {
		r.refreshUsableLocked(r.now())
	}
	r.mu.Unlock()
	if !perWork {
		r.Select()
	}
}

func (r *Registry) refreshUsableLocked(now time.Time) {
	for _, p := range r.pools {
		if p.Usable() {
			if _, ok := r.usableSince[p]; !ok {
				r.usableSince[p] = now
			}
		} else {
			delete(r.usableSince, p)
		}
	}
}

// reselectLocked picks a replacement for a current pool that just became
// unusable.
func (r *Registry) reselectLocked() *Pool {
	from := r.current
	r.current = nil
	if r.strategy.perWork() {
		return nil
	}
	var next *Pool
	switch r.strategy {
	case StrategyRoundRobin, StrategyRotate:
		next = r.nextUsableAfterLocked(from)
		r.lastRotate = r.now()
	default:
		next = r.bestUsableLocked()
	}
	r.current = next
	return next
}

func (r *Registry) bestUsableLocked() *Pool {
	var best *Pool
	for _, p := range r.pools {
		if !p.Usable() {
			continue
		}
		if best == nil || p.priority < best.priority {
			best = p
		}
	}
	return best
}

func (r *Registry) selectFailoverLocked(now time.Time) *Pool {
	best := r.bestUsableLocked()
	cur := r.current
	if cur == nil || !cur.Usable() {
		return best
	}
	if best == nil || best == cur || best.priority >= cur.priority {
		return cur
	}
	if since, ok := r.usableSince[best]; ok && now.Sub(since) >= r.failSwitchDelay {
		return best
	}
	return cur
}

func (r *Registry) nextUsableAfterLocked(cur *Pool) *Pool {
	n := len(r.pools)
	start := -1
	if cur != nil {
		start = r.indexLocked(cur.ID)
	}
	for i := 1; i <= n; i++ {
		p := r.pools[(start+i+n)%n]
		if p.Usable() {
			return p
		}
	}
	return nil
}

func (r *Registry) selectRoundRobinLocked() *Pool {
	if cur := r.current; cur != nil && cur.Usable() {
		return cur
	}
	return r.nextUsableAfterLocked(r.current)
}

func (r *Registry) selectRotateLocked(now time.Time) *Pool {
	cur := r.current
	if cur != nil && cur.Usable() && (r.rotateInterval <= 0 || now.Sub(r.lastRotate) < r.rotateInterval) {
		return cur
	}
	r.lastRotate = now
	return r.nextUsableAfterLocked(cur)
}

func (r *Registry) selectLoadBalanceLocked() *Pool {
	for pass := 0; pass < 2; pass++ {
		for _, p := range r.pools {
			if p.quotaGCD > 0 && p.quotaUsed < p.quotaGCD && p.Usable() {
				p.quotaUsed++
				return p
			}
		}
		for _, p := range r.pools {
			p.quotaUsed = 0
		}
	}
	return nil
}

func (r *Registry) selectBalanceLocked() *Pool {
	var best *Pool
	for _, p := range r.pools {
		if !p.Usable() {
			continue
		}
		if best == nil || p.balance < best.balance {
			best = p
		}
	}
	if best != nil {
		best.balance++
	}
	return best
}

func (r *Registry) recalcQuotasLocked() {
	g := 0
	for _, p := range r.pools {
		if p.quota > 0 {
			g = gcd(g, p.quota)
		}
	}
	for _, p := range r.pools {
		p.quotaGCD = 0
		if g > 0 {
			p.quotaGCD = p.quota / g
		}
		p.quotaUsed = 0
	}
}

// renumberLocked reassigns priorities 0..n-1 keeping the relative order.
func (r *Registry) renumberLocked() {
	ordered := append([]*Pool(nil), r.pools...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].priority < ordered[j-1].priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for i, p := range ordered {
		p.priority = i
	}
}

func (r *Registry) indexLocked(id int) int {
	for i, p := range r.pools {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the pool with the given id, or nil.
func (r *Registry) Get(id int) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexLocked(id); idx >= 0 {
		return r.pools[idx]
	}
	return nil
}

// Pools returns the pools in list order.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Pool(nil), r.pools...)
}

// Current returns the current pool, or nil before the first selection.
func (r *Registry) Current() *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Strategy returns the active strategy.
func (r *Registry) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// CrossPoolAllowed reports whether work from a pool other than the current
// one may still be handed out.
func (r *Registry) CrossPoolAllowed() bool {
	return r.Strategy().SharesWork()
}

// Infos returns a listing of all pools.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, Info{
			ID:       p.ID,
			URL:      p.URL(),
			Name:     p.Name,
			Priority: p.priority,
			Quota:    p.quota,
			State:    p.State(),
			Protocol: p.Protocol(),
			Idle:     p.Idle(),
			Usable:   p.Usable(),
			Current:  p == r.current,
			Stats:    p.Stats(),
		})
	}
	return out
}

func errNotFound(op string, id int) error {
	return errors.New(errors.ErrorTypePolicy, op, fmt.Sprintf("no pool with id %d", id))
}
