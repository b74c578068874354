package work

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Queue errors.
var (
	ErrFrozen    = errors.New(errors.ErrorTypeInternal, "queue", "queue is frozen")
	ErrDuplicate = errors.New(errors.ErrorTypeInternal, "queue", "work id already staged")
	ErrNoRoll    = errors.New(errors.ErrorTypeInternal, "queue", "work cannot be rolled")
)

// QueueOptions configure a Queue.
type QueueOptions struct {
	Sequence *Sequence
	// Stale reports and latches staleness. Nil treats all work as fresh.
	Stale func(*Work) bool
	// CloneDiscount is subtracted from a clone's staging time so the master
	// stays behind it in pop order.
	CloneDiscount time.Duration
	MaxRolls      int
	// Interval is how long a blocking pop may wait before OnIdle fires.
	Interval time.Duration
	// Recheck bounds each wait of a blocking pop.
	Recheck time.Duration
	OnIdle  func()
	Logger  *log.Logger
	Now     func() time.Time
}

// Queue holds staged work ordered by staging time.
type Queue struct {
	seq       *Sequence
	stale     func(*Work) bool
	discount  time.Duration
	maxRolls  int
	interval  time.Duration
	recheck   time.Duration
	onIdle    func()
	logger    *log.Logger
	now       func() time.Time
	discarded atomic.Uint64
	popped    chan struct{}

	mu       sync.Mutex
	byID     map[uint64]*Work
	order    []*Work
	rollable int
	frozen   bool
	wake     chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue(opts QueueOptions) *Queue {
	if opts.Sequence == nil {
		opts.Sequence = &Sequence{}
	}
	if opts.Stale == nil {
		opts.Stale = func(*Work) bool { return false }
	}
	if opts.CloneDiscount <= 0 {
		opts.CloneDiscount = time.Second
	}
	if opts.MaxRolls <= 0 {
		opts.MaxRolls = 60
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Recheck <= 0 {
		opts.Recheck = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		seq:      opts.Sequence,
		stale:    opts.Stale,
		discount: opts.CloneDiscount,
		maxRolls: opts.MaxRolls,
		interval: opts.Interval,
		recheck:  opts.Recheck,
		onIdle:   opts.OnIdle,
		logger:   opts.Logger.WithComponent("queue"),
		now:      opts.Now,
		popped:   make(chan struct{}, 1),
		byID:     make(map[uint64]*Work),
		wake:     make(chan struct{}),
	}
}

func compareStaged(a, b *Work) int {
	if c := a.Staged.Compare(b.Staged); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Stage adds w. Work without a staging time is stamped now.
func (q *Queue) Stage(w *Work) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frozen {
		return ErrFrozen
	}
	if _, ok := q.byID[w.ID]; ok {
		return ErrDuplicate
	}
	if w.Staged.IsZero() {
		w.Staged = q.now()
	}
	q.insertLocked(w)
	q.broadcastLocked()
	return nil
}

func (q *Queue) insertLocked(w *Work) {
	i, _ := slices.BinarySearchFunc(q.order, w, compareStaged)
	q.order = slices.Insert(q.order, i, w)
	q.byID[w.ID] = w
	if w.CanRoll(q.maxRolls) {
		q.rollable++
	}
}

func (q *Queue) removeLocked(w *Work) {
	i, found := slices.BinarySearchFunc(q.order, w, compareStaged)
	if !found {
		return
	}
	q.order = slices.Delete(q.order, i, i+1)
	delete(q.byID, w.ID)
	if w.CanRoll(q.maxRolls) {
		q.rollable--
	}
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// pickLocked removes and returns the next item. While more items are staged
// than rollable masters, the oldest non-rollable item goes first so masters
// stay available for cloning.
func (q *Queue) pickLocked() *Work {
	if len(q.order) == 0 {
		return nil
	}
	w := q.order[0]
	if q.rollable > 0 && len(q.order) > q.rollable {
		for _, c := range q.order {
			if !c.CanRoll(q.maxRolls) {
				w = c
				break
			}
		}
	}
	q.removeLocked(w)
	return w
}

// Pop removes and returns fresh work. Stale items met on the way are
// discarded. A non-blocking pop on an empty queue returns nil, nil.
func (q *Queue) Pop(ctx context.Context, blocking bool) (*Work, error) {
	var (
		waited time.Duration
		idled  bool
	)
	for {
		q.mu.Lock()
		if q.frozen {
			q.mu.Unlock()
			return nil, ErrFrozen
		}
		w := q.pickLocked()
		wake := q.wake
		q.mu.Unlock()

		if w != nil {
			if q.stale(w) {
				q.discard(w)
				continue
			}
			q.signalPop()
			return w, nil
		}
		if !blocking {
			q.signalPop()
			return nil, nil
		}

		timer := time.NewTimer(q.recheck)
		start := q.now()
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		waited += q.now().Sub(start)
		if !idled && waited > q.interval {
			idled = true
			q.logger.Debug("queue idle", "waited", waited)
			if q.onIdle != nil {
				q.onIdle()
			}
		}
	}
}

func (q *Queue) signalPop() {
	select {
	case q.popped <- struct{}{}:
	default:
	}
}

// Popped delivers a signal after pops so the scheduler can refill.
func (q *Queue) Popped() <-chan struct{} {
	return q.popped
}

func (q *Queue) discard(w *Work) {
	q.discarded.Add(1)
	q.logger.Debug("discarded stale work", "work_id", w.ID, "pool", w.Pool.ID)
}

// Roll rolls w, which must not be staged, in place under a new id.
func (q *Queue) Roll(w *Work) error {
	if !w.CanRoll(q.maxRolls) {
		return ErrNoRoll
	}
	return w.Roll(q.seq.Next())
}

// Clone returns an independent copy of w marked as a clone. Its staging time
// is discounted so it sorts ahead of the master.
func (q *Queue) Clone(w *Work) *Work {
	c := w.Copy(q.seq.Next())
	c.Clone = true
	c.Mandatory = false
	c.LongPoll = false
	c.Stale = false
	c.Staged = w.Staged.Add(-q.discount)
	return c
}

// CloneAvailable stages a clone of the first fresh rollable master and rolls
// the master. It reports whether a clone was made.
func (q *Queue) CloneAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frozen || q.rollable == 0 {
		return false
	}

	for _, master := range q.order {
		if !master.CanRoll(q.maxRolls) || q.stale(master) {
			continue
		}
		q.removeLocked(master)
		clone := q.Clone(master)
		if err := master.Roll(q.seq.Next()); err != nil {
			q.logger.Error("failed to roll work", "work_id", master.ID, "error", err)
			q.insertLocked(master)
			return false
		}
		q.insertLocked(master)
		q.insertLocked(clone)
		q.broadcastLocked()
		return true
	}
	return false
}

// DiscardPool drops all work built for p and returns how many items went.
func (q *Queue) DiscardPool(p *pool.Pool) int {
	return q.discardWhere(func(w *Work) bool { return w.Pool == p })
}

// DiscardStale drops all stale work and returns how many items went.
func (q *Queue) DiscardStale() int {
	return q.discardWhere(q.stale)
}

func (q *Queue) discardWhere(match func(*Work) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	kept := q.order[:0]
	for _, w := range q.order {
		if match(w) {
			delete(q.byID, w.ID)
			n++
			continue
		}
		kept = append(kept, w)
	}
	clear(q.order[len(kept):])
	q.order = kept
	q.rollable = 0
	for _, w := range q.order {
		if w.CanRoll(q.maxRolls) {
			q.rollable++
		}
	}
	if n > 0 {
		q.discarded.Add(uint64(n))
	}
	return n
}

// Freeze rejects further staging and releases blocked pops.
func (q *Queue) Freeze() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frozen {
		return
	}
	q.frozen = true
	q.broadcastLocked()
}

// Frozen reports whether Freeze was called.
func (q *Queue) Frozen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frozen
}

// Len returns the number of staged items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Rollable returns the number of staged masters that can still be rolled.
func (q *Queue) Rollable() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rollable
}

// Discarded returns the number of stale or purged items dropped so far.
func (q *Queue) Discarded() uint64 {
	return q.discarded.Load()
}
