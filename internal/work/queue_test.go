package work

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
)

func newTestQueue(opts QueueOptions) (*Queue, *Sequence) {
	seq := &Sequence{}
	opts.Sequence = seq
	return NewQueue(opts), seq
}

func item(seq *Sequence, p *pool.Pool, staged time.Time, window time.Duration) *Work {
	w := &Work{ID: seq.Next(), Pool: p, Header: make([]byte, bitcoin.HeaderSize), Staged: staged, RollWindow: window}
	bitcoin.SetHeaderNTime(w.Header, 1000)
	return w
}

func TestQueue_Stage(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{})
	p := rpcPool(1)

	w := item(seq, p, time.Time{}, 0)
	if err := q.Stage(w); err != nil {
		t.Fatal(err)
	}
	if w.Staged.IsZero() {
		t.Error("Stage did not stamp the staging time")
	}
	if err := q.Stage(w); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate stage = %v", err)
	}

	q.Freeze()
	if err := q.Stage(item(seq, p, time.Time{}, 0)); !errors.Is(err, ErrFrozen) {
		t.Errorf("stage after freeze = %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d", q.Len())
	}
}

func TestQueue_PopOrder(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{})
	p := rpcPool(1)
	base := time.Now()

	late := item(seq, p, base.Add(2*time.Second), 0)
	early := item(seq, p, base, 0)
	mid := item(seq, p, base.Add(time.Second), 0)
	for _, w := range []*Work{late, early, mid} {
		if err := q.Stage(w); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []*Work{early, mid, late} {
		got, err := q.Pop(context.Background(), false)
		if err != nil || got != want {
			t.Fatalf("Pop() = %v, %v; want id %d", got, err, want.ID)
		}
	}
	if got, err := q.Pop(context.Background(), false); got != nil || err != nil {
		t.Errorf("Pop() on empty queue = %v, %v", got, err)
	}
}

func TestQueue_PopPrefersNonRollable(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{})
	p := rpcPool(1)
	base := time.Now()

	master := item(seq, p, base, time.Minute)
	plain := item(seq, p, base.Add(time.Second), 0)
	_ = q.Stage(master)
	_ = q.Stage(plain)
	if q.Rollable() != 1 {
		t.Fatalf("Rollable() = %d", q.Rollable())
	}

	if got, _ := q.Pop(context.Background(), false); got != plain {
		t.Errorf("first pop = %d, want the non-rollable item", got.ID)
	}
	if got, _ := q.Pop(context.Background(), false); got != master {
		t.Errorf("second pop = %d, want the master", got.ID)
	}
	if q.Rollable() != 0 {
		t.Errorf("Rollable() = %d after popping the master", q.Rollable())
	}
}

func TestQueue_PopDiscardsStale(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{Stale: func(w *Work) bool { return w.ID == 1 }})
	p := rpcPool(1)
	base := time.Now()

	_ = q.Stage(item(seq, p, base, 0))
	fresh := item(seq, p, base.Add(time.Second), 0)
	_ = q.Stage(fresh)

	got, err := q.Pop(context.Background(), true)
	if err != nil || got != fresh {
		t.Fatalf("Pop() = %v, %v", got, err)
	}
	if q.Discarded() != 1 {
		t.Errorf("Discarded() = %d", q.Discarded())
	}
	select {
	case <-q.Popped():
	default:
		t.Error("pop did not signal the scheduler")
	}
}

func TestQueue_PopBlocking(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{Recheck: time.Second})
	w := item(seq, rpcPool(1), time.Now(), 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Stage(w)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Pop(ctx, true)
	if err != nil || got != w {
		t.Errorf("Pop() = %v, %v", got, err)
	}
}

func TestQueue_PopIdleHook(t *testing.T) {
	var idle atomic.Int32
	q, _ := newTestQueue(QueueOptions{
		Interval: 20 * time.Millisecond,
		Recheck:  5 * time.Millisecond,
		OnIdle:   func() { idle.Add(1) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v", err)
	}
	if n := idle.Load(); n != 1 {
		t.Errorf("idle hook fired %d times, want 1", n)
	}
}

func TestQueue_FreezeReleasesWaiters(t *testing.T) {
	q, _ := newTestQueue(QueueOptions{Recheck: time.Minute})
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background(), true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Freeze()
	select {
	case err := <-done:
		if !errors.Is(err, ErrFrozen) {
			t.Errorf("Pop() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("frozen queue did not release a blocked pop")
	}
}

func TestQueue_CloneAvailable(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{CloneDiscount: 2 * time.Second})
	p := rpcPool(1)
	staged := time.Now()
	master := item(seq, p, staged, time.Minute)
	masterID := master.ID
	_ = q.Stage(master)

	if !q.CloneAvailable() {
		t.Fatal("CloneAvailable() = false with a rollable master staged")
	}
	if q.Len() != 2 || q.Rollable() != 1 {
		t.Fatalf("Len() = %d, Rollable() = %d", q.Len(), q.Rollable())
	}

	clone, _ := q.Pop(context.Background(), false)
	if !clone.Clone || clone.Rollable() {
		t.Fatalf("first pop is not a clone: %+v", clone)
	}
	if !clone.Staged.Equal(staged.Add(-2 * time.Second)) {
		t.Errorf("clone staged at %v, want master minus discount", clone.Staged)
	}
	if bitcoin.HeaderNTime(clone.Header) != 1000 {
		t.Errorf("clone ntime = %d", bitcoin.HeaderNTime(clone.Header))
	}

	rolled, _ := q.Pop(context.Background(), false)
	if rolled != master || master.ID == masterID || master.Rolls != 1 {
		t.Errorf("master id %d rolls %d", master.ID, master.Rolls)
	}
	if bitcoin.HeaderNTime(master.Header) != 1001 {
		t.Errorf("master ntime = %d", bitcoin.HeaderNTime(master.Header))
	}
	if clone.ID == master.ID {
		t.Error("clone and master share an id")
	}
}

func TestQueue_CloneAvailableMaxRolls(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{MaxRolls: 2})
	_ = q.Stage(item(seq, rpcPool(1), time.Now(), time.Minute))

	for i := range 2 {
		if !q.CloneAvailable() {
			t.Fatalf("clone %d refused", i)
		}
	}
	if q.CloneAvailable() {
		t.Error("master rolled past MaxRolls")
	}
	if q.Len() != 3 || q.Rollable() != 0 {
		t.Errorf("Len() = %d, Rollable() = %d", q.Len(), q.Rollable())
	}
}

func TestQueue_CloneAvailableSkipsStale(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{Stale: func(*Work) bool { return true }})
	_ = q.Stage(item(seq, rpcPool(1), time.Now(), time.Minute))
	if q.CloneAvailable() {
		t.Error("cloned stale work")
	}
}

func TestQueue_Roll(t *testing.T) {
	q, seq := newTestQueue(QueueOptions{})
	p := rpcPool(1)

	master := item(seq, p, time.Now(), time.Minute)
	if err := q.Roll(master); err != nil {
		t.Fatal(err)
	}
	clone := q.Clone(master)
	if err := q.Roll(clone); !errors.Is(err, ErrNoRoll) {
		t.Errorf("rolling a clone = %v", err)
	}
	if err := q.Roll(item(seq, p, time.Now(), 0)); !errors.Is(err, ErrNoRoll) {
		t.Errorf("rolling work without a window = %v", err)
	}
}

func TestQueue_Discard(t *testing.T) {
	stale := map[uint64]bool{}
	q, seq := newTestQueue(QueueOptions{Stale: func(w *Work) bool { return stale[w.ID] }})
	a, b := rpcPool(1), rpcPool(2)
	base := time.Now()

	for i := range 3 {
		_ = q.Stage(item(seq, a, base.Add(time.Duration(i)*time.Second), time.Minute))
		_ = q.Stage(item(seq, b, base.Add(time.Duration(i)*time.Second), 0))
	}
	if n := q.DiscardPool(a); n != 3 {
		t.Errorf("DiscardPool() = %d", n)
	}
	if q.Len() != 3 || q.Rollable() != 0 {
		t.Errorf("Len() = %d, Rollable() = %d", q.Len(), q.Rollable())
	}

	first, _ := q.Pop(context.Background(), false)
	_ = q.Stage(first)
	stale[first.ID] = true
	if n := q.DiscardStale(); n != 1 {
		t.Errorf("DiscardStale() = %d", n)
	}
	if q.Len() != 2 || q.Discarded() != 4 {
		t.Errorf("Len() = %d, Discarded() = %d", q.Len(), q.Discarded())
	}
}
