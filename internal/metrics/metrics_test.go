package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/internal/work"
)

func TestCollector_RecordShare(t *testing.T) {
	c := NewCollector("")
	ctx := context.Background()

	events := []tracker.ShareEvent{
		{PoolID: 0, Result: tracker.ShareAccepted, Difficulty: 8},
		{PoolID: 0, Result: tracker.ShareAccepted, Difficulty: 8},
		{PoolID: 0, Result: tracker.ShareRejected, Difficulty: 8},
		{PoolID: 1, Result: tracker.ShareStale, Difficulty: 2},
	}
	for _, ev := range events {
		if err := c.RecordShare(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		pool, result string
		count, diff  float64
	}{
		{"0", "accepted", 2, 16},
		{"0", "rejected", 1, 8},
		{"1", "stale", 1, 2},
		{"1", "accepted", 0, 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(c.shares.WithLabelValues(tt.pool, tt.result)); got != tt.count {
			t.Errorf("shares{%s,%s} = %v, want %v", tt.pool, tt.result, got, tt.count)
		}
		if got := testutil.ToFloat64(c.shareDiff.WithLabelValues(tt.pool, tt.result)); got != tt.diff {
			t.Errorf("difficulty{%s,%s} = %v, want %v", tt.pool, tt.result, got, tt.diff)
		}
	}
}

func TestCollector_BlocksAndSwitches(t *testing.T) {
	c := NewCollector("test")
	ctx := context.Background()
	_ = c.RecordBlock(ctx, tracker.BlockEvent{Hash: "aa", PoolID: -1})
	_ = c.RecordBlock(ctx, tracker.BlockEvent{Hash: "bb", PoolID: 2})
	_ = c.RecordBlock(ctx, tracker.BlockEvent{Hash: "cc", PoolID: 2})
	_ = c.RecordSwitch(ctx, tracker.SwitchEvent{From: 0, To: 1, Strategy: "failover"})

	if got := testutil.ToFloat64(c.blocks.WithLabelValues("node")); got != 1 {
		t.Errorf("node blocks = %v", got)
	}
	if got := testutil.ToFloat64(c.blocks.WithLabelValues("pool")); got != 2 {
		t.Errorf("pool blocks = %v", got)
	}
	if got := testutil.ToFloat64(c.switches.WithLabelValues("failover")); got != 1 {
		t.Errorf("switches = %v", got)
	}
}

func TestCollector_ObserveQueueAndPools(t *testing.T) {
	c := NewCollector("")
	seq := &work.Sequence{}
	q := work.NewQueue(work.QueueOptions{Sequence: seq})
	p := pool.New(pool.Config{URL: "stratum+tcp://pool.example.com:3333"})
	for range 3 {
		if err := q.Stage(&work.Work{ID: seq.Next(), Pool: p, Header: make([]byte, bitcoin.HeaderSize)}); err != nil {
			t.Fatal(err)
		}
	}

	c.ObserveQueue(q)
	if got := testutil.ToFloat64(c.queueDepth); got != 3 {
		t.Errorf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(c.queueDiscarded); got != 0 {
		t.Errorf("discarded = %v", got)
	}

	c.ObservePools([]pool.Info{{ID: 0, Usable: true}, {ID: 1}})
	if got := testutil.ToFloat64(c.poolState.WithLabelValues("0")); got != 1 {
		t.Errorf("pool 0 usable = %v", got)
	}
	c.ObservePools([]pool.Info{{ID: 1}})
	if n := testutil.CollectAndCount(c.poolState); n != 1 {
		t.Errorf("removed pool still exported, %d series", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("gominer")
	_ = c.RecordShare(context.Background(), tracker.ShareEvent{PoolID: 0, Result: tracker.ShareAccepted, Difficulty: 1})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `gominer_shares_total{pool="0",result="accepted"} 1`) {
		t.Errorf("exposition missing share counter:\n%s", body)
	}
}
