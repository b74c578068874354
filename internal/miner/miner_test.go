package miner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/internal/work"
)

const (
	prevA = "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000"
	prevB = "5e27c7f96b07f32a9055bf3b7ef78f89598bf6722c88d7d1551ca32f00000000"

	coinb1 = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20020862062f503253482f04b8864e5008"
	coinb2 = "072f736c7573682f000000000100f2052a010000001976a914d23fcdf86f7e756a64a7a9688ef9903327048ed988ac00000000"
)

type memorySink struct {
	tracker.NopSink
	mu       sync.Mutex
	switches []tracker.SwitchEvent
}

func (s *memorySink) RecordSwitch(_ context.Context, ev tracker.SwitchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switches = append(s.switches, ev)
	return nil
}

func testConfig(urls ...string) *config.Config {
	cfg := &config.Config{
		ClientID:   "gominer/test",
		Strategy:   "failover",
		QueueDepth: 2,
		MaxRolls:   60,
	}
	for i, u := range urls {
		cfg.Pools = append(cfg.Pools, config.PoolConfig{URL: u, User: fmt.Sprintf("worker%d", i), Pass: "x", Quota: 1})
	}
	return cfg
}

func newTestMiner(t *testing.T, opts Options) *Miner {
	t.Helper()
	m, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testJob(id, prev string, clean bool) *pool.Job {
	return &pool.Job{
		JobID:    id,
		PrevHash: prev,
		Version:  "00000002",
		NBits:    "1c2ac4af",
		NTime:    "504e86b9",
		Clean:    clean,
	}
}

func TestNew(t *testing.T) {
	m := newTestMiner(t, Options{Config: testConfig("stratum+tcp://a.example.com:3333", "http://127.0.0.1:8332")})
	infos := m.Pools()
	if len(infos) != 2 {
		t.Fatalf("Pools() = %d entries", len(infos))
	}
	if infos[0].Protocol != pool.ProtocolStratum || infos[1].Protocol != pool.ProtocolUnknown {
		t.Errorf("protocols = %v, %v", infos[0].Protocol, infos[1].Protocol)
	}

	bad := testConfig("stratum+tcp://a.example.com:3333")
	bad.Strategy = "random"
	if _, err := New(Options{Config: bad}); err == nil {
		t.Error("unknown strategy accepted")
	}
	if _, err := New(Options{}); err == nil {
		t.Error("missing config accepted")
	}
}

func TestMiner_OnNotifyRestarts(t *testing.T) {
	tests := []struct {
		name     string
		prev     string
		clean    bool
		restarts uint64
	}{
		{"same block, not clean", prevA, false, 0},
		{"same block, clean", prevA, true, 1},
		{"new block, not clean", prevB, false, 1},
		{"new block, clean", prevB, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMiner(t, Options{Config: testConfig("stratum+tcp://a.example.com:3333")})
			p := m.registry.Pools()[0]

			m.OnNotify(p, testJob("j1", prevA, false))
			if got := m.Restart().Generation(); got != 0 {
				t.Fatalf("first job restarted workers %d times", got)
			}

			staged := &work.Work{ID: m.seq.Next(), Pool: p, Header: make([]byte, bitcoin.HeaderSize)}
			if err := m.queue.Stage(staged); err != nil {
				t.Fatal(err)
			}

			m.OnNotify(p, testJob("j2", tt.prev, tt.clean))
			if got := m.Restart().Generation(); got != tt.restarts {
				t.Errorf("restarts = %d, want %d", got, tt.restarts)
			}
			wantLen := 1
			if tt.clean {
				wantLen = 0
			}
			if m.queue.Len() != wantLen {
				t.Errorf("queue Len() = %d, want %d", m.queue.Len(), wantLen)
			}
		})
	}
}

func TestMiner_OnNotifyAfterNodeBlock(t *testing.T) {
	tests := []struct {
		name     string
		clean    bool
		restarts uint64
	}{
		{"not clean", false, 1},
		{"clean", true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMiner(t, Options{Config: testConfig("stratum+tcp://a.example.com:3333")})
			p := m.registry.Pools()[0]
			m.OnNotify(p, testJob("j1", prevA, false))

			prev, err := bitcoin.ParsePrevHash(prevB)
			if err != nil {
				t.Fatal(err)
			}
			m.blocks.Observe(prev.String(), nil)
			if got := m.Restart().Generation(); got != 1 {
				t.Fatalf("node block restarts = %d, want 1", got)
			}

			m.OnNotify(p, testJob("j2", prevB, tt.clean))
			if got := m.Restart().Generation(); got != tt.restarts {
				t.Errorf("restarts = %d, want %d", got, tt.restarts)
			}
		})
	}
}

func TestMiner_SwitchDiscardsWork(t *testing.T) {
	sink := &memorySink{}
	m := newTestMiner(t, Options{
		Config: testConfig("stratum+tcp://a.example.com:3333", "stratum+tcp://b.example.com:3333"),
		Sink:   sink,
	})
	pools := m.registry.Pools()

	if err := m.SwitchPool(pools[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := m.queue.Stage(&work.Work{ID: m.seq.Next(), Pool: pools[0], Header: make([]byte, bitcoin.HeaderSize)}); err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchPool(pools[1].ID); err != nil {
		t.Fatal(err)
	}

	if m.queue.Len() != 0 {
		t.Errorf("work for the old pool survived the switch")
	}
	if m.Restart().Generation() != 1 {
		t.Errorf("restarts = %d", m.Restart().Generation())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.switches) != 1 || sink.switches[0].From != pools[0].ID || sink.switches[0].To != pools[1].ID {
		t.Errorf("switch events = %+v", sink.switches)
	}
}

func TestMiner_PoolManagement(t *testing.T) {
	m := newTestMiner(t, Options{Config: testConfig("stratum+tcp://a.example.com:3333")})
	p := m.AddPool(pool.Config{URL: "stratum+tcp://b.example.com:3333", Quota: 2})

	if err := m.SetPoolQuota(p.ID, 3); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPoolPriority(p.ID, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetStrategy("load-balance", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetStrategy("nope", 0); err == nil {
		t.Error("unknown strategy accepted")
	}
	if err := m.DisablePool(p.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.EnablePool(p.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.RemovePool(p.ID); err != nil {
		t.Fatal(err)
	}
	if !p.Removed() || len(m.Pools()) != 1 {
		t.Errorf("removed = %v, pools = %d", p.Removed(), len(m.Pools()))
	}
	if err := m.RemovePool(p.ID); err == nil {
		t.Error("second remove succeeded")
	}
}

// stratumServer is a single connection pool that accepts every share.
type stratumServer struct {
	t      *testing.T
	ln     net.Listener
	submit chan *stratum.Message
	ready  chan struct{}
}

func newStratumServer(t *testing.T) *stratumServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &stratumServer{t: t, ln: ln, submit: make(chan *stratum.Message, 4), ready: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *stratumServer) url() string {
	return "stratum+tcp://" + s.ln.Addr().String()
}

func (s *stratumServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	send := func(format string, args ...any) {
		_, _ = fmt.Fprintf(conn, format+"\n", args...)
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		msg, err := stratum.ParseMessage([]byte(line))
		if err != nil {
			return
		}
		switch msg.Method {
		case stratum.MethodSubscribe:
			send(`{"id":%v,"result":[[["mining.notify","s1"]],"08000002",4],"error":null}`, msg.ID)
		case stratum.MethodAuthorize:
			send(`{"id":%v,"result":true,"error":null}`, msg.ID)
			send(`{"id":null,"method":"mining.set_difficulty","params":[1e-12]}`)
			send(`{"id":null,"method":"mining.notify","params":["j1","%s","%s","%s",[],"00000002","1c2ac4af","504e86b9",true]}`,
				prevA, coinb1, coinb2)
			close(s.ready)
		case stratum.MethodSubmit:
			send(`{"id":%v,"result":true,"error":null}`, msg.ID)
			s.submit <- msg
		}
	}
}

func TestMiner_StratumEndToEnd(t *testing.T) {
	srv := newStratumServer(t)
	m := newTestMiner(t, Options{Config: testConfig(srv.url())})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	w, err := m.GetWork(wctx)
	if err != nil {
		t.Fatalf("GetWork() = %v", err)
	}
	if w.JobID != "j1" || w.Pool.Protocol() != pool.ProtocolStratum {
		t.Fatalf("work = job %q protocol %v", w.JobID, w.Pool.Protocol())
	}

	if err := m.SubmitNonce(ctx, w, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-srv.submit:
		if len(msg.Params) != 5 || msg.Params[1] != "j1" || msg.Params[4] != "00000000" {
			t.Errorf("submit params = %v", msg.Params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("share never reached the pool")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Totals().Accepted != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("totals = %+v", m.Totals())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hash, _ := m.CurrentBlock(); hash == "" {
		t.Error("block tracker never saw the job's block")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, err := m.GetWork(context.Background()); err == nil {
		t.Error("GetWork after shutdown should fail")
	}
}
