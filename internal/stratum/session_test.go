package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/pool"
)

type fakePool struct {
	t     *testing.T
	ln    net.Listener
	conns chan *fakeConn

	mu  sync.Mutex
	all []net.Conn
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakePool{t: t, ln: ln, conns: make(chan *fakeConn, 8)}
	t.Cleanup(func() {
		_ = ln.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.all {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.all = append(f.all, c)
			f.mu.Unlock()
			f.conns <- &fakeConn{t: t, c: c, r: bufio.NewReader(c)}
		}
	}()
	return f
}

func (f *fakePool) url() string {
	return "stratum+tcp://" + f.ln.Addr().String()
}

func (f *fakePool) accept() *fakeConn {
	f.t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		f.t.Fatal("session did not connect")
		return nil
	}
}

type fakeConn struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func (c *fakeConn) read(timeout time.Duration) (*Message, error) {
	_ = c.c.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return ParseMessage([]byte(line))
}

func (c *fakeConn) expect(method string) *Message {
	c.t.Helper()
	msg, err := c.read(5 * time.Second)
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", method, err)
	}
	if msg.Method != method {
		c.t.Fatalf("got %q, want %s", msg.Method, method)
	}
	return msg
}

func (c *fakeConn) expectSilence(d time.Duration) {
	c.t.Helper()
	if msg, err := c.read(d); err == nil {
		c.t.Fatalf("unexpected message %+v", msg)
	}
}

func (c *fakeConn) send(format string, args ...any) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.c, format+"\n", args...); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *fakeConn) respond(id any, result string) {
	c.t.Helper()
	c.send(`{"id":%v,"result":%s,"error":null}`, id, result)
}

func (c *fakeConn) handshake(sessionID string) {
	c.t.Helper()
	sub := c.expect(MethodSubscribe)
	c.respond(sub.ID, fmt.Sprintf(`[[["mining.notify","%s"]],"08000002",4]`, sessionID))
	auth := c.expect(MethodAuthorize)
	c.respond(auth.ID, "true")
}

func (c *fakeConn) notify(jobID string, clean bool) {
	c.t.Helper()
	params := notifyParams(clean)
	params[0] = jobID
	data, err := json.Marshal(Message{Method: MethodNotify, Params: params})
	if err != nil {
		c.t.Fatal(err)
	}
	c.send("%s", data)
}

type recorder struct {
	notifies   chan *pool.Job
	suspends   chan struct{}
	reconnects chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		notifies:   make(chan *pool.Job, 16),
		suspends:   make(chan struct{}, 16),
		reconnects: make(chan struct{}, 16),
	}
}

func (r *recorder) OnNotify(_ *pool.Pool, job *pool.Job) {
	select {
	case r.notifies <- job:
	default:
	}
}

func (r *recorder) OnSuspend(*pool.Pool) {
	select {
	case r.suspends <- struct{}{}:
	default:
	}
}

func (r *recorder) OnReconnect(*pool.Pool) {
	select {
	case r.reconnects <- struct{}{}:
	default:
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", what)
}

func startSession(t *testing.T, p *pool.Pool, cfg Config) (*Session, *recorder) {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "gominer/test"
	}
	rec := newRecorder()
	s := NewSession(p, rec, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return s, rec
}

func TestSession_HandshakeAndDispatch(t *testing.T) {
	fp := newFakePool(t)
	p := pool.New(pool.Config{URL: fp.url(), User: "worker", Pass: "x"})
	_, rec := startSession(t, p, Config{})

	c := fp.accept()
	sub := c.expect(MethodSubscribe)
	if len(sub.Params) != 1 || sub.Params[0] != "gominer/test" {
		t.Errorf("subscribe params = %v", sub.Params)
	}
	c.respond(sub.ID, `[[["mining.notify","s1"]],"08000002",4]`)

	auth := c.expect(MethodAuthorize)
	if auth.Params[0] != "worker" || auth.Params[1] != "x" {
		t.Errorf("authorize params = %v", auth.Params)
	}
	c.send(`{"id":null,"method":"mining.set_difficulty","params":[8]}`)
	c.respond(auth.ID, "true")
	c.notify("job1", true)

	job := waitFor(t, rec.notifies, "notify")
	if job.JobID != "job1" || job.Difficulty != 8 || job.SessionID != "s1" || job.Extranonce2Size != 4 {
		t.Errorf("job = %+v", job)
	}
	eventually(t, p.Usable, "pool usable after first notify")

	c.send(`{"id":7,"method":"mining.ping","params":[]}`)
	pong, err := c.read(5 * time.Second)
	if err != nil || pong.Result != "pong" || pong.ID != float64(7) {
		t.Errorf("ping reply = %+v, %v", pong, err)
	}

	c.send(`{"id":8,"method":"client.get_version","params":[]}`)
	ver, err := c.read(5 * time.Second)
	if err != nil || ver.Result != "gominer/test" {
		t.Errorf("get_version reply = %+v, %v", ver, err)
	}

	// Difficulty changes only reach jobs announced afterwards.
	c.send(`{"id":null,"method":"mining.set_difficulty","params":[16]}`)
	c.send(`{"id":null,"method":"client.show_message","params":["hello"]}`)
	c.send(`{"id":null,"method":"mining.unknown","params":[]}`)
	c.send(`{"id":9,"method":"mining.ping","params":[]}`)
	if _, err := c.read(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if d := p.Job().Difficulty; d != 8 {
		t.Errorf("current job difficulty = %v, want 8", d)
	}
	c.notify("job2", false)
	if job := waitFor(t, rec.notifies, "second notify"); job.Difficulty != 16 {
		t.Errorf("next job difficulty = %v, want 16", job.Difficulty)
	}

	c.send(`{"id":null,"method":"mining.set_extranonce","params":["aabbccdd",8]}`)
	c.notify("job3", false)
	if job := waitFor(t, rec.notifies, "third notify"); job.Extranonce2Size != 8 || len(job.Extranonce1) != 4 {
		t.Errorf("extranonce not applied: %+v", job)
	}
}

func TestSession_ResumeAfterReadTimeout(t *testing.T) {
	fp := newFakePool(t)
	p := pool.New(pool.Config{URL: fp.url(), User: "worker", Pass: "x"})
	s, rec := startSession(t, p, Config{
		ReadTimeout:    300 * time.Millisecond,
		ReconnectDelay: time.Minute,
	})

	c1 := fp.accept()
	c1.handshake("s1")
	c1.notify("job1", false)
	waitFor(t, rec.notifies, "notify")

	// Silence past the read timeout suspends the session.
	waitFor(t, rec.suspends, "suspend")
	if p.Usable() {
		t.Error("suspended pool still usable")
	}

	c2 := fp.accept()
	sub := c2.expect(MethodSubscribe)
	if len(sub.Params) != 2 || sub.Params[1] != "s1" {
		t.Fatalf("resume subscribe params = %v", sub.Params)
	}
	c2.respond(sub.ID, `[[["mining.notify","s1"]],"08000002",4]`)
	c2.expectSilence(150 * time.Millisecond)

	if !s.Resumed() {
		t.Error("session not marked resumed")
	}
	if p.SessionID() != "s1" {
		t.Errorf("session id = %q", p.SessionID())
	}
}

func TestSession_ResumeRefused(t *testing.T) {
	fp := newFakePool(t)
	p := pool.New(pool.Config{URL: fp.url(), User: "worker", Pass: "x"})
	p.SetSubscription(nil, 4, "old")
	s, _ := startSession(t, p, Config{})

	c := fp.accept()
	sub := c.expect(MethodSubscribe)
	if len(sub.Params) != 2 || sub.Params[1] != "old" {
		t.Fatalf("resume params = %v", sub.Params)
	}
	c.send(`{"id":%v,"result":null,"error":[20,"unknown session",null]}`, sub.ID)

	fresh := c.expect(MethodSubscribe)
	if len(fresh.Params) != 1 {
		t.Errorf("fresh subscribe still carries a session id: %v", fresh.Params)
	}
	c.respond(fresh.ID, `[[["mining.notify","s2"]],"08000002",4]`)
	auth := c.expect(MethodAuthorize)
	c.respond(auth.ID, "true")

	eventually(t, s.Authorized, "authorized")
	if s.Resumed() || p.SessionID() != "s2" {
		t.Errorf("resumed = %v, session id = %q", s.Resumed(), p.SessionID())
	}
}

func TestSession_AuthorizeRejected(t *testing.T) {
	fp := newFakePool(t)
	p := pool.New(pool.Config{URL: fp.url(), User: "worker", Pass: "bad"})
	s, _ := startSession(t, p, Config{ReconnectDelay: time.Minute})

	c := fp.accept()
	sub := c.expect(MethodSubscribe)
	c.respond(sub.ID, `[[["mining.notify","s1"]],"08000002",4]`)
	auth := c.expect(MethodAuthorize)
	c.respond(auth.ID, "false")

	if _, err := c.read(5 * time.Second); err == nil {
		t.Fatal("connection should be closed after a failed handshake")
	}
	if s.Authorized() || !p.Idle() {
		t.Error("failed handshake left the pool live")
	}
	if p.SessionID() != "" {
		t.Error("failed handshake kept the resume id")
	}
}

type memStore struct {
	mu  sync.Mutex
	ids map[string]string
}

func (m *memStore) LoadSession(_ context.Context, poolURL, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[poolURL+"|"+user], nil
}

func (m *memStore) SaveSession(_ context.Context, poolURL, user, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = make(map[string]string)
	}
	if sessionID == "" {
		delete(m.ids, poolURL+"|"+user)
		return nil
	}
	m.ids[poolURL+"|"+user] = sessionID
	return nil
}

func TestSession_ReauthorizesAfterRejectedAuthorize(t *testing.T) {
	fp := newFakePool(t)
	p := pool.New(pool.Config{URL: fp.url(), User: "worker", Pass: "bad"})
	store := &memStore{}
	s, _ := startSession(t, p, Config{ReconnectDelay: 50 * time.Millisecond, Store: store})

	c := fp.accept()
	sub := c.expect(MethodSubscribe)
	c.respond(sub.ID, `[[["mining.notify","s1"]],"08000002",4]`)
	auth := c.expect(MethodAuthorize)
	c.respond(auth.ID, "false")

	// The pool echoes the old id on the next subscribe. That must not
	// count as a resume: the worker was never authorized under it.
	c2 := fp.accept()
	sub = c2.expect(MethodSubscribe)
	if len(sub.Params) != 1 {
		t.Errorf("subscribe after a rejected authorize carries a session id: %v", sub.Params)
	}
	if id, _ := store.LoadSession(context.Background(), p.URL(), p.User); id != "" {
		t.Errorf("stored session id = %q after a rejected authorize", id)
	}
	c2.respond(sub.ID, `[[["mining.notify","s1"]],"08000002",4]`)
	auth = c2.expect(MethodAuthorize)
	if s.Authorized() {
		t.Error("session authorized before the pool answered mining.authorize")
	}
	c2.respond(auth.ID, "true")

	eventually(t, s.Authorized, "authorized")
	if s.Resumed() {
		t.Error("session reported as resumed")
	}
	if id, _ := store.LoadSession(context.Background(), p.URL(), p.User); id != "s1" {
		t.Errorf("stored session id = %q, want s1", id)
	}
}

func TestSession_Submit(t *testing.T) {
	fp := newFakePool(t)
	p := pool.New(pool.Config{URL: fp.url(), User: "worker", Pass: "x"})
	s, _ := startSession(t, p, Config{ReconnectDelay: time.Minute})

	c := fp.accept()
	c.handshake("s1")
	eventually(t, s.Authorized, "authorized")

	results := make(chan SubmitResult, 3)
	share := Share{User: "worker", JobID: "j", Extranonce2: "00000000", NTime: "504e86b9", Nonce: "00000001"}

	if err := s.Submit(share, func(r SubmitResult) { results <- r }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	msg := c.expect(MethodSubmit)
	if len(msg.Params) != 5 || msg.Params[4] != "00000001" {
		t.Errorf("submit params = %v", msg.Params)
	}
	c.respond(msg.ID, "true")
	if r := waitFor(t, results, "accept"); !r.Accepted {
		t.Errorf("result = %+v", r)
	}

	if err := s.Submit(share, func(r SubmitResult) { results <- r }); err != nil {
		t.Fatal(err)
	}
	msg = c.expect(MethodSubmit)
	c.send(`{"id":%v,"result":null,"error":[23,"Low difficulty share",null]}`, msg.ID)
	if r := waitFor(t, results, "reject"); r.Accepted || !strings.Contains(r.Reason, "Low difficulty") {
		t.Errorf("result = %+v", r)
	}

	if err := s.Submit(share, func(r SubmitResult) { results <- r }); err != nil {
		t.Fatal(err)
	}
	c.expect(MethodSubmit)
	_ = c.c.Close()
	if r := waitFor(t, results, "lost"); r.Err == nil {
		t.Errorf("share pending at disconnect should fail, got %+v", r)
	}

	eventually(t, func() bool { return !s.Authorized() }, "session suspended")
	if err := s.Submit(share, func(SubmitResult) {}); err == nil {
		t.Error("submit on a suspended session succeeded")
	}
}

func TestSession_ClientReconnect(t *testing.T) {
	first := newFakePool(t)
	second := newFakePool(t)
	p := pool.New(pool.Config{URL: first.url(), User: "worker", Pass: "x"})
	_, rec := startSession(t, p, Config{ReconnectDelay: time.Minute})

	c := first.accept()
	c.handshake("s1")

	_, port, _ := net.SplitHostPort(second.ln.Addr().String())
	c.send(`{"id":null,"method":"client.reconnect","params":["127.0.0.1","%s"]}`, port)
	waitFor(t, rec.reconnects, "reconnect")

	c2 := second.accept()
	c2.expect(MethodSubscribe)
	if p.URL() != second.url() {
		t.Errorf("pool url = %s, want %s", p.URL(), second.url())
	}
}
