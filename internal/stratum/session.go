package stratum

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// maxLineSize bounds one stratum line. Jobs with large merkle branches stay
// far below it.
const maxLineSize = 1 << 20

// Handler receives session events. Calls come from the session goroutine in
// arrival order.
type Handler interface {
	// OnNotify runs after a new job was installed on the pool.
	OnNotify(p *pool.Pool, job *pool.Job)
	// OnReconnect runs when the pool asks us to move to another endpoint.
	OnReconnect(p *pool.Pool)
	// OnSuspend runs after the connection was lost and the pool marked idle.
	OnSuspend(p *pool.Pool)
}

// SessionStore persists resume ids so a restarted process can still resume.
type SessionStore interface {
	LoadSession(ctx context.Context, poolURL, user string) (string, error)
	SaveSession(ctx context.Context, poolURL, user, sessionID string) error
}

// Config configures a Session.
type Config struct {
	ClientID       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
	Store          SessionStore
	Logger         *log.Logger

	// Dial overrides the proxy-aware dialer built from the pool settings.
	Dial DialFunc
}

// SubmitResult is the pool's verdict on a submitted share. Err is set when
// the connection dropped before the pool answered.
type SubmitResult struct {
	Accepted bool
	Reason   string
	Err      error
}

type responseFunc func(msg *Message, err error)

// Session owns the stratum connection of one pool. Run is the only writer of
// the pool's session fields.
type Session struct {
	pool    *pool.Pool
	cfg     Config
	handler Handler
	logger  *log.Logger

	nextID       atomic.Uint64
	authorized   atomic.Bool
	resumed      atomic.Bool
	reconnecting atomic.Bool

	connMu  sync.Mutex
	conn    net.Conn
	unwatch func() bool

	writeMu sync.Mutex

	// scanner and authedID are only touched by the goroutine running
	// Connect and Run. authedID is the session id a worker was last
	// authorized under; only that id may skip mining.authorize.
	scanner  *bufio.Scanner
	authedID string

	pendingMu sync.Mutex
	pending   map[uint64]responseFunc
}

// NewSession creates a session for p.
func NewSession(p *pool.Pool, handler Handler, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	return &Session{
		pool:    p,
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.WithPool(p.ID, p.URL()).WithComponent("stratum"),
		pending: make(map[uint64]responseFunc),
	}
}

// Pool returns the pool the session serves.
func (s *Session) Pool() *pool.Pool {
	return s.pool
}

// Authorized reports whether the handshake completed on the live connection.
func (s *Session) Authorized() bool {
	return s.authorized.Load()
}

// Resumed reports whether the last handshake resumed an earlier session.
func (s *Session) Resumed() bool {
	return s.resumed.Load()
}

// Run keeps the session connected until ctx ends or the pool is removed.
// After a connection loss one reconnect is tried at once, then every
// ReconnectDelay.
func (s *Session) Run(ctx context.Context) error {
	wait := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.pool.Removed() {
			return nil
		}

		if wait {
			timer := time.NewTimer(s.cfg.ReconnectDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if s.pool.Removed() {
				return nil
			}
		}

		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).Warn("stratum connect failed",
				"retry_in", s.cfg.ReconnectDelay.String())
			wait = true
			continue
		}

		err := s.receiveLoop(ctx)
		s.suspend(err)
		wait = false
	}
}

// Close drops the current connection. Run reconnects unless the pool was
// removed or its context ended.
func (s *Session) Close() {
	s.closeConn()
}

// Connect dials the pool and performs the subscribe/authorize handshake.
func (s *Session) Connect(ctx context.Context) error {
	addr := s.pool.HostPort()
	if addr == "" {
		return errors.New(errors.ErrorTypeProtocol, "connect", "pool url has no host")
	}

	dial := s.cfg.Dial
	if dial == nil {
		d, err := NewDialer(s.pool.Proxy, s.cfg.ConnectTimeout)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypePolicy, "connect", "invalid proxy")
		}
		dial = d
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		s.pool.MarkIdle()
		return errors.Wrap(err, errors.ErrorTypeNetwork, "connect", "dial failed").
			WithContext("addr", addr)
	}
	s.logger.LogConnection("connected", conn.RemoteAddr().String())

	s.connMu.Lock()
	s.conn = conn
	s.unwatch = context.AfterFunc(ctx, s.closeConn)
	s.connMu.Unlock()

	s.scanner = bufio.NewScanner(conn)
	s.scanner.Buffer(make([]byte, 4096), maxLineSize)

	if err := s.handshake(ctx); err != nil {
		s.stopWatch()
		s.closeConn()
		s.forgetSession(ctx)
		s.pool.MarkIdle()
		return err
	}

	s.pool.SetConnected(true)
	if s.pool.MarkAlive() {
		s.logger.Info("pool alive", "resumed", s.resumed.Load())
	}
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	prev := s.pool.SessionID()
	stored := false
	if prev == "" && s.cfg.Store != nil {
		id, err := s.cfg.Store.LoadSession(ctx, s.pool.URL(), s.pool.User)
		if err != nil {
			s.logger.WithError(err).Debug("no stored session id")
		}
		prev, stored = id, id != ""
	}

	sub, err := s.subscribe(prev)
	if err != nil && prev != "" && !errors.IsType(err, errors.ErrorTypeNetwork) {
		s.logger.Info("pool refused session resume, subscribing afresh", "session_id", prev)
		s.pool.ClearSession()
		prev = ""
		sub, err = s.subscribe("")
	}
	if err != nil {
		return err
	}

	// Stored ids are only saved after a successful authorize.
	resumed := prev != "" && sub.SessionID == prev && (stored || prev == s.authedID)
	s.resumed.Store(resumed)
	s.pool.SetSubscription(sub.Extranonce1, sub.Extranonce2Size, sub.SessionID)

	if resumed {
		s.logger.Info("stratum session resumed", "session_id", prev)
	} else {
		if err := s.authorize(); err != nil {
			return err
		}
		if s.cfg.Store != nil && sub.SessionID != "" {
			if err := s.cfg.Store.SaveSession(ctx, s.pool.URL(), s.pool.User, sub.SessionID); err != nil {
				s.logger.WithError(err).Warn("failed to persist session id")
			}
		}
	}
	s.authedID = sub.SessionID
	s.authorized.Store(true)

	if s.pool.XNSub {
		s.extranonceSubscribe()
	}
	return nil
}

// forgetSession drops the resume id after a failed handshake so the next
// attempt subscribes afresh and authorizes again.
func (s *Session) forgetSession(ctx context.Context) {
	s.pool.ClearSession()
	s.authedID = ""
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.SaveSession(ctx, s.pool.URL(), s.pool.User, ""); err != nil {
		s.logger.WithError(err).Debug("failed to drop stored session id")
	}
}

func (s *Session) subscribe(sessionID string) (*SubscribeResult, error) {
	msg, err := s.call(MethodSubscribe, SubscribeParams(s.cfg.ClientID, sessionID))
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, errors.Wrap(msg.Error, errors.ErrorTypeProtocol, "subscribe", "pool returned an error")
	}
	sub, err := ParseSubscribeResult(msg.Result)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe", "malformed subscribe result")
	}
	return sub, nil
}

func (s *Session) authorize() error {
	msg, err := s.call(MethodAuthorize, AuthorizeParams(s.pool.User, s.pool.Pass))
	if err != nil {
		return err
	}
	if !msg.Accepted() {
		return errors.Newf(errors.ErrorTypePolicy, "authorize", "pool rejected worker %q: %s",
			s.pool.User, msg.RejectReason())
	}
	s.logger.Info("worker authorized", "user", s.pool.User)
	return nil
}

func (s *Session) extranonceSubscribe() {
	id := s.nextID.Add(1)
	s.addPending(id, func(msg *Message, err error) {
		if err == nil && msg.Accepted() {
			s.logger.Debug("extranonce subscription accepted")
			return
		}
		s.logger.Info("pool does not support extranonce subscription")
	})
	if err := s.send(Request{ID: id, Method: MethodExtranonceSubscribe, Params: []any{}}); err != nil {
		s.removePending(id)
		s.logger.WithError(err).Warn("failed to send extranonce subscription")
	}
}

// call sends a request and reads synchronously until its response arrives,
// dispatching anything received meanwhile. Only used during the handshake.
func (s *Session) call(method string, params []any) (*Message, error) {
	id := s.nextID.Add(1)
	if err := s.send(Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	for {
		line, err := s.readLine()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, method, "no response")
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", line)

		msg, err := ParseMessage(line)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, method, "malformed response")
		}
		if rid, ok := msg.ResponseID(); ok && msg.IsResponse() && rid == id {
			return msg, nil
		}
		s.handle(msg)
	}
}

func (s *Session) readLine() ([]byte, error) {
	conn := s.currentConn()
	if conn == nil {
		return nil, errors.New(errors.ErrorTypeNetwork, "receive", "not connected")
	}
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "receive", "failed to set read deadline")
	}
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "receive", "connection lost")
	}
	return s.scanner.Bytes(), nil
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		line, err := s.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", line)

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Error("dropping malformed stratum message")
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg *Message) {
	if msg.IsResponse() {
		s.route(msg)
		return
	}

	switch msg.Method {
	case MethodNotify:
		job, err := ParseNotify(msg.Params)
		if err != nil {
			s.logger.WithError(err).Error("dropping malformed notify")
			return
		}
		s.pool.ApplyNotify(job)
		s.logger.Debug("new job", "job_id", job.JobID, "clean", job.Clean)
		if s.handler != nil {
			s.handler.OnNotify(s.pool, s.pool.Job())
		}

	case MethodSetDifficulty:
		d, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			s.logger.WithError(err).Error("dropping invalid difficulty")
			return
		}
		s.pool.SetNextDifficulty(d)
		s.logger.Info("pool difficulty changed", "difficulty", d)

	case MethodSetExtranonce:
		e1, n2, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			s.logger.WithError(err).Error("dropping invalid extranonce")
			return
		}
		s.pool.SetExtranonce(e1, n2)
		s.logger.Info("pool changed extranonce", "extranonce2_size", n2)

	case MethodReconnect:
		s.handleReconnect(msg)

	case MethodGetVersion:
		s.reply(msg.ID, s.cfg.ClientID)

	case MethodShowMessage:
		if len(msg.Params) > 0 {
			s.logger.Info("message from pool", "message", msg.Params[0])
		}

	case MethodPing:
		s.reply(msg.ID, "pong")

	default:
		s.logger.Warn("ignoring unknown stratum method", "method", msg.Method)
	}
}

func (s *Session) handleReconnect(msg *Message) {
	host, port, err := ParseReconnect(msg.Params)
	if err != nil {
		s.logger.WithError(err).Error("dropping invalid reconnect request")
		return
	}

	u, err := url.Parse(s.pool.URL())
	if err != nil {
		s.logger.WithError(err).Error("cannot reconnect from invalid pool url")
		return
	}
	curHost, curPort, err := net.SplitHostPort(u.Host)
	if err != nil {
		curHost = u.Host
	}
	if host == "" {
		host = curHost
	}
	if port == "" {
		port = curPort
	}
	u.Host = net.JoinHostPort(host, port)

	s.logger.Info("pool requested reconnect", "url", u.String())
	s.pool.SetURL(u.String())
	if s.handler != nil {
		s.handler.OnReconnect(s.pool)
	}
	s.reconnecting.Store(true)
	s.closeConn()
}

func (s *Session) reply(id any, result any) {
	if id == nil {
		return
	}
	if err := s.send(Response{ID: id, Result: result}); err != nil {
		s.logger.WithError(err).Warn("failed to answer pool request")
	}
}

// Submit sends a share. fn receives the pool's verdict from the session
// goroutine. A returned error means the share was not written.
func (s *Session) Submit(share Share, fn func(SubmitResult)) error {
	if !s.authorized.Load() {
		return errors.New(errors.ErrorTypeNetwork, "submit", "stratum session not connected")
	}

	id := s.nextID.Add(1)
	s.addPending(id, func(msg *Message, err error) {
		switch {
		case err != nil:
			fn(SubmitResult{Err: err})
		case msg.Accepted():
			fn(SubmitResult{Accepted: true})
		default:
			fn(SubmitResult{Reason: msg.RejectReason()})
		}
	})

	if err := s.send(Request{ID: id, Method: MethodSubmit, Params: share.Params()}); err != nil {
		s.removePending(id)
		return err
	}
	return nil
}

func (s *Session) send(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send", "failed to encode message")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn := s.currentConn()
	if conn == nil {
		return errors.New(errors.ErrorTypeNetwork, "send", "not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send", "failed to set write deadline")
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send", "write failed")
	}
	s.logger.LogStratumMessage("sent", data)
	return nil
}

func (s *Session) route(msg *Message) {
	id, ok := msg.ResponseID()
	if !ok {
		s.logger.Warn("dropping response with unusable id", "id", msg.ID)
		return
	}
	s.pendingMu.Lock()
	fn := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()

	if fn == nil {
		s.logger.Debug("unsolicited response", "id", id)
		return
	}
	fn(msg, nil)
}

func (s *Session) addPending(id uint64, fn responseFunc) {
	s.pendingMu.Lock()
	s.pending[id] = fn
	s.pendingMu.Unlock()
}

func (s *Session) removePending(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) failPending(cause error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]responseFunc)
	s.pendingMu.Unlock()

	err := errors.Wrap(cause, errors.ErrorTypeNetwork, "submit", "connection lost before response")
	if cause == nil {
		err = errors.New(errors.ErrorTypeNetwork, "submit", "connection lost before response")
	}
	for _, fn := range pending {
		fn(nil, err)
	}
}

// suspend tears down the connection after a loss and marks the pool idle.
func (s *Session) suspend(cause error) {
	s.stopWatch()
	s.closeConn()
	s.authorized.Store(false)
	s.pool.SetConnected(false)
	wasAlive := s.pool.MarkIdle()
	s.failPending(cause)

	switch {
	case s.reconnecting.Swap(false):
		s.logger.Info("reconnecting at pool request")
	case wasAlive:
		s.logger.WithError(cause).Warn("pool connection lost, suspending session")
	}
	if s.handler != nil {
		s.handler.OnSuspend(s.pool)
	}
}

func (s *Session) currentConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
		s.logger.LogConnection("disconnected", conn.RemoteAddr().String())
	}
}

func (s *Session) stopWatch() {
	s.connMu.Lock()
	stop := s.unwatch
	s.unwatch = nil
	s.connMu.Unlock()
	if stop != nil {
		stop()
	}
}
