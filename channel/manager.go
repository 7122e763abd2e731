package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/clinicdesk/realtime/rpc"
)

const (
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
	DefaultAuthTimeout  = 10 * time.Second
)

// State of the channel as seen by observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Credentials authenticate one channel. Only the token is sent.
type Credentials struct {
	Token string
}

// Router receives decoded events in receipt order.
type Router interface {
	Dispatch(ctx context.Context, event string, params json.RawMessage)
	UnregisterAll()
}

type Config struct {
	// Transports in preference order. Must not be empty.
	Transports []Transport
	Router     Router
	// OnConnected runs after every successful handshake, before any pushed
	// event is delivered. It is where the snapshot reload belongs.
	OnConnected func(ctx context.Context, userID string) error
	// OnAuthRejected runs on its own goroutine once the server refuses the
	// token. The manager is already closed by then.
	OnAuthRejected func()
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	AuthTimeout    time.Duration
	Log            *slog.Logger
}

// Manager owns at most one live channel. Open replaces any prior channel;
// Close guarantees no router dispatch happens after it returns.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	stateCh   chan struct{} // closed and replaced on every transition
	conn      *jsonrpc2.Conn
	transport string
	userID    string
	cancel    context.CancelFunc
	done      chan struct{}
	preferred int
	gen       uint64
	watchers  map[uint64]func(State)
	watchSeq  uint64

	// deliverMu is held for reading while an event is dispatched and for
	// writing while a channel generation is retired.
	deliverMu  sync.RWMutex
	deliverGen uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.OnConnected == nil {
		cfg.OnConnected = func(context.Context, string) error { return nil }
	}
	if cfg.OnAuthRejected == nil {
		cfg.OnAuthRejected = func() {}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Log.With("module", "channel"),
		state:    StateDisconnected,
		stateCh:  make(chan struct{}),
		watchers: make(map[uint64]func(State)),
	}
}

// Open starts a channel for creds and returns once the connect loop is
// running. ctx bounds the channel's whole lifetime. A missing token returns
// ErrNoCredential without touching the network.
func (m *Manager) Open(ctx context.Context, creds Credentials) error {
	if len(m.cfg.Transports) == 0 {
		return errors.New("channel: no transports configured")
	}
	m.stop()

	if creds.Token == "" {
		m.log.Info("no credential, channel stays closed")
		m.setState(StateDisconnected)
		return ErrNoCredential
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.deliverMu.Lock()
	m.deliverGen = gen
	m.deliverMu.Unlock()

	m.setState(StateConnecting)
	go m.run(runCtx, creds, gen, done)
	return nil
}

// Close tears the channel down and detaches every router handler. No event
// is dispatched after Close returns. It is safe to call more than once.
func (m *Manager) Close() {
	m.stop()
	m.cfg.Router.UnregisterAll()
	m.setState(StateClosed)
}

// stop retires the current generation and waits for its loop to exit.
func (m *Manager) stop() {
	m.deliverMu.Lock()
	m.deliverGen = 0
	m.deliverMu.Unlock()

	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) run(ctx context.Context, creds Credentials, gen uint64, done chan struct{}) {
	defer close(done)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.ReconnectMin,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         m.cfg.ReconnectMax,
	}
	b.Reset()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.setState(StateReconnecting)
			wait := b.NextBackOff()
			m.log.Info("reconnecting", "in", wait, "attempt", attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		conn, events, err := m.connect(ctx, creds, gen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				m.log.Warn("credential rejected, channel closed")
				m.rejected(gen)
				return
			}
			m.log.Warn("connect failed", "error", err)
			continue
		}
		b.Reset()

		m.setState(StateConnected)
		m.mu.Lock()
		userID := m.userID
		m.mu.Unlock()

		if err := m.cfg.OnConnected(ctx, userID); err != nil && ctx.Err() == nil {
			m.log.Warn("post-connect reload failed", "error", err)
		}
		events.release(ctx)

		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.DisconnectNotify():
		}

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.log.Info("channel dropped")
		m.setState(StateDisconnected)
	}
}

// rejected retires gen and hands off to the auth callback.
func (m *Manager) rejected(gen uint64) {
	m.deliverMu.Lock()
	if m.deliverGen == gen {
		m.deliverGen = 0
	}
	m.deliverMu.Unlock()
	m.setState(StateClosed)
	go m.cfg.OnAuthRejected()
}

// connect dials transports starting from the last one that worked and
// authenticates. Events on the returned handler are held until release.
func (m *Manager) connect(ctx context.Context, creds Credentials, gen uint64) (*jsonrpc2.Conn, *eventHandler, error) {
	m.mu.Lock()
	start := m.preferred
	m.mu.Unlock()

	n := len(m.cfg.Transports)
	var errs []error
	for i := range n {
		idx := (start + i) % n
		t := m.cfg.Transports[idx]

		stream, err := t.Dial(ctx)
		if err != nil {
			errs = append(errs, &TransportError{Transport: t.Name(), Err: err})
			continue
		}

		events := newEventHandler(m, gen)
		conn := jsonrpc2.NewConn(ctx, stream, events)

		authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
		var res rpc.AuthResult
		err = conn.Call(authCtx, rpc.MethodAuth, rpc.AuthParams{Token: creds.Token}, &res)
		cancel()
		if err != nil {
			conn.Close()
			var rpcErr *jsonrpc2.Error
			if errors.As(err, &rpcErr) {
				return nil, nil, ErrAuthRejected
			}
			errs = append(errs, &TransportError{Transport: t.Name(), Err: err})
			continue
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			conn.Close()
			return nil, nil, ErrClosed
		}
		m.conn = conn
		m.transport = t.Name()
		m.userID = res.UserID
		m.preferred = idx
		m.mu.Unlock()

		m.log.Info("channel connected", "transport", t.Name(), "userId", res.UserID)
		return conn, events, nil
	}
	return nil, nil, errors.Join(errs...)
}

func (m *Manager) deliver(ctx context.Context, gen uint64, event string, params json.RawMessage) {
	m.deliverMu.RLock()
	defer m.deliverMu.RUnlock()
	if m.deliverGen != gen {
		return
	}
	m.cfg.Router.Dispatch(ctx, event, params)
}

// Send emits a client event on the live channel.
func (m *Manager) Send(ctx context.Context, event string, params any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	return conn.Notify(ctx, event, params)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether an authenticated channel is live. Callers gate
// REST calls that need a connected session on it.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Transport names the transport of the live channel, or "" when there is none.
func (m *Manager) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.transport
}

// WaitState blocks until the channel reaches want or ctx ends.
func (m *Manager) WaitState(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		cur, ch := m.state, m.stateCh
		m.mu.Unlock()
		if cur == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Watch calls fn on every state transition until the returned func is called.
func (m *Manager) Watch(fn func(State)) (cancel func()) {
	m.mu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	fns := make([]func(State), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// maxHeldEvents bounds the events buffered before release. Past it the read
// loop blocks until release.
const maxHeldEvents = 1024

type heldEvent struct {
	method string
	params json.RawMessage
}

// eventHandler runs synchronously on the jsonrpc2 read loop, so events are
// dispatched in receipt order. Do not wrap it in jsonrpc2.AsyncHandler.
//
// Until release, notifications are buffered instead of blocking the read
// loop, so a server that pushes before answering auth does not stall the
// handshake.
type eventHandler struct {
	m   *Manager
	gen uint64

	mu       sync.Mutex
	released bool
	held     []heldEvent
	ready    chan struct{}
}

func newEventHandler(m *Manager, gen uint64) *eventHandler {
	return &eventHandler{m: m, gen: gen, ready: make(chan struct{})}
}

func (h *eventHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "client accepts notifications only",
		})
		return
	}

	ev := heldEvent{method: req.Method}
	if req.Params != nil {
		ev.params = *req.Params
	}

	h.mu.Lock()
	if !h.released {
		if len(h.held) < maxHeldEvents {
			h.held = append(h.held, ev)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		select {
		case <-h.ready:
		case <-ctx.Done():
			return
		}
		h.mu.Lock()
	}
	defer h.mu.Unlock()
	h.m.deliver(ctx, h.gen, ev.method, ev.params)
}

// release delivers the held events in order and lets later ones through.
func (h *eventHandler) release(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	for _, ev := range h.held {
		h.m.deliver(ctx, h.gen, ev.method, ev.params)
	}
	h.held = nil
	h.released = true
	close(h.ready)
}
