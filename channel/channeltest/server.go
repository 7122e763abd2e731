// Package channeltest provides an in-process realtime server for tests. It
// speaks the same auth-first JSON-RPC protocol over websocket and long-poll.
package channeltest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/clinicdesk/realtime/channel"
	"github.com/clinicdesk/realtime/rpc"
)

// PollHold is how long a long-poll GET waits for outbound objects.
const PollHold = 200 * time.Millisecond

// Server accepts channels authenticated with Token and reports UserID.
type Server struct {
	Token  string
	UserID string

	mu           sync.Mutex
	conns        map[*jsonrpc2.Conn]string // authenticated conn → transport
	polls        map[string]*pollSession
	events       []Received
	authAttempts int
	wsDisabled   bool
	greetings    []Received

	http *httptest.Server
}

// Received is a client event the server got after auth.
type Received struct {
	Method string
	Params json.RawMessage
}

func NewServer(t testing.TB, token, userID string) *Server {
	t.Helper()
	s := &Server{
		Token:  token,
		UserID: userID,
		conns:  make(map[*jsonrpc2.Conn]string),
		polls:  make(map[string]*pollSession),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWebSocket)
	mux.HandleFunc("POST /poll", s.openPoll)
	mux.HandleFunc("GET /poll/{sid}", s.pollRead)
	mux.HandleFunc("POST /poll/{sid}", s.pollWrite)
	mux.HandleFunc("DELETE /poll/{sid}", s.pollClose)
	s.http = httptest.NewServer(mux)

	t.Cleanup(func() {
		s.DropAll()
		s.http.Close()
	})
	return s
}

func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

func (s *Server) PollURL() string { return s.http.URL + "/poll" }

// Transports returns websocket then long-poll, the production order.
func (s *Server) Transports() []channel.Transport {
	return []channel.Transport{
		&channel.WebSocketTransport{URL: s.WebSocketURL()},
		&channel.LongPollTransport{URL: s.PollURL(), PollTimeout: 5 * time.Second},
	}
}

// DisableWebSocket makes the websocket endpoint answer 503, forcing fallback.
func (s *Server) DisableWebSocket(disabled bool) {
	s.mu.Lock()
	s.wsDisabled = disabled
	s.mu.Unlock()
}

// SetToken changes the accepted token for subsequent handshakes.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.Token = token
	s.mu.Unlock()
}

// Push sends an event to every authenticated channel.
func (s *Server) Push(method string, params any) {
	for _, conn := range s.authenticated() {
		conn.Notify(context.Background(), method, params)
	}
}

// Greet queues an event sent on every channel after its token is accepted
// and before the auth reply.
func (s *Server) Greet(method string, params any) {
	raw, _ := json.Marshal(params)
	s.mu.Lock()
	s.greetings = append(s.greetings, Received{Method: method, Params: raw})
	s.mu.Unlock()
}

// PushRaw sends an event with params exactly as given.
func (s *Server) PushRaw(method, params string) {
	raw := json.RawMessage(params)
	s.Push(method, &raw)
}

// DropAll closes every channel, authenticated or not.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	polls := make([]*pollSession, 0, len(s.polls))
	for _, p := range s.polls {
		polls = append(polls, p)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, p := range polls {
		p.Close()
	}
}

// Connections reports how many authenticated channels are live.
func (s *Server) Connections() int {
	return len(s.authenticated())
}

// ConnectionsOn reports live authenticated channels on one transport.
func (s *Server) ConnectionsOn(transport string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tr := range s.conns {
		if tr == transport {
			n++
		}
	}
	return n
}

func (s *Server) AuthAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authAttempts
}

// Received returns client events in arrival order.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.events...)
}

func (s *Server) authenticated() []*jsonrpc2.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	disabled := s.wsDisabled
	s.mu.Unlock()
	if disabled {
		http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.serve(r.Context(), channel.NewWebSocketStream(conn), "websocket")
}

func (s *Server) serve(ctx context.Context, stream jsonrpc2.ObjectStream, transport string) {
	h := &connHandler{server: s, transport: transport}
	conn := jsonrpc2.NewConn(ctx, stream, h)
	<-conn.DisconnectNotify()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

type connHandler struct {
	server    *Server
	transport string

	mu     sync.Mutex
	authed bool
}

func (h *connHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.mu.Lock()
	authed := h.authed
	h.mu.Unlock()

	if !authed {
		if req.Method != rpc.MethodAuth || req.Notif {
			conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInvalidRequest,
				Message: "first request must be auth",
			})
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	if !req.Notif {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "method not found",
		})
		return
	}

	var params json.RawMessage
	if req.Params != nil {
		params = append(params, *req.Params...)
	}
	h.server.mu.Lock()
	h.server.events = append(h.server.events, Received{Method: req.Method, Params: params})
	h.server.mu.Unlock()
}

func (h *connHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if req.Params != nil {
		json.Unmarshal(*req.Params, &params)
	}

	s := h.server
	s.mu.Lock()
	s.authAttempts++
	token := s.Token
	s.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(token)) != 1 {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: "invalid token",
		})
		return
	}

	h.mu.Lock()
	h.authed = true
	h.mu.Unlock()

	s.mu.Lock()
	s.conns[conn] = h.transport
	greetings := append([]Received(nil), s.greetings...)
	s.mu.Unlock()

	for _, g := range greetings {
		params := g.Params
		conn.Notify(ctx, g.Method, &params)
	}
	conn.Reply(ctx, req.ID, rpc.AuthResult{UserID: s.UserID, ServerTime: time.Now().UnixMilli()})
}

// pollSession is the server half of a long-poll channel.
type pollSession struct {
	id       string
	inbound  chan json.RawMessage
	mu       sync.Mutex
	outbound []json.RawMessage
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newPollSession() *pollSession {
	return &pollSession{
		id:      uuid.NewString(),
		inbound: make(chan json.RawMessage, 64),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (p *pollSession) ReadObject(v interface{}) error {
	select {
	case msg := <-p.inbound:
		return json.Unmarshal(msg, v)
	case <-p.closed:
		return io.EOF
	}
}

func (p *pollSession) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.outbound = append(p.outbound, data)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *pollSession) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pollSession) drain() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbound
	p.outbound = nil
	return out
}

func (s *Server) poll(r *http.Request) *pollSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[r.PathValue("sid")]
}

func (s *Server) openPoll(w http.ResponseWriter, r *http.Request) {
	p := newPollSession()
	s.mu.Lock()
	s.polls[p.id] = p
	s.mu.Unlock()

	go func() {
		s.serve(context.Background(), p, "longpoll")
		s.mu.Lock()
		delete(s.polls, p.id)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sid": p.id})
}

func (s *Server) pollRead(w http.ResponseWriter, r *http.Request) {
	p := s.poll(r)
	if p == nil {
		http.NotFound(w, r)
		return
	}

	batch := p.drain()
	if len(batch) == 0 {
		select {
		case <-p.notify:
			batch = p.drain()
		case <-p.closed:
			http.Error(w, "session closed", http.StatusGone)
			return
		case <-time.After(PollHold):
		case <-r.Context().Done():
			return
		}
	}
	if batch == nil {
		batch = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

func (s *Server) pollWrite(w http.ResponseWriter, r *http.Request) {
	p := s.poll(r)
	if p == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case p.inbound <- body:
		w.WriteHeader(http.StatusNoContent)
	case <-p.closed:
		http.Error(w, "session closed", http.StatusGone)
	}
}

func (s *Server) pollClose(w http.ResponseWriter, r *http.Request) {
	if p := s.poll(r); p != nil {
		p.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

var _ jsonrpc2.ObjectStream = (*pollSession)(nil)
