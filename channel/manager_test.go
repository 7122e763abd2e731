package channel_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/realtime/channel"
	"github.com/clinicdesk/realtime/channel/channeltest"
	"github.com/clinicdesk/realtime/rpc"
)

const (
	testToken  = "tok-123"
	testUserID = "doctor-1"
	waitFor    = 3 * time.Second
	tick       = 10 * time.Millisecond
)

type recordingRouter struct {
	mu           sync.Mutex
	events       []string
	unregistered int
}

func (r *recordingRouter) Dispatch(_ context.Context, event string, params json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+" "+string(params))
}

func (r *recordingRouter) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered++
}

func (r *recordingRouter) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type testEnv struct {
	t         *testing.T
	server    *channeltest.Server
	router    *recordingRouter
	manager   *channel.Manager
	connects  atomic.Int32
	rejected  chan struct{}
	onConnect func(ctx context.Context) error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		t:        t,
		server:   channeltest.NewServer(t, testToken, testUserID),
		router:   &recordingRouter{},
		rejected: make(chan struct{}),
	}
	e.manager = channel.NewManager(channel.Config{
		Transports: e.server.Transports(),
		Router:     e.router,
		OnConnected: func(ctx context.Context, userID string) error {
			assert.Equal(t, testUserID, userID)
			e.connects.Add(1)
			if e.onConnect != nil {
				return e.onConnect(ctx)
			}
			return nil
		},
		OnAuthRejected: func() { close(e.rejected) },
		ReconnectMin:   10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
		AuthTimeout:    time.Second,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(e.manager.Close)
	return e
}

func (e *testEnv) open(token string) {
	e.t.Helper()
	require.NoError(e.t, e.manager.Open(context.Background(), channel.Credentials{Token: token}))
}

func (e *testEnv) waitConnected() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(e.t, e.manager.WaitState(ctx, channel.StateConnected))
	require.Eventually(e.t, func() bool { return e.server.Connections() == 1 }, waitFor, tick)
}

func TestOpen_NoCredential(t *testing.T) {
	e := newTestEnv(t)

	err := e.manager.Open(context.Background(), channel.Credentials{})

	require.ErrorIs(t, err, channel.ErrNoCredential)
	assert.Equal(t, channel.StateDisconnected, e.manager.State())
	assert.Zero(t, e.server.AuthAttempts())
}

func TestOpen_ConnectsOverWebSocket(t *testing.T) {
	e := newTestEnv(t)
	e.open(testToken)
	e.waitConnected()

	assert.True(t, e.manager.Connected())
	assert.Equal(t, "websocket", e.manager.Transport())
	assert.Equal(t, 1, e.server.ConnectionsOn("websocket"))
	require.Eventually(t, func() bool { return e.connects.Load() == 1 }, waitFor, tick)
}

func TestEvents_DeliveredInReceiptOrder(t *testing.T) {
	e := newTestEnv(t)
	e.open(testToken)
	e.waitConnected()

	const n = 50
	var want []string
	for i := range n {
		params := rpc.PresenceParams{UserID: fmt.Sprintf("u%02d", i)}
		e.server.Push(rpc.EventUserOnline, params)
		raw, _ := json.Marshal(params)
		want = append(want, rpc.EventUserOnline+" "+string(raw))
	}

	require.Eventually(t, func() bool { return e.router.count() == n }, waitFor, tick)
	assert.Equal(t, want, e.router.Events())
}

func TestEvents_HeldUntilReloadFinishes(t *testing.T) {
	e := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	e.onConnect = func(ctx context.Context) error {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	e.open(testToken)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("reload never started")
	}
	require.Eventually(t, func() bool { return e.server.Connections() == 1 }, waitFor, tick)
	e.server.Push(rpc.EventUserOnline, rpc.PresenceParams{UserID: "u1"})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, e.router.count(), "event delivered before reload finished")

	close(release)
	require.Eventually(t, func() bool { return e.router.count() == 1 }, waitFor, tick)
}

func TestEvents_SentBeforeAuthReply(t *testing.T) {
	e := newTestEnv(t)
	e.server.Greet(rpc.EventUserOnline, rpc.PresenceParams{UserID: "u0"})
	e.open(testToken)

	// Well inside AuthTimeout: the early event must not stall the handshake.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, e.manager.WaitState(ctx, channel.StateConnected))
	assert.Equal(t, "websocket", e.manager.Transport())
	assert.Equal(t, 1, e.server.AuthAttempts())

	require.Eventually(t, func() bool { return e.server.Connections() == 1 }, waitFor, tick)
	e.server.Push(rpc.EventUserOffline, rpc.PresenceParams{UserID: "u0"})

	require.Eventually(t, func() bool { return e.router.count() == 2 }, waitFor, tick)
	assert.Equal(t, []string{
		rpc.EventUserOnline + ` {"userId":"u0"}`,
		rpc.EventUserOffline + ` {"userId":"u0"}`,
	}, e.router.Events())
}

func TestOpen_FallsBackToLongPoll(t *testing.T) {
	e := newTestEnv(t)
	e.server.DisableWebSocket(true)
	e.open(testToken)
	e.waitConnected()

	assert.Equal(t, "longpoll", e.manager.Transport())

	e.server.Push(rpc.EventUserTyping, rpc.TypingParams{ConversationID: "c1", UserName: "Ana"})
	require.Eventually(t, func() bool { return e.router.count() == 1 }, waitFor, tick)

	require.NoError(t, e.manager.Send(context.Background(), rpc.EventJoinConversation, rpc.JoinConversationParams{ConversationID: "c1"}))
	require.Eventually(t, func() bool { return len(e.server.Received()) == 1 }, waitFor, tick)
}

func TestReconnect_AfterDrop(t *testing.T) {
	e := newTestEnv(t)
	e.open(testToken)
	e.waitConnected()

	e.server.DropAll()

	require.Eventually(t, func() bool {
		return e.connects.Load() == 2 && e.server.Connections() == 1 && e.manager.Connected()
	}, waitFor, tick)

	e.server.Push(rpc.EventUserOffline, rpc.PresenceParams{UserID: "u1"})
	require.Eventually(t, func() bool { return e.router.count() == 1 }, waitFor, tick)
}

func TestReconnect_PrefersLastWorkingTransport(t *testing.T) {
	e := newTestEnv(t)
	e.server.DisableWebSocket(true)
	e.open(testToken)
	e.waitConnected()
	require.Equal(t, "longpoll", e.manager.Transport())

	e.server.DisableWebSocket(false)
	e.server.DropAll()

	require.Eventually(t, func() bool { return e.connects.Load() == 2 && e.manager.Connected() }, waitFor, tick)
	assert.Equal(t, "longpoll", e.manager.Transport())
	assert.Zero(t, e.server.ConnectionsOn("websocket"))
}

func TestAuthRejected_StopsRetrying(t *testing.T) {
	e := newTestEnv(t)
	e.open("expired")

	select {
	case <-e.rejected:
	case <-time.After(waitFor):
		t.Fatal("auth rejection not reported")
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, channel.StateClosed, e.manager.State())
	assert.Equal(t, 1, e.server.AuthAttempts())
	assert.Zero(t, e.connects.Load())
}

func TestClose_NoDispatchAfterReturn(t *testing.T) {
	e := newTestEnv(t)
	e.open(testToken)
	e.waitConnected()

	stop := make(chan struct{})
	var pushes sync.WaitGroup
	pushes.Add(1)
	go func() {
		defer pushes.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			e.server.Push(rpc.EventUserOnline, rpc.PresenceParams{UserID: fmt.Sprint(i)})
			time.Sleep(time.Millisecond)
		}
	}()
	require.Eventually(t, func() bool { return e.router.count() > 0 }, waitFor, tick)

	e.manager.Close()
	after := e.router.count()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	pushes.Wait()

	assert.Equal(t, after, e.router.count())
	assert.Equal(t, channel.StateClosed, e.manager.State())
	assert.Equal(t, 1, e.router.unregistered)
	require.Eventually(t, func() bool { return e.server.Connections() == 0 }, waitFor, tick)
	assert.ErrorIs(t, e.manager.Send(context.Background(), rpc.EventJoinConversation, nil), channel.ErrClosed)
}

func TestOpen_ReplacesPriorChannel(t *testing.T) {
	e := newTestEnv(t)
	e.open(testToken)
	e.waitConnected()

	e.open(testToken)

	require.Eventually(t, func() bool {
		return e.connects.Load() == 2 && e.server.Connections() == 1
	}, waitFor, tick)
	assert.True(t, e.manager.Connected())
}

func TestSend_RequiresConnection(t *testing.T) {
	e := newTestEnv(t)

	err := e.manager.Send(context.Background(), rpc.EventJoinConversation, rpc.JoinConversationParams{ConversationID: "c1"})
	require.ErrorIs(t, err, channel.ErrNotConnected)

	e.open(testToken)
	e.waitConnected()
	require.NoError(t, e.manager.Send(context.Background(), rpc.EventJoinConversation, rpc.JoinConversationParams{ConversationID: "c1"}))

	require.Eventually(t, func() bool { return len(e.server.Received()) == 1 }, waitFor, tick)
	got := e.server.Received()[0]
	assert.Equal(t, rpc.EventJoinConversation, got.Method)
	assert.JSONEq(t, `{"conversationId":"c1"}`, string(got.Params))
}

func TestWatch_ReportsTransitions(t *testing.T) {
	e := newTestEnv(t)

	var mu sync.Mutex
	var seen []channel.State
	cancel := e.manager.Watch(func(s channel.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer cancel()

	e.open(testToken)
	e.waitConnected()
	e.manager.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []channel.State{channel.StateConnecting, channel.StateConnected, channel.StateClosed}, seen)
}

func TestTransportError_Unwraps(t *testing.T) {
	err := &channel.TransportError{Transport: "websocket", Err: io.ErrUnexpectedEOF}

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "websocket transport: unexpected EOF", err.Error())
}
