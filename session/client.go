package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/clinicdesk/realtime/channel"
	"github.com/clinicdesk/realtime/credential"
	"github.com/clinicdesk/realtime/logger"
	"github.com/clinicdesk/realtime/model"
	"github.com/clinicdesk/realtime/router"
	"github.com/clinicdesk/realtime/rpc"
	"github.com/clinicdesk/realtime/snapshot"
	"github.com/clinicdesk/realtime/state"
)

// ErrClosed is returned by Client operations after Close.
var ErrClosed = errors.New("session closed")

// Client is the lifecycle-scoped owner of one Session.
type Client struct {
	session   Session
	log       *slog.Logger
	store     *state.Store
	router    *router.Router
	loader    *snapshot.Loader
	channel   *channel.Manager
	source    snapshot.Source
	creds     *credential.Store
	presenter Presenter
	onReject  func(*Client)

	ctx    context.Context // background work; canceled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	viewer      model.Viewer
	pendingRead map[string]struct{} // read acks waiting for a connection
}

// Start builds the per-session components and opens the channel. ctx
// bounds the session's lifetime. A session without a token yields
// channel.ErrNoCredential.
func Start(ctx context.Context, sess Session, opts Options) (*Client, error) {
	if sess.Token == "" {
		return nil, channel.ErrNoCredential
	}
	if opts.NewSource == nil {
		return nil, errors.New("session: no snapshot source")
	}

	log := opts.Log
	if log == nil {
		log = logger.NewSessionLogger(sess.UserID)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		session:     sess,
		log:         log.With("module", "session"),
		source:      opts.NewSource(sess.Token),
		creds:       opts.Credentials,
		presenter:   opts.Presenter,
		onReject:    opts.OnAuthRejected,
		ctx:         bgCtx,
		cancel:      cancel,
		viewer:      model.Viewer{UserID: sess.UserID},
		pendingRead: make(map[string]struct{}),
	}
	if c.onReject == nil {
		c.onReject = (*Client).Close
	}

	c.store = state.New(state.Options{TypingTimeout: opts.TypingTimeout, Log: log})
	c.router = router.New(log)
	c.loader = snapshot.NewLoader(snapshot.LoaderConfig{
		Source:    c.source,
		Store:     c.store,
		PageSize:  opts.PageSize,
		Timeout:   opts.FetchTimeout,
		Viewer:    c.Viewer,
		Alive:     c.alive,
		OnEffects: c.handleEffects,
		Log:       log,
	})
	c.channel = channel.NewManager(channel.Config{
		Transports:     opts.Transports,
		Router:         c.router,
		OnConnected:    c.onConnected,
		OnAuthRejected: c.authRejected,
		ReconnectMin:   opts.ReconnectMin,
		ReconnectMax:   opts.ReconnectMax,
		Log:            log,
	})

	c.seedNotifications()
	if c.creds != nil {
		c.store.Subscribe(c.persistNotifications)
	}
	c.registerHandlers()

	if err := c.channel.Open(ctx, sess.Credentials()); err != nil {
		c.Close()
		return nil, err
	}
	c.log.Info("session started")
	return c, nil
}

func (c *Client) Session() Session { return c.session }

// Store is the read path for presentation adapters. Adapters read and
// subscribe; they never merge.
func (c *Client) Store() *state.Store { return c.store }

func (c *Client) Channel() *channel.Manager { return c.channel }

// Viewer returns the identity and open conversation as of now. Handlers
// call it at event time.
func (c *Client) Viewer() model.Viewer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewer
}

func (c *Client) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// OpenConversation makes id the active conversation: the server is told
// with join-conversation, the conversation is read locally and on the
// server, and its newest page is loaded.
func (c *Client) OpenConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id required", state.ErrInvalidInput)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.viewer.ActiveConversationID = id
	c.mu.Unlock()

	// Not connected: onConnected joins the active conversation.
	err := c.channel.Send(ctx, rpc.EventJoinConversation, rpc.JoinConversationParams{ConversationID: id})
	if err != nil && !errors.Is(err, channel.ErrNotConnected) {
		c.log.Warn("join conversation failed", "conversationId", id, "error", err)
	}

	fx, err := c.store.ApplyMessagesRead(id)
	if err != nil {
		return c.mapStoreErr(err)
	}
	c.ackRead(ctx, id)
	if fx.Refetch {
		c.background(func(ctx context.Context) error { return c.loader.LoadConversations(ctx) })
	}
	return c.mapLoadErr(c.loader.LoadMessages(ctx, id, 1, 0))
}

// LeaveConversation clears the active conversation. Later messages count
// as unread again.
func (c *Client) LeaveConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer.ActiveConversationID = ""
}

// LoadOlderMessages loads page (1 is newest) of a conversation.
func (c *Client) LoadOlderMessages(ctx context.Context, id string, page int) error {
	if !c.alive() {
		return ErrClosed
	}
	return c.mapLoadErr(c.loader.LoadMessages(ctx, id, page, 0))
}

// Refresh reloads every snapshot.
func (c *Client) Refresh(ctx context.Context) error {
	if !c.alive() {
		return ErrClosed
	}
	return c.mapLoadErr(c.loader.Reload(ctx))
}

// AckNotification removes a notification from the unseen list and tells
// the server. The local removal stands even if the server call fails.
func (c *Client) AckNotification(ctx context.Context, id string) error {
	removed, err := c.store.AckNotification(id)
	if err != nil {
		return c.mapStoreErr(err)
	}
	if !removed {
		return nil
	}
	if err := c.source.MarkNotificationRead(ctx, id); err != nil {
		c.log.Warn("failed to acknowledge notification", "notificationId", id, "error", err)
		return err
	}
	return nil
}

// AckAllNotifications acknowledges every unseen notification.
func (c *Client) AckAllNotifications(ctx context.Context) error {
	unseen := c.store.UnseenNotifications()
	if _, err := c.store.AckAllNotifications(); err != nil {
		return c.mapStoreErr(err)
	}
	var errs []error
	for _, n := range unseen {
		if err := c.source.MarkNotificationRead(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("notification %s: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close tears the session down: the channel closes and detaches its
// handlers, background fetches are canceled, and the store rejects any
// merge still in flight. Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.channel.Close()
	c.cancel()
	c.wg.Wait()
	c.store.Close()
	c.log.Info("session closed")
}

func (c *Client) onConnected(ctx context.Context, userID string) error {
	if userID != "" && c.session.UserID != "" && userID != c.session.UserID {
		c.log.Warn("channel authenticated as a different user", "channelUserId", userID)
	}

	c.flushPendingReads(ctx)
	if active := c.Viewer().ActiveConversationID; active != "" {
		if err := c.channel.Send(ctx, rpc.EventJoinConversation, rpc.JoinConversationParams{ConversationID: active}); err != nil {
			c.log.Warn("rejoin conversation failed", "conversationId", active, "error", err)
		}
	}
	return c.loader.Reload(ctx)
}

func (c *Client) authRejected() {
	c.log.Warn("session token rejected by server")
	c.onReject(c)
}

// handleEffects performs the I/O a merge asked for, off the event path.
func (c *Client) handleEffects(conversationID string, fx state.Effects) {
	if fx.ReadAck {
		c.background(func(ctx context.Context) error {
			c.ackRead(ctx, conversationID)
			return nil
		})
	}
	if fx.Refetch {
		c.background(func(ctx context.Context) error {
			return c.loader.LoadConversations(ctx)
		})
	}
}

// ackRead tells the server a conversation was read. Without a live channel
// the ack is queued and sent on the next connect, before the reload, so
// the reload cannot resurrect the count.
func (c *Client) ackRead(ctx context.Context, id string) {
	if !c.channel.Connected() {
		c.queueRead(id)
		return
	}
	if err := c.source.MarkConversationRead(ctx, id); err != nil {
		c.log.Warn("failed to acknowledge read", "conversationId", id, "error", err)
		c.queueRead(id)
	}
}

func (c *Client) queueRead(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRead[id] = struct{}{}
}

func (c *Client) flushPendingReads(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pendingRead))
	for id := range c.pendingRead {
		ids = append(ids, id)
	}
	clear(c.pendingRead)
	c.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		if err := c.source.MarkConversationRead(ctx, id); err != nil {
			c.log.Warn("failed to acknowledge queued read", "conversationId", id, "error", err)
			c.queueRead(id)
		}
	}
}

// background runs fn on the session's background context. Errors are
// logged; stale responses are expected after Close and dropped quietly.
func (c *Client) background(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.LogPanic(r, "session background task panic")
			}
		}()
		if err := fn(c.ctx); err != nil && !errors.Is(err, snapshot.ErrStaleResponse) && c.ctx.Err() == nil {
			c.log.Warn("background refresh failed", "error", err)
		}
	}()
}

func (c *Client) seedNotifications() {
	if c.creds == nil {
		return
	}
	blob, err := c.creds.Load()
	if err != nil {
		c.log.Warn("failed to read stored notifications", "error", err)
		return
	}
	if blob == nil || blob.Token != c.session.Token {
		return
	}
	for _, n := range blob.UnseenNotifications {
		c.store.ApplyNotification(n)
	}
}

// persistNotifications writes the unseen list back into the credential
// blob, as long as the blob still belongs to this session.
func (c *Client) persistNotifications(ch state.Change) {
	if ch.Topic != state.TopicNotifications {
		return
	}
	unseen := c.store.UnseenNotifications()
	err := c.creds.Update(func(b *credential.Blob) {
		if b.Token == c.session.Token {
			b.UnseenNotifications = unseen
		}
	})
	if err != nil {
		c.log.Warn("failed to persist notifications", "error", err)
	}
}

func (c *Client) mapStoreErr(err error) error {
	if errors.Is(err, state.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (c *Client) mapLoadErr(err error) error {
	if errors.Is(err, snapshot.ErrStaleResponse) {
		return ErrClosed
	}
	return err
}
