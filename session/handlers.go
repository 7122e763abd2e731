package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicdesk/realtime/model"
	"github.com/clinicdesk/realtime/router"
	"github.com/clinicdesk/realtime/rpc"
	"github.com/clinicdesk/realtime/state"
)

// registerHandlers binds every server event to its merge. Handlers read
// the viewer when the event arrives, not when they are registered.
func (c *Client) registerHandlers() {
	c.router.UnregisterAll()

	c.router.Register(rpc.EventNewMessage, router.Typed(c.onNewMessage))
	c.router.Register(rpc.EventNewNotification, router.Typed(c.onNotification))
	c.router.Register(rpc.EventUserTyping, router.Typed(func(_ context.Context, p rpc.TypingParams) error {
		return eventErr(c.store.ApplyTyping(p.ConversationID, p.UserName))
	}))
	c.router.Register(rpc.EventUserStopTyping, router.Typed(func(_ context.Context, p rpc.TypingParams) error {
		return eventErr(c.store.ClearTyping(p.ConversationID, p.UserName))
	}))
	c.router.Register(rpc.EventUserOnline, router.Typed(func(_ context.Context, p rpc.PresenceParams) error {
		return eventErr(c.store.ApplyPresence(p.UserID, true))
	}))
	c.router.Register(rpc.EventUserOffline, router.Typed(func(_ context.Context, p rpc.PresenceParams) error {
		return eventErr(c.store.ApplyPresence(p.UserID, false))
	}))
	c.router.Register(rpc.EventMessagesRead, router.Typed(c.onMessagesRead))
	c.router.Register(rpc.EventConversationUpdate, router.Typed(func(_ context.Context, p rpc.ConversationUpdateParams) error {
		return eventErr(c.store.ApplyConversationUpdate(p))
	}))
}

func (c *Client) onNewMessage(_ context.Context, p rpc.NewMessageParams) error {
	fx, err := c.store.ApplyNewMessage(c.Viewer(), p.ConversationID, p.Message)
	if err != nil {
		return eventErr(err)
	}
	// A message ends its sender's typing indicator.
	if p.Message.SenderName != "" {
		c.store.ClearTyping(p.ConversationID, p.Message.SenderName)
	}
	c.handleEffects(p.ConversationID, fx)
	return nil
}

func (c *Client) onNotification(_ context.Context, n model.Notification) error {
	added, err := c.store.ApplyNotification(n)
	if err != nil {
		return eventErr(err)
	}
	if added && c.presenter != nil {
		c.presenter.Alert(n)
	}
	return nil
}

func (c *Client) onMessagesRead(_ context.Context, p rpc.MessagesReadParams) error {
	fx, err := c.store.ApplyMessagesRead(p.ConversationID)
	if err != nil {
		return eventErr(err)
	}
	c.handleEffects(p.ConversationID, fx)
	return nil
}

// eventErr maps store errors onto router diagnostics. A closed store means
// the session is going away, which is not worth reporting.
func eventErr(err error) error {
	switch {
	case err == nil, errors.Is(err, state.ErrClosed):
		return nil
	case errors.Is(err, state.ErrInvalidInput):
		return fmt.Errorf("%w: %w", router.ErrMalformedEvent, err)
	}
	return err
}
