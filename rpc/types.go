// Package rpc defines the JSON-RPC 2.0 wire format spoken over the realtime
// channel: the auth handshake, server-pushed events, and client events.
package rpc

import (
	"github.com/clinicdesk/realtime/model"
)

// Methods
const (
	MethodAuth = "auth"

	// Server → Client
	EventNewMessage         = "new-message"
	EventNewNotification    = "new-notification"
	EventUserTyping         = "user-typing"
	EventUserStopTyping     = "user-stop-typing"
	EventUserOnline         = "user-online"
	EventUserOffline        = "user-offline"
	EventMessagesRead       = "messages-read"
	EventConversationUpdate = "conversation-update"

	// Client → Server
	EventJoinConversation = "join-conversation"
)

// Client → Server

// AuthParams carries the bearer credential inside the handshake payload.
// The transport handshake is the only place it can travel before the
// socket exists, so it is never sent as a header.
type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	UserID     string `json:"userId"`
	ServerTime int64  `json:"serverTime,omitempty"`
}

type JoinConversationParams struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// Server → Client

type NewMessageParams struct {
	ConversationID string        `json:"conversationId" validate:"required"`
	Message        model.Message `json:"message"`
}

type TypingParams struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UserName       string `json:"userName" validate:"required"`
}

type PresenceParams struct {
	UserID string `json:"userId" validate:"required"`
}

type MessagesReadParams struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type ConversationUpdateParams = model.ConversationSummary

type NotificationParams = model.Notification
