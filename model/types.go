// Package model defines the entities the realtime client reconciles:
// conversations, messages, notifications, presence and typing.
package model

import "time"

// DeliveryState tracks how far a message has progressed on this client.
type DeliveryState string

const (
	DeliveryReceived DeliveryState = "received"
)

// Message is a single chat message inside a conversation.
type Message struct {
	ID             string        `json:"id" validate:"required"`
	ConversationID string        `json:"conversationId" validate:"required"`
	SenderID       string        `json:"senderId" validate:"required"`
	SenderName     string        `json:"senderName,omitempty"`
	Body           string        `json:"body"`
	Seq            int64         `json:"seq,omitempty" validate:"gte=0"`
	CreatedAt      time.Time     `json:"createdAt" validate:"required"`
	Delivery       DeliveryState `json:"delivery,omitempty"`
}

// Before reports whether m sorts before other in a conversation's sequence.
// Server sequence numbers win when both sides carry one; otherwise the
// creation time decides, and the ID breaks ties so the order is total.
func (m Message) Before(other Message) bool {
	if m.Seq != 0 && other.Seq != 0 && m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// ConversationSummary is the list-level view of a conversation as pushed by
// the server or returned by the conversation list endpoint.
type ConversationSummary struct {
	ID              string    `json:"id" validate:"required"`
	Participants    []string  `json:"participants,omitempty"`
	Title           string    `json:"title,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	LastMessageID   string    `json:"lastMessageId,omitempty"`
	LastMessageSeq  int64     `json:"lastMessageSeq,omitempty" validate:"gte=0"`
	UnreadCount     int       `json:"unreadCount" validate:"gte=0"`
	UnreadConfirmed bool      `json:"unreadConfirmed,omitempty"` // authoritative count; always set by snapshots
}

// Conversation is the reconciled, read-only view handed to presentation code.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants,omitempty"`
	Title         string    `json:"title,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// Notification is an entry in the current identity's unseen list.
type Notification struct {
	ID        string    `json:"id" validate:"required"`
	Message   string    `json:"message" validate:"required"`
	Kind      string    `json:"kind,omitempty"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// PresenceEntry is the last known online state of a counterpart.
type PresenceEntry struct {
	UserID    string    `json:"userId"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TypingIndicator lists who is typing in a conversation right now.
type TypingIndicator struct {
	ConversationID string   `json:"conversationId"`
	UserNames      []string `json:"userNames"`
}

// Viewer identifies who is looking at the state when an event is applied.
// It is read at event-handling time so merges never act on a stale identity.
type Viewer struct {
	UserID               string
	ActiveConversationID string
}

// IsActive reports whether conversationID is the viewer's open conversation.
func (v Viewer) IsActive(conversationID string) bool {
	return v.ActiveConversationID != "" && v.ActiveConversationID == conversationID
}
