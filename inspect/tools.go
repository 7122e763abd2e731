package inspect

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/samber/lo"

	"github.com/clinicdesk/realtime/model"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List conversations, newest activity first, with unread counts."),
		mcp.WithBoolean("unread_only", mcp.Description("Only conversations with unread messages")),
	), s.handleListConversations)

	s.mcp.AddTool(mcp.NewTool("get_messages",
		mcp.WithDescription("Get the messages held for a conversation in sequence order, plus who is typing."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
		mcp.WithNumber("limit", mcp.Description("Return only the newest N messages")),
	), s.handleGetMessages)

	s.mcp.AddTool(mcp.NewTool("list_notifications",
		mcp.WithDescription("List unseen notifications, newest first."),
	), s.handleListNotifications)

	s.mcp.AddTool(mcp.NewTool("get_presence",
		mcp.WithDescription("Get presence for one user, or every user with known presence."),
		mcp.WithString("user_id", mcp.Description("User ID; omit for all known users")),
	), s.handleGetPresence)

	s.mcp.AddTool(mcp.NewTool("channel_status",
		mcp.WithDescription("Report the realtime channel state and unread totals."),
	), s.handleChannelStatus)
}

func (s *Server) handleListConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.current()
	if errResult != nil {
		return errResult, nil
	}
	convs := c.Store().Conversations()
	if req.GetBool("unread_only", false) {
		convs = lo.Filter(convs, func(conv model.Conversation, _ int) bool {
			return conv.UnreadCount > 0
		})
	}
	return jsonResult(convs)
}

type messagesResult struct {
	ConversationID string          `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
	Typing         []string        `json:"typing"`
}

func (s *Server) handleGetMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return ValidationError("conversation_id is required"), nil
	}
	limit := req.GetInt("limit", 0)
	if limit < 0 {
		return ValidationError("limit must not be negative"), nil
	}

	c, errResult := s.current()
	if errResult != nil {
		return errResult, nil
	}
	if _, ok := c.Store().Conversation(id); !ok {
		return NotFound("conversation", id), nil
	}

	msgs := c.Store().Messages(id)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return jsonResult(messagesResult{
		ConversationID: id,
		Messages:       msgs,
		Typing:         c.Store().Typing(id),
	})
}

func (s *Server) handleListNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.current()
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(c.Store().UnseenNotifications())
}

func (s *Server) handleGetPresence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.current()
	if errResult != nil {
		return errResult, nil
	}

	userID := req.GetString("user_id", "")
	if userID == "" {
		return jsonResult(c.Store().PresenceEntries())
	}
	entry, known := lo.Find(c.Store().PresenceEntries(), func(e model.PresenceEntry) bool {
		return e.UserID == userID
	})
	if !known {
		return NotFound("presence", userID), nil
	}
	return jsonResult(entry)
}

type statusResult struct {
	State               string    `json:"state"`
	Transport           string    `json:"transport,omitempty"`
	UserID              string    `json:"userId"`
	ActiveConversation  string    `json:"activeConversation,omitempty"`
	UnreadTotal         int       `json:"unreadTotal"`
	UnseenNotifications int       `json:"unseenNotifications"`
	At                  time.Time `json:"at"`
}

func (s *Server) handleChannelStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.current()
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(statusResult{
		State:               string(c.Channel().State()),
		Transport:           c.Channel().Transport(),
		UserID:              c.Session().UserID,
		ActiveConversation:  c.Viewer().ActiveConversationID,
		UnreadTotal:         c.Store().TotalUnread(),
		UnseenNotifications: c.Store().UnseenCount(),
		At:                  time.Now().UTC(),
	})
}
