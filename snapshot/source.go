// Package snapshot fetches authoritative baseline state from the REST
// service and feeds it through the state store's merge operations.
package snapshot

//go:generate mockgen -source=source.go -destination=mocks/source_mock.go -package=mocks

import (
	"context"

	"github.com/clinicdesk/realtime/model"
)

// Source is the REST boundary snapshots are read from.
type Source interface {
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]model.Message, error)
	ListUnseenNotifications(ctx context.Context) ([]model.Notification, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	MarkNotificationRead(ctx context.Context, notificationID string) error
}
