package domain

import "context"

// Archive persists server-confirmed messages for offline reading.
// Unconfirmed drafts never reach it.
type Archive interface {
	SaveMessages(ctx context.Context, msgs []Message) error
	MarkRead(ctx context.Context, messageID string) error
	ConversationMessages(ctx context.Context, key string, limit int) ([]Message, error)
	Close() error
}
