package store

import (
	"context"

	"github.com/plateful/chat/internal/domain"
)

// MessageStore is the append-only, authoritative history of messages
// per room, queryable in timestamp order. Implementations wrap
// failures in domain.ErrPersistence; callers must retry or surface
// failure, never assume success.
type MessageStore interface {
	// ListMessages returns the full durable history for the room in
	// ascending created_at order.
	ListMessages(ctx context.Context, roomID string) ([]domain.Message, error)

	// InsertMessage persists the message, assigning the durable id
	// (and created_at, when the client did not set one). The returned
	// message carries the durable identity for reconciliation.
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)

	Close() error
}
