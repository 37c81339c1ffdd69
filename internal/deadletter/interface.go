package deadletter

import (
	"context"

	"github.com/plateful/chat/internal/domain"
)

// Reasons a message ends up on the dead-letter path.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonSessionClosed    = "session_closed"
)

// Producer records messages whose durable insert could not be applied:
// retries exhausted, or the insert completed after the room session was
// closed. Dead-lettered messages are repaired offline, never silently
// dropped.
type Producer interface {
	Produce(ctx context.Context, reason string, msg domain.Message) error
	Close() error
}
