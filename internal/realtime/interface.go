package realtime

import (
	"context"

	"github.com/plateful/chat/internal/domain"
)

// Subscription is one live feed of a room's broadcasts. Each call to
// Subscribe produces an independent handle; closing one never affects
// another subscriber of the same room.
type Subscription interface {
	// Messages streams broadcasts until the subscription ends. The
	// channel is closed when the subscription's context is cancelled
	// or Close is called.
	Messages() <-chan domain.Message

	// Close ends this subscription only. Safe to call more than once.
	Close() error
}

// Channel is the per-room broadcast capability. Delivery is best-effort
// to currently-subscribed participants only: no persistence, no
// acknowledgement, no delivery guarantee. Implementations wrap failures
// in domain.ErrChannel.
type Channel interface {
	// Subscribe opens a new, independently-owned feed of messages
	// published to the room.
	Subscribe(ctx context.Context, roomID string) (Subscription, error)

	// Publish broadcasts a message to the room, fire-and-forget.
	Publish(ctx context.Context, roomID string, msg domain.Message) error

	Close() error
}
