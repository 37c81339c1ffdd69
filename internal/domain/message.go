package domain

import "time"

// DeliveryState tracks where a message stands between the optimistic
// local view and the durable store.
type DeliveryState string

const (
	// Sender-side states.
	StateSentOptimistic   DeliveryState = "sent_optimistic"
	StateDurablePending   DeliveryState = "durable_pending"
	StateDurableConfirmed DeliveryState = "durable_confirmed"
	StateDurableFailed    DeliveryState = "durable_failed"

	// Receiver-side states. Both converge to the same displayed entry.
	StateSeenRealtime DeliveryState = "seen_realtime"
	StateSeenDurable  DeliveryState = "seen_durable"
)

// Durable reports whether the state carries a store-confirmed identity.
func (s DeliveryState) Durable() bool {
	return s == StateDurableConfirmed || s == StateSeenDurable
}

// Message is the unit of chat content. A message carries two ids: the
// provisional id assigned by the sending client and the durable id
// assigned by the store once the insert is accepted. Until
// reconciliation succeeds the provisional id is the only handle the
// sender has.
type Message struct {
	ProvisionalID string    `json:"provisional_id,omitempty"`
	DurableID     string    `json:"message_id,omitempty"`
	RoomID        string    `json:"room_id"`
	AuthorID      string    `json:"author_id"`
	AuthorName    string    `json:"author_name,omitempty"`
	Content       string    `json:"content,omitempty"`
	ImageKey      string    `json:"image_key,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageKey is the natural key used to match the realtime and durable
// representations of the same logical message. The durable id is not
// known at optimistic-insert time, so author plus send timestamp is the
// only key stable across the provisional/durable transition. Senders
// assign created_at at millisecond precision so the key also survives a
// round trip through the store's timestamp column.
type MessageKey struct {
	AuthorID      string
	CreatedAtUnix int64
}

// Key returns the reconciliation key for the message.
func (m *Message) Key() MessageKey {
	return MessageKey{
		AuthorID:      m.AuthorID,
		CreatedAtUnix: m.CreatedAt.UnixMicro(),
	}
}

// ID returns the durable id once assigned, the provisional id before.
func (m *Message) ID() string {
	if m.DurableID != "" {
		return m.DurableID
	}
	return m.ProvisionalID
}

// Empty reports whether the message has neither text nor an image.
// Empty messages are rejected locally and never reach the network.
func (m *Message) Empty() bool {
	return m.Content == "" && m.ImageKey == ""
}
