package session

import (
	"sort"

	"github.com/plateful/chat/internal/domain"
)

// Entry is a message in the Local Send Buffer together with its
// delivery state.
type Entry struct {
	Message domain.Message
	State   domain.DeliveryState
}

// Buffer is the Local Send Buffer: the per-room ordered sequence of
// messages currently known to the client, durable plus realtime plus
// locally-sent-but-unconfirmed. It is owned exclusively by the open
// room session and must only be touched from the session's event loop.
//
// Entries are kept in non-decreasing created_at order, ties broken by
// arrival. The index maps the natural key (author + send timestamp) to
// its entry so the realtime and durable representations of one logical
// message reconcile to a single displayed entry; ids are never mutated
// in place, the durable id is attached alongside the provisional one.
type Buffer struct {
	entries []*Entry
	index   map[domain.MessageKey]*Entry
	durable map[string]*Entry
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		index:   make(map[domain.MessageKey]*Entry),
		durable: make(map[string]*Entry),
	}
}

// Len returns the number of entries.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Seed loads the durable history fetched on room entry. History is
// already ordered by the store; Apply keeps the order and drops any
// duplicates the store should not produce but a retried fetch might.
func (b *Buffer) Seed(history []domain.Message) {
	for _, msg := range history {
		b.Apply(msg, domain.StateSeenDurable)
	}
}

// Apply inserts or merges a message and returns the resulting entry
// plus whether the buffer changed. A message is a duplicate if an
// entry with the same durable id, or the same author and created_at,
// already exists; duplicates merge idempotently, preferring the
// representation that carries a durable id.
func (b *Buffer) Apply(msg domain.Message, state domain.DeliveryState) (Entry, bool) {
	if existing := b.lookup(msg); existing != nil {
		changed := b.merge(existing, msg, state)
		return *existing, changed
	}

	e := &Entry{Message: msg, State: state}
	b.insert(e)
	b.index[msg.Key()] = e
	if msg.DurableID != "" {
		b.durable[msg.DurableID] = e
	}
	return *e, true
}

// SetState updates the delivery state of the entry with the given
// natural key.
func (b *Buffer) SetState(key domain.MessageKey, state domain.DeliveryState) (Entry, bool) {
	e, ok := b.index[key]
	if !ok {
		return Entry{}, false
	}
	if e.State == state {
		return *e, false
	}
	e.State = state
	return *e, true
}

// Get returns the entry for the natural key.
func (b *Buffer) Get(key domain.MessageKey) (Entry, bool) {
	e, ok := b.index[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of the entries in presentation order.
func (b *Buffer) Snapshot() []Entry {
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = *e
	}
	return out
}

func (b *Buffer) lookup(msg domain.Message) *Entry {
	if msg.DurableID != "" {
		if e, ok := b.durable[msg.DurableID]; ok {
			return e
		}
	}
	if e, ok := b.index[msg.Key()]; ok {
		return e
	}
	return nil
}

// insert places the entry keeping created_at order; an entry with a
// timestamp equal to existing ones goes after them (arrival order).
func (b *Buffer) insert(e *Entry) {
	at := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Message.CreatedAt.After(e.Message.CreatedAt)
	})
	b.entries = append(b.entries, nil)
	copy(b.entries[at+1:], b.entries[at:])
	b.entries[at] = e
}

// merge folds a duplicate delivery into the existing entry. Returns
// whether anything changed.
func (b *Buffer) merge(e *Entry, msg domain.Message, state domain.DeliveryState) bool {
	changed := false

	if msg.DurableID != "" && e.Message.DurableID == "" {
		e.Message.DurableID = msg.DurableID
		b.durable[msg.DurableID] = e
		changed = true
	}
	if msg.AuthorName != "" && e.Message.AuthorName == "" {
		e.Message.AuthorName = msg.AuthorName
		changed = true
	}
	if msg.ImageKey != "" && e.Message.ImageKey == "" {
		e.Message.ImageKey = msg.ImageKey
		changed = true
	}

	// Once a durable id is attached the entry settles into its
	// terminal state: confirmed for the sender's own messages, seen
	// for everyone else's.
	if e.Message.DurableID != "" && !e.State.Durable() {
		switch e.State {
		case domain.StateSentOptimistic, domain.StateDurablePending, domain.StateDurableFailed:
			e.State = domain.StateDurableConfirmed
		default:
			e.State = domain.StateSeenDurable
		}
		changed = true
	} else if state.Durable() && !e.State.Durable() {
		e.State = state
		changed = true
	}

	return changed
}
