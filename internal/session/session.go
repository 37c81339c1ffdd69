package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/chat/internal/audit"
	"github.com/plateful/chat/internal/deadletter"
	"github.com/plateful/chat/internal/directory"
	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/log"
	"github.com/plateful/chat/internal/realtime"
	"github.com/plateful/chat/internal/store"
)

// Deps are the collaborator capabilities a session rides on.
type Deps struct {
	Directory  directory.Directory
	Store      store.MessageStore
	Channel    realtime.Channel
	DeadLetter deadletter.Producer // optional
}

// Config bounds the session's retry behaviour and internal queues.
type Config struct {
	InsertRetryMax   int
	RetryBackoff     time.Duration
	SubscribeBackoff time.Duration
	EventBufferSize  int
	UpdateBufferSize int
}

func (c Config) withDefaults() Config {
	if c.InsertRetryMax <= 0 {
		c.InsertRetryMax = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.SubscribeBackoff <= 0 {
		c.SubscribeBackoff = time.Second
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
	if c.UpdateBufferSize <= 0 {
		c.UpdateBufferSize = 256
	}
	return c
}

// Session maintains a consistent, deduplicated, ordered view of one
// room's messages for one authenticated participant. All buffer
// mutation happens on a single event-loop goroutine; user sends,
// realtime arrivals and durable insert completions are events applied
// serially.
type Session struct {
	room domain.Room
	user domain.User
	deps Deps
	cfg  Config

	buffer  *Buffer
	events  chan event
	updates chan Entry

	// The live subscription handle, owned by the event loop; set
	// before the loop starts, replaced only from inside it.
	sub realtime.Subscription

	cancel context.CancelFunc
	closed chan struct{}

	now func() time.Time

	closeOnce sync.Once
}

type event interface{}

type evSend struct {
	msg     domain.Message
	applied chan struct{}
}

type evInsertOK struct {
	key domain.MessageKey
	msg domain.Message
}

type evInsertErr struct {
	key     domain.MessageKey
	msg     domain.Message
	attempt int
	err     error
}

type evRetryInsert struct {
	msg     domain.Message
	attempt int
}

type evSubscribed struct {
	sub realtime.Subscription
}

type evSnapshot struct {
	reply chan []Entry
}

// Open resolves the room, fetches the durable history, seeds the
// buffer and subscribes to the room's realtime channel.
//
// When the history fetch fails the session still opens, with an empty
// buffer, and the persistence error is returned alongside the session
// so the caller can surface a retryable state. When the subscription
// fails the session degrades to durable-only and keeps retrying the
// subscribe with backoff.
func Open(ctx context.Context, user domain.User, roomID string, deps Deps, cfg Config) (*Session, error) {
	if user.ID == "" {
		return nil, domain.ErrUnauthenticated
	}

	room, err := deps.Directory.GetRoom(ctx, roomID, user.ID)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	s := &Session{
		room:    room,
		user:    user,
		deps:    deps,
		cfg:     cfg,
		buffer:  NewBuffer(),
		events:  make(chan event, cfg.EventBufferSize),
		updates: make(chan Entry, cfg.UpdateBufferSize),
		closed:  make(chan struct{}),
		now:     time.Now,
	}

	var openErr error
	history, err := deps.Store.ListMessages(ctx, roomID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("history fetch failed, opening with empty buffer")
		openErr = err
	} else {
		s.buffer.Seed(history)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	sub, err := deps.Channel.Subscribe(sessCtx, roomID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("subscribe failed, degrading to durable-only")
		sub = nil
	}
	s.sub = sub

	go s.run(sessCtx)

	audit.Log(ctx, audit.ActionOpenRoom, user.ID, "room session opened")
	return s, openErr
}

// Room returns the resolved room metadata.
func (s *Session) Room() domain.Room { return s.room }

// User returns the participant identity the session was opened for.
func (s *Session) User() domain.User { return s.user }

// Updates streams buffer changes in apply order. The channel is closed
// when the session closes. Slow consumers lose intermediate updates
// rather than wedging the event loop.
func (s *Session) Updates() <-chan Entry { return s.updates }

// Send appends the message to the buffer optimistically, then
// publishes it on the realtime channel and persists it, both
// fire-and-forget from the caller's perspective. Send returns once the
// optimistic append is applied, before any network round trip.
//
// A message with neither content nor image is rejected locally; no
// buffer mutation, no network call.
func (s *Session) Send(ctx context.Context, content, imageKey string) error {
	if content == "" && imageKey == "" {
		return domain.ErrEmptyMessage
	}

	msg := domain.Message{
		ProvisionalID: uuid.New().String(),
		RoomID:        s.room.ID,
		AuthorID:      s.user.ID,
		AuthorName:    s.user.Username,
		Content:       content,
		ImageKey:      imageKey,
		// Millisecond precision, matching what the store can round-trip,
		// so the natural key survives a durable re-read.
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	applied := make(chan struct{})
	select {
	case s.events <- evSend{msg: msg, applied: applied}:
	case <-s.closed:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-applied:
	case <-s.closed:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	audit.LogWithDetail(ctx, audit.ActionSendMessage, s.user.ID, msg.ProvisionalID, "message sent")
	return nil
}

// Snapshot returns the current buffer contents in presentation order.
// Returns nil once the session is closed.
func (s *Session) Snapshot() []Entry {
	reply := make(chan []Entry, 1)
	select {
	case s.events <- evSnapshot{reply: reply}:
	case <-s.closed:
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-s.closed:
		return nil
	}
}

// Close cancels the realtime subscription and discards the buffer.
// The event loop closes its own subscription handle on the way out.
// In-flight durable inserts are abandoned; one that completes after
// Close is dead-lettered, never applied to the discarded buffer.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.closed
		audit.Log(context.Background(), audit.ActionCloseRoom, s.user.ID, "room session closed")
	})
	return nil
}

// run is the single-writer event loop. It owns the buffer and the
// subscription handle; nothing else may touch them.
func (s *Session) run(ctx context.Context) {
	defer close(s.closed)
	defer close(s.updates)
	defer func() {
		if s.sub != nil {
			s.sub.Close()
		}
	}()

	var resub <-chan time.Time
	if s.sub == nil {
		resub = time.After(backoffFor(s.cfg.SubscribeBackoff, 0))
	}

	for {
		var msgs <-chan domain.Message
		if s.sub != nil {
			msgs = s.sub.Messages()
		}

		select {
		case <-ctx.Done():
			return

		case ev := <-s.events:
			if subscribed, ok := ev.(evSubscribed); ok {
				if s.sub != nil {
					s.sub.Close()
				}
				s.sub = subscribed.sub
				continue
			}
			s.handleEvent(ctx, ev)

		case msg, ok := <-msgs:
			if !ok {
				s.sub.Close()
				s.sub = nil
				resub = time.After(backoffFor(s.cfg.SubscribeBackoff, 0))
				continue
			}
			s.applyRealtime(msg)

		case <-resub:
			resub = nil
			go s.trySubscribe(ctx)
		}
	}
}

// handleEvent applies one event to the buffer.
func (s *Session) handleEvent(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case evSend:
		entry, _ := s.buffer.Apply(ev.msg, domain.StateSentOptimistic)
		close(ev.applied)
		s.emit(entry)

		// Best-effort broadcast to currently-subscribed participants.
		go func(msg domain.Message) {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Channel.Publish(pubCtx, s.room.ID, msg); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldRoomID, s.room.ID).Msg("realtime publish failed")
			}
		}(ev.msg)

		if entry, changed := s.buffer.SetState(ev.msg.Key(), domain.StateDurablePending); changed {
			s.emit(entry)
		}
		go s.runInsert(ctx, ev.msg, 0)

	case evInsertOK:
		entry, changed := s.buffer.Apply(ev.msg, domain.StateDurableConfirmed)
		if changed {
			s.emit(entry)
		}

	case evInsertErr:
		if entry, changed := s.buffer.SetState(ev.key, domain.StateDurableFailed); changed {
			s.emit(entry)
		}
		l := log.L()
		if ev.attempt+1 > s.cfg.InsertRetryMax {
			l.Error().Err(ev.err).
				Str(log.FieldRoomID, s.room.ID).
				Str(log.FieldMessageID, ev.msg.ProvisionalID).
				Msg("durable insert retries exhausted, dead-lettering")
			s.deadLetter(deadletter.ReasonRetriesExhausted, ev.msg)
			return
		}
		l.Warn().Err(ev.err).
			Str(log.FieldRoomID, s.room.ID).
			Str(log.FieldMessageID, ev.msg.ProvisionalID).
			Int("attempt", ev.attempt).
			Msg("durable insert failed, scheduling retry")
		s.scheduleRetry(ctx, ev.msg, ev.attempt+1)

	case evRetryInsert:
		if entry, changed := s.buffer.SetState(ev.msg.Key(), domain.StateDurablePending); changed {
			s.emit(entry)
		}
		go s.runInsert(ctx, ev.msg, ev.attempt)

	case evSnapshot:
		ev.reply <- s.buffer.Snapshot()
	}
}

// applyRealtime deduplicates a realtime delivery against the buffer.
func (s *Session) applyRealtime(msg domain.Message) {
	state := domain.StateSeenRealtime
	if msg.DurableID != "" {
		state = domain.StateSeenDurable
	}
	if entry, changed := s.buffer.Apply(msg, state); changed {
		s.emit(entry)
	}
}

// runInsert performs one durable insert attempt off the loop and posts
// the result back as an event. If the session closes while the insert
// is in flight the result goes to the dead-letter path instead.
func (s *Session) runInsert(ctx context.Context, msg domain.Message, attempt int) {
	stored, err := s.deps.Store.InsertMessage(ctx, msg)

	var ev event
	if err != nil {
		ev = evInsertErr{key: msg.Key(), msg: msg, attempt: attempt, err: err}
	} else {
		ev = evInsertOK{key: msg.Key(), msg: stored}
	}

	// The events channel is buffered, so a send can succeed even after
	// the loop has exited; check for shutdown first.
	select {
	case <-ctx.Done():
		s.deadLetter(deadletter.ReasonSessionClosed, msg)
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
		s.deadLetter(deadletter.ReasonSessionClosed, msg)
	}
}

// scheduleRetry re-enqueues the insert after an exponential backoff.
func (s *Session) scheduleRetry(ctx context.Context, msg domain.Message, attempt int) {
	delay := backoffFor(s.cfg.RetryBackoff, attempt-1)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		select {
		case <-ctx.Done():
			s.deadLetter(deadletter.ReasonSessionClosed, msg)
			return
		default:
		}
		select {
		case s.events <- evRetryInsert{msg: msg, attempt: attempt}:
		case <-ctx.Done():
			s.deadLetter(deadletter.ReasonSessionClosed, msg)
		}
	}()
}

// trySubscribe attempts to recover the realtime subscription and posts
// the new handle back into the loop, which takes ownership of it.
func (s *Session) trySubscribe(ctx context.Context) {
	sub, err := s.deps.Channel.Subscribe(ctx, s.room.ID)
	if err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldRoomID, s.room.ID).Msg("resubscribe failed")
		select {
		case <-time.After(s.cfg.SubscribeBackoff):
			go s.trySubscribe(ctx)
		case <-ctx.Done():
		}
		return
	}
	select {
	case s.events <- evSubscribed{sub: sub}:
	case <-ctx.Done():
		sub.Close()
	}
}

// emit pushes a buffer change to the updates stream, dropping when the
// consumer lags.
func (s *Session) emit(entry Entry) {
	select {
	case s.updates <- entry:
	default:
		// Consumer lagging; it can resync via Snapshot.
	}
}

// deadLetter records a message that could not be applied durably.
func (s *Session) deadLetter(reason string, msg domain.Message) {
	if s.deps.DeadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.DeadLetter.Produce(ctx, reason, msg); err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID()).Msg("dead-letter produce failed")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionDeadLetter, msg.AuthorID, reason, "message dead-lettered")
}

// backoffFor grows the base delay exponentially with the attempt
// number, capped at 30s.
func backoffFor(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}
