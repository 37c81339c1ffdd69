package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plateful/chat/internal/deadletter"
	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/realtime"
)

type fakeDirectory struct {
	room domain.Room
	err  error
}

func (d *fakeDirectory) GetRoom(ctx context.Context, roomID, userID string) (domain.Room, error) {
	if d.err != nil {
		return domain.Room{}, d.err
	}
	if roomID != d.room.ID || !d.room.HasMember(userID) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return d.room, nil
}

type fakeStore struct {
	mu      sync.Mutex
	history []domain.Message
	listErr error

	inserted   []domain.Message
	insertErrs []error // consumed per attempt, nil entries mean success
	attempts   int
	gate       chan struct{} // when non-nil, InsertMessage blocks on it
}

func (s *fakeStore) ListMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Message, len(s.history))
	copy(out, s.history)
	return out, nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.attempts
	s.attempts++
	if attempt < len(s.insertErrs) && s.insertErrs[attempt] != nil {
		return domain.Message{}, s.insertErrs[attempt]
	}
	msg.DurableID = fmt.Sprintf("durable-%d", len(s.inserted)+1)
	s.inserted = append(s.inserted, msg)
	return msg, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type fakeSubscription struct {
	owner *fakeChannel
	ch    chan domain.Message
	once  sync.Once
}

func (s *fakeSubscription) Messages() <-chan domain.Message { return s.ch }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		s.owner.drop(s)
		close(s.ch)
	})
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	subs      []*fakeSubscription
	published []domain.Message
	subErr    error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (c *fakeChannel) Subscribe(ctx context.Context, roomID string) (realtime.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	sub := &fakeSubscription{owner: c, ch: make(chan domain.Message, 16)}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeChannel) Publish(ctx context.Context, roomID string, msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) drop(sub *fakeSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *fakeChannel) setSubErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subErr = err
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeChannel) activeSubs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// deliver simulates a realtime broadcast reaching every live
// subscription.
func (c *fakeChannel) deliver(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.ch <- msg
	}
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (d *fakeDeadLetter) Produce(ctx context.Context, reason string, msg domain.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, deadletter.Entry{Reason: reason, Message: msg})
	return nil
}

func (d *fakeDeadLetter) Close() error { return nil }

func (d *fakeDeadLetter) recorded() []deadletter.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]deadletter.Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

var (
	testRoom = domain.Room{
		ID:        "room-1",
		Name:      "dinner plans",
		MemberIDs: []string{"alice", "bob"},
	}
	alice = domain.User{ID: "alice", Username: "alice"}
)

func testDeps(store *fakeStore, channel *fakeChannel, dl *fakeDeadLetter) Deps {
	deps := Deps{
		Directory: &fakeDirectory{room: testRoom},
		Store:     store,
		Channel:   channel,
	}
	if dl != nil {
		deps.DeadLetter = dl
	}
	return deps
}

func fastConfig() Config {
	return Config{
		InsertRetryMax:   3,
		RetryBackoff:     5 * time.Millisecond,
		SubscribeBackoff: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestOpenRejectsMissingIdentity(t *testing.T) {
	_, err := Open(context.Background(), domain.User{}, "room-1", testDeps(&fakeStore{}, newFakeChannel(), nil), fastConfig())
	if !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestOpenUnknownRoom(t *testing.T) {
	_, err := Open(context.Background(), alice, "no-such-room", testDeps(&fakeStore{}, newFakeChannel(), nil), fastConfig())
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestOpenNonMember(t *testing.T) {
	mallory := domain.User{ID: "mallory", Username: "mallory"}
	_, err := Open(context.Background(), mallory, "room-1", testDeps(&fakeStore{}, newFakeChannel(), nil), fastConfig())
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestOpenSeedsDurableHistory(t *testing.T) {
	store := &fakeStore{history: []domain.Message{
		durableMsg(1, "bob", testBase),
		durableMsg(2, "alice", testBase.Add(time.Second)),
	}}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	snap := sess.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	for i, e := range snap {
		if e.State != domain.StateSeenDurable {
			t.Errorf("entry %d state = %q, want %q", i, e.State, domain.StateSeenDurable)
		}
	}
	if snap[0].Message.Content != "message 1" || snap[1].Message.Content != "message 2" {
		t.Errorf("history out of order: %v", contents(snap))
	}
}

func TestOpenSurvivesHistoryFetchFailure(t *testing.T) {
	store := &fakeStore{listErr: fmt.Errorf("%w: cassandra down", domain.ErrPersistence)}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), nil), fastConfig())
	if sess == nil {
		t.Fatal("session must open despite history failure")
	}
	defer sess.Close()

	if !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence alongside the open session", err)
	}
	if len(sess.Snapshot()) != 0 {
		t.Error("buffer must be empty when history is unavailable")
	}
}

func TestSendEmptyMessageNoSideEffects(t *testing.T) {
	store := &fakeStore{}
	channel := newFakeChannel()
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), "", ""); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if len(sess.Snapshot()) != 0 {
		t.Error("empty send must not touch the buffer")
	}
	if channel.publishedCount() != 0 || store.attemptCount() != 0 {
		t.Error("empty send must not reach the network")
	}
}

func TestSendImageOnlyIsAccepted(t *testing.T) {
	store := &fakeStore{}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), "", "rooms/room-1/pic.jpg"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, "insert", func() bool { return store.insertedCount() == 1 })
}

func TestSendIsOptimisticallyVisibleBeforeInsert(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{gate: gate}
	channel := newFakeChannel()
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// The store is wedged; Send must still return with the message in
	// the buffer.
	if err := sess.Send(context.Background(), "hello", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap := sess.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1 immediately after Send", len(snap))
	}
	e := snap[0]
	if e.State != domain.StateSentOptimistic && e.State != domain.StateDurablePending {
		t.Errorf("state = %q, want optimistic or pending before insert completes", e.State)
	}
	if e.Message.ProvisionalID == "" {
		t.Error("optimistic entry must carry a provisional id")
	}
	if e.Message.DurableID != "" {
		t.Error("durable id must not exist before the insert completes")
	}

	close(gate)
	waitFor(t, time.Second, "durable confirmation", func() bool {
		snap := sess.Snapshot()
		return len(snap) == 1 && snap[0].State == domain.StateDurableConfirmed
	})

	e = sess.Snapshot()[0]
	if e.Message.DurableID == "" {
		t.Error("confirmed entry must carry the durable id")
	}
	if e.Message.ProvisionalID == "" {
		t.Error("provisional id must survive confirmation")
	}
}

func TestRealtimeDeliveryAndDuplicate(t *testing.T) {
	store := &fakeStore{history: []domain.Message{durableMsg(1, "bob", testBase)}}
	channel := newFakeChannel()
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// m2 arrives twice (redelivery), m3 once.
	m2 := provisionalMsg(2, "bob", testBase.Add(time.Second))
	m3 := provisionalMsg(3, "bob", testBase.Add(2*time.Second))
	channel.deliver(m2)
	channel.deliver(m2)
	channel.deliver(m3)

	waitFor(t, time.Second, "realtime delivery", func() bool { return len(sess.Snapshot()) == 3 })

	got := contents(sess.Snapshot())
	want := []string{"message 1", "message 2", "message 3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOwnRealtimeEchoDoesNotDuplicate(t *testing.T) {
	store := &fakeStore{}
	channel := newFakeChannel()
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), "hello", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, "publish", func() bool { return channel.publishedCount() == 1 })

	// The broadcast loops back to the sender, as it does when the
	// channel has no publisher-side filtering.
	channel.mu.Lock()
	echo := channel.published[0]
	channel.mu.Unlock()
	channel.deliver(echo)

	waitFor(t, time.Second, "confirmation", func() bool {
		snap := sess.Snapshot()
		return len(snap) == 1 && snap[0].State == domain.StateDurableConfirmed
	})
	if n := len(sess.Snapshot()); n != 1 {
		t.Fatalf("snapshot length = %d, want 1 after echo", n)
	}
}

func TestInsertRetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{insertErrs: []error{
		fmt.Errorf("%w: write timeout", domain.ErrPersistence),
	}}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), "flaky", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, "retry success", func() bool {
		snap := sess.Snapshot()
		return len(snap) == 1 && snap[0].State == domain.StateDurableConfirmed
	})
	if store.attemptCount() != 2 {
		t.Errorf("insert attempts = %d, want 2", store.attemptCount())
	}
	if store.insertedCount() != 1 {
		t.Errorf("inserted rows = %d, want exactly 1 (no duplicates on retry)", store.insertedCount())
	}
}

func TestInsertRetriesExhaustedDeadLetters(t *testing.T) {
	insertErr := fmt.Errorf("%w: keyspace gone", domain.ErrPersistence)
	store := &fakeStore{insertErrs: []error{insertErr, insertErr, insertErr, insertErr, insertErr}}
	dl := &fakeDeadLetter{}
	cfg := fastConfig()
	cfg.InsertRetryMax = 2

	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), dl), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), "doomed", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, "dead-letter", func() bool { return len(dl.recorded()) == 1 })

	entry := dl.recorded()[0]
	if entry.Reason != deadletter.ReasonRetriesExhausted {
		t.Errorf("reason = %q, want %q", entry.Reason, deadletter.ReasonRetriesExhausted)
	}
	if entry.Message.Content != "doomed" {
		t.Errorf("dead-lettered content = %q, want doomed", entry.Message.Content)
	}

	// The entry stays visible in the failed state; it is never
	// silently dropped.
	snap := sess.Snapshot()
	if len(snap) != 1 || snap[0].State != domain.StateDurableFailed {
		t.Errorf("snapshot = %+v, want one durable_failed entry", snap)
	}
}

func TestInsertCompletingAfterCloseIsDeadLettered(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{gate: gate}
	dl := &fakeDeadLetter{}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), dl), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sess.Send(context.Background(), "late", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(gate)

	waitFor(t, time.Second, "dead-letter after close", func() bool { return len(dl.recorded()) == 1 })
	if got := dl.recorded()[0].Reason; got != deadletter.ReasonSessionClosed {
		t.Errorf("reason = %q, want %q", got, deadletter.ReasonSessionClosed)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	sess, err := Open(context.Background(), alice, "room-1", testDeps(&fakeStore{}, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Send(context.Background(), "too late", ""); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if sess.Snapshot() != nil {
		t.Error("Snapshot after Close must return nil")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess, err := Open(context.Background(), alice, "room-1", testDeps(&fakeStore{}, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
}

func TestCloseLeavesOtherSessionsSubscribed(t *testing.T) {
	channel := newFakeChannel()
	bob := domain.User{ID: "bob", Username: "bob"}

	s1, err := Open(context.Background(), alice, "room-1", testDeps(&fakeStore{}, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open s1: %v", err)
	}
	s2, err := Open(context.Background(), bob, "room-1", testDeps(&fakeStore{}, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open s2: %v", err)
	}
	defer s2.Close()

	if channel.activeSubs() != 2 {
		t.Fatalf("active subscriptions = %d, want 2", channel.activeSubs())
	}

	if err := s1.Close(); err != nil {
		t.Fatalf("Close s1: %v", err)
	}
	waitFor(t, time.Second, "s1 handle release", func() bool { return channel.activeSubs() == 1 })

	// s2's feed must be untouched by s1's shutdown.
	channel.deliver(provisionalMsg(1, "alice", testBase))
	waitFor(t, time.Second, "delivery to surviving session", func() bool { return len(s2.Snapshot()) == 1 })
}

func TestOpenDegradesToDurableOnlyAndRecovers(t *testing.T) {
	store := &fakeStore{history: []domain.Message{durableMsg(1, "bob", testBase)}}
	channel := newFakeChannel()
	channel.setSubErr(fmt.Errorf("%w: redis down", domain.ErrChannel))

	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, channel, nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// Durable history is served even while the channel is down.
	if len(sess.Snapshot()) != 1 {
		t.Fatal("durable history must be available without a subscription")
	}
	if channel.activeSubs() != 0 {
		t.Fatalf("active subscriptions = %d, want 0 while the channel fails", channel.activeSubs())
	}

	// The channel comes back; the session resubscribes on its own.
	channel.setSubErr(nil)
	waitFor(t, time.Second, "resubscribe", func() bool { return channel.activeSubs() == 1 })

	channel.deliver(provisionalMsg(2, "bob", testBase.Add(time.Second)))
	waitFor(t, time.Second, "realtime delivery after recovery", func() bool { return len(sess.Snapshot()) == 2 })
}

func TestSendTimestampsSurviveStorePrecision(t *testing.T) {
	store := &fakeStore{}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// A wall clock with sub-millisecond precision; the stored timestamp
	// column only round-trips milliseconds.
	fine := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	sess.now = func() time.Time { return fine }

	if err := sess.Send(context.Background(), "precise", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := sess.Snapshot()[0].Message.CreatedAt
	want := fine.Truncate(time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v (millisecond precision)", got, want)
	}

	// A durable re-read of the same message still matches its natural key.
	waitFor(t, time.Second, "insert", func() bool { return store.insertedCount() == 1 })
	store.mu.Lock()
	stored := store.inserted[0]
	store.mu.Unlock()
	if stored.Key() != sess.Snapshot()[0].Message.Key() {
		t.Error("stored message no longer matches its buffer entry's natural key")
	}
}

func TestUpdatesStreamDeliversStateTransitions(t *testing.T) {
	store := &fakeStore{}
	sess, err := Open(context.Background(), alice, "room-1", testDeps(store, newFakeChannel(), nil), fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), "tracked", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	seen := map[domain.DeliveryState]bool{}
	timeout := time.After(time.Second)
	for !seen[domain.StateDurableConfirmed] {
		select {
		case entry := <-sess.Updates():
			seen[entry.State] = true
		case <-timeout:
			t.Fatalf("states seen = %v, never reached durable_confirmed", seen)
		}
	}
	if !seen[domain.StateSentOptimistic] {
		t.Error("optimistic state never surfaced on the updates stream")
	}
}
