package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/plateful/chat/internal/config"
	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/log"
)

// RedisChannel implements Channel on Redis pub/sub. Every Subscribe
// opens its own *redis.PubSub, so concurrent sessions on the same room
// hold independent feeds; the channel only tracks live handles so
// Close can tear them all down.
type RedisChannel struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
}

// NewRedisChannel creates a Redis-backed realtime channel.
func NewRedisChannel(cfg config.RedisConfig) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to connect to redis: %v", domain.ErrChannel, err)
	}

	return &RedisChannel{
		client: client,
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

// Publish broadcasts a message to the room's channel, fire-and-forget.
func (r *RedisChannel) Publish(ctx context.Context, roomID string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal message: %v", domain.ErrChannel, err)
	}

	if err := r.client.Publish(ctx, RoomChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("%w: publish failed: %v", domain.ErrChannel, err)
	}
	return nil
}

// Subscribe opens an independent feed of the room's broadcasts.
func (r *RedisChannel) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, RoomChannel(roomID))

	// Confirm the subscription is active before handing it out.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe failed: %v", domain.ErrChannel, err)
	}

	sub := &redisSubscription{
		owner:  r,
		pubsub: pubsub,
		msgCh:  make(chan domain.Message, 100),
	}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.run(ctx)

	return sub, nil
}

// Close ends all live subscriptions and closes the Redis client.
func (r *RedisChannel) Close() error {
	r.mu.Lock()
	open := make([]*redisSubscription, 0, len(r.subs))
	for sub := range r.subs {
		open = append(open, sub)
	}
	r.subs = make(map[*redisSubscription]struct{})
	r.mu.Unlock()

	for _, sub := range open {
		sub.Close()
	}

	return r.client.Close()
}

func (r *RedisChannel) forget(sub *redisSubscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

// redisSubscription owns one *redis.PubSub for its lifetime.
type redisSubscription struct {
	owner  *RedisChannel
	pubsub *redis.PubSub
	msgCh  chan domain.Message
	once   sync.Once
}

// Messages streams decoded broadcasts for this subscription.
func (s *redisSubscription) Messages() <-chan domain.Message {
	return s.msgCh
}

// Close ends this subscription only. Idempotent.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		s.owner.forget(s)
	})
	return err
}

// run reads from the Redis pubsub and forwards decoded messages until
// the context ends or the subscription is closed.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.msgCh)

	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg domain.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				l := log.L()
				l.Warn().Err(err).Str("channel", raw.Channel).Msg("dropping undecodable realtime payload")
				continue
			}

			select {
			case s.msgCh <- msg:
			case <-ctx.Done():
				s.Close()
				return
			default:
				// Channel full, skip message
			}
		}
	}
}
