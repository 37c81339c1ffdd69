package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/log"
)

// CachedDirectory is a read-through Redis cache in front of a
// RoomLoader. Concurrent misses for the same room collapse to one
// upstream load via singleflight. The membership check runs on every
// read so cached entries stay user-independent; misses and errors are
// never cached.
type CachedDirectory struct {
	loader RoomLoader
	client *redis.Client
	ttl    time.Duration
	sf     singleflight.Group
}

// NewCachedDirectory wraps a room loader with a Redis cache.
func NewCachedDirectory(loader RoomLoader, client *redis.Client, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{loader: loader, client: client, ttl: ttl}
}

func cacheKey(roomID string) string {
	return fmt.Sprintf("directory:room:%s", roomID)
}

// GetRoom resolves the room from cache, falling back to the loader.
func (c *CachedDirectory) GetRoom(ctx context.Context, roomID, userID string) (domain.Room, error) {
	room, err := c.loadCached(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	if !room.HasMember(userID) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

func (c *CachedDirectory) loadCached(ctx context.Context, roomID string) (domain.Room, error) {
	key := cacheKey(roomID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var room domain.Room
		if err := json.Unmarshal(data, &room); err == nil {
			return room, nil
		}
	} else if err != redis.Nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("directory cache get error")
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		room, err := c.loader.LoadRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		c.storeAsync(roomID, room)
		return room, nil
	})
	if err != nil {
		return domain.Room{}, err
	}
	return result.(domain.Room), nil
}

// storeAsync caches the room off the request path.
func (c *CachedDirectory) storeAsync(roomID string, room domain.Room) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		data, err := json.Marshal(room)
		if err != nil {
			return
		}
		if err := c.client.Set(ctx, cacheKey(roomID), data, c.ttl).Err(); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("directory cache set error")
		}
	}()
}
