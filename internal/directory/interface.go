package directory

import (
	"context"

	"github.com/plateful/chat/internal/domain"
)

// Directory resolves a room id to display metadata and membership.
// GetRoom fails with domain.ErrRoomNotFound when the room does not
// exist or the caller is not a member.
type Directory interface {
	GetRoom(ctx context.Context, roomID, userID string) (domain.Room, error)
}

// RoomLoader loads a room with its member set, without a membership
// check. Caching layers build on this so cached entries stay
// user-independent.
type RoomLoader interface {
	LoadRoom(ctx context.Context, roomID string) (domain.Room, error)
}
