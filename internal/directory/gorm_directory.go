package directory

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/log"
)

// RoomModel is the rooms table.
type RoomModel struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"size:200;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (RoomModel) TableName() string { return "rooms" }

// RoomMemberModel is the room_members join table.
type RoomMemberModel struct {
	RoomID   string    `gorm:"primaryKey;size:64;index"`
	UserID   string    `gorm:"primaryKey;size:64"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

func (RoomMemberModel) TableName() string { return "room_members" }

// GormDirectory implements Directory using GORM.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a GORM-based room directory.
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// GetRoom retrieves a room and its member set. Non-members get
// domain.ErrRoomNotFound, indistinguishable from a missing room.
func (d *GormDirectory) GetRoom(ctx context.Context, roomID, userID string) (domain.Room, error) {
	room, err := d.LoadRoom(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	if !room.HasMember(userID) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

// LoadRoom retrieves a room and its member set without a membership
// check.
func (d *GormDirectory) LoadRoom(ctx context.Context, roomID string) (domain.Room, error) {
	l := log.Ctx(ctx)

	var model RoomModel
	result := d.db.WithContext(ctx).First(&model, "id = ?", roomID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return domain.Room{}, domain.ErrRoomNotFound
		}
		l.Error().Err(result.Error).Str(log.FieldRoomID, roomID).Msg("failed to get room by id")
		return domain.Room{}, result.Error
	}

	var members []RoomMemberModel
	if err := d.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&members).Error; err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load room members")
		return domain.Room{}, err
	}

	room := domain.Room{
		ID:        model.ID,
		Name:      model.Name,
		CreatedAt: model.CreatedAt,
		MemberIDs: make([]string, 0, len(members)),
	}
	for _, m := range members {
		room.MemberIDs = append(room.MemberIDs, m.UserID)
	}

	return room, nil
}
