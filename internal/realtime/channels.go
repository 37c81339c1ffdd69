package realtime

import "fmt"

// Channel naming convention for room broadcasts.
const channelRoomMessages = "room:%s:messages"

// RoomChannel returns the broadcast channel name for a room.
func RoomChannel(roomID string) string {
	return fmt.Sprintf(channelRoomMessages, roomID)
}
