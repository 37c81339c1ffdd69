package domain

import "time"

// Room is a conversation scope, group or direct. The chat core only
// reads it to resolve display metadata and membership.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MemberIDs []string  `json:"member_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the user belongs to the room.
func (r *Room) HasMember(userID string) bool {
	for _, id := range r.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// User is an authenticated participant identity.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
