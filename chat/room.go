// Package chat derives room identities and reads and writes messages for
// one-to-one chat rooms.
package chat

import "errors"

var (
	ErrEmptyUserID  = errors.New("chat: empty user id")
	ErrEmptyRoomID  = errors.New("chat: empty room id")
	ErrEmptyMessage = errors.New("chat: message needs text or a file")
)

// RoomID returns the canonical room id for two users: the lexicographically
// smaller uid, an underscore, the larger. Both orders of the same pair give
// the same id, so no two rooms can exist for one pair.
func RoomID(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", ErrEmptyUserID
	}
	if a < b {
		return a + "_" + b, nil
	}
	return b + "_" + a, nil
}
