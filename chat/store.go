package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pemachat/pema/contract"
	"github.com/pemachat/pema/realtime"
)

func roomPath(roomID string) string {
	return "chats/" + roomID
}

func messagesPath(roomID string) string {
	return roomPath(roomID) + "/messages"
}

// Store is the message adapter over the realtime backend. It enforces no
// authorization; callers keep deletions sender-only.
type Store struct {
	db realtime.Backend
}

func NewStore(db realtime.Backend) *Store {
	return &Store{db: db}
}

// StartOrGet lazily creates the room for the two users, recording the
// member set and indexing the room under each member's profile. Returns the
// room id whether or not the room already existed.
func (s *Store) StartOrGet(ctx context.Context, a, b string) (string, error) {
	roomID, err := RoomID(a, b)
	if err != nil {
		return "", err
	}
	existing, err := s.db.Get(ctx, roomPath(roomID))
	if err != nil {
		return "", fmt.Errorf("chat: read room: %w", err)
	}
	if existing != nil {
		return roomID, nil
	}

	err = s.db.Set(ctx, roomPath(roomID), map[string]any{
		"members": map[string]bool{a: true, b: true},
	})
	if err != nil {
		return "", fmt.Errorf("chat: create room: %w", err)
	}
	err = s.db.Update(ctx, "", map[string]any{
		"users/" + a + "/chats/" + roomID: true,
		"users/" + b + "/chats/" + roomID: true,
	})
	if err != nil {
		return "", fmt.Errorf("chat: index room: %w", err)
	}
	return roomID, nil
}

// Send appends a message and returns the assigned push id. The timestamp is
// taken now, at call time, not at eventual persistence. At least one of
// text and file is required.
func (s *Store) Send(ctx context.Context, roomID, sender, senderName, text string, file *contract.FileRef) (string, error) {
	if roomID == "" {
		return "", ErrEmptyRoomID
	}
	text = strings.TrimSpace(text)
	if text == "" && file == nil {
		return "", ErrEmptyMessage
	}
	msg := contract.Message{
		Sender:     sender,
		SenderName: senderName,
		Timestamp:  time.Now().UnixMilli(),
		Text:       text,
		File:       file,
	}
	id, err := s.db.Push(ctx, messagesPath(roomID), msg)
	if err != nil {
		return "", fmt.Errorf("chat: send: %w", err)
	}
	return id, nil
}

// Subscribe delivers every message in the room to onAdd, at most once per
// message per subscription: the existing backlog first (in timestamp
// order), then new arrivals. The stop function is idempotent and must be
// called, or the backend listener leaks.
func (s *Store) Subscribe(roomID string, onAdd func(contract.Message)) (func(), error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	deliver := func(id string, raw json.RawMessage) {
		mu.Lock()
		if seen[id] {
			mu.Unlock()
			return
		}
		seen[id] = true
		mu.Unlock()

		var msg contract.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		msg.ID = id
		onAdd(msg)
	}

	return s.db.Subscribe(messagesPath(roomID), func(ev realtime.Event) {
		if ev.Data == nil {
			return // removal; this feed only reports additions
		}
		if ev.Path == "" {
			// Whole-node snapshot: unpack the backlog in timestamp order.
			var all map[string]json.RawMessage
			if err := json.Unmarshal(ev.Data, &all); err != nil {
				return
			}
			for _, msg := range sortMessages(all) {
				deliver(msg.ID, all[msg.ID])
			}
			return
		}
		// Per-child event paths are "{msgId}" or deeper; deeper updates
		// are not additions.
		if strings.Contains(ev.Path, "/") {
			return
		}
		deliver(ev.Path, ev.Data)
	})
}

// Room is one entry in a user's chat list: the room id and the other
// member's profile at read time.
type Room struct {
	ID    string
	Other contract.User
}

// Rooms reads uid's chat index and resolves the other member of each room.
// Rooms whose record or counterpart profile is gone are skipped. Ordered by
// the other member's label.
func (s *Store) Rooms(ctx context.Context, uid string) ([]Room, error) {
	if uid == "" {
		return nil, ErrEmptyUserID
	}
	data, err := s.db.Get(ctx, "users/"+uid+"/chats")
	if err != nil {
		return nil, fmt.Errorf("chat: read chat index: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var index map[string]bool
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("chat: decode chat index: %w", err)
	}

	rooms := make([]Room, 0, len(index))
	for roomID := range index {
		other, err := s.otherMember(ctx, roomID, uid)
		if err != nil {
			return nil, err
		}
		if other == nil {
			continue
		}
		rooms = append(rooms, Room{ID: roomID, Other: *other})
	}
	sort.Slice(rooms, func(i, j int) bool {
		a, b := rooms[i].Other.Label(), rooms[j].Other.Label()
		if a != b {
			return a < b
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

func (s *Store) otherMember(ctx context.Context, roomID, uid string) (*contract.User, error) {
	data, err := s.db.Get(ctx, roomPath(roomID)+"/members")
	if err != nil {
		return nil, fmt.Errorf("chat: read members: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var members map[string]bool
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("chat: decode members: %w", err)
	}
	// A self-chat has one member; otherwise the counterpart is whichever
	// member is not uid.
	otherUID := uid
	for member := range members {
		if member != uid {
			otherUID = member
		}
	}
	data, err = s.db.Get(ctx, "users/"+otherUID)
	if err != nil {
		return nil, fmt.Errorf("chat: read profile: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var user contract.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("chat: decode profile: %w", err)
	}
	user.UID = otherUID
	return &user, nil
}

// Delete removes one message. Deleting a message that is already gone is
// not an error, so retries and double-clicks converge on the same state.
func (s *Store) Delete(ctx context.Context, roomID, msgID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if err := s.db.Delete(ctx, messagesPath(roomID)+"/"+msgID); err != nil {
		return fmt.Errorf("chat: delete: %w", err)
	}
	return nil
}

// Fetch re-reads one message from the authoritative store. Returns nil
// without error when the message does not exist. Used to repair optimistic
// deletions that the backend rejected.
func (s *Store) Fetch(ctx context.Context, roomID, msgID string) (*contract.Message, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	data, err := s.db.Get(ctx, messagesPath(roomID)+"/"+msgID)
	if err != nil {
		return nil, fmt.Errorf("chat: fetch: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var msg contract.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("chat: decode message: %w", err)
	}
	msg.ID = msgID
	return &msg, nil
}

// List reads all messages in the room, ordered by timestamp.
func (s *Store) List(ctx context.Context, roomID string) ([]contract.Message, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	data, err := s.db.Get(ctx, messagesPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("chat: decode messages: %w", err)
	}
	return sortMessages(all), nil
}

func sortMessages(all map[string]json.RawMessage) []contract.Message {
	msgs := make([]contract.Message, 0, len(all))
	for id, raw := range all {
		var msg contract.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		msg.ID = id
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}
