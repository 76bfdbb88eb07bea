// Package realtime is a client for a Firebase-style realtime database:
// a JSON tree addressed by slash-separated paths, with live listeners,
// server-executed disconnect writes, and client-generated push ids.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrDisconnected     = errors.New("realtime: not connected")
	ErrClosed           = errors.New("realtime: connection closed")
	ErrPermissionDenied = errors.New("realtime: permission denied")
)

// Event is a change notification delivered to a subscriber. Path is relative
// to the subscription path ("" means the subscribed node itself). Data is the
// new JSON value at that path; nil means the node was removed.
type Event struct {
	Path string
	Data json.RawMessage
}

// Backend is the surface of the realtime database the client code depends
// on. Implemented by Conn for the live wire and by Memory for tests and
// offline runs.
type Backend interface {
	// Get reads the value at path. A missing node yields nil data and no
	// error.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes value at path, replacing whatever is there. A nil value
	// removes the node.
	Set(ctx context.Context, path string, value any) error

	// Update writes each entry of values under path without touching
	// sibling keys.
	Update(ctx context.Context, path string, values map[string]any) error

	// Push writes value under path at a fresh push id and returns the id.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the node at path. Removing a missing node is not an
	// error.
	Delete(ctx context.Context, path string) error

	// Subscribe registers fn for changes at or under path. The current
	// value is delivered first as an Event with Path == "". The returned
	// stop function is idempotent and must be called to release the
	// listener.
	Subscribe(path string, fn func(Event)) (func(), error)

	// OnDisconnectSet registers a write the backend itself performs when
	// this client's connection is lost. Registrations do not survive
	// reconnects; re-register after every connection transition.
	OnDisconnectSet(ctx context.Context, path string, value any) error

	// OnConnection registers fn for connection-state transitions and
	// invokes it once with the current state. The returned stop function
	// is idempotent.
	OnConnection(fn func(connected bool)) func()
}
