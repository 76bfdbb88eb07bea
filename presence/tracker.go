// Package presence publishes a user's online flag and last-seen timestamp,
// and arranges for the backend to flip them when the connection dies
// without cleanup.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pemachat/pema/log"
	"github.com/pemachat/pema/realtime"
)

const (
	uidLogField      = "uid"
	errorMsgLogField = "errorMsg"
)

// State is the tracker's position in the per-session machine:
// disconnected → connected → online-published.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateOnline:
		return "online-published"
	default:
		return "disconnected"
	}
}

// Tracker re-arms on every dropped→live connection transition: first the
// backend-side disconnect writes (online=false, lastSeen), then the
// explicit online publish. That order means a drop landing between the two
// still leaves correct offline state.
type Tracker struct {
	db  realtime.Backend
	uid string

	mu    sync.Mutex
	state State
	stop  func()
}

func NewTracker(db realtime.Backend, uid string) *Tracker {
	return &Tracker{db: db, uid: uid}
}

// Start begins watching the connection. ctx scopes the backend writes made
// on each transition. Stop releases the watch.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	stop := t.db.OnConnection(func(connected bool) {
		if connected {
			t.arm(ctx)
			return
		}
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.stop = stop
	t.mu.Unlock()
}

func (t *Tracker) arm(ctx context.Context) {
	logger := log.LoggerFromContext(ctx).With(slog.String(uidLogField, t.uid))
	base := "users/" + t.uid

	// Disconnect writes first. Publishing online before they are in place
	// would leave a ghost online flag if the connection dropped in between.
	if err := t.db.OnDisconnectSet(ctx, base+"/online", false); err != nil {
		logger.Error("disconnect hook failed", slog.String(errorMsgLogField, err.Error()))
		return
	}
	if err := t.db.OnDisconnectSet(ctx, base+"/lastSeen", time.Now().UnixMilli()); err != nil {
		logger.Error("disconnect hook failed", slog.String(errorMsgLogField, err.Error()))
		return
	}
	t.mu.Lock()
	t.state = StateConnected
	t.mu.Unlock()

	err := t.db.Update(ctx, base, map[string]any{
		"online":   true,
		"lastSeen": time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("online publish failed", slog.String(errorMsgLogField, err.Error()))
		return
	}
	t.mu.Lock()
	t.state = StateOnline
	t.mu.Unlock()
}

// Stop releases the connection watch. It does not publish offline; that is
// either the session teardown's explicit write or the disconnect hook.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.state = StateDisconnected
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
