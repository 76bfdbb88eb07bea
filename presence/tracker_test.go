package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pemachat/pema/realtime"
)

func getBool(t *testing.T, db *realtime.Memory, path string) bool {
	t.Helper()
	raw, err := db.Get(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	var v bool
	if raw != nil {
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatal(err)
		}
	}
	return v
}

func getInt(t *testing.T, db *realtime.Memory, path string) int64 {
	t.Helper()
	raw, err := db.Get(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	var v int64
	if raw != nil {
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatal(err)
		}
	}
	return v
}

func TestTrackerPublishesOnline(t *testing.T) {
	db := realtime.NewMemory()
	tr := NewTracker(db, "u1")

	tr.Start(context.Background())
	defer tr.Stop()

	if !getBool(t, db, "users/u1/online") {
		t.Fatal("online not published")
	}
	if getInt(t, db, "users/u1/lastSeen") == 0 {
		t.Fatal("lastSeen not published")
	}
	if tr.State() != StateOnline {
		t.Fatalf("state = %v, want %v", tr.State(), StateOnline)
	}
}

func TestTrackerUngracefulDisconnect(t *testing.T) {
	db := realtime.NewMemory()
	tr := NewTracker(db, "u1")
	tr.Start(context.Background())
	defer tr.Stop()

	// Connection dies without any client-side cleanup. The backend-side
	// hooks flip the flag.
	db.SimulateDisconnect()

	if getBool(t, db, "users/u1/online") {
		t.Fatal("online still true after ungraceful disconnect")
	}
	if getInt(t, db, "users/u1/lastSeen") == 0 {
		t.Fatal("lastSeen not written by disconnect hook")
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("state = %v, want %v", tr.State(), StateDisconnected)
	}
}

func TestTrackerRearmsOnReconnect(t *testing.T) {
	db := realtime.NewMemory()
	tr := NewTracker(db, "u1")
	tr.Start(context.Background())
	defer tr.Stop()

	db.SimulateDisconnect()
	db.SimulateConnect()

	if !getBool(t, db, "users/u1/online") {
		t.Fatal("online not republished after reconnect")
	}
	if tr.State() != StateOnline {
		t.Fatalf("state = %v, want %v", tr.State(), StateOnline)
	}

	// Hooks were re-registered, so a second drop flips the flag again.
	db.SimulateDisconnect()
	if getBool(t, db, "users/u1/online") {
		t.Fatal("online still true after second disconnect")
	}
}

// orderedBackend records the order of write calls hitting the backend.
type orderedBackend struct {
	realtime.Backend

	mu    sync.Mutex
	calls []string
}

func (b *orderedBackend) OnDisconnectSet(ctx context.Context, path string, value any) error {
	b.mu.Lock()
	b.calls = append(b.calls, "hook:"+path)
	b.mu.Unlock()
	return b.Backend.OnDisconnectSet(ctx, path, value)
}

func (b *orderedBackend) Update(ctx context.Context, path string, values map[string]any) error {
	b.mu.Lock()
	b.calls = append(b.calls, "publish:"+path)
	b.mu.Unlock()
	return b.Backend.Update(ctx, path, values)
}

func TestTrackerArmsHooksBeforePublishing(t *testing.T) {
	db := &orderedBackend{Backend: realtime.NewMemory()}
	tr := NewTracker(db, "u1")
	tr.Start(context.Background())
	defer tr.Stop()

	db.mu.Lock()
	calls := append([]string(nil), db.calls...)
	db.mu.Unlock()

	if len(calls) != 3 {
		t.Fatalf("backend calls = %v, want two hooks then one publish", calls)
	}
	for _, call := range calls[:2] {
		if !strings.HasPrefix(call, "hook:") {
			t.Fatalf("backend calls = %v, want hooks before the publish", calls)
		}
	}
	if calls[2] != "publish:users/u1" {
		t.Fatalf("backend calls = %v, want publish last", calls)
	}
}

func TestTrackerStopKeepsOnlineFlag(t *testing.T) {
	mem := realtime.NewMemory()
	tr := NewTracker(mem, "u1")
	tr.Start(context.Background())

	tr.Stop()

	// Stop only releases the watch; the explicit offline write is the
	// session teardown's job.
	if !getBool(t, mem, "users/u1/online") {
		t.Fatal("Stop flipped the online flag")
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("state = %v, want %v", tr.State(), StateDisconnected)
	}
}
