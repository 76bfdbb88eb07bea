package realtime

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryGetSet(t *testing.T) {
	db := NewMemory()
	ctx := context.Background()

	if err := db.Set(ctx, "users/u1", map[string]any{"online": true, "petName": "Whiskers"}); err != nil {
		t.Fatal(err)
	}

	raw, err := db.Get(ctx, "users/u1/petName")
	if err != nil {
		t.Fatal(err)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		t.Fatal(err)
	}
	if name != "Whiskers" {
		t.Fatalf("petName = %q, want Whiskers", name)
	}

	raw, err = db.Get(ctx, "users/missing")
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Fatalf("missing node = %s, want nil", raw)
	}
}

func TestMemoryDelete(t *testing.T) {
	db := NewMemory()
	ctx := context.Background()

	if err := db.Set(ctx, "chats/a_b/messages/m1", map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(ctx, "chats/a_b/messages/m1"); err != nil {
		t.Fatal(err)
	}
	raw, err := db.Get(ctx, "chats/a_b/messages/m1")
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Fatalf("deleted node = %s, want nil", raw)
	}
	// Deleting again is a no-op.
	if err := db.Delete(ctx, "chats/a_b/messages/m1"); err != nil {
		t.Fatal(err)
	}
}

func TestMemorySubscribe(t *testing.T) {
	db := NewMemory()
	ctx := context.Background()

	if err := db.Set(ctx, "users/u1/online", true); err != nil {
		t.Fatal(err)
	}

	var events []Event
	stop, err := db.Subscribe("users", func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if len(events) != 1 || events[0].Path != "" {
		t.Fatalf("initial events = %+v, want one snapshot at root", events)
	}

	if err := db.Set(ctx, "users/u2/online", true); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events after write, want 2", len(events))
	}
	if events[1].Path != "u2/online" {
		t.Fatalf("event path = %q, want u2/online", events[1].Path)
	}

	stop()
	if err := db.Set(ctx, "users/u3/online", true); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got event after stop: %+v", events[len(events)-1])
	}
}

func TestMemoryDisconnectOps(t *testing.T) {
	db := NewMemory()
	ctx := context.Background()

	if err := db.Set(ctx, "users/u1/online", true); err != nil {
		t.Fatal(err)
	}
	if err := db.OnDisconnectSet(ctx, "users/u1/online", false); err != nil {
		t.Fatal(err)
	}

	var states []bool
	release := db.OnConnection(func(connected bool) {
		states = append(states, connected)
	})
	defer release()

	db.SimulateDisconnect()

	raw, err := db.Get(ctx, "users/u1/online")
	if err != nil {
		t.Fatal(err)
	}
	var online bool
	if err := json.Unmarshal(raw, &online); err != nil {
		t.Fatal(err)
	}
	if online {
		t.Fatal("online still true after disconnect")
	}

	db.SimulateConnect()
	want := []bool{true, false, true}
	if len(states) != len(want) {
		t.Fatalf("connection states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("connection states = %v, want %v", states, want)
		}
	}

	// Hooks are one-shot: a second disconnect runs nothing.
	if err := db.Set(ctx, "users/u1/online", true); err != nil {
		t.Fatal(err)
	}
	db.SimulateDisconnect()
	raw, _ = db.Get(ctx, "users/u1/online")
	if err := json.Unmarshal(raw, &online); err != nil {
		t.Fatal(err)
	}
	if !online {
		t.Fatal("disconnect hook ran twice")
	}
}
