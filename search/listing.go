// Package search keeps a live view of online users, optionally narrowed by
// a debounced search term.
package search

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pemachat/pema/contract"
	"github.com/pemachat/pema/realtime"
)

// DefaultDebounce is how long term changes settle before the view
// recomputes, so per-keystroke updates collapse into one.
const DefaultDebounce = 300 * time.Millisecond

// Listing maintains the filtered view: users with online == true, excluding
// self, matching the current term case-insensitively against pet name or
// display name. onUpdate receives a fresh snapshot after every user-set
// change and every settled term change.
type Listing struct {
	db       realtime.Backend
	self     string
	onUpdate func([]contract.User)

	// Debounce is the term settle delay; set before Start. Zero means
	// DefaultDebounce.
	Debounce time.Duration

	mu      sync.Mutex
	users   map[string]contract.User
	term    string
	pending *time.Timer
	stop    func()
}

func NewListing(db realtime.Backend, selfUID string, onUpdate func([]contract.User)) *Listing {
	return &Listing{
		db:       db,
		self:     selfUID,
		onUpdate: onUpdate,
		users:    make(map[string]contract.User),
	}
}

// Start subscribes to the user set. The first snapshot is delivered before
// Start returns.
func (l *Listing) Start() error {
	stop, err := l.db.Subscribe("users", l.apply)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.stop = stop
	l.mu.Unlock()
	return nil
}

// SetTerm updates the search term. The recompute fires after the debounce
// delay; rapid successive calls collapse into the final term.
func (l *Listing) SetTerm(term string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.term = term
	if l.pending != nil {
		l.pending.Stop()
	}
	delay := l.Debounce
	if delay == 0 {
		delay = DefaultDebounce
	}
	l.pending = time.AfterFunc(delay, l.publish)
}

// Stop releases the subscription and any pending recompute. Idempotent.
func (l *Listing) Stop() {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// apply folds a backend event into the user map. Events arrive either as a
// whole-set snapshot, one user's node, or a single leaf of a user's node.
func (l *Listing) apply(ev realtime.Event) {
	l.mu.Lock()
	switch parts := strings.Split(ev.Path, "/"); {
	case ev.Path == "":
		l.users = make(map[string]contract.User)
		var all map[string]json.RawMessage
		if ev.Data != nil {
			_ = json.Unmarshal(ev.Data, &all)
		}
		for uid, raw := range all {
			var u contract.User
			if err := json.Unmarshal(raw, &u); err != nil {
				continue
			}
			u.UID = uid
			l.users[uid] = u
		}
	case len(parts) == 1:
		uid := parts[0]
		if ev.Data == nil {
			delete(l.users, uid)
			break
		}
		var u contract.User
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			break
		}
		u.UID = uid
		l.users[uid] = u
	default:
		uid := parts[0]
		u, ok := l.users[uid]
		if !ok {
			u = contract.User{UID: uid}
		}
		applyField(&u, parts[1], ev.Data)
		l.users[uid] = u
	}
	l.mu.Unlock()
	l.publish()
}

// applyField folds one leaf change into the user. A removed leaf (nil data)
// resets the field to its zero value.
func applyField(u *contract.User, field string, data json.RawMessage) {
	switch field {
	case "online":
		u.Online = false
		_ = json.Unmarshal(data, &u.Online)
	case "lastSeen":
		u.LastSeen = 0
		_ = json.Unmarshal(data, &u.LastSeen)
	case "petName":
		u.PetName = ""
		_ = json.Unmarshal(data, &u.PetName)
	case "displayName":
		u.DisplayName = ""
		_ = json.Unmarshal(data, &u.DisplayName)
	case "photoURL":
		u.PhotoURL = ""
		_ = json.Unmarshal(data, &u.PhotoURL)
	}
}

func (l *Listing) publish() {
	l.mu.Lock()
	term := strings.ToLower(strings.TrimSpace(l.term))
	matched := make([]contract.User, 0, len(l.users))
	for uid, u := range l.users {
		if uid == l.self || !u.Online {
			continue
		}
		if term != "" && !matchesTerm(&u, term) {
			continue
		}
		matched = append(matched, u)
	}
	onUpdate := l.onUpdate
	l.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].Label(), matched[j].Label()
		if a != b {
			return a < b
		}
		return matched[i].UID < matched[j].UID
	})
	if onUpdate != nil {
		onUpdate(matched)
	}
}

func matchesTerm(u *contract.User, term string) bool {
	return strings.Contains(strings.ToLower(u.PetName), term) ||
		strings.Contains(strings.ToLower(u.DisplayName), term)
}
