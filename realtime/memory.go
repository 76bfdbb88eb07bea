package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Backend holding the JSON tree in a map. It backs
// package tests and offline runs. SimulateDisconnect executes registered
// disconnect writes the way the hosted backend would, so presence behavior
// is testable without a server.
type Memory struct {
	mu            sync.Mutex
	root          map[string]any
	subs          map[int]*subscription
	watchers      map[int]func(bool)
	nextID        int
	connected     bool
	disconnectOps []disconnectOp
}

type disconnectOp struct {
	path  string
	value any
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		root:      make(map[string]any),
		subs:      make(map[int]*subscription),
		watchers:  make(map[int]func(bool)),
		connected: true,
	}
}

// normalize converts a value to the plain JSON shape (maps, slices,
// float64, string, bool) so reads never alias caller structs.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("realtime: decode: %w", err)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, path string) (json.RawMessage, error) {
	m.mu.Lock()
	node := lookup(m.root, splitPath(path))
	m.mu.Unlock()
	if node == nil {
		return nil, nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return err
	}
	m.write(normalizePath(path), norm)
	return nil
}

func (m *Memory) Update(_ context.Context, path string, values map[string]any) error {
	base := normalizePath(path)
	for key, value := range values {
		norm, err := normalize(value)
		if err != nil {
			return err
		}
		m.write(normalizePath(base+"/"+key), norm)
	}
	return nil
}

func (m *Memory) Push(_ context.Context, path string, value any) (string, error) {
	norm, err := normalize(value)
	if err != nil {
		return "", err
	}
	id := newPushID(time.Now().UnixMilli())
	m.write(normalizePath(path)+"/"+id, norm)
	return id, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.write(normalizePath(path), nil)
	return nil
}

func (m *Memory) OnDisconnectSet(_ context.Context, path string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.disconnectOps = append(m.disconnectOps, disconnectOp{path: normalizePath(path), value: norm})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Subscribe(path string, fn func(Event)) (func(), error) {
	path = normalizePath(path)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = &subscription{path: path, fn: fn}
	initial := marshalNode(lookup(m.root, splitPath(path)))
	m.mu.Unlock()

	// Like the wire: the current value arrives first.
	fn(Event{Path: "", Data: initial})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) OnConnection(fn func(connected bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers[id] = fn
	connected := m.connected
	m.mu.Unlock()

	fn(connected)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// SimulateDisconnect drops the fake connection: registered disconnect
// writes run backend-side, then connection watchers observe the drop.
func (m *Memory) SimulateDisconnect() {
	m.mu.Lock()
	ops := m.disconnectOps
	m.disconnectOps = nil
	m.connected = false
	m.mu.Unlock()

	for _, op := range ops {
		m.write(op.path, op.value)
	}

	m.mu.Lock()
	watchers := snapshotWatchers(m.watchers)
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(false)
	}
}

// SimulateConnect restores the fake connection.
func (m *Memory) SimulateConnect() {
	m.mu.Lock()
	m.connected = true
	watchers := snapshotWatchers(m.watchers)
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(true)
	}
}

// write stores value at path and notifies overlapping subscribers outside
// the lock.
func (m *Memory) write(path string, value any) {
	parts := splitPath(path)

	m.mu.Lock()
	if value == nil {
		remove(m.root, parts)
	} else {
		store(m.root, parts, value)
	}
	type delivery struct {
		fn func(Event)
		ev Event
	}
	var deliveries []delivery
	for _, sub := range m.subs {
		if rel, ok := relativePath(sub.path, path); ok {
			deliveries = append(deliveries, delivery{sub.fn, Event{Path: rel, Data: marshalNode(value)}})
		} else if _, ok := relativePath(path, sub.path); ok {
			node := lookup(m.root, splitPath(sub.path))
			deliveries = append(deliveries, delivery{sub.fn, Event{Path: "", Data: marshalNode(node)}})
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.ev)
	}
}

func marshalNode(node any) json.RawMessage {
	if node == nil {
		return nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return data
}

func lookup(root map[string]any, parts []string) any {
	var node any = root
	for _, part := range parts {
		branch, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = branch[part]
		if !ok {
			return nil
		}
	}
	if branch, ok := node.(map[string]any); ok && len(branch) == 0 {
		return nil
	}
	return node
}

func store(root map[string]any, parts []string, value any) {
	if len(parts) == 0 {
		for key := range root {
			delete(root, key)
		}
		if branch, ok := value.(map[string]any); ok {
			for key, child := range branch {
				root[key] = child
			}
		}
		return
	}
	node := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

func remove(root map[string]any, parts []string) {
	if len(parts) == 0 {
		for key := range root {
			delete(root, key)
		}
		return
	}
	node := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}
