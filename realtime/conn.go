package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pemachat/pema/log"
)

const (
	errorMsgLogField = "errorMsg"
	pathLogField     = "path"

	keepaliveInterval = 45 * time.Second
	dialTimeout       = 30 * time.Second
	reconnectMin      = time.Second
	reconnectMax      = 30 * time.Second
)

// TokenSource supplies the auth credential presented to the backend. It is
// called on every (re)connect, so expired tokens get refreshed naturally.
type TokenSource func(ctx context.Context) (string, error)

type Config struct {
	// DatabaseURL is the database root, e.g. https://myapp-rtdb.firebaseio.com.
	DatabaseURL string

	// TokenSource is optional; without it the connection is unauthenticated.
	TokenSource TokenSource

	// Logger defaults to log.Default.
	Logger *slog.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Conn is a live connection to the realtime database. It reconnects with
// backoff after a drop, re-authenticates, and restores active listeners.
// Subscriber callbacks run on the read goroutine and must not block.
type Conn struct {
	cfg      Config
	logger   *slog.Logger
	endpoint string

	mu        sync.Mutex
	ws        *websocket.Conn
	wsStop    chan struct{}
	connected bool
	closed    bool
	nextReqID int64
	pending   map[int64]chan ackBody
	subs      map[int]*subscription
	watchers  map[int]func(bool)
	nextID    int

	writeMu sync.Mutex
}

type subscription struct {
	path string
	fn   func(Event)
}

var _ Backend = (*Conn)(nil)

func NewConn(cfg Config) (*Conn, error) {
	endpoint, err := wireEndpoint(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Conn{
		cfg:      cfg,
		logger:   logger,
		endpoint: endpoint,
		pending:  make(map[int64]chan ackBody),
		subs:     make(map[int]*subscription),
		watchers: make(map[int]func(bool)),
	}, nil
}

// wireEndpoint maps the database root URL to its websocket endpoint,
// wss://{host}/.ws?v=5&ns={namespace}.
func wireEndpoint(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid database URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: invalid database URL %q", databaseURL)
	}
	scheme := "wss"
	if u.Scheme == "http" || u.Scheme == "ws" {
		scheme = "ws"
	}
	ns := strings.SplitN(u.Host, ".", 2)[0]
	return fmt.Sprintf("%s://%s/.ws?v=%s&ns=%s", scheme, u.Host, protocolVersion, ns), nil
}

// Connect dials the backend and blocks until the session is established and
// authenticated. Subsequent drops are handled internally; observe them via
// OnConnection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Conn) dial(ctx context.Context) error {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}

	// The server speaks first: a control frame carrying the handshake.
	if _, err := readHandshake(ws); err != nil {
		ws.Close()
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.wsStop = stop
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.keepalive(ws, stop)

	if c.cfg.TokenSource != nil {
		token, err := c.cfg.TokenSource(ctx)
		if err != nil {
			c.dropConn(ws, fmt.Errorf("token source: %w", err))
			return fmt.Errorf("realtime: token source: %w", err)
		}
		if _, err := c.rpc(ctx, actionAuth, authBody{Credential: token}); err != nil {
			c.dropConn(ws, err)
			return fmt.Errorf("realtime: auth: %w", err)
		}
	}

	// Restore listeners that were active before the drop.
	c.mu.Lock()
	paths := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		paths = append(paths, sub.path)
	}
	c.mu.Unlock()
	for _, p := range paths {
		if _, err := c.rpc(ctx, actionListen, pathBody{Path: "/" + p, Hash: ""}); err != nil {
			c.logger.Error("listen restore failed",
				slog.String(pathLogField, p),
				slog.String(errorMsgLogField, err.Error()),
			)
		}
	}

	c.mu.Lock()
	c.connected = true
	watchers := snapshotWatchers(c.watchers)
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(true)
	}
	return nil
}

func readHandshake(ws *websocket.Conn) (*handshakeBody, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("realtime: handshake read: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("realtime: handshake decode: %w", err)
	}
	if f.Type != frameControl {
		return nil, fmt.Errorf("realtime: unexpected first frame type %q", f.Type)
	}
	var env controlEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return nil, fmt.Errorf("realtime: handshake decode: %w", err)
	}
	if env.Type != controlHandshake {
		return nil, fmt.Errorf("realtime: unexpected control frame %q", env.Type)
	}
	var h handshakeBody
	if err := json.Unmarshal(env.Data, &h); err != nil {
		return nil, fmt.Errorf("realtime: handshake decode: %w", err)
	}
	return &h, nil
}

func (c *Conn) keepalive(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteMessage(websocket.TextMessage, []byte(keepaliveFrame))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	// Oversized messages arrive split: a frame holding only the segment
	// count, then that many segments to reassemble.
	var (
		segmentsLeft int
		segments     bytes.Buffer
	)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.dropConn(ws, err)
			return
		}
		if segmentsLeft > 0 {
			segments.Write(data)
			segmentsLeft--
			if segmentsLeft > 0 {
				continue
			}
			data = append([]byte(nil), segments.Bytes()...)
			segments.Reset()
		} else if n, ok := segmentCount(data); ok {
			segmentsLeft = n
			segments.Reset()
			continue
		}
		c.handleMessage(data)
	}
}

func segmentCount(data []byte) (int, bool) {
	if len(data) == 0 || len(data) > 6 {
		return 0, false
	}
	n, err := strconv.Atoi(string(data))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (c *Conn) handleMessage(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Error("bad frame", slog.String(errorMsgLogField, err.Error()))
		return
	}
	switch f.Type {
	case frameControl:
		c.handleControl(f.Data)
	case frameData:
		c.handleData(f.Data)
	}
}

func (c *Conn) handleControl(data []byte) {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error("bad control frame", slog.String(errorMsgLogField, err.Error()))
		return
	}
	switch env.Type {
	case controlShutdown, controlReset:
		// Server is going away; close and let the reconnect loop take over.
		c.logger.Info("server requested reconnect", slog.String("control", env.Type))
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
	}
}

func (c *Conn) handleData(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Error("bad data frame", slog.String(errorMsgLogField, err.Error()))
		return
	}

	if msg.RequestID != 0 {
		var ack ackBody
		if err := json.Unmarshal(msg.Body, &ack); err != nil {
			c.logger.Error("bad ack", slog.String(errorMsgLogField, err.Error()))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- ack
		}
		return
	}

	switch msg.Action {
	case serverDataUpdate, serverDataMerge:
		var ev eventBody
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			c.logger.Error("bad event", slog.String(errorMsgLogField, err.Error()))
			return
		}
		c.dispatch(normalizePath(ev.Path), ev.Data)
	case serverListenRevoked:
		var ev eventBody
		if err := json.Unmarshal(msg.Body, &ev); err == nil {
			c.logger.Error("listen revoked", slog.String(pathLogField, ev.Path))
		}
	case serverAuthRevoked:
		c.logger.Info("auth revoked, reconnecting")
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
	}
}

// dispatch routes a server event to every overlapping subscription. An event
// above a subscription path is narrowed to the subscribed subtree.
func (c *Conn) dispatch(path string, data json.RawMessage) {
	if isJSONNull(data) {
		data = nil
	}
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if rel, ok := relativePath(sub.path, path); ok {
			sub.fn(Event{Path: rel, Data: data})
			continue
		}
		if rel, ok := relativePath(path, sub.path); ok {
			sub.fn(Event{Path: "", Data: extractJSON(data, splitPath(rel))})
		}
	}
}

// extractJSON walks raw down the given key path, returning nil when any
// step is missing.
func extractJSON(raw json.RawMessage, parts []string) json.RawMessage {
	for _, part := range parts {
		if raw == nil {
			return nil
		}
		var node map[string]json.RawMessage
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil
		}
		child, ok := node[part]
		if !ok || isJSONNull(child) {
			return nil
		}
		raw = child
	}
	return raw
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// dropConn tears down one websocket generation and kicks off the reconnect
// loop. Later generations are untouched.
func (c *Conn) dropConn(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	close(c.wsStop)
	c.wsStop = nil
	wasConnected := c.connected
	c.connected = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	closed := c.closed
	watchers := snapshotWatchers(c.watchers)
	c.mu.Unlock()

	ws.Close()
	if !wasConnected {
		// The session was never established: the failing dial belongs to
		// Connect or to an already-running reconnect loop, and that caller
		// owns the retry decision. Spawning here would stack loops.
		return
	}
	for _, fn := range watchers {
		fn(false)
	}
	if closed {
		return
	}
	c.logger.Info("connection lost", slog.String(errorMsgLogField, cause.Error()))
	go c.reconnect()
}

func (c *Conn) reconnect() {
	wait := reconnectMin
	for {
		time.Sleep(wait)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Info("reconnect failed", slog.String(errorMsgLogField, err.Error()))
		wait *= 2
		if wait > reconnectMax {
			wait = reconnectMax
		}
	}
}

// Close tears the connection down for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	return nil
}

func (c *Conn) rpc(ctx context.Context, action string, body any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.nextReqID++
	id := c.nextReqID
	ch := make(chan ackBody, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := clientFrame{
		Type: frameData,
		Data: clientRequest{RequestID: id, Action: action, Body: body},
	}
	c.writeMu.Lock()
	err := ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: write: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		switch ack.Status {
		case statusOK:
			return ack.Data, nil
		case statusPermissionDenied:
			return nil, ErrPermissionDenied
		default:
			return nil, fmt.Errorf("realtime: %s failed: %s", action, ack.Status)
		}
	}
}

func (c *Conn) Get(ctx context.Context, path string) (json.RawMessage, error) {
	data, err := c.rpc(ctx, actionGet, pathBody{Path: "/" + normalizePath(path)})
	if err != nil {
		return nil, err
	}
	if isJSONNull(data) {
		return nil, nil
	}
	return data, nil
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	_, err := c.rpc(ctx, actionPut, pathBody{Path: "/" + normalizePath(path), Data: value})
	return err
}

func (c *Conn) Update(ctx context.Context, path string, values map[string]any) error {
	_, err := c.rpc(ctx, actionMerge, pathBody{Path: "/" + normalizePath(path), Data: values})
	return err
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	id := newPushID(time.Now().UnixMilli())
	if err := c.Set(ctx, normalizePath(path)+"/"+id, value); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

func (c *Conn) OnDisconnectSet(ctx context.Context, path string, value any) error {
	_, err := c.rpc(ctx, actionOnDisconnectPut, pathBody{Path: "/" + normalizePath(path), Data: value})
	return err
}

func (c *Conn) Subscribe(path string, fn func(Event)) (func(), error) {
	path = normalizePath(path)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = &subscription{path: path, fn: fn}
	connected := c.connected
	c.mu.Unlock()

	if connected {
		// The server answers the listen with an ack, then pushes the
		// current value as a regular data event.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()
			if _, err := c.rpc(ctx, actionListen, pathBody{Path: "/" + path, Hash: ""}); err != nil {
				c.logger.Error("listen failed",
					slog.String(pathLogField, path),
					slog.String(errorMsgLogField, err.Error()),
				)
			}
		}()
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			connected := c.connected
			c.mu.Unlock()
			if !connected {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
				defer cancel()
				if _, err := c.rpc(ctx, actionUnlisten, pathBody{Path: "/" + path}); err != nil {
					c.logger.Error("unlisten failed",
						slog.String(pathLogField, path),
						slog.String(errorMsgLogField, err.Error()),
					)
				}
			}()
		})
	}
	return stop, nil
}

func (c *Conn) OnConnection(fn func(connected bool)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	connected := c.connected
	c.mu.Unlock()

	fn(connected)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

func snapshotWatchers(watchers map[int]func(bool)) []func(bool) {
	out := make([]func(bool), 0, len(watchers))
	for _, fn := range watchers {
		out = append(out, fn)
	}
	return out
}
