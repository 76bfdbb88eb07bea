// Package pema is a client for the Pema messaging service: sign-in,
// presence, one-to-one chats, and file attachments, all backed by the
// hosted realtime database, identity provider, and object store.
package pema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pemachat/pema/auth"
	"github.com/pemachat/pema/chat"
	"github.com/pemachat/pema/contract"
	"github.com/pemachat/pema/log"
	"github.com/pemachat/pema/presence"
	"github.com/pemachat/pema/realtime"
	"github.com/pemachat/pema/search"
	"github.com/pemachat/pema/session"
	"github.com/pemachat/pema/storage"
)

const (
	errorMsgLogField = "errorMsg"
	roomIDLogField   = "roomID"
	uidLogField      = "uid"
	msgIDLogField    = "msgID"
)

var (
	ErrSignedOut           = errors.New("pema: not signed in")
	ErrAttachmentsDisabled = errors.New("pema: no storage bucket configured")
)

type Config struct {
	// APIKey is the identity provider API key.
	APIKey string

	// DatabaseURL is the realtime database root URL.
	DatabaseURL string

	// StorageBucket enables attachments when set.
	StorageBucket string

	// Logger defaults to log.Default.
	Logger *slog.Logger
}

// Messenger is one signed-in client: a session, its presence tracker, and
// the stores chats are built from. Create with New, sign in, then open
// chats and searches; Close tears down the realtime connection.
type Messenger struct {
	cfg     Config
	logger  *slog.Logger
	session *session.Provider
	conn    *realtime.Conn
	db      realtime.Backend
	store   *chat.Store
	files   *storage.Client
	tracker *presence.Tracker
}

func New(cfg Config) (*Messenger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := &Messenger{cfg: cfg, logger: logger}

	conn, err := realtime.NewConn(realtime.Config{
		DatabaseURL: cfg.DatabaseURL,
		TokenSource: m.token,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	m.conn = conn
	m.db = conn
	m.session = session.New(auth.NewClient(cfg.APIKey), conn)
	m.store = chat.NewStore(conn)
	if cfg.StorageBucket != "" {
		m.files = storage.NewClient(cfg.StorageBucket, m.session.Token)
	}
	return m, nil
}

// token is the realtime connection's credential source. Before sign-in it
// yields the empty token so the connection comes up unauthenticated.
func (m *Messenger) token(ctx context.Context) (string, error) {
	token, err := m.session.Token(ctx)
	if errors.Is(err, session.ErrSignedOut) {
		return "", nil
	}
	return token, err
}

// SignIn authenticates, connects the realtime session, bootstraps the
// profile, and starts presence tracking.
func (m *Messenger) SignIn(ctx context.Context, email, password string) (*contract.User, error) {
	if err := m.session.Authenticate(ctx, email, password); err != nil {
		return nil, err
	}
	return m.begin(ctx)
}

// SignUp registers a new account and signs it in.
func (m *Messenger) SignUp(ctx context.Context, email, password string) (*contract.User, error) {
	if err := m.session.Register(ctx, email, password); err != nil {
		return nil, err
	}
	return m.begin(ctx)
}

func (m *Messenger) begin(ctx context.Context) (*contract.User, error) {
	if err := m.conn.Connect(ctx); err != nil {
		return nil, err
	}
	user, err := m.session.Establish(ctx)
	if err != nil {
		return nil, err
	}
	m.tracker = presence.NewTracker(m.db, user.UID)
	m.tracker.Start(log.WithLogger(context.Background(), m.logger))
	return user, nil
}

// ResetPassword requests a password-reset mail. Safe while signed out.
func (m *Messenger) ResetPassword(ctx context.Context, email string) error {
	return m.session.ResetPassword(ctx, email)
}

// SetPetName completes onboarding; the messenger surface expects a pet name
// before chats open.
func (m *Messenger) SetPetName(ctx context.Context, name string) error {
	return m.session.SetPetName(ctx, name)
}

// Current returns the signed-in user, or nil.
func (m *Messenger) Current() *contract.User {
	return m.session.Current()
}

// OnAuthChange registers a handler for sign-in state changes; it fires once
// immediately with the current state. The disposer is idempotent.
func (m *Messenger) OnAuthChange(fn func(*contract.User)) func() {
	return m.session.OnChange(fn)
}

// Search starts a live listing of online users excluding the caller. The
// caller narrows it with SetTerm and must Stop it when done.
func (m *Messenger) Search(onUpdate func([]contract.User)) (*search.Listing, error) {
	current := m.session.Current()
	if current == nil {
		return nil, ErrSignedOut
	}
	listing := search.NewListing(m.db, current.UID, onUpdate)
	if err := listing.Start(); err != nil {
		return nil, err
	}
	return listing, nil
}

// Rooms lists the caller's existing chats with each counterpart's current
// profile, ordered by the counterpart's label.
func (m *Messenger) Rooms(ctx context.Context) ([]chat.Room, error) {
	current := m.session.Current()
	if current == nil {
		return nil, ErrSignedOut
	}
	return m.store.Rooms(ctx, current.UID)
}

// OpenChat resolves the room with the other user, creating it on first
// contact, and subscribes. onUpdate (optional) receives the message list
// after every change. Close the returned chat to release the listener.
func (m *Messenger) OpenChat(ctx context.Context, other *contract.User, onUpdate func([]contract.Message)) (*Chat, error) {
	current := m.session.Current()
	if current == nil {
		return nil, ErrSignedOut
	}
	roomID, err := m.store.StartOrGet(ctx, current.UID, other.UID)
	if err != nil {
		return nil, err
	}
	c := &Chat{
		roomID:   roomID,
		self:     *current,
		store:    m.store,
		logger:   m.logger.With(slog.String(roomIDLogField, roomID)),
		onUpdate: onUpdate,
	}
	if m.files != nil {
		c.files = m.files
	}
	if err := c.subscribe(); err != nil {
		return nil, err
	}
	return c, nil
}

// SignOut publishes offline state and ends the session. The connection
// stays open so another sign-in can reuse it.
func (m *Messenger) SignOut(ctx context.Context) error {
	if m.tracker != nil {
		m.tracker.Stop()
		m.tracker = nil
	}
	return m.session.SignOut(ctx)
}

// Close tears down the realtime connection. The Messenger is unusable
// afterwards.
func (m *Messenger) Close() error {
	return m.conn.Close()
}

// Session exposes the identity provider surface for callers that need it
// directly.
func (m *Messenger) Session() *session.Provider {
	return m.session
}

func (m *Messenger) String() string {
	return fmt.Sprintf("pema.Messenger(%s)", m.cfg.DatabaseURL)
}
