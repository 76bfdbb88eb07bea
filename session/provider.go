// Package session holds the signed-in identity: sign-in/sign-out flows,
// profile bootstrap, auth-change notification, and token refresh for the
// realtime connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pemachat/pema/auth"
	"github.com/pemachat/pema/contract"
	"github.com/pemachat/pema/filter"
	"github.com/pemachat/pema/log"
	"github.com/pemachat/pema/realtime"
)

const (
	uidLogField      = "uid"
	errorMsgLogField = "errorMsg"
)

var (
	ErrSignedOut    = errors.New("session: not signed in")
	ErrEmptyPetName = errors.New("session: pet name must not be empty")
)

// tokens are refreshed this long before they actually expire, so a token
// handed to the realtime connection is never on the edge.
const refreshMargin = time.Minute

func userPath(uid string) string {
	return "users/" + uid
}

// Authenticator is the slice of the identity provider the session needs.
// Satisfied by *auth.Client.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*auth.Credentials, error)
	SignUp(ctx context.Context, email, password string) (*auth.Credentials, error)
	SendPasswordReset(ctx context.Context, email string) error
	Refresh(ctx context.Context, refreshToken string) (*auth.Credentials, error)
}

var _ Authenticator = (*auth.Client)(nil)

// Provider tracks the current user. Handlers registered with OnChange see
// every sign-in state change, starting with the state at registration time.
type Provider struct {
	auth Authenticator
	db   realtime.Backend

	mu       sync.Mutex
	creds    *auth.Credentials
	current  *contract.User
	handlers map[int]func(*contract.User)
	nextID   int
}

func New(a Authenticator, db realtime.Backend) *Provider {
	return &Provider{
		auth:     a,
		db:       db,
		handlers: make(map[int]func(*contract.User)),
	}
}

// SignIn authenticates and bootstraps the user's profile if this is the
// first ever sign-in for the account.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*contract.User, error) {
	if err := p.Authenticate(ctx, email, password); err != nil {
		return nil, err
	}
	return p.Establish(ctx)
}

// SignUp registers a new account and signs it in.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*contract.User, error) {
	if err := p.Register(ctx, email, password); err != nil {
		return nil, err
	}
	return p.Establish(ctx)
}

// Authenticate obtains credentials without touching the database. Token
// works from here on, so the realtime connection can authenticate before
// Establish runs the profile bootstrap over it.
func (p *Provider) Authenticate(ctx context.Context, email, password string) error {
	creds, err := p.auth.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

// Register is Authenticate for a new account.
func (p *Provider) Register(ctx context.Context, email, password string) error {
	creds, err := p.auth.SignUp(ctx, email, password)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

// ResetPassword asks the identity provider to mail a reset link.
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	return p.auth.SendPasswordReset(ctx, email)
}

// Establish completes sign-in against the database: bootstrap the profile
// if absent, load it, and notify handlers.
func (p *Provider) Establish(ctx context.Context) (*contract.User, error) {
	p.mu.Lock()
	creds := p.creds
	p.mu.Unlock()
	if creds == nil {
		return nil, ErrSignedOut
	}
	if err := p.bootstrapProfile(ctx, creds); err != nil {
		return nil, err
	}
	user, err := p.loadProfile(ctx, creds)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = user
	p.mu.Unlock()

	log.LoggerFromContext(ctx).Info("signed in", slog.String(uidLogField, creds.UID))
	p.notify()
	snapshot := *user
	return &snapshot, nil
}

// bootstrapProfile creates users/{uid} with offline defaults iff no profile
// exists yet. Re-running against an existing profile is a no-op.
func (p *Provider) bootstrapProfile(ctx context.Context, creds *auth.Credentials) error {
	existing, err := p.db.Get(ctx, userPath(creds.UID))
	if err != nil {
		return fmt.Errorf("session: read profile: %w", err)
	}
	if existing != nil {
		return nil
	}
	profile := contract.User{
		DisplayName: creds.DisplayName,
		PetName:     "",
		Online:      false,
		LastSeen:    time.Now().UnixMilli(),
	}
	if err := p.db.Set(ctx, userPath(creds.UID), profile); err != nil {
		return fmt.Errorf("session: create profile: %w", err)
	}
	log.LoggerFromContext(ctx).Info("profile created", slog.String(uidLogField, creds.UID))
	return nil
}

func (p *Provider) loadProfile(ctx context.Context, creds *auth.Credentials) (*contract.User, error) {
	data, err := p.db.Get(ctx, userPath(creds.UID))
	if err != nil {
		return nil, fmt.Errorf("session: read profile: %w", err)
	}
	var user contract.User
	if data != nil {
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("session: decode profile: %w", err)
		}
	}
	user.UID = creds.UID
	user.Email = creds.Email
	if user.DisplayName == "" {
		user.DisplayName = creds.DisplayName
	}
	return &user, nil
}

// SetPetName stores the onboarding nickname. Required before the messenger
// surface unlocks.
func (p *Provider) SetPetName(ctx context.Context, name string) error {
	name = filter.Name(name)
	if name == "" {
		return ErrEmptyPetName
	}
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return ErrSignedOut
	}
	if err := p.db.Update(ctx, userPath(current.UID), map[string]any{"petName": name}); err != nil {
		return fmt.Errorf("session: set pet name: %w", err)
	}
	p.mu.Lock()
	// The session may have ended while the write was in flight.
	if p.current != nil {
		p.current.PetName = name
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

// SignOut publishes offline state and clears the session. Handlers observe
// a nil user.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	current := p.current
	p.creds = nil
	p.current = nil
	p.mu.Unlock()

	if current == nil {
		return nil
	}
	err := p.db.Update(ctx, userPath(current.UID), map[string]any{
		"online":   false,
		"lastSeen": time.Now().UnixMilli(),
	})
	if err != nil {
		// The disconnect hook will catch up; the session still ends.
		log.LoggerFromContext(ctx).Error("offline publish failed",
			slog.String(uidLogField, current.UID),
			slog.String(errorMsgLogField, err.Error()),
		)
	}
	p.notify()
	return err
}

// Current returns a copy of the signed-in user, or nil.
func (p *Provider) Current() *contract.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	snapshot := *p.current
	return &snapshot
}

// OnChange registers a handler for sign-in state changes. It fires once
// immediately with the current state. The disposer is idempotent.
func (p *Provider) OnChange(fn func(*contract.User)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.handlers[id] = fn
	var snapshot *contract.User
	if p.current != nil {
		u := *p.current
		snapshot = &u
	}
	p.mu.Unlock()

	fn(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.handlers, id)
			p.mu.Unlock()
		})
	}
}

// Token returns a live ID token for the realtime connection, refreshing
// when the current one is close to expiry.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	creds := p.creds
	p.mu.Unlock()
	if creds == nil {
		return "", ErrSignedOut
	}
	if time.Until(creds.ExpiresAt) > refreshMargin {
		return creds.IDToken, nil
	}

	fresh, err := p.auth.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("session: refresh token: %w", err)
	}
	p.mu.Lock()
	if p.creds != nil {
		p.creds.IDToken = fresh.IDToken
		p.creds.RefreshToken = fresh.RefreshToken
		p.creds.ExpiresAt = fresh.ExpiresAt
	}
	p.mu.Unlock()
	return fresh.IDToken, nil
}

func (p *Provider) notify() {
	p.mu.Lock()
	handlers := make([]func(*contract.User), 0, len(p.handlers))
	for _, fn := range p.handlers {
		handlers = append(handlers, fn)
	}
	var snapshot *contract.User
	if p.current != nil {
		u := *p.current
		snapshot = &u
	}
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(snapshot)
	}
}
