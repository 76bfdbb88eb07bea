// Package auth signs users in against the hosted identity provider's REST
// API and keeps credentials refreshable.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultIdentityBaseURL = "https://identitytoolkit.googleapis.com/v1"
	defaultTokenBaseURL    = "https://securetoken.googleapis.com/v1"

	contentTypeHeader = "Content-Type"
	jsonContentType   = "application/json"
	formContentType   = "application/x-www-form-urlencoded"

	requestTypePasswordReset = "PASSWORD_RESET"
)

// Credentials is a signed-in identity. The ID token expires; Refresh trades
// the refresh token for a fresh pair.
type Credentials struct {
	UID          string
	Email        string
	DisplayName  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Client talks to the identity provider. The zero base URLs point at the
// hosted service; tests override them.
type Client struct {
	APIKey          string
	IdentityBaseURL string
	TokenBaseURL    string
	HTTPClient      *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{APIKey: apiKey}
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

func (r *signInResponse) credentials(now time.Time) *Credentials {
	expiresIn, err := strconv.Atoi(r.ExpiresIn)
	if err != nil {
		expiresIn = 3600
	}
	return &Credentials{
		UID:          r.LocalID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}
}

// SignIn authenticates an existing account with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Credentials, error) {
	var resp signInResponse
	err := c.post(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credentials(time.Now()), nil
}

// SignUp registers a new email/password account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Credentials, error) {
	var resp signInResponse
	err := c.post(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credentials(time.Now()), nil
}

// SignInWithCustomToken exchanges an admin-minted custom token for user
// credentials. Used by headless tooling.
func (c *Client) SignInWithCustomToken(ctx context.Context, token string) (*Credentials, error) {
	var resp signInResponse
	err := c.post(ctx, "accounts:signInWithCustomToken", map[string]any{
		"token":             token,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credentials(time.Now()), nil
}

// SendPasswordReset asks the provider to mail a password-reset link.
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": requestTypePasswordReset,
		"email":       email,
	}, nil)
}

type refreshResponse struct {
	UserID       string `json:"user_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

// Refresh trades a refresh token for a new ID token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	base := c.TokenBaseURL
	if base == "" {
		base = defaultTokenBaseURL
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		base+"/token?key="+url.QueryEscape(c.APIKey),
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set(contentTypeHeader, formContentType)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var resp refreshResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("auth: decode refresh response: %w", err)
	}
	expiresIn, err := strconv.Atoi(resp.ExpiresIn)
	if err != nil {
		expiresIn = 3600
	}
	return &Credentials{
		UID:          resp.UserID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	base := c.IdentityBaseURL
	if base == "" {
		base = defaultIdentityBaseURL
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		base+"/"+endpoint+"?key="+url.QueryEscape(c.APIKey),
		strings.NewReader(string(data)),
	)
	if err != nil {
		return err
	}
	req.Header.Set(contentTypeHeader, jsonContentType)

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("auth: decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, body)
	}
	return body, nil
}
