package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "accounts:signInWithPassword") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if key := r.URL.Query().Get("key"); key != "test-key" {
			t.Errorf("key = %q, want test-key", key)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["email"] != "cat@example.com" || req["password"] != "secret99" {
			t.Errorf("request = %v", req)
		}
		fmt.Fprint(w, `{
			"localId": "uid-1",
			"email": "cat@example.com",
			"displayName": "Cat",
			"idToken": "id-token",
			"refreshToken": "refresh-token",
			"expiresIn": "3600"
		}`)
	}))
	defer srv.Close()

	c := &Client{APIKey: "test-key", IdentityBaseURL: srv.URL}
	creds, err := c.SignIn(context.Background(), "cat@example.com", "secret99")
	if err != nil {
		t.Fatal(err)
	}
	if creds.UID != "uid-1" || creds.IDToken != "id-token" || creds.RefreshToken != "refresh-token" {
		t.Fatalf("creds = %+v", creds)
	}
	if creds.DisplayName != "Cat" || creds.Email != "cat@example.com" {
		t.Fatalf("creds = %+v", creds)
	}
	until := time.Until(creds.ExpiresAt)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Fatalf("ExpiresAt %v from now, want about an hour", until)
	}
}

func TestSignInErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "unknown email",
			message:     "EMAIL_NOT_FOUND",
			wantCode:    CodeEmailNotFound,
			wantMessage: "No account found with this email.",
		},
		{
			name:        "wrong password",
			message:     "INVALID_PASSWORD",
			wantCode:    CodeInvalidPassword,
			wantMessage: "Incorrect password. Please try again.",
		},
		{
			name:        "merged credential error",
			message:     "INVALID_LOGIN_CREDENTIALS",
			wantCode:    CodeInvalidCredentials,
			wantMessage: "Incorrect email or password. Please try again.",
		},
		{
			name:        "detail suffix stripped",
			message:     "WEAK_PASSWORD : Password should be at least 6 characters",
			wantCode:    CodeWeakPassword,
			wantMessage: "Password should be at least 6 characters.",
		},
		{
			name:        "unmapped code",
			message:     "OPERATION_NOT_ALLOWED",
			wantCode:    "OPERATION_NOT_ALLOWED",
			wantMessage: genericUserMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintf(w, `{"error":{"code":400,"message":%q}}`, tt.message)
			}))
			defer srv.Close()

			c := &Client{APIKey: "k", IdentityBaseURL: srv.URL}
			_, err := c.SignIn(context.Background(), "cat@example.com", "nope")
			var authErr *Error
			if !errors.As(err, &authErr) {
				t.Fatalf("error = %v, want *auth.Error", err)
			}
			if authErr.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", authErr.Code, tt.wantCode)
			}
			if authErr.HTTPStatus != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", authErr.HTTPStatus)
			}
			if got := authErr.UserMessage(); got != tt.wantMessage {
				t.Fatalf("user message = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestSignUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "accounts:signUp") {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"localId":"uid-2","email":"new@example.com","idToken":"t","refreshToken":"r","expiresIn":"3600"}`)
	}))
	defer srv.Close()

	c := &Client{APIKey: "k", IdentityBaseURL: srv.URL}
	creds, err := c.SignUp(context.Background(), "new@example.com", "secret99")
	if err != nil {
		t.Fatal(err)
	}
	if creds.UID != "uid-2" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestSendPasswordReset(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "accounts:sendOobCode") {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		fmt.Fprint(w, `{"email":"cat@example.com"}`)
	}))
	defer srv.Close()

	c := &Client{APIKey: "k", IdentityBaseURL: srv.URL}
	if err := c.SendPasswordReset(context.Background(), "cat@example.com"); err != nil {
		t.Fatal(err)
	}
	if got["requestType"] != "PASSWORD_RESET" || got["email"] != "cat@example.com" {
		t.Fatalf("request = %v", got)
	}
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("path = %q, want /token", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != formContentType {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("form = %v", r.PostForm)
		}
		fmt.Fprint(w, `{"user_id":"uid-1","id_token":"new-id","refresh_token":"new-refresh","expires_in":"3600"}`)
	}))
	defer srv.Close()

	c := &Client{APIKey: "k", TokenBaseURL: srv.URL}
	creds, err := c.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatal(err)
	}
	if creds.UID != "uid-1" || creds.IDToken != "new-id" || creds.RefreshToken != "new-refresh" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestParseErrorMalformedBody(t *testing.T) {
	err := parseError(http.StatusServiceUnavailable, []byte("<html>upstream</html>"))
	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *auth.Error", err)
	}
	if authErr.Code != "HTTP_503" {
		t.Fatalf("code = %q, want HTTP_503", authErr.Code)
	}
	if authErr.UserMessage() != genericUserMessage {
		t.Fatalf("user message = %q", authErr.UserMessage())
	}
}
