package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	tests := []struct {
		filename string
		want     string
	}{
		{"photo.png", "chat_uploads/alice_bob/1700000000000.png"},
		{"archive.tar.gz", "chat_uploads/alice_bob/1700000000000.gz"},
		{"noext", "chat_uploads/alice_bob/1700000000000"},
	}
	for _, tt := range tests {
		if got := ObjectName("alice_bob", tt.filename, now); got != tt.want {
			t.Errorf("ObjectName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestAttach(t *testing.T) {
	var gotName, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/v0/b/pema-files/o" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotName = r.URL.Query().Get("name")
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprintf(w, `{"name":%q,"size":"9","downloadTokens":"tok-42"}`, gotName)
	}))
	defer srv.Close()

	c := &Client{
		Bucket:  "pema-files",
		BaseURL: srv.URL,
		Token:   func(context.Context) (string, error) { return "id-token", nil },
	}
	ref, err := c.Attach(context.Background(), "alice_bob", "cat.png", "image/png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(gotName, "chat_uploads/alice_bob/") || !strings.HasSuffix(gotName, ".png") {
		t.Fatalf("object name = %q", gotName)
	}
	if gotAuth != "Firebase id-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotType != "image/png" {
		t.Fatalf("content type = %q", gotType)
	}
	if string(gotBody) != "png-bytes" {
		t.Fatalf("body = %q", gotBody)
	}

	if ref.Name != "cat.png" || ref.Type != "image/png" || ref.Size != 9 {
		t.Fatalf("ref = %+v", ref)
	}
	if !strings.Contains(ref.URL, "alt=media") || !strings.Contains(ref.URL, "token=tok-42") {
		t.Fatalf("download URL = %q", ref.URL)
	}
	if got := ObjectFromURL(ref.URL); got != gotName {
		t.Fatalf("ObjectFromURL(%q) = %q, want %q", ref.URL, got, gotName)
	}
}

func TestAttachUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Client{Bucket: "pema-files", BaseURL: srv.URL}
	_, err := c.Attach(context.Background(), "alice_bob", "cat.png", "image/png", strings.NewReader("x"))
	if err == nil {
		t.Fatal("Attach succeeded against a rejecting server")
	}
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "deleted", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "already gone", status: http.StatusNotFound},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method = %s", r.Method)
				}
				gotPath = r.URL.EscapedPath()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := &Client{Bucket: "pema-files", BaseURL: srv.URL}
			err := c.Remove(context.Background(), "chat_uploads/alice_bob/1.png")
			if tt.wantErr {
				if err == nil {
					t.Fatal("Remove succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasSuffix(gotPath, "/o/chat_uploads%2Falice_bob%2F1.png") {
				t.Fatalf("path = %q", gotPath)
			}
		})
	}
}

func TestObjectFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{
			url:  "https://firebasestorage.googleapis.com/v0/b/pema-files/o/chat_uploads%2Falice_bob%2F1.png?alt=media&token=t",
			want: "chat_uploads/alice_bob/1.png",
		},
		{url: "https://example.com/other/path", want: ""},
		{url: "://bad", want: ""},
	}
	for _, tt := range tests {
		if got := ObjectFromURL(tt.url); got != tt.want {
			t.Errorf("ObjectFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
