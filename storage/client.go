// Package storage uploads chat attachments to the hosted object store and
// resolves public download URLs for them.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pemachat/pema/contract"
)

const (
	defaultBaseURL = "https://firebasestorage.googleapis.com"

	authorizationHeader = "Authorization"
	contentTypeHeader   = "Content-Type"
	firebaseAuthScheme  = "Firebase "

	uploadRoot = "chat_uploads"
)

// TokenSource supplies the caller's ID token for storage requests.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to the storage REST surface for one bucket. BaseURL is
// overridable for tests.
type Client struct {
	Bucket     string
	BaseURL    string
	HTTPClient *http.Client
	Token      TokenSource
}

func NewClient(bucket string, token TokenSource) *Client {
	return &Client{Bucket: bucket, Token: token}
}

type uploadResponse struct {
	Name           string `json:"name"`
	Size           string `json:"size"`
	DownloadTokens string `json:"downloadTokens"`
}

// ObjectName returns the storage object name for an attachment in a room.
// The stored filename is the upload timestamp plus the original extension,
// which keeps names collision-resistant without leaking the original name.
func ObjectName(roomID, filename string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%d%s", uploadRoot, roomID, now.UnixMilli(), path.Ext(filename))
}

// Attach uploads the blob and resolves its public URL. It must complete
// before the referencing message is persisted; on failure the caller aborts
// the send. A blob uploaded for a send that later fails is left as an
// orphan.
func (c *Client) Attach(ctx context.Context, roomID, filename, mimeType string, r io.Reader) (*contract.FileRef, error) {
	if roomID == "" {
		return nil, fmt.Errorf("storage: empty room id")
	}
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read attachment: %w", err)
	}

	object := ObjectName(roomID, filename, time.Now())
	uploadURL := fmt.Sprintf("%s/v0/b/%s/o?name=%s", c.baseURL(), c.Bucket, url.QueryEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	req.Header.Set(contentTypeHeader, mimeType)
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage: upload: unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: upload: %w", err)
	}
	var uploaded uploadResponse
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return nil, fmt.Errorf("storage: decode upload response: %w", err)
	}

	size := int64(len(blob))
	if n, err := strconv.ParseInt(uploaded.Size, 10, 64); err == nil {
		size = n
	}
	return &contract.FileRef{
		URL:  c.downloadURL(object, uploaded.DownloadTokens),
		Name: filename,
		Type: mimeType,
		Size: size,
	}, nil
}

// Remove deletes an object; a missing object is success. Deletion of
// attachment blobs is best-effort cleanup after message deletion and never
// blocks it.
func (c *Client) Remove(ctx context.Context, object string) error {
	deleteURL := fmt.Sprintf("%s/v0/b/%s/o/%s", c.baseURL(), c.Bucket, url.PathEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, http.NoBody)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("storage: delete: unexpected status code: %d", resp.StatusCode)
	}
}

// ObjectFromURL recovers the object name from a download URL produced by
// Attach. Returns "" when the URL is not one of ours.
func ObjectFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	escaped := u.EscapedPath()
	const marker = "/o/"
	idx := strings.Index(escaped, marker)
	if idx < 0 {
		return ""
	}
	object, err := url.PathUnescape(escaped[idx+len(marker):])
	if err != nil {
		return ""
	}
	return object
}

func (c *Client) downloadURL(object, token string) string {
	u := fmt.Sprintf("%s/v0/b/%s/o/%s?alt=media", c.baseURL(), c.Bucket, url.PathEscape(object))
	if token != "" {
		u += "&token=" + url.QueryEscape(token)
	}
	return u
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("storage: token source: %w", err)
	}
	req.Header.Set(authorizationHeader, firebaseAuthScheme+token)
	return nil
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
