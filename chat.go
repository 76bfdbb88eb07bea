package pema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pemachat/pema/chat"
	"github.com/pemachat/pema/contract"
	"github.com/pemachat/pema/filter"
	"github.com/pemachat/pema/storage"
)

var (
	// ErrSendInFlight reports a send attempted while another was still
	// outstanding. The attempt is dropped, not queued; the caller retries
	// if it still wants the message sent.
	ErrSendInFlight = errors.New("pema: send already in flight")

	ErrNotSender = errors.New("pema: only the sender may delete a message")
)

// messageStore and fileStore are the slices of chat.Store and
// storage.Client a chat needs.
type messageStore interface {
	Send(ctx context.Context, roomID, sender, senderName, text string, file *contract.FileRef) (string, error)
	Subscribe(roomID string, onAdd func(contract.Message)) (func(), error)
	Delete(ctx context.Context, roomID, msgID string) error
	Fetch(ctx context.Context, roomID, msgID string) (*contract.Message, error)
}

type fileStore interface {
	Attach(ctx context.Context, roomID, filename, mimeType string, r io.Reader) (*contract.FileRef, error)
	Remove(ctx context.Context, object string) error
}

var (
	_ messageStore = (*chat.Store)(nil)
	_ fileStore    = (*storage.Client)(nil)
)

// Attachment is a blob to upload alongside a message.
type Attachment struct {
	Name string
	MIME string
	Data io.Reader
}

// Chat is one open room: a live message view plus send and delete. The
// local view updates optimistically on delete and is repaired from the
// authoritative store when the backend disagrees.
type Chat struct {
	roomID   string
	self     contract.User
	store    messageStore
	files    fileStore
	logger   *slog.Logger
	onUpdate func([]contract.Message)

	// sending is the single-slot in-flight latch. It is not a queue:
	// concurrent duplicate sends are dropped.
	sending atomic.Bool

	mu   sync.Mutex
	msgs []contract.Message
	stop func()
}

func (c *Chat) RoomID() string {
	return c.roomID
}

func (c *Chat) subscribe() error {
	stop, err := c.store.Subscribe(c.roomID, c.add)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
	return nil
}

// add inserts a message into the sorted local view, ignoring ids already
// present.
func (c *Chat) add(msg contract.Message) {
	c.mu.Lock()
	for _, m := range c.msgs {
		if m.ID == msg.ID {
			c.mu.Unlock()
			return
		}
	}
	c.msgs = append(c.msgs, msg)
	sort.Slice(c.msgs, func(i, j int) bool {
		if c.msgs[i].Timestamp != c.msgs[j].Timestamp {
			return c.msgs[i].Timestamp < c.msgs[j].Timestamp
		}
		return c.msgs[i].ID < c.msgs[j].ID
	})
	c.mu.Unlock()
	c.notify()
}

// Messages returns a copy of the current view, ordered by timestamp.
func (c *Chat) Messages() []contract.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contract.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Send sanitizes and sends a message, uploading the attachment first so the
// stored message never references an unresolved file. A failed upload
// aborts the whole send. While one send is outstanding, further attempts
// return ErrSendInFlight and are discarded.
func (c *Chat) Send(ctx context.Context, text string, att *Attachment) error {
	if !c.sending.CompareAndSwap(false, true) {
		c.logger.Info("duplicate send dropped")
		return ErrSendInFlight
	}
	defer c.sending.Store(false)

	text = filter.Message(text)
	if text == "" && att == nil {
		return chat.ErrEmptyMessage
	}

	var fileRef *contract.FileRef
	if att != nil {
		if c.files == nil {
			return ErrAttachmentsDisabled
		}
		ref, err := c.files.Attach(ctx, c.roomID, att.Name, att.MIME, att.Data)
		if err != nil {
			return fmt.Errorf("pema: attach: %w", err)
		}
		fileRef = ref
	}

	if _, err := c.store.Send(ctx, c.roomID, c.self.UID, c.self.Label(), text, fileRef); err != nil {
		return err
	}
	return nil
}

// Delete removes one of the caller's own messages. The local view drops it
// immediately; if the backend refuses, the message is re-fetched and
// restored. Any attachment is cleaned up best-effort after a confirmed
// delete.
func (c *Chat) Delete(ctx context.Context, msgID string) error {
	c.mu.Lock()
	var target *contract.Message
	for i := range c.msgs {
		if c.msgs[i].ID == msgID {
			target = &c.msgs[i]
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return nil // already gone
	}
	if target.Sender != c.self.UID {
		c.mu.Unlock()
		return ErrNotSender
	}
	removed := *target
	kept := c.msgs[:0]
	for _, m := range c.msgs {
		if m.ID != msgID {
			kept = append(kept, m)
		}
	}
	c.msgs = kept
	c.mu.Unlock()
	c.notify()

	if err := c.store.Delete(ctx, c.roomID, msgID); err != nil {
		// Optimistic removal diverged from the store; repair from the
		// authoritative copy.
		fresh, ferr := c.store.Fetch(ctx, c.roomID, msgID)
		if ferr != nil {
			c.logger.Error("rollback fetch failed",
				slog.String(msgIDLogField, msgID),
				slog.String(errorMsgLogField, ferr.Error()),
			)
		} else if fresh != nil {
			c.add(*fresh)
		}
		return err
	}

	if removed.File != nil && c.files != nil {
		if object := storage.ObjectFromURL(removed.File.URL); object != "" {
			if err := c.files.Remove(ctx, object); err != nil {
				c.logger.Info("attachment cleanup failed",
					slog.String(msgIDLogField, msgID),
					slog.String(errorMsgLogField, err.Error()),
				)
			}
		}
	}
	return nil
}

// Close releases the room listener. Idempotent.
func (c *Chat) Close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Chat) notify() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.Messages())
}
