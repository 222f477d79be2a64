// Package pending holds messages that arrived during quiet hours and turns
// them into a single batched prompt once quiet hours end.
package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nous-labs/autoreply/pkg/store"
)

// Queue is one owner's FIFO of held-back messages, deduplicated by
// message ref.
type Queue struct {
	items   store.PendingStore
	ownerID int64
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for arrival stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue over items for ownerID.
func NewQueue(items store.PendingStore, ownerID int64, opts ...Option) (*Queue, error) {
	if items == nil {
		return nil, errors.New("pending: store must not be nil")
	}
	q := &Queue{items: items, ownerID: ownerID, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Add enqueues a message. A ref that is already queued is left as is and
// Add reports false.
func (q *Queue) Add(ctx context.Context, ref store.MessageRef, senderID, text string) (bool, error) {
	inserted, err := q.items.AddPending(ctx, store.PendingItem{
		OwnerID:   q.ownerID,
		Ref:       ref,
		SenderID:  senderID,
		Text:      text,
		ArrivedAt: q.now(),
	})
	if err != nil {
		return false, fmt.Errorf("pending: add: %w", err)
	}
	return inserted, nil
}

// Has reports whether ref is queued.
func (q *Queue) Has(ctx context.Context, ref store.MessageRef) (bool, error) {
	ok, err := q.items.HasPendingRef(ctx, q.ownerID, ref)
	if err != nil {
		return false, fmt.Errorf("pending: lookup: %w", err)
	}
	return ok, nil
}

// HasPending reports whether anything is queued.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	return n > 0, err
}

// Count returns the number of queued messages.
func (q *Queue) Count(ctx context.Context) (int, error) {
	n, err := q.items.CountPending(ctx, q.ownerID)
	if err != nil {
		return 0, fmt.Errorf("pending: count: %w", err)
	}
	return n, nil
}

// List returns queued messages by arrival.
func (q *Queue) List(ctx context.Context) ([]store.PendingItem, error) {
	items, err := q.items.ListPending(ctx, q.ownerID)
	if err != nil {
		return nil, fmt.Errorf("pending: list: %w", err)
	}
	return items, nil
}

// ClearAll drops every queued message.
func (q *Queue) ClearAll(ctx context.Context) error {
	if err := q.items.ClearPending(ctx, q.ownerID); err != nil {
		return fmt.Errorf("pending: clear: %w", err)
	}
	return nil
}

// BatchFormat wraps several queued messages into one prompt.
type BatchFormat struct {
	Preamble  string
	Postamble string
}

// DefaultBatchFormat is used when no wording is configured.
var DefaultBatchFormat = BatchFormat{
	Preamble:  "(They sent several messages while you were away)",
	Postamble: "(Answer all of them in one message, taking every message into account)",
}

// Format builds the prompt for items. A single item is returned verbatim;
// several are numbered in order and wrapped with the preamble and postamble.
func (f BatchFormat) Format(items []store.PendingItem) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0].Text
	}

	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("[Message %d]: %s", i+1, it.Text)
	}
	body := strings.Join(lines, "\n")

	var sb strings.Builder
	if f.Preamble != "" {
		sb.WriteString(f.Preamble)
		sb.WriteString("\n\n")
	}
	sb.WriteString(body)
	if f.Postamble != "" {
		sb.WriteString("\n\n")
		sb.WriteString(f.Postamble)
	}
	return sb.String()
}
