// Package store defines the durable records of the auto-reply engine and the
// narrow storage interface the engine reads and writes them through.
//
// Backends live in subpackages (sqlite, postgres, dynamo). An in-memory
// implementation is provided here for tests and throwaway runs.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Role is the author of a stored turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageRef identifies a transport message within a conversation.
type MessageRef struct {
	ConversationID string
	MessageID      string
}

// IsZero reports whether the reference is unset.
func (r MessageRef) IsZero() bool {
	return r.ConversationID == "" && r.MessageID == ""
}

// Turn is one message in an owner's stored conversation history.
type Turn struct {
	OwnerID   int64
	Role      Role
	Text      string
	Ref       MessageRef // set for inbound turns
	CreatedAt time.Time
}

// PendingItem is an inbound message held back during quiet hours.
type PendingItem struct {
	OwnerID   int64
	Ref       MessageRef
	SenderID  string
	Text      string
	ArrivedAt time.Time
}

// Owner is an onboarded account the assistant acts for.
// Credentials and Session are opaque to everything but the transport.
type Owner struct {
	ID           int64
	Credentials  string
	Session      string
	State        string
	CreatedAt    time.Time
	LastActivity time.Time
}

// HasSession reports whether transport credentials and a session are present.
func (o Owner) HasSession() bool {
	return strings.TrimSpace(o.Credentials) != "" && strings.TrimSpace(o.Session) != ""
}

// SettingsStore persists per-owner string settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, ownerID int64) (map[string]string, error)
	SetSetting(ctx context.Context, ownerID int64, key, value string) error
}

// TurnStore is the append-only conversation history.
type TurnStore interface {
	AppendTurn(ctx context.Context, t Turn) error
	// RecentTurns returns up to limit most recent turns, oldest first.
	RecentTurns(ctx context.Context, ownerID int64, limit int) ([]Turn, error)
	// HasUserTurn reports whether an inbound turn with ref was stored.
	HasUserTurn(ctx context.Context, ownerID int64, ref MessageRef) (bool, error)
}

// PendingStore holds quiet-hours messages until they are answered.
type PendingStore interface {
	// AddPending inserts item unless its ref is already pending for the
	// owner. It reports whether a row was inserted.
	AddPending(ctx context.Context, item PendingItem) (bool, error)
	// ListPending returns pending items in arrival order.
	ListPending(ctx context.Context, ownerID int64) ([]PendingItem, error)
	CountPending(ctx context.Context, ownerID int64) (int, error)
	HasPendingRef(ctx context.Context, ownerID int64, ref MessageRef) (bool, error)
	ClearPending(ctx context.Context, ownerID int64) error
	// CommitBatch appends turns in order and removes the answered pending
	// refs as one unit of work.
	CommitBatch(ctx context.Context, ownerID int64, turns []Turn, answered []MessageRef) error
}

// OwnerStore persists owner records.
type OwnerStore interface {
	GetOwner(ctx context.Context, id int64) (Owner, error)
	UpsertOwner(ctx context.Context, o Owner) error
	ListOwners(ctx context.Context) ([]Owner, error)
	// TouchOwner records last activity without touching other fields.
	TouchOwner(ctx context.Context, id int64, at time.Time) error
}

// Store is the full durable store used by the daemon.
type Store interface {
	SettingsStore
	TurnStore
	PendingStore
	OwnerStore
	Close() error
}
