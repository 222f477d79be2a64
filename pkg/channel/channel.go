// Package channel defines the chat transport the assistant listens and
// replies on. Implementations live under internal/channel.
package channel

import (
	"context"
	"fmt"
	"time"
)

// ConversationKind classifies the conversation an event arrived in.
type ConversationKind string

const (
	// Direct is a one-to-one conversation.
	Direct ConversationKind = "direct"
	Group  ConversationKind = "group"
)

// PeerKind classifies the author of an event.
type PeerKind string

const (
	Person  PeerKind = "person"
	Bot     PeerKind = "bot"
	Service PeerKind = "service"
)

// Event is a message observed on an owner's account, incoming or outgoing.
type Event struct {
	ConversationID string
	MessageID      string

	// SenderID is the author. For outgoing events it is the owner.
	SenderID string
	// SenderUsername is the author's handle without a leading @, if known.
	SenderUsername string
	// PeerID is the other participant of a direct conversation.
	PeerID string

	Text       string
	Outgoing   bool
	Kind       ConversationKind
	Sender     PeerKind
	ReceivedAt time.Time
}

// Handler receives events from a session. Events from one session are
// delivered one at a time.
type Handler func(ctx context.Context, evt Event)

// Identity is a resolved contact.
type Identity struct {
	ID          string
	Username    string
	DisplayName string
}

// Credentials locate and authenticate an account on the transport.
// Session is the serialized session produced at sign-in.
type Credentials struct {
	Endpoint string
	Session  string
}

// Transport opens sessions for owners.
type Transport interface {
	Name() string
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// Session is a live connection to one owner's account.
type Session interface {
	// Self returns the owner's identity on the transport.
	Self() Identity

	// Listen delivers events to h until ctx is cancelled or the session
	// fails. It blocks.
	Listen(ctx context.Context, h Handler) error

	// Send posts text to a conversation. Provider throttling is reported
	// as *RetryAfterError.
	Send(ctx context.Context, conversationID, text string) error

	// Typing shows a typing indicator in the conversation for d.
	Typing(ctx context.Context, conversationID string, d time.Duration) error

	// ResolveIdentity looks up a contact by handle.
	ResolveIdentity(ctx context.Context, handle string) (Identity, error)

	Close() error
}

// RetryAfterError is returned by Send when the provider asks the caller to
// back off before retrying.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("throttled, retry after %s: %v", e.After, e.Err)
	}
	return fmt.Sprintf("throttled, retry after %s", e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }
