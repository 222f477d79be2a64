// Package memory is an owner's bounded conversation history, read back as
// chat context for reply generation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nous-labs/autoreply/pkg/store"
)

// Speaker is the side of the conversation an entry belongs to.
type Speaker string

const (
	Human     Speaker = "human"
	Assistant Speaker = "assistant"
)

// Entry is one history item handed to a generator.
type Entry struct {
	Speaker Speaker
	Text    string
}

// Memory reads and appends turns for one owner.
type Memory struct {
	turns   store.TurnStore
	ownerID int64
	now     func() time.Time
}

// New creates a Memory over turns for ownerID. now stamps appended turns;
// nil means time.Now.
func New(turns store.TurnStore, ownerID int64, now func() time.Time) (*Memory, error) {
	if turns == nil {
		return nil, errors.New("memory: turn store must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{turns: turns, ownerID: ownerID, now: now}, nil
}

// Recent returns up to limit most recent entries, oldest first. Stored role
// user maps to Human; every other role maps to Assistant.
func (m *Memory) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	turns, err := m.turns.RecentTurns(ctx, m.ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent turns: %w", err)
	}
	out := make([]Entry, 0, len(turns))
	for _, t := range turns {
		sp := Assistant
		if t.Role == store.RoleUser {
			sp = Human
		}
		out = append(out, Entry{Speaker: sp, Text: t.Text})
	}
	return out, nil
}

// AppendInbound stores a message from the target.
func (m *Memory) AppendInbound(ctx context.Context, ref store.MessageRef, text string) error {
	return m.append(ctx, store.Turn{Role: store.RoleUser, Text: text, Ref: ref})
}

// AppendReply stores a reply sent on the owner's behalf.
func (m *Memory) AppendReply(ctx context.Context, conversationID, text string) error {
	return m.append(ctx, store.Turn{
		Role: store.RoleAssistant,
		Text: text,
		Ref:  store.MessageRef{ConversationID: conversationID},
	})
}

func (m *Memory) append(ctx context.Context, t store.Turn) error {
	t.OwnerID = m.ownerID
	t.CreatedAt = m.now()
	if err := m.turns.AppendTurn(ctx, t); err != nil {
		return fmt.Errorf("memory: append %s turn: %w", t.Role, err)
	}
	return nil
}

// Seen reports whether an inbound message with ref was already stored.
func (m *Memory) Seen(ctx context.Context, ref store.MessageRef) (bool, error) {
	ok, err := m.turns.HasUserTurn(ctx, m.ownerID, ref)
	if err != nil {
		return false, fmt.Errorf("memory: dedup lookup: %w", err)
	}
	return ok, nil
}
