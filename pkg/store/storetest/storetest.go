// Package storetest is a behavioral test suite shared by every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/autoreply/pkg/store"
)

// Run exercises s against the store.Store contract. Each subtest uses its own
// owner id so a single backend instance can be shared.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	t.Run("settings", func(t *testing.T) { testSettings(t, s, 101) })
	t.Run("turns", func(t *testing.T) { testTurns(t, s, 102) })
	t.Run("pending", func(t *testing.T) { testPending(t, s, 103) })
	t.Run("commit batch", func(t *testing.T) { testCommitBatch(t, s, 104) })
	t.Run("owners", func(t *testing.T) { testOwners(t, s, 105) })
	t.Run("insertion order", func(t *testing.T) { testInsertionOrder(t, s, 106) })
}

func testSettings(t *testing.T, s store.Store, owner int64) {
	ctx := context.Background()

	got, err := s.GetSettings(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetSetting(ctx, owner, "ai_enabled", "true"))
	require.NoError(t, s.SetSetting(ctx, owner, "timezone", "Europe/Berlin"))
	require.NoError(t, s.SetSetting(ctx, owner, "ai_enabled", "false"))

	got, err = s.GetSettings(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ai_enabled": "false", "timezone": "Europe/Berlin"}, got)

	other, err := s.GetSettings(ctx, owner+1000)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testTurns(t *testing.T, s store.Store, owner int64) {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three", "four"} {
		role := store.RoleUser
		ref := store.MessageRef{ConversationID: "100", MessageID: text}
		if i%2 == 1 {
			role = store.RoleAssistant
			ref = store.MessageRef{}
		}
		require.NoError(t, s.AppendTurn(ctx, store.Turn{
			OwnerID:   owner,
			Role:      role,
			Text:      text,
			Ref:       ref,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := s.RecentTurns(ctx, owner, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "two", recent[0].Text)
	assert.Equal(t, "three", recent[1].Text)
	assert.Equal(t, "four", recent[2].Text)
	assert.Equal(t, store.RoleAssistant, recent[0].Role)
	assert.Equal(t, store.RoleUser, recent[1].Role)
	assert.Equal(t, store.MessageRef{ConversationID: "100", MessageID: "three"}, recent[1].Ref)

	all, err := s.RecentTurns(ctx, owner, 50)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	ok, err := s.HasUserTurn(ctx, owner, store.MessageRef{ConversationID: "100", MessageID: "one"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasUserTurn(ctx, owner, store.MessageRef{ConversationID: "100", MessageID: "two"})
	require.NoError(t, err)
	assert.False(t, ok, "assistant turns never satisfy dedup")

	ok, err = s.HasUserTurn(ctx, owner+1000, store.MessageRef{ConversationID: "100", MessageID: "one"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPending(t *testing.T, s store.Store, owner int64) {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 23, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		inserted, err := s.AddPending(ctx, store.PendingItem{
			OwnerID:   owner,
			Ref:       store.MessageRef{ConversationID: "100", MessageID: id},
			SenderID:  "42",
			Text:      "text " + id,
			ArrivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, err := s.AddPending(ctx, store.PendingItem{
		OwnerID:   owner,
		Ref:       store.MessageRef{ConversationID: "100", MessageID: "b"},
		Text:      "duplicate",
		ArrivedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate ref is a no-op")

	n, err := s.CountPending(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := s.ListPending(ctx, owner)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "text a", items[0].Text)
	assert.Equal(t, "text b", items[1].Text)
	assert.Equal(t, "text c", items[2].Text)
	assert.Equal(t, "42", items[0].SenderID)

	has, err := s.HasPendingRef(ctx, owner, store.MessageRef{ConversationID: "100", MessageID: "c"})
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.ClearPending(ctx, owner))
	n, err = s.CountPending(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testCommitBatch(t *testing.T, s store.Store, owner int64) {
	ctx := context.Background()
	base := time.Date(2026, 2, 2, 7, 0, 0, 0, time.UTC)

	var refs []store.MessageRef
	for i, id := range []string{"a", "b", "c"} {
		ref := store.MessageRef{ConversationID: "100", MessageID: id}
		refs = append(refs, ref)
		_, err := s.AddPending(ctx, store.PendingItem{
			OwnerID:   owner,
			Ref:       ref,
			Text:      id,
			ArrivedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	// Arrived after the batch was read; must survive the commit.
	late := store.MessageRef{ConversationID: "100", MessageID: "late"}
	_, err := s.AddPending(ctx, store.PendingItem{OwnerID: owner, Ref: late, Text: "late", ArrivedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	turns := []store.Turn{
		{OwnerID: owner, Role: store.RoleUser, Text: "a", Ref: refs[0], CreatedAt: base},
		{OwnerID: owner, Role: store.RoleUser, Text: "b", Ref: refs[1], CreatedAt: base},
		{OwnerID: owner, Role: store.RoleUser, Text: "c", Ref: refs[2], CreatedAt: base},
		{OwnerID: owner, Role: store.RoleAssistant, Text: "reply", CreatedAt: base},
	}
	require.NoError(t, s.CommitBatch(ctx, owner, turns, refs))

	recent, err := s.RecentTurns(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	for i, want := range []string{"a", "b", "c", "reply"} {
		assert.Equal(t, want, recent[i].Text)
	}

	items, err := s.ListPending(ctx, owner)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, late, items[0].Ref)

	ok, err := s.HasUserTurn(ctx, owner, refs[1])
	require.NoError(t, err)
	assert.True(t, ok)
}

// testInsertionOrder commits a batch of messages that arrived before a turn
// that was already stored live; history follows insertion, not arrival.
func testInsertionOrder(t *testing.T, s store.Store, owner int64) {
	ctx := context.Background()
	arrived := time.Date(2026, 2, 4, 23, 30, 0, 0, time.UTC)
	morning := arrived.Add(9 * time.Hour)

	require.NoError(t, s.AppendTurn(ctx, store.Turn{
		OwnerID:   owner,
		Role:      store.RoleUser,
		Text:      "live",
		Ref:       store.MessageRef{ConversationID: "100", MessageID: "live"},
		CreatedAt: morning,
	}))

	queued := store.MessageRef{ConversationID: "100", MessageID: "queued"}
	_, err := s.AddPending(ctx, store.PendingItem{OwnerID: owner, Ref: queued, Text: "queued", ArrivedAt: arrived})
	require.NoError(t, err)
	require.NoError(t, s.CommitBatch(ctx, owner, []store.Turn{
		{OwnerID: owner, Role: store.RoleUser, Text: "queued", Ref: queued, CreatedAt: arrived},
		{OwnerID: owner, Role: store.RoleAssistant, Text: "batch reply", CreatedAt: morning.Add(time.Second)},
	}, []store.MessageRef{queued}))

	recent, err := s.RecentTurns(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "live", recent[0].Text)
	assert.Equal(t, "queued", recent[1].Text)
	assert.Equal(t, "batch reply", recent[2].Text)

	last, err := s.RecentTurns(ctx, owner, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "batch reply", last[0].Text)
}

func testOwners(t *testing.T, s store.Store, owner int64) {
	ctx := context.Background()

	_, err := s.GetOwner(ctx, owner)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.TouchOwner(ctx, owner, time.Now()), store.ErrNotFound)

	require.NoError(t, s.UpsertOwner(ctx, store.Owner{ID: owner, State: "awaiting_credentials"}))
	got, err := s.GetOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "awaiting_credentials", got.State)
	assert.False(t, got.HasSession())
	assert.False(t, got.CreatedAt.IsZero())

	seen := time.Date(2026, 2, 3, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.TouchOwner(ctx, owner, seen))

	require.NoError(t, s.UpsertOwner(ctx, store.Owner{
		ID:          owner,
		Credentials: "https://matrix.example.org",
		Session:     `{"access_token":"x"}`,
		State:       "ready",
	}))
	got, err = s.GetOwner(ctx, owner)
	require.NoError(t, err)
	assert.True(t, got.HasSession())
	assert.Equal(t, "ready", got.State)
	assert.True(t, seen.Equal(got.LastActivity), "upsert keeps last activity, got %v", got.LastActivity)

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	var found bool
	for _, o := range owners {
		if o.ID == owner {
			found = true
		}
	}
	assert.True(t, found)
}
