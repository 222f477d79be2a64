package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/autoreply/pkg/store"
	"github.com/nous-labs/autoreply/pkg/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "autoreply.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, openTemp(t))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoreply.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetSetting(ctx, 7, "ai_enabled", "true"))
	require.NoError(t, s.AppendTurn(ctx, store.Turn{OwnerID: 7, Role: store.RoleUser, Text: "hi", Ref: store.MessageRef{ConversationID: "100", MessageID: "1"}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSettings(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "true", got["ai_enabled"])

	ok, err := s.HasUserTurn(ctx, 7, store.MessageRef{ConversationID: "100", MessageID: "1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, s.Path())
}

func TestCommitBatchRollsBackOnForeignTurn(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	ref := store.MessageRef{ConversationID: "100", MessageID: "a"}
	_, err := s.AddPending(ctx, store.PendingItem{OwnerID: 1, Ref: ref, Text: "a"})
	require.NoError(t, err)

	err = s.CommitBatch(ctx, 1, []store.Turn{
		{OwnerID: 1, Role: store.RoleUser, Text: "a", Ref: ref},
		{OwnerID: 2, Role: store.RoleAssistant, Text: "wrong owner"},
	}, []store.MessageRef{ref})
	require.Error(t, err)

	turns, err := s.RecentTurns(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, turns, "partial batch must not be visible")

	n, err := s.CountPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
