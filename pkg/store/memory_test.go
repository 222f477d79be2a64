package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/autoreply/pkg/store"
	"github.com/nous-labs/autoreply/pkg/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}

func TestMemoryRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.NewMemory().AddPending(ctx, store.PendingItem{OwnerID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryCommitBatchRejectsForeignTurns(t *testing.T) {
	m := store.NewMemory()
	err := m.CommitBatch(context.Background(), 1, []store.Turn{{OwnerID: 2, Role: store.RoleUser, Text: "x"}}, nil)
	require.Error(t, err)
}
