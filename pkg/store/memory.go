package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a Store kept entirely in process memory.
type Memory struct {
	mu       sync.RWMutex
	owners   map[int64]Owner
	settings map[int64]map[string]string
	turns    map[int64][]Turn
	pending  map[int64][]PendingItem
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		owners:   map[int64]Owner{},
		settings: map[int64]map[string]string{},
		turns:    map[int64][]Turn{},
		pending:  map[int64][]PendingItem{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetSettings(ctx context.Context, ownerID int64) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.settings[ownerID]))
	for k, v := range m.settings[ownerID] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetSetting(ctx context.Context, ownerID int64, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings[ownerID] == nil {
		m.settings[ownerID] = map[string]string{}
	}
	m.settings[ownerID][key] = value
	return nil
}

func (m *Memory) AppendTurn(ctx context.Context, t Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.OwnerID] = append(m.turns[t.OwnerID], t)
	return nil
}

func (m *Memory) RecentTurns(ctx context.Context, ownerID int64, limit int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.turns[ownerID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Turn, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (m *Memory) HasUserTurn(ctx context.Context, ownerID int64, ref MessageRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.turns[ownerID] {
		if t.Role == RoleUser && t.Ref == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AddPending(ctx context.Context, item PendingItem) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pending[item.OwnerID] {
		if p.Ref == item.Ref {
			return false, nil
		}
	}
	if item.ArrivedAt.IsZero() {
		item.ArrivedAt = time.Now()
	}
	m.pending[item.OwnerID] = append(m.pending[item.OwnerID], item)
	return true, nil
}

func (m *Memory) ListPending(ctx context.Context, ownerID int64) ([]PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PendingItem, len(m.pending[ownerID]))
	copy(out, m.pending[ownerID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArrivedAt.Before(out[j].ArrivedAt) })
	return out, nil
}

func (m *Memory) CountPending(ctx context.Context, ownerID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending[ownerID]), nil
}

func (m *Memory) HasPendingRef(ctx context.Context, ownerID int64, ref MessageRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.pending[ownerID] {
		if p.Ref == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ClearPending(ctx context.Context, ownerID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, ownerID)
	return nil
}

func (m *Memory) CommitBatch(ctx context.Context, ownerID int64, turns []Turn, answered []MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range turns {
		if t.OwnerID != ownerID {
			return fmt.Errorf("store: batch turn for owner %d committed under owner %d", t.OwnerID, ownerID)
		}
	}

	now := time.Now()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		m.turns[ownerID] = append(m.turns[ownerID], t)
	}

	done := make(map[MessageRef]struct{}, len(answered))
	for _, r := range answered {
		done[r] = struct{}{}
	}
	kept := m.pending[ownerID][:0]
	for _, p := range m.pending[ownerID] {
		if _, ok := done[p.Ref]; !ok {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(m.pending, ownerID)
	} else {
		m.pending[ownerID] = kept
	}
	return nil
}

func (m *Memory) GetOwner(ctx context.Context, id int64) (Owner, error) {
	if err := ctx.Err(); err != nil {
		return Owner{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[id]
	if !ok {
		return Owner{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) UpsertOwner(ctx context.Context, o Owner) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.owners[o.ID]; ok {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = prev.CreatedAt
		}
		if o.LastActivity.IsZero() {
			o.LastActivity = prev.LastActivity
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.owners[o.ID] = o
	return nil
}

func (m *Memory) ListOwners(ctx context.Context) ([]Owner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Owner, 0, len(m.owners))
	for _, o := range m.owners {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchOwner(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[id]
	if !ok {
		return ErrNotFound
	}
	o.LastActivity = at
	m.owners[id] = o
	return nil
}
