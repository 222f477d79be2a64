// Package postgres provides a Postgres-backed store for deployments that run
// several daemons against one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nous-labs/autoreply/pkg/store"
)

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open creates a pool for pgURL and verifies the connection.
func Open(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Init creates the tables and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"owners table", `
			CREATE TABLE IF NOT EXISTS autoreply_owners (
				id            BIGINT PRIMARY KEY,
				credentials   TEXT        NOT NULL DEFAULT '',
				session       TEXT        NOT NULL DEFAULT '',
				state         TEXT        NOT NULL DEFAULT 'new',
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
				last_activity TIMESTAMPTZ
			)`},
		{"settings table", `
			CREATE TABLE IF NOT EXISTS autoreply_settings (
				owner_id   BIGINT      NOT NULL,
				key        TEXT        NOT NULL,
				value      TEXT        NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (owner_id, key)
			)`},
		{"turns table", `
			CREATE TABLE IF NOT EXISTS autoreply_turns (
				id              BIGSERIAL PRIMARY KEY,
				owner_id        BIGINT      NOT NULL,
				role            TEXT        NOT NULL,
				text            TEXT        NOT NULL,
				conversation_id TEXT        NOT NULL DEFAULT '',
				message_id      TEXT        NOT NULL DEFAULT '',
				created_at      TIMESTAMPTZ NOT NULL
			)`},
		{"turns owner index", `
			CREATE INDEX IF NOT EXISTS idx_autoreply_turns_owner
			ON autoreply_turns (owner_id, id DESC)`},
		{"turns ref index", `
			CREATE INDEX IF NOT EXISTS idx_autoreply_turns_ref
			ON autoreply_turns (owner_id, conversation_id, message_id)
			WHERE role = 'user'`},
		{"pending table", `
			CREATE TABLE IF NOT EXISTS autoreply_pending (
				id              BIGSERIAL PRIMARY KEY,
				owner_id        BIGINT      NOT NULL,
				conversation_id TEXT        NOT NULL,
				message_id      TEXT        NOT NULL,
				sender_id       TEXT        NOT NULL DEFAULT '',
				text            TEXT        NOT NULL,
				arrived_at      TIMESTAMPTZ NOT NULL,
				UNIQUE (owner_id, conversation_id, message_id)
			)`},
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st.sql); err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}

	slog.Info("store initialized", "driver", "postgres")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetSettings(ctx context.Context, ownerID int64) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM autoreply_settings WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) SetSetting(ctx context.Context, ownerID int64, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO autoreply_settings (owner_id, key, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (owner_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		ownerID, key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, t store.Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, insertTurnSQL,
		t.OwnerID, string(t.Role), t.Text, t.Ref.ConversationID, t.Ref.MessageID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

const insertTurnSQL = `
	INSERT INTO autoreply_turns (owner_id, role, text, conversation_id, message_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

func (s *Store) RecentTurns(ctx context.Context, ownerID int64, limit int) ([]store.Turn, error) {
	query := `
		SELECT role, text, conversation_id, message_id, created_at
		FROM autoreply_turns WHERE owner_id = $1
		ORDER BY id DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []store.Turn
	for rows.Next() {
		t := store.Turn{OwnerID: ownerID}
		var role string
		if err := rows.Scan(&role, &t.Text, &t.Ref.ConversationID, &t.Ref.MessageID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = store.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) HasUserTurn(ctx context.Context, ownerID int64, ref store.MessageRef) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM autoreply_turns
			WHERE owner_id = $1 AND role = 'user' AND conversation_id = $2 AND message_id = $3
		)`,
		ownerID, ref.ConversationID, ref.MessageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user turn: %w", err)
	}
	return exists, nil
}

func (s *Store) AddPending(ctx context.Context, item store.PendingItem) (bool, error) {
	if item.ArrivedAt.IsZero() {
		item.ArrivedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO autoreply_pending (owner_id, conversation_id, message_id, sender_id, text, arrived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, conversation_id, message_id) DO NOTHING`,
		item.OwnerID, item.Ref.ConversationID, item.Ref.MessageID, item.SenderID, item.Text, item.ArrivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert pending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListPending(ctx context.Context, ownerID int64) ([]store.PendingItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, message_id, sender_id, text, arrived_at
		FROM autoreply_pending WHERE owner_id = $1
		ORDER BY arrived_at ASC, id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var items []store.PendingItem
	for rows.Next() {
		p := store.PendingItem{OwnerID: ownerID}
		if err := rows.Scan(&p.Ref.ConversationID, &p.Ref.MessageID, &p.SenderID, &p.Text, &p.ArrivedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *Store) CountPending(ctx context.Context, ownerID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM autoreply_pending WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (s *Store) HasPendingRef(ctx context.Context, ownerID int64, ref store.MessageRef) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM autoreply_pending
			WHERE owner_id = $1 AND conversation_id = $2 AND message_id = $3
		)`,
		ownerID, ref.ConversationID, ref.MessageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return exists, nil
}

func (s *Store) ClearPending(ctx context.Context, ownerID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM autoreply_pending WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}

func (s *Store) CommitBatch(ctx context.Context, ownerID int64, turns []store.Turn, answered []store.MessageRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	for _, t := range turns {
		if t.OwnerID != ownerID {
			return fmt.Errorf("batch turn for owner %d committed under owner %d", t.OwnerID, ownerID)
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if _, err := tx.Exec(ctx, insertTurnSQL,
			t.OwnerID, string(t.Role), t.Text, t.Ref.ConversationID, t.Ref.MessageID, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	for _, ref := range answered {
		if _, err := tx.Exec(ctx,
			`DELETE FROM autoreply_pending WHERE owner_id = $1 AND conversation_id = $2 AND message_id = $3`,
			ownerID, ref.ConversationID, ref.MessageID,
		); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	o := store.Owner{ID: id}
	var seen *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT credentials, session, state, created_at, last_activity
		FROM autoreply_owners WHERE id = $1`, id,
	).Scan(&o.Credentials, &o.Session, &o.State, &o.CreatedAt, &seen)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("get owner %d: %w", id, err)
	}
	if seen != nil {
		o.LastActivity = *seen
	}
	return o, nil
}

func (s *Store) UpsertOwner(ctx context.Context, o store.Owner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	var seen *time.Time
	if !o.LastActivity.IsZero() {
		seen = &o.LastActivity
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO autoreply_owners (id, credentials, session, state, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			session = EXCLUDED.session,
			state = EXCLUDED.state,
			last_activity = COALESCE(EXCLUDED.last_activity, autoreply_owners.last_activity)`,
		o.ID, o.Credentials, o.Session, o.State, o.CreatedAt, seen,
	)
	if err != nil {
		return fmt.Errorf("upsert owner %d: %w", o.ID, err)
	}
	return nil
}

func (s *Store) ListOwners(ctx context.Context) ([]store.Owner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, credentials, session, state, created_at, last_activity
		FROM autoreply_owners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []store.Owner
	for rows.Next() {
		var o store.Owner
		var seen *time.Time
		if err := rows.Scan(&o.ID, &o.Credentials, &o.Session, &o.State, &o.CreatedAt, &seen); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		if seen != nil {
			o.LastActivity = *seen
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *Store) TouchOwner(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE autoreply_owners SET last_activity = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch owner %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
