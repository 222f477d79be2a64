// Package sqlite is the default durable store, a single SQLite file opened
// in WAL mode through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/autoreply/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS owners (
	id            INTEGER PRIMARY KEY,
	credentials   TEXT    NOT NULL DEFAULT '',
	session       TEXT    NOT NULL DEFAULT '',
	state         TEXT    NOT NULL DEFAULT 'new',
	created_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	owner_id   INTEGER NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner_id, key)
);

CREATE TABLE IF NOT EXISTS turns (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id        INTEGER NOT NULL,
	role            TEXT    NOT NULL,
	text            TEXT    NOT NULL,
	conversation_id TEXT    NOT NULL DEFAULT '',
	message_id      TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_owner ON turns (owner_id, id);
CREATE INDEX IF NOT EXISTS idx_turns_ref ON turns (owner_id, conversation_id, message_id) WHERE role = 'user';

CREATE TABLE IF NOT EXISTS pending (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id        INTEGER NOT NULL,
	conversation_id TEXT    NOT NULL,
	message_id      TEXT    NOT NULL,
	sender_id       TEXT    NOT NULL DEFAULT '',
	text            TEXT    NOT NULL,
	arrived_at      INTEGER NOT NULL,
	UNIQUE (owner_id, conversation_id, message_id)
);
`

// Store is a store.Store backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	// WAL for concurrent readers, busy timeout for the flush loop racing live handling.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, path: path}
	slog.Info("store opened", "driver", "sqlite", "path", path)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetSettings(ctx context.Context, ownerID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE owner_id = ?`, ownerID)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (owner_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ownerID, key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, t store.Turn) error {
	return insertTurn(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTurn(ctx context.Context, db execer, t store.Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO turns (owner_id, role, text, conversation_id, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.OwnerID, string(t.Role), t.Text, t.Ref.ConversationID, t.Ref.MessageID, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *Store) RecentTurns(ctx context.Context, ownerID int64, limit int) ([]store.Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text, conversation_id, message_id, created_at
		FROM turns WHERE owner_id = ?
		ORDER BY id DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []store.Turn
	for rows.Next() {
		t := store.Turn{OwnerID: ownerID}
		var role string
		var created int64
		if err := rows.Scan(&role, &t.Text, &t.Ref.ConversationID, &t.Ref.MessageID, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = store.Role(role)
		t.CreatedAt = time.UnixMilli(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) HasUserTurn(ctx context.Context, ownerID int64, ref store.MessageRef) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM turns
		WHERE owner_id = ? AND role = 'user' AND conversation_id = ? AND message_id = ?`,
		ownerID, ref.ConversationID, ref.MessageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check user turn: %w", err)
	}
	return n > 0, nil
}

func (s *Store) AddPending(ctx context.Context, item store.PendingItem) (bool, error) {
	if item.ArrivedAt.IsZero() {
		item.ArrivedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending (owner_id, conversation_id, message_id, sender_id, text, arrived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.OwnerID, item.Ref.ConversationID, item.Ref.MessageID, item.SenderID, item.Text, item.ArrivedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert pending: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListPending(ctx context.Context, ownerID int64) ([]store.PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, message_id, sender_id, text, arrived_at
		FROM pending WHERE owner_id = ?
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
		var arrived int64
		if err := rows.Scan(&p.Ref.ConversationID, &p.Ref.MessageID, &p.SenderID, &p.Text, &arrived); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.ArrivedAt = time.UnixMilli(arrived)
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *Store) CountPending(ctx context.Context, ownerID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending WHERE owner_id = ?`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (s *Store) HasPendingRef(ctx context.Context, ownerID int64, ref store.MessageRef) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending WHERE owner_id = ? AND conversation_id = ? AND message_id = ?`,
		ownerID, ref.ConversationID, ref.MessageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ClearPending(ctx context.Context, ownerID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}

func (s *Store) CommitBatch(ctx context.Context, ownerID int64, turns []store.Turn, answered []store.MessageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, t := range turns {
		if t.OwnerID != ownerID {
			return fmt.Errorf("batch turn for owner %d committed under owner %d", t.OwnerID, ownerID)
		}
		if err := insertTurn(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, ref := range answered {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM pending WHERE owner_id = ? AND conversation_id = ? AND message_id = ?`,
			ownerID, ref.ConversationID, ref.MessageID,
		)
		if err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	o := store.Owner{ID: id}
	var created, seen int64
	err := s.db.QueryRowContext(ctx, `
		SELECT credentials, session, state, created_at, last_activity FROM owners WHERE id = ?`, id,
	).Scan(&o.Credentials, &o.Session, &o.State, &created, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("get owner %d: %w", id, err)
	}
	o.CreatedAt = time.UnixMilli(created)
	if seen > 0 {
		o.LastActivity = time.UnixMilli(seen)
	}
	return o, nil
}

func (s *Store) UpsertOwner(ctx context.Context, o store.Owner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	var seen int64
	if !o.LastActivity.IsZero() {
		seen = o.LastActivity.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (id, credentials, session, state, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			credentials = excluded.credentials,
			session = excluded.session,
			state = excluded.state,
			last_activity = MAX(owners.last_activity, excluded.last_activity)`,
		o.ID, o.Credentials, o.Session, o.State, o.CreatedAt.UnixMilli(), seen,
	)
	if err != nil {
		return fmt.Errorf("upsert owner %d: %w", o.ID, err)
	}
	return nil
}

func (s *Store) ListOwners(ctx context.Context) ([]store.Owner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credentials, session, state, created_at, last_activity FROM owners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []store.Owner
	for rows.Next() {
		var o store.Owner
		var created, seen int64
		if err := rows.Scan(&o.ID, &o.Credentials, &o.Session, &o.State, &created, &seen); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		o.CreatedAt = time.UnixMilli(created)
		if seen > 0 {
			o.LastActivity = time.UnixMilli(seen)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *Store) TouchOwner(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE owners SET last_activity = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch owner %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
