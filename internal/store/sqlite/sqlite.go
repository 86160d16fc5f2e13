// Package sqlite implements store.Store on an embedded SQLite database.
//
// Vectors are stored as JSON arrays and ranked in Go. modernc.org/sqlite
// cannot load vector extensions, and a single conversation holds few enough
// rows for a scan.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		indexed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_indexed ON messages(indexed, id)`,
	`CREATE TABLE IF NOT EXISTS message_embeddings (
		message_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
		embedding TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_state (
		conversation_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL DEFAULT '',
		last_consolidated_id INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, faults.StorageErr("sqlite: open", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller must run Migrate.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Migrate enables foreign keys and creates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return faults.StorageErr("sqlite: migrate", err)
		}
	}
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return faults.StorageErr("sqlite: migrate", fmt.Errorf("statement %d: %w", i, err))
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, conversationID string, role store.Role, content string) (store.Message, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, string(role), content, now.UnixNano())
	if err != nil {
		return store.Message{}, faults.StorageErr("sqlite: append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Message{}, faults.StorageErr("sqlite: append", err)
	}
	return store.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Unix(0, now.UnixNano()).UTC(),
	}, nil
}

const messageColumns = `id, conversation_id, role, content, created_at, indexed`

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		var (
			m       store.Message
			role    string
			created int64
			indexed int
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created, &indexed); err != nil {
			return nil, err
		}
		m.Role = store.Role(role)
		m.CreatedAt = time.Unix(0, created).UTC()
		m.Indexed = indexed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, faults.StorageErr("sqlite: recent", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, faults.StorageErr("sqlite: recent", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) After(ctx context.Context, conversationID string, afterID int64) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND id > ?
		 ORDER BY id ASC`, conversationID, afterID)
	if err != nil {
		return nil, faults.StorageErr("sqlite: after", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, faults.StorageErr("sqlite: after", err)
}

func (s *Store) CountAfter(ctx context.Context, conversationID string, afterID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND id > ?`,
		conversationID, afterID).Scan(&n)
	return n, faults.StorageErr("sqlite: count after", err)
}

func (s *Store) MarkIndexed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET indexed = 1 WHERE id = ?`, id)
	if err != nil {
		return faults.StorageErr("sqlite: mark indexed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: mark indexed %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Unindexed(ctx context.Context, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE indexed = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, faults.StorageErr("sqlite: unindexed", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, faults.StorageErr("sqlite: unindexed", err)
}

func (s *Store) UpsertVector(ctx context.Context, rec store.EmbeddingRecord) error {
	data, err := json.Marshal(rec.Vector)
	if err != nil {
		return fmt.Errorf("sqlite: encode vector: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_embeddings (message_id, embedding) VALUES (?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET embedding = excluded.embedding`,
		rec.MessageID, string(data))
	return faults.StorageErr("sqlite: upsert vector", err)
}

func (s *Store) Nearest(ctx context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]store.Hit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.content, e.embedding
		 FROM message_embeddings e
		 JOIN messages m ON m.id = e.message_id
		 WHERE m.conversation_id = ? AND m.id <> ?`, conversationID, excludeID)
	if err != nil {
		return nil, faults.StorageErr("sqlite: nearest", err)
	}
	defer rows.Close()

	var hits []store.Hit
	for rows.Next() {
		var (
			h   store.Hit
			raw string
		)
		if err := rows.Scan(&h.MessageID, &h.Content, &raw); err != nil {
			return nil, faults.StorageErr("sqlite: nearest", err)
		}
		var stored []float32
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.logger.Warn("sqlite: skipping corrupt embedding", "message_id", h.MessageID, "error", err)
			continue
		}
		h.Similarity = embed.Cosine(vec, stored)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageErr("sqlite: nearest", err)
	}

	store.SortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) State(ctx context.Context, conversationID string) (store.ConversationState, error) {
	st := store.ConversationState{ConversationID: conversationID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, last_consolidated_id, updated_at FROM conversation_state WHERE conversation_id = ?`,
		conversationID).Scan(&st.Summary, &st.LastConsolidatedID, &updated)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, faults.StorageErr("sqlite: state", err)
	}
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return st, nil
}

func (s *Store) UpsertState(ctx context.Context, st store.ConversationState) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_state (conversation_id, summary, last_consolidated_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
			summary = excluded.summary,
			last_consolidated_id = excluded.last_consolidated_id,
			updated_at = excluded.updated_at
		 WHERE excluded.last_consolidated_id >= conversation_state.last_consolidated_id`,
		st.ConversationID, st.Summary, st.LastConsolidatedID, s.now().UTC().UnixNano())
	if err != nil {
		return faults.StorageErr("sqlite: upsert state", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrStateRegressed
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.StorageErr("sqlite: purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return faults.StorageErr("sqlite: purge", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_state WHERE conversation_id = ?`, conversationID); err != nil {
		return faults.StorageErr("sqlite: purge", err)
	}
	return faults.StorageErr("sqlite: purge", tx.Commit())
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
