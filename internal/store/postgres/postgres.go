// Package postgres implements store.Store on PostgreSQL with the pgvector
// extension. Similarity ranking runs in the database through the cosine
// distance operator <=>.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/store"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

func migrations(dims int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			indexed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unindexed ON messages (id) WHERE NOT indexed`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id BIGINT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			embedding vector(%d) NOT NULL
		)`, dims),
		`CREATE TABLE IF NOT EXISTS conversation_state (
			conversation_id VARCHAR(64) PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			last_consolidated_id BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool   *pgxpool.Pool
	dims   int
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, dims int, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, faults.StorageErr("postgres: open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, faults.StorageErr("postgres: ping", err)
	}
	s := New(pool, dims, logger)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller must run Migrate.
func New(pool *pgxpool.Pool, dims int, logger *slog.Logger) *Store {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, dims: dims, logger: logger}
}

// Migrate creates the extension and tables.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations(s.dims) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return faults.StorageErr("postgres: migrate", fmt.Errorf("statement %d: %w", i, err))
		}
	}
	return nil
}

// vectorLiteral renders vec in pgvector's text form: [0.1,0.2,...].
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func (s *Store) Append(ctx context.Context, conversationID string, role store.Role, content string) (store.Message, error) {
	msg := store.Message{ConversationID: conversationID, Role: role, Content: content}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		conversationID, string(role), content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return store.Message{}, faults.StorageErr("postgres: append", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

const messageColumns = `id, conversation_id, role, content, created_at, indexed`

func collectMessages(rows pgx.Rows) ([]store.Message, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var (
			m    store.Message
			role string
		)
		err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt, &m.Indexed)
		m.Role = store.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
}

func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		 ) newest ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, faults.StorageErr("postgres: recent", err)
	}
	msgs, err := collectMessages(rows)
	return msgs, faults.StorageErr("postgres: recent", err)
}

func (s *Store) After(ctx context.Context, conversationID string, afterID int64) ([]store.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND id > $2
		 ORDER BY id ASC`, conversationID, afterID)
	if err != nil {
		return nil, faults.StorageErr("postgres: after", err)
	}
	msgs, err := collectMessages(rows)
	return msgs, faults.StorageErr("postgres: after", err)
}

func (s *Store) CountAfter(ctx context.Context, conversationID string, afterID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND id > $2`,
		conversationID, afterID).Scan(&n)
	return n, faults.StorageErr("postgres: count after", err)
}

func (s *Store) MarkIndexed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET indexed = TRUE WHERE id = $1`, id)
	if err != nil {
		return faults.StorageErr("postgres: mark indexed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark indexed %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Unindexed(ctx context.Context, limit int) ([]store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE NOT indexed ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.StorageErr("postgres: unindexed", err)
	}
	msgs, err := collectMessages(rows)
	return msgs, faults.StorageErr("postgres: unindexed", err)
}

func (s *Store) UpsertVector(ctx context.Context, rec store.EmbeddingRecord) error {
	if len(rec.Vector) != s.dims {
		return fmt.Errorf("postgres: upsert vector: got %d dimensions, schema has %d", len(rec.Vector), s.dims)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_embeddings (message_id, embedding) VALUES ($1, $2::vector)
		 ON CONFLICT (message_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		rec.MessageID, vectorLiteral(rec.Vector))
	return faults.StorageErr("postgres: upsert vector", err)
}

func (s *Store) Nearest(ctx context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]store.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.content, 1 - (e.embedding <=> $2::vector) AS similarity
		 FROM message_embeddings e
		 JOIN messages m ON m.id = e.message_id
		 WHERE m.conversation_id = $1 AND m.id <> $3
		 ORDER BY e.embedding <=> $2::vector, m.id
		 LIMIT $4`, conversationID, vectorLiteral(vec), excludeID, k)
	if err != nil {
		return nil, faults.StorageErr("postgres: nearest", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Hit, error) {
		var h store.Hit
		err := row.Scan(&h.MessageID, &h.Content, &h.Similarity)
		return h, err
	})
	if err != nil {
		return nil, faults.StorageErr("postgres: nearest", err)
	}
	// Equal distances computed in float8 can differ in the last bit; re-sort
	// so ties always fall back to id order.
	store.SortHits(hits)
	return hits, nil
}

func (s *Store) State(ctx context.Context, conversationID string) (store.ConversationState, error) {
	st := store.ConversationState{ConversationID: conversationID}
	err := s.pool.QueryRow(ctx,
		`SELECT summary, last_consolidated_id, updated_at FROM conversation_state WHERE conversation_id = $1`,
		conversationID).Scan(&st.Summary, &st.LastConsolidatedID, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, faults.StorageErr("postgres: state", err)
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func (s *Store) UpsertState(ctx context.Context, st store.ConversationState) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_state (conversation_id, summary, last_consolidated_id, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (conversation_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			last_consolidated_id = EXCLUDED.last_consolidated_id,
			updated_at = EXCLUDED.updated_at
		 WHERE EXCLUDED.last_consolidated_id >= conversation_state.last_consolidated_id`,
		st.ConversationID, st.Summary, st.LastConsolidatedID)
	if err != nil {
		return faults.StorageErr("postgres: upsert state", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrStateRegressed
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, conversationID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM conversation_state WHERE conversation_id = $1`, conversationID)
		return err
	})
	return faults.StorageErr("postgres: purge", err)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
