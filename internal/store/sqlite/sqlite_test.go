package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/szaher/recall/internal/store"
	"github.com/szaher/recall/internal/store/storetest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return setupTestStore(t) })
}

func TestCascadeDelete(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	msg, _ := s.Append(ctx, "c1", store.RoleUser, "hello")
	if err := s.UpsertVector(ctx, store.EmbeddingRecord{MessageID: msg.ID, Vector: []float32{1}}); err != nil {
		t.Fatalf("UpsertVector: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_embeddings`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("embedding outlived its message: %d rows", n)
	}
}

func TestVectorRequiresMessage(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()

	err := s.UpsertVector(context.Background(), store.EmbeddingRecord{MessageID: 999, Vector: []float32{1}})
	if err == nil {
		t.Fatal("expected foreign key violation for an orphan embedding")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, _ := s.Append(ctx, "c1", store.RoleUser, "persisted")
	_ = s.Close()

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	second, _ := s.Append(ctx, "c1", store.RoleAssistant, "after reopen")
	if second.ID <= first.ID {
		t.Errorf("id went backwards across reopen: %d then %d", first.ID, second.ID)
	}
	msgs, _ := s.Recent(ctx, "c1", 6)
	if len(msgs) != 2 || msgs[0].Content != "persisted" {
		t.Errorf("Recent after reopen = %+v", msgs)
	}
}
