package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/szaher/recall/internal/store"
	"github.com/szaher/recall/internal/store/storetest"
)

// Tests need a pgvector-enabled database, e.g.
//
//	docker run -e POSTGRES_PASSWORD=pw -p 5432:5432 pgvector/pgvector:pg16
//	RECALL_TEST_POSTGRES_DSN=postgres://postgres:pw@localhost:5432/postgres go test ./internal/store/postgres
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RECALL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECALL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 3, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE messages, message_embeddings, conversation_state RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return setupTestStore(t) })
}

func TestUpsertVectorRejectsWrongDimensions(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	msg, err := s.Append(ctx, "c1", store.RoleUser, "hi")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.UpsertVector(ctx, store.EmbeddingRecord{MessageID: msg.ID, Vector: []float32{1, 0}}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestVectorLiteral(t *testing.T) {
	tests := []struct {
		in   []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{1}, "[1]"},
		{[]float32{0.5, -0.25, 0}, "[0.5,-0.25,0]"},
	}
	for _, tt := range tests {
		if got := vectorLiteral(tt.in); got != tt.want {
			t.Errorf("vectorLiteral(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
