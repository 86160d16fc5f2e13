// Package storetest holds a conformance suite run against every store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/szaher/recall/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendMonotonic", func(t *testing.T) { testAppendMonotonic(t, newStore(t)) })
	t.Run("RecentWindow", func(t *testing.T) { testRecentWindow(t, newStore(t)) })
	t.Run("AfterAndCount", func(t *testing.T) { testAfterAndCount(t, newStore(t)) })
	t.Run("IndexedFlag", func(t *testing.T) { testIndexedFlag(t, newStore(t)) })
	t.Run("Nearest", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		RunVectors(t, s, func(ctx context.Context, cid, content string) int64 {
			msg, err := s.Append(ctx, cid, store.RoleUser, content)
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			return msg.ID
		})
	})
	t.Run("StateMonotonic", func(t *testing.T) { testStateMonotonic(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
}

func testAppendMonotonic(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	var last int64
	for i := range 6 {
		cid := "a"
		if i%2 == 1 {
			cid = "b"
		}
		msg, err := s.Append(ctx, cid, store.RoleUser, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if msg.ID <= last {
			t.Fatalf("id %d not greater than previous %d", msg.ID, last)
		}
		if msg.ConversationID != cid || msg.Content != fmt.Sprintf("m%d", i) || msg.CreatedAt.IsZero() {
			t.Errorf("unexpected message: %+v", msg)
		}
		last = msg.ID
	}
}

func testRecentWindow(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	for i := range 8 {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		if _, err := s.Append(ctx, "c1", role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Append(ctx, "other", store.RoleUser, "noise"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for _, limit := range []int{1, 6, 8, 20} {
		got, err := s.Recent(ctx, "c1", limit)
		if err != nil {
			t.Fatalf("Recent(%d): %v", limit, err)
		}
		want := min(limit, 8)
		if len(got) != want {
			t.Fatalf("Recent(%d) returned %d, want %d", limit, len(got), want)
		}
		for i := 1; i < len(got); i++ {
			prev, cur := got[i-1], got[i]
			if cur.CreatedAt.Before(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID <= prev.ID) {
				t.Fatalf("Recent(%d) not strictly increasing at %d", limit, i)
			}
		}
		if got[len(got)-1].Content != "turn 7" {
			t.Errorf("Recent(%d) newest = %q", limit, got[len(got)-1].Content)
		}
		if got[0].Content != fmt.Sprintf("turn %d", 8-want) {
			t.Errorf("Recent(%d) oldest = %q", limit, got[0].Content)
		}
	}

	empty, err := s.Recent(ctx, "missing", 6)
	if err != nil || len(empty) != 0 {
		t.Errorf("Recent on unknown conversation = (%v, %v)", empty, err)
	}
}

func testAfterAndCount(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	var ids []int64
	for i := range 5 {
		msg, err := s.Append(ctx, "c1", store.RoleUser, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	all, err := s.After(ctx, "c1", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("After(0) = %d, %v", len(all), err)
	}
	tail, err := s.After(ctx, "c1", ids[2])
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != ids[3] || tail[1].ID != ids[4] {
		t.Errorf("After(ids[2]) = %+v", tail)
	}

	n, err := s.CountAfter(ctx, "c1", ids[1])
	if err != nil || n != 3 {
		t.Errorf("CountAfter = %d, %v; want 3", n, err)
	}
	n, _ = s.CountAfter(ctx, "c2", 0)
	if n != 0 {
		t.Errorf("CountAfter on empty conversation = %d", n)
	}
}

func testIndexedFlag(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	a, _ := s.Append(ctx, "c1", store.RoleUser, "a")
	b, _ := s.Append(ctx, "c2", store.RoleUser, "b")
	if a.Indexed || b.Indexed {
		t.Fatal("new messages must start unindexed")
	}

	if err := s.MarkIndexed(ctx, a.ID); err != nil {
		t.Fatalf("MarkIndexed: %v", err)
	}
	pending, err := s.Unindexed(ctx, 10)
	if err != nil {
		t.Fatalf("Unindexed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("Unindexed = %+v, want only %d", pending, b.ID)
	}

	recent, _ := s.Recent(ctx, "c1", 1)
	if len(recent) != 1 || !recent[0].Indexed {
		t.Errorf("Recent should report the indexed flag: %+v", recent)
	}
}

// RunVectors exercises a VectorStore. appendMsg must create the message row
// (or an id for vector-only backends) and return its id.
func RunVectors(t *testing.T, vs store.VectorStore, appendMsg func(ctx context.Context, cid, content string) int64) {
	ctx := context.Background()

	put := func(cid, content string, vec []float32) int64 {
		id := appendMsg(ctx, cid, content)
		if err := vs.UpsertVector(ctx, store.EmbeddingRecord{
			MessageID: id, ConversationID: cid, Content: content, Vector: vec,
		}); err != nil {
			t.Fatalf("UpsertVector: %v", err)
		}
		return id
	}

	exact := put("c1", "exact", []float32{1, 0, 0})
	tieA := put("c1", "tie a", []float32{0.6, 0.8, 0})
	tieB := put("c1", "tie b", []float32{0.6, 0.8, 0})
	far := put("c1", "far", []float32{0, 0, 1})
	put("c2", "other conversation", []float32{1, 0, 0})

	hits, err := vs.Nearest(ctx, "c1", []float32{1, 0, 0}, 10, 0)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(hits) != 4 {
		t.Fatalf("Nearest returned %d hits, want 4 (scoped to c1): %+v", len(hits), hits)
	}
	wantOrder := []int64{exact, tieA, tieB, far}
	for i, id := range wantOrder {
		if hits[i].MessageID != id {
			t.Fatalf("hit %d = %d, want %d (all: %+v)", i, hits[i].MessageID, id, hits)
		}
	}
	if hits[0].Similarity < 0.999 || hits[0].Content != "exact" {
		t.Errorf("top hit = %+v", hits[0])
	}

	hits, err = vs.Nearest(ctx, "c1", []float32{1, 0, 0}, 2, exact)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(hits) != 2 || hits[0].MessageID != tieA || hits[1].MessageID != tieB {
		t.Errorf("Nearest excluding %d = %+v", exact, hits)
	}

	// Upsert is idempotent: re-indexing keeps a single record.
	if err := vs.UpsertVector(ctx, store.EmbeddingRecord{MessageID: far, ConversationID: "c1", Content: "far", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("re-UpsertVector: %v", err)
	}
	hits, _ = vs.Nearest(ctx, "c1", []float32{1, 0, 0}, 10, 0)
	if len(hits) != 4 {
		t.Errorf("re-upsert changed cardinality: %+v", hits)
	}

	none, err := vs.Nearest(ctx, "empty", []float32{1, 0, 0}, 5, 0)
	if err != nil || len(none) != 0 {
		t.Errorf("Nearest on empty conversation = (%v, %v)", none, err)
	}
}

func testStateMonotonic(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	st, err := s.State(ctx, "c1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.ConversationID != "c1" || st.Summary != "" || st.LastConsolidatedID != 0 {
		t.Errorf("zero state = %+v", st)
	}

	if err := s.UpsertState(ctx, store.ConversationState{ConversationID: "c1", Summary: "v1", LastConsolidatedID: 6}); err != nil {
		t.Fatalf("UpsertState: %v", err)
	}
	if err := s.UpsertState(ctx, store.ConversationState{ConversationID: "c1", Summary: "v2", LastConsolidatedID: 12}); err != nil {
		t.Fatalf("UpsertState: %v", err)
	}
	err = s.UpsertState(ctx, store.ConversationState{ConversationID: "c1", Summary: "stale", LastConsolidatedID: 6})
	if !errors.Is(err, store.ErrStateRegressed) {
		t.Fatalf("regressing upsert returned %v, want ErrStateRegressed", err)
	}

	st, _ = s.State(ctx, "c1")
	if st.Summary != "v2" || st.LastConsolidatedID != 12 {
		t.Errorf("state after rejected write = %+v", st)
	}
}

func testPurge(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	msg, _ := s.Append(ctx, "c1", store.RoleUser, "bye")
	_ = s.UpsertVector(ctx, store.EmbeddingRecord{MessageID: msg.ID, ConversationID: "c1", Content: "bye", Vector: []float32{1, 0, 0}})
	_ = s.UpsertState(ctx, store.ConversationState{ConversationID: "c1", Summary: "s", LastConsolidatedID: msg.ID})
	keep, _ := s.Append(ctx, "c2", store.RoleUser, "stay")

	if err := s.Purge(ctx, "c1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if msgs, _ := s.Recent(ctx, "c1", 10); len(msgs) != 0 {
		t.Errorf("messages survived purge: %+v", msgs)
	}
	if hits, _ := s.Nearest(ctx, "c1", []float32{1, 0, 0}, 5, 0); len(hits) != 0 {
		t.Errorf("embeddings survived purge: %+v", hits)
	}
	if st, _ := s.State(ctx, "c1"); st.LastConsolidatedID != 0 {
		t.Errorf("state survived purge: %+v", st)
	}
	if msgs, _ := s.Recent(ctx, "c2", 10); len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Errorf("purge touched another conversation: %+v", msgs)
	}
}
