package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/szaher/recall/internal/store"
	"github.com/szaher/recall/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestRecentOrdersByCreatedAtThenID(t *testing.T) {
	// Identical timestamps fall back to id order; an earlier timestamp wins
	// over a lower id.
	times := []time.Time{
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	i := 0
	s := New(WithClock(func() time.Time { t := times[i]; i++; return t }))
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, "c1", store.RoleUser, c); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, _ := s.Recent(ctx, "c1", 3)
	order := ""
	for _, m := range got {
		order += m.Content
	}
	if order != "cab" {
		t.Errorf("order = %q, want %q", order, "cab")
	}
}
