package store

import (
	"math"
	"testing"
)

func TestSortHits(t *testing.T) {
	hits := []Hit{
		{MessageID: 4, Similarity: math.NaN()},
		{MessageID: 3, Similarity: 0.5},
		{MessageID: 1, Similarity: math.NaN()},
		{MessageID: 2, Similarity: 0.9},
		{MessageID: 5, Similarity: 0.5},
	}
	SortHits(hits)

	want := []int64{2, 3, 5, 1, 4}
	for i, h := range hits {
		if h.MessageID != want[i] {
			t.Fatalf("order = %+v, want ids %v", hits, want)
		}
	}
}
