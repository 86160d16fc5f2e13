package memory

import (
	"context"

	"github.com/szaher/recall/internal/store"
)

// Retriever returns semantically related past messages with duplicate
// content removed.
type Retriever struct {
	index *Index
}

// NewRetriever creates a Retriever over index.
func NewRetriever(index *Index) *Retriever {
	return &Retriever{index: index}
}

// Retrieve embeds text once and returns up to k distinct hits.
func (r *Retriever) Retrieve(ctx context.Context, conversationID, text string, k int, excludeID int64) ([]store.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := r.index.Query(ctx, conversationID, text, 2*k, excludeID)
	if err != nil {
		return nil, err
	}
	return dedupe(hits, k), nil
}

// RetrieveVector is Retrieve for a vector the caller already computed,
// typically while indexing the same message.
func (r *Retriever) RetrieveVector(ctx context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]store.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := r.index.QueryVector(ctx, conversationID, vec, 2*k, excludeID)
	if err != nil {
		return nil, err
	}
	return dedupe(hits, k), nil
}

// dedupe keeps the first hit for each distinct content and at most k hits.
func dedupe(hits []store.Hit, k int) []store.Hit {
	seen := make(map[string]struct{}, len(hits))
	out := make([]store.Hit, 0, min(k, len(hits)))
	for _, h := range hits {
		if _, ok := seen[h.Content]; ok {
			continue
		}
		seen[h.Content] = struct{}{}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	return out
}
