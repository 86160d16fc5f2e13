package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/store"
)

var errEmptyEmbedding = errors.New("empty embedding")

// Index embeds messages and answers similarity queries.
type Index struct {
	messages store.MessageStore
	vectors  store.VectorStore
	embedder embed.Embedder
	logger   *slog.Logger
}

// NewIndex creates an Index. vectors may be the same object as messages.
func NewIndex(messages store.MessageStore, vectors store.VectorStore, embedder embed.Embedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{messages: messages, vectors: vectors, embedder: embedder, logger: logger}
}

// Index embeds msg, stores its vector and marks it indexed. It returns the
// vector so callers can reuse it for a query. Any failure leaves the
// message unindexed and is reported as faults.PartialWrite; Reindex repairs
// it later.
func (x *Index) Index(ctx context.Context, msg store.Message) ([]float32, error) {
	vec, err := x.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return nil, faults.New(faults.PartialWrite, fmt.Sprintf("memory: embed message %d", msg.ID), err)
	}
	if embed.IsZero(vec) {
		return nil, faults.New(faults.PartialWrite, fmt.Sprintf("memory: embed message %d", msg.ID), errEmptyEmbedding)
	}
	rec := store.EmbeddingRecord{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Vector:         vec,
	}
	if err := x.vectors.UpsertVector(ctx, rec); err != nil {
		return vec, faults.New(faults.PartialWrite, fmt.Sprintf("memory: store vector %d", msg.ID), err)
	}
	if err := x.messages.MarkIndexed(ctx, msg.ID); err != nil {
		return vec, faults.New(faults.PartialWrite, fmt.Sprintf("memory: mark indexed %d", msg.ID), err)
	}
	return vec, nil
}

// Query embeds text and returns the k nearest indexed messages of the
// conversation, excluding excludeID.
func (x *Index) Query(ctx context.Context, conversationID, text string, k int, excludeID int64) ([]store.Hit, error) {
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	return x.QueryVector(ctx, conversationID, vec, k, excludeID)
}

// QueryVector is Query with a precomputed vector. A zero vector matches
// nothing.
func (x *Index) QueryVector(ctx context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]store.Hit, error) {
	if k <= 0 || embed.IsZero(vec) {
		return nil, nil
	}
	hits, err := x.vectors.Nearest(ctx, conversationID, vec, k, excludeID)
	if err != nil {
		return nil, fmt.Errorf("memory: nearest: %w", err)
	}
	return hits, nil
}

// Reindex retries up to limit unindexed messages, oldest first, and
// returns how many were repaired. Individual failures are logged and
// skipped; only a failure to list pending messages is returned.
func (x *Index) Reindex(ctx context.Context, limit int) (int, error) {
	pending, err := x.messages.Unindexed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("memory: reindex: %w", err)
	}
	repaired := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		if _, err := x.Index(ctx, msg); err != nil {
			if errors.Is(err, errEmptyEmbedding) {
				// Nothing to embed. Settle it so it stops occupying the sweep;
				// without a vector it can never be retrieved.
				if err := x.messages.MarkIndexed(ctx, msg.ID); err == nil {
					x.logger.Debug("reindex skipped empty embedding", "message_id", msg.ID, "conversation_id", msg.ConversationID)
					continue
				}
			}
			x.logger.Warn("reindex failed", "message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
			continue
		}
		repaired++
	}
	if len(pending) > 0 {
		x.logger.Info("reindex sweep", "pending", len(pending), "repaired", repaired)
	}
	return repaired, nil
}
