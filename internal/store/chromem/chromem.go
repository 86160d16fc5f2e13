// Package chromem implements store.VectorStore on chromem-go, an embedded
// vector database. Message rows and conversation state stay in a relational
// backend; only embeddings live here.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/store"
)

const (
	collectionName = "message_embeddings"

	metaConversation = "conversation_id"
	metaMessage      = "message_id"
)

// VectorStore keeps one chromem collection for all conversations and
// scopes queries with a metadata filter.
type VectorStore struct {
	db  *chromem.DB
	col *chromem.Collection
}

var (
	_ store.VectorStore = (*VectorStore)(nil)
	_ store.Purger      = (*VectorStore)(nil)
)

// errNoEmbedFunc is returned if chromem is ever asked to embed text itself.
// Every document arrives with its vector.
var errNoEmbedFunc = errors.New("chromem: documents must carry precomputed embeddings")

func noEmbed(context.Context, string) ([]float32, error) { return nil, errNoEmbedFunc }

// New returns an in-memory vector store.
func New() (*VectorStore, error) {
	return open(chromem.NewDB())
}

// Open returns a vector store persisted as gob files under dir.
func Open(dir string, compress bool) (*VectorStore, error) {
	db, err := chromem.NewPersistentDB(dir, compress)
	if err != nil {
		return nil, faults.StorageErr("chromem: open", err)
	}
	return open(db)
}

func open(db *chromem.DB) (*VectorStore, error) {
	col, err := db.GetOrCreateCollection(collectionName, nil, noEmbed)
	if err != nil {
		return nil, faults.StorageErr("chromem: collection", err)
	}
	return &VectorStore{db: db, col: col}, nil
}

// UpsertVector replaces any previous document for the same message.
func (v *VectorStore) UpsertVector(ctx context.Context, rec store.EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return fmt.Errorf("chromem: upsert vector: message %d has no embedding", rec.MessageID)
	}
	id := strconv.FormatInt(rec.MessageID, 10)
	err := v.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Vector...),
		Metadata: map[string]string{
			metaConversation: rec.ConversationID,
			metaMessage:      id,
		},
	})
	return faults.StorageErr("chromem: upsert vector", err)
}

// Nearest ranks every document of the conversation. chromem's heap
// selection does not break similarity ties deterministically, so the whole
// filtered set is fetched and ordered with store.SortHits.
func (v *VectorStore) Nearest(ctx context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]store.Hit, error) {
	n := v.col.Count()
	if k <= 0 || n == 0 {
		return nil, nil
	}
	results, err := v.col.QueryEmbedding(ctx, vec, n, map[string]string{metaConversation: conversationID}, nil)
	if err != nil {
		return nil, faults.StorageErr("chromem: nearest", err)
	}

	hits := make([]store.Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil || id == excludeID {
			continue
		}
		hits = append(hits, store.Hit{MessageID: id, Content: r.Content, Similarity: float64(r.Similarity)})
	}
	store.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Purge drops every embedding of the conversation.
func (v *VectorStore) Purge(ctx context.Context, conversationID string) error {
	err := v.col.Delete(ctx, map[string]string{metaConversation: conversationID}, nil)
	return faults.StorageErr("chromem: purge", err)
}

// Count reports the number of stored embeddings.
func (v *VectorStore) Count() int { return v.col.Count() }
