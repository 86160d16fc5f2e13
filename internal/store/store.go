// Package store defines the persisted shapes of conversation memory and the
// interfaces its backends implement.
//
// Three logical tables back every implementation: messages (append-only),
// message_embeddings (one row per message, removed with it) and
// conversation_state (one row per conversation, upserted).
package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Message is one immutable conversation turn. Messages are ordered by
// (CreatedAt, ID).
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	// Indexed is false until the message's embedding has been persisted.
	Indexed bool `json:"indexed"`
}

// EmbeddingRecord is the vector of one message.
type EmbeddingRecord struct {
	MessageID      int64
	ConversationID string
	Content        string
	Vector         []float32
}

// ConversationState is the rolling summary of a conversation.
// LastConsolidatedID is 0 until the first consolidation and never decreases.
type ConversationState struct {
	ConversationID     string    `json:"conversation_id"`
	Summary            string    `json:"summary"`
	LastConsolidatedID int64     `json:"last_consolidated_id"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Hit is one similarity search result.
type Hit struct {
	MessageID  int64   `json:"message_id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

var (
	// ErrStateRegressed is returned by UpsertState when the write would lower
	// LastConsolidatedID.
	ErrStateRegressed = errors.New("store: last consolidated id would decrease")
	// ErrNotFound is returned when a referenced message does not exist.
	ErrNotFound = errors.New("store: not found")
)

// MessageStore is the append-only conversation log.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, role Role, content string) (Message, error)
	// Recent returns the newest limit messages, oldest first.
	Recent(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// After returns messages with ID > afterID in ascending ID order.
	After(ctx context.Context, conversationID string, afterID int64) ([]Message, error)
	CountAfter(ctx context.Context, conversationID string, afterID int64) (int, error)
	MarkIndexed(ctx context.Context, id int64) error
	// Unindexed returns up to limit messages, across conversations, whose
	// embedding was never persisted.
	Unindexed(ctx context.Context, limit int) ([]Message, error)
}

// VectorStore persists message embeddings and answers nearest-neighbour
// queries within one conversation.
type VectorStore interface {
	UpsertVector(ctx context.Context, rec EmbeddingRecord) error
	// Nearest returns up to k hits ordered by descending similarity, ties by
	// ascending message id. excludeID is never returned.
	Nearest(ctx context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]Hit, error)
}

// StateStore holds one ConversationState per conversation.
type StateStore interface {
	// State returns the stored state, or a zero state carrying only the
	// conversation id when none exists.
	State(ctx context.Context, conversationID string) (ConversationState, error)
	// UpsertState writes st atomically. It fails with ErrStateRegressed when
	// st.LastConsolidatedID is lower than the stored value.
	UpsertState(ctx context.Context, st ConversationState) error
}

// Purger removes every trace of a conversation.
type Purger interface {
	Purge(ctx context.Context, conversationID string) error
}

// Store is a backend providing all three tables.
type Store interface {
	MessageStore
	VectorStore
	StateStore
	Purger
	Close() error
}

// SortHits orders hits by descending similarity, then ascending id. NaN
// similarities sort last.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		ni, nj := math.IsNaN(hits[i].Similarity), math.IsNaN(hits[j].Similarity)
		if ni != nj {
			return nj
		}
		if !ni && hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].MessageID < hits[j].MessageID
	})
}
