package memory

import (
	"context"
	"fmt"

	"github.com/szaher/recall/internal/store"
)

// Recency reads the newest messages of a conversation.
type Recency struct {
	messages store.MessageStore
	size     int
}

// NewRecency creates a window of size messages (DefaultRecencyWindow if
// size <= 0).
func NewRecency(messages store.MessageStore, size int) *Recency {
	if size <= 0 {
		size = DefaultRecencyWindow
	}
	return &Recency{messages: messages, size: size}
}

// Fetch returns up to limit messages, oldest first. limit <= 0 uses the
// window size.
func (r *Recency) Fetch(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = r.size
	}
	msgs, err := r.messages.Recent(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent: %w", err)
	}
	return msgs, nil
}
