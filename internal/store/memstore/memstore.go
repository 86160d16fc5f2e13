// Package memstore is an in-process Store used by tests and single-node
// development setups.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/store"
)

// Store keeps every table in maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]store.Message
	byConv   map[string][]int64
	vectors  map[int64]store.EmbeddingRecord
	states   map[string]store.ConversationState
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		messages: make(map[int64]store.Message),
		byConv:   make(map[string][]int64),
		vectors:  make(map[int64]store.EmbeddingRecord),
		states:   make(map[string]store.ConversationState),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Append(_ context.Context, conversationID string, role store.Role, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := store.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	s.messages[msg.ID] = msg
	s.byConv[conversationID] = append(s.byConv[conversationID], msg.ID)
	return msg, nil
}

// ordered returns a conversation's messages sorted by (CreatedAt, ID).
// Callers hold s.mu.
func (s *Store) ordered(conversationID string) []store.Message {
	ids := s.byConv[conversationID]
	out := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Recent(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.ordered(conversationID)
	if limit <= 0 {
		return nil, nil
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *Store) After(_ context.Context, conversationID string, afterID int64) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Message
	for _, id := range s.byConv[conversationID] {
		if id > afterID {
			out = append(out, s.messages[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountAfter(_ context.Context, conversationID string, afterID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range s.byConv[conversationID] {
		if id > afterID {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkIndexed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("memstore: mark indexed %d: %w", id, store.ErrNotFound)
	}
	msg.Indexed = true
	s.messages[id] = msg
	return nil
}

func (s *Store) Unindexed(_ context.Context, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Message
	for _, msg := range s.messages {
		if !msg.Indexed {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertVector(_ context.Context, rec store.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[rec.MessageID]; !ok {
		return fmt.Errorf("memstore: upsert vector %d: %w", rec.MessageID, store.ErrNotFound)
	}
	rec.Vector = append([]float32(nil), rec.Vector...)
	s.vectors[rec.MessageID] = rec
	return nil
}

func (s *Store) Nearest(_ context.Context, conversationID string, vec []float32, k int, excludeID int64) ([]store.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []store.Hit
	for _, id := range s.byConv[conversationID] {
		if id == excludeID {
			continue
		}
		rec, ok := s.vectors[id]
		if !ok {
			continue
		}
		hits = append(hits, store.Hit{
			MessageID:  id,
			Content:    s.messages[id].Content,
			Similarity: embed.Cosine(vec, rec.Vector),
		})
	}
	store.SortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) State(_ context.Context, conversationID string) (store.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.states[conversationID]; ok {
		return st, nil
	}
	return store.ConversationState{ConversationID: conversationID}, nil
}

func (s *Store) UpsertState(_ context.Context, st store.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.states[st.ConversationID]; ok && st.LastConsolidatedID < cur.LastConsolidatedID {
		return store.ErrStateRegressed
	}
	st.UpdatedAt = s.now().UTC()
	s.states[st.ConversationID] = st
	return nil
}

func (s *Store) Purge(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byConv[conversationID] {
		delete(s.messages, id)
		delete(s.vectors, id)
	}
	delete(s.byConv, conversationID)
	delete(s.states, conversationID)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
