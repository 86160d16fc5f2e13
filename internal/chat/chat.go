// Package chat runs one conversation turn end to end: it records the user
// message, refreshes the rolling summary, assembles memory context, drives
// the response loop and records the reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/loop"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/store"
	"github.com/szaher/recall/internal/telemetry"
)

// ApologyText is shown to the user when no reply could be produced. It is
// never stored as an assistant message.
const ApologyText = "Sorry, I'm having trouble answering right now. Please try again in a moment."

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("chat: empty message")

// Responder produces a reply for an assembled turn.
type Responder interface {
	Run(ctx context.Context, turn loop.Turn) (*loop.Result, error)
}

// Reply is the outcome of a turn.
type Reply struct {
	ConversationID string                `json:"conversation_id"`
	Text           string                `json:"reply"`
	Summary        string                `json:"summary,omitempty"`
	Iterations     int                   `json:"iterations"`
	Forced         bool                  `json:"forced,omitempty"`
	ToolCalls      []loop.ToolCallRecord `json:"tool_calls,omitempty"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store        store.Store
	Index        *memory.Index
	Consolidator *memory.Consolidator
	Responder    Responder
	Locker       *session.Locker
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
	// Purgers are cleared alongside Store on Purge, e.g. an external
	// vector collection.
	Purgers []store.Purger
}

// Service handles conversation turns. It is safe for concurrent use; turns
// of the same conversation run one at a time.
type Service struct {
	store        store.Store
	index        *memory.Index
	retriever    *memory.Retriever
	consolidator *memory.Consolidator
	responder    Responder
	locker       *session.Locker
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	purgers      []store.Purger
	tuning       atomic.Pointer[memory.Tuning]
}

// NewService creates a Service with the given tuning.
func NewService(deps Deps, tuning memory.Tuning) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = session.NewLocker()
	}
	s := &Service{
		store:        deps.Store,
		index:        deps.Index,
		retriever:    memory.NewRetriever(deps.Index),
		consolidator: deps.Consolidator,
		responder:    deps.Responder,
		locker:       deps.Locker,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		purgers:      append([]store.Purger{deps.Store}, deps.Purgers...),
	}
	s.SetTuning(tuning)
	return s
}

// Tuning returns the memory tunables in effect.
func (s *Service) Tuning() memory.Tuning { return *s.tuning.Load() }

// SetTuning swaps the memory tunables. Turns already running keep the
// values they started with.
func (s *Service) SetTuning(t memory.Tuning) {
	t = t.WithDefaults()
	s.tuning.Store(&t)
	if s.consolidator != nil {
		s.consolidator.SetThreshold(t.ConsolidationThreshold)
	}
}

// turnKey keeps turn serialization apart from the consolidator, which locks
// the bare conversation id on the same Locker.
func turnKey(conversationID string) string { return "turn/" + conversationID }

// Turn answers userText in conversation conversationID.
//
// Storage and model failures are returned. A failed consolidation leaves the
// previous summary in place, a failed retrieval drops the semantic section,
// and a failed embedding leaves the message stored but unindexed.
func (s *Service) Turn(ctx context.Context, conversationID, userText string) (*Reply, error) {
	start := time.Now()
	reply, usage, err := s.turn(ctx, conversationID, userText)
	status := "ok"
	switch {
	case err == nil:
	case faults.Is(err, faults.Storage):
		status = "storage_error"
	case faults.Is(err, faults.Service), faults.Is(err, faults.ServiceTimeout):
		status = "model_error"
	default:
		status = "error"
	}
	iterations := 0
	if reply != nil {
		iterations = reply.Iterations
	}
	s.metrics.RecordTurn(status, time.Since(start), iterations, usage.inputTokens, usage.outputTokens)
	return reply, err
}

type turnUsage struct {
	inputTokens, outputTokens int
}

func (s *Service) turn(ctx context.Context, conversationID, userText string) (*Reply, turnUsage, error) {
	var usage turnUsage
	if err := session.ValidateID(conversationID); err != nil {
		return nil, usage, err
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, usage, ErrEmptyMessage
	}
	logger := telemetry.RequestLogger(s.logger, ctx, conversationID)
	tuning := s.Tuning()

	unlock, err := s.locker.Lock(ctx, turnKey(conversationID))
	if err != nil {
		return nil, usage, fmt.Errorf("chat: turn: %w", err)
	}
	defer unlock()

	userMsg, err := s.store.Append(ctx, conversationID, store.RoleUser, userText)
	if err != nil {
		return nil, usage, fmt.Errorf("chat: record user message: %w", err)
	}
	queryVec := s.indexMessage(ctx, logger, userMsg)

	outcome, err := s.consolidator.MaybeConsolidate(ctx, conversationID)
	if err != nil {
		if faults.Is(err, faults.Storage) {
			return nil, usage, err
		}
		logger.Warn("consolidation skipped", "error", err)
		outcome = memory.OutcomeFailed
	}
	s.metrics.RecordConsolidation(string(outcome))

	summary, err := s.consolidator.CurrentSummary(ctx, conversationID)
	if err != nil {
		return nil, usage, err
	}
	recent, err := s.store.Recent(ctx, conversationID, tuning.RecencyWindow)
	if err != nil {
		return nil, usage, fmt.Errorf("chat: recent: %w", err)
	}
	semantic := s.retrieve(ctx, logger, conversationID, userMsg, queryVec, tuning.SemanticTopK)

	res, err := s.responder.Run(ctx, loop.Turn{
		Context:  memory.BuildContext(summary, recent, semantic),
		UserText: userText,
	})
	if err != nil {
		logger.Error("response loop failed", "kind", faults.KindOf(err), "error", err)
		return nil, usage, err
	}
	usage = turnUsage{inputTokens: res.Usage.InputTokens, outputTokens: res.Usage.OutputTokens}

	assistantMsg, err := s.store.Append(ctx, conversationID, store.RoleAssistant, res.Reply)
	if err != nil {
		return nil, usage, fmt.Errorf("chat: record reply: %w", err)
	}
	s.indexMessage(ctx, logger, assistantMsg)

	logger.Info("turn completed",
		"iterations", res.Iterations,
		"tool_calls", len(res.ToolCalls),
		"forced", res.Forced,
		"consolidation", outcome,
		"semantic_hits", len(semantic))

	return &Reply{
		ConversationID: conversationID,
		Text:           res.Reply,
		Summary:        summary,
		Iterations:     res.Iterations,
		Forced:         res.Forced,
		ToolCalls:      res.ToolCalls,
	}, usage, nil
}

// indexMessage embeds msg. A failure leaves msg unindexed for the next
// sweep and returns nil.
func (s *Service) indexMessage(ctx context.Context, logger *slog.Logger, msg store.Message) []float32 {
	vec, err := s.index.Index(ctx, msg)
	if err != nil {
		s.metrics.RecordUnindexed()
		logger.Warn("message stored without embedding",
			"message_id", msg.ID,
			"kind", faults.KindOf(err),
			"error", err)
		return nil
	}
	return vec
}

func (s *Service) retrieve(ctx context.Context, logger *slog.Logger, conversationID string, msg store.Message, vec []float32, k int) []store.Hit {
	if k <= 0 {
		return nil
	}
	var (
		hits []store.Hit
		err  error
	)
	if vec != nil {
		hits, err = s.retriever.RetrieveVector(ctx, conversationID, vec, k, msg.ID)
	} else {
		hits, err = s.retriever.Retrieve(ctx, conversationID, msg.Content, k, msg.ID)
	}
	if err != nil {
		logger.Warn("semantic retrieval failed, continuing without it", "kind", faults.KindOf(err), "error", err)
		return nil
	}
	return hits
}

// Summary returns the conversation's rolling summary.
func (s *Service) Summary(ctx context.Context, conversationID string) (string, error) {
	if err := session.ValidateID(conversationID); err != nil {
		return "", err
	}
	return s.consolidator.CurrentSummary(ctx, conversationID)
}

// History returns up to limit of the newest messages, oldest first.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if err := session.ValidateID(conversationID); err != nil {
		return nil, err
	}
	return memory.NewRecency(s.store, s.Tuning().RecencyWindow).Fetch(ctx, conversationID, limit)
}

// Purge deletes a conversation's messages, embeddings and summary.
func (s *Service) Purge(ctx context.Context, conversationID string) error {
	if err := session.ValidateID(conversationID); err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, turnKey(conversationID))
	if err != nil {
		return fmt.Errorf("chat: purge: %w", err)
	}
	defer unlock()

	for _, p := range s.purgers {
		if err := p.Purge(ctx, conversationID); err != nil {
			return fmt.Errorf("chat: purge: %w", err)
		}
	}
	s.logger.Info("conversation purged", "conversation_id", conversationID)
	return nil
}

// Reindex embeds up to limit messages that were stored without one.
func (s *Service) Reindex(ctx context.Context, limit int) (int, error) {
	n, err := s.index.Reindex(ctx, limit)
	s.metrics.RecordReindexed(n)
	return n, err
}
