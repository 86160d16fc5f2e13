package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/store"
)

// Outcome reports what MaybeConsolidate did.
type Outcome string

const (
	// OutcomeIdle means fewer than threshold messages were pending.
	OutcomeIdle Outcome = "idle"
	// OutcomeConsolidated means the summary was rewritten and the
	// watermark advanced.
	OutcomeConsolidated Outcome = "consolidated"
	// OutcomeFailed means the summarizer failed and the state is unchanged.
	OutcomeFailed Outcome = "failed"
)

// Summarizer folds new messages into an existing summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, msgs []store.Message) (string, error)
}

// Consolidator keeps a rolling summary per conversation.
type Consolidator struct {
	messages   store.MessageStore
	states     store.StateStore
	summarizer Summarizer
	locker     *session.Locker
	logger     *slog.Logger
	threshold  atomic.Int64
}

// NewConsolidator creates a Consolidator. threshold <= 0 uses
// DefaultConsolidationThreshold. locker may be shared with other components
// that serialize per conversation.
func NewConsolidator(messages store.MessageStore, states store.StateStore, summarizer Summarizer, locker *session.Locker, threshold int, logger *slog.Logger) *Consolidator {
	if locker == nil {
		locker = session.NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consolidator{
		messages:   messages,
		states:     states,
		summarizer: summarizer,
		locker:     locker,
		logger:     logger,
	}
	c.SetThreshold(threshold)
	return c
}

// SetThreshold changes the eligibility threshold for subsequent calls.
func (c *Consolidator) SetThreshold(n int) {
	if n <= 0 {
		n = DefaultConsolidationThreshold
	}
	c.threshold.Store(int64(n))
}

// Threshold returns the current eligibility threshold.
func (c *Consolidator) Threshold() int { return int(c.threshold.Load()) }

// MaybeConsolidate summarizes the conversation when at least threshold
// messages arrived after the last consolidation. Summarizer failures are
// logged and reported as OutcomeFailed with a nil error; storage failures
// are returned.
func (c *Consolidator) MaybeConsolidate(ctx context.Context, conversationID string) (Outcome, error) {
	unlock, err := c.locker.Lock(ctx, conversationID)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("memory: consolidate: %w", err)
	}
	defer unlock()

	st, err := c.states.State(ctx, conversationID)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("memory: consolidate: %w", err)
	}
	pending, err := c.messages.CountAfter(ctx, conversationID, st.LastConsolidatedID)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("memory: consolidate: %w", err)
	}
	if pending < c.Threshold() {
		return OutcomeIdle, nil
	}

	msgs, err := c.messages.After(ctx, conversationID, st.LastConsolidatedID)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("memory: consolidate: %w", err)
	}
	if len(msgs) == 0 {
		return OutcomeIdle, nil
	}

	summary, err := c.summarizer.Summarize(ctx, st.Summary, msgs)
	if err != nil {
		c.logger.Warn("consolidation failed, keeping previous summary",
			"conversation_id", conversationID,
			"pending", len(msgs),
			"kind", faults.KindOf(err),
			"error", err)
		return OutcomeFailed, nil
	}

	next := store.ConversationState{
		ConversationID:     conversationID,
		Summary:            summary,
		LastConsolidatedID: msgs[len(msgs)-1].ID,
	}
	if err := c.states.UpsertState(ctx, next); err != nil {
		if errors.Is(err, store.ErrStateRegressed) {
			// Another process consolidated further while we summarized.
			c.logger.Info("consolidation superseded", "conversation_id", conversationID, "last_id", next.LastConsolidatedID)
			return OutcomeIdle, nil
		}
		return OutcomeFailed, fmt.Errorf("memory: consolidate: %w", err)
	}

	c.logger.Info("conversation consolidated",
		"conversation_id", conversationID,
		"messages", len(msgs),
		"last_consolidated_id", next.LastConsolidatedID)
	return OutcomeConsolidated, nil
}

// CurrentSummary returns the stored summary, "" if none.
func (c *Consolidator) CurrentSummary(ctx context.Context, conversationID string) (string, error) {
	st, err := c.states.State(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("memory: summary: %w", err)
	}
	return st.Summary, nil
}

// LLMSummarizer asks a language model to rewrite the summary.
type LLMSummarizer struct {
	client    llm.Client
	model     string
	words     int
	maxTokens int
}

// NewLLMSummarizer creates a summarizer targeting roughly words words
// (DefaultSummaryWords if words <= 0).
func NewLLMSummarizer(client llm.Client, model string, words int) *LLMSummarizer {
	if words <= 0 {
		words = DefaultSummaryWords
	}
	return &LLMSummarizer{client: client, model: model, words: words, maxTokens: words * 3}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, previous string, msgs []store.Message) (string, error) {
	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model:     s.model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: SummaryPrompt(previous, msgs, s.words)}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", faults.FromService("memory: summarize", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", faults.New(faults.Service, "memory: summarize", errors.New("model returned an empty summary"))
	}
	return summary, nil
}

// SummaryPrompt renders the consolidation request: the whole previous
// summary followed by every new message in order.
func SummaryPrompt(previous string, msgs []store.Message, words int) string {
	if strings.TrimSpace(previous) == "" {
		previous = "None yet."
	}
	var b strings.Builder
	b.WriteString("You maintain a long-term memory summary of a conversation between a user and an assistant.\n\n")
	b.WriteString("Existing summary (may be empty):\n")
	b.WriteString(previous)
	b.WriteString("\n\nNew messages to incorporate:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nRewrite the summary in under %d words. Keep:\n", words)
	b.WriteString("- the user's preferences, habits and goals\n")
	b.WriteString("- context that matters for future turns\n")
	b.WriteString("- ongoing tasks or projects\n\n")
	b.WriteString("Return only the summary text.")
	return b.String()
}
