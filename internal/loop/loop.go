// Package loop runs the bounded exchange between the language model and
// the tools that turns a user message into a reply.
package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/szaher/recall/internal/llm"
)

const (
	// DefaultMaxIterations bounds model invocations per turn.
	DefaultMaxIterations = 8
	// DefaultMaxTokens bounds a single model response.
	DefaultMaxTokens = 1024
)

// DefaultSystemPrompt frames the assistant.
const DefaultSystemPrompt = "You are a helpful voice assistant with long-term memory of this user. " +
	"You can call tools, such as search_hotels, when they help. " +
	"Answer in a natural, spoken style and keep replies short enough to be read aloud."

// PartialAnswer is returned when the loop is cut off before the model
// produced any text.
const PartialAnswer = "Sorry, I couldn't finish working that out. Could you ask again, maybe in a simpler way?"

// ToolCallRecord is an audit record of a single tool invocation.
type ToolCallRecord struct {
	ID       string                 `json:"id"`
	ToolName string                 `json:"tool_name"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Output   string                 `json:"output"`
	IsError  bool                   `json:"is_error,omitempty"`
}

// ToolExecutor offers tool definitions and runs batches of calls. Results
// must come back in the order of calls.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	ExecuteBatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult
}

// Config holds the loop's limits and model parameters.
type Config struct {
	Model         string
	System        string
	MaxIterations int
	MaxTokens     int
	// TokenBudget caps total tokens per turn; 0 means unlimited.
	TokenBudget int
	Temperature *float64
}

func (c Config) withDefaults() Config {
	if c.System == "" {
		c.System = DefaultSystemPrompt
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Turn is the input of one Run.
type Turn struct {
	// Context is the memory block; empty adds nothing to the system prompt.
	Context  string
	UserText string
}

// Result is the outcome of one Run.
type Result struct {
	Reply      string           `json:"reply"`
	Iterations int              `json:"iterations"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Usage      llm.TokenUsage   `json:"usage"`
	// Forced is set when the reply came from a limit rather than the
	// model choosing to stop.
	Forced   bool          `json:"forced,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Loop drives one turn at a time. It is safe for concurrent use.
type Loop struct {
	client llm.Client
	tools  ToolExecutor
	cfg    Config
	logger *slog.Logger
}

// New creates a Loop. tools may be nil for a tool-less assistant.
func New(client llm.Client, tools ToolExecutor, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{client: client, tools: tools, cfg: cfg.withDefaults(), logger: logger}
}

// SystemPrompt returns the instructions sent with every invocation.
func (l *Loop) SystemPrompt(memoryContext string) string {
	if memoryContext == "" {
		return l.cfg.System
	}
	return l.cfg.System + "\n\nExtra context from memory:\n" + memoryContext
}
