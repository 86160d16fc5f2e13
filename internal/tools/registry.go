// Package tools holds the capabilities the model may invoke while
// answering a turn, and the registry that dispatches its tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/llm"
)

const (
	// DefaultTimeout bounds a single tool call.
	DefaultTimeout = 30 * time.Second
	// DefaultConcurrency bounds parallel calls within one batch.
	DefaultConcurrency = 4
)

// Call statuses reported to the Observer.
const (
	StatusOK           = "ok"
	StatusNotFound     = "not_found"
	StatusInvalidInput = "invalid_input"
	StatusError        = "error"
	StatusTimeout      = "timeout"
	StatusCancelled    = "cancelled"
)

// Executor executes a tool call and returns the result as a string.
type Executor interface {
	Execute(ctx context.Context, input map[string]interface{}) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input map[string]interface{}) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	return f(ctx, input)
}

// Observer is told about every finished call.
type Observer func(tool, status string, elapsed time.Duration)

type entry struct {
	def      llm.ToolDefinition
	executor Executor
	schema   *jsonschema.Schema
}

// Registry manages tool executors and dispatches tool calls.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]entry
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
	observe     Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithConcurrency sets how many calls of a batch run at once.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver installs a hook called after each call.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observe = o }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]entry),
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. The definition's InputSchema, when present, is
// compiled and enforced on every call.
func (r *Registry) Register(def llm.ToolDefinition, executor Executor) error {
	if def.Name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}
	if executor == nil {
		return fmt.Errorf("tools: register %s: nil executor", def.Name)
	}
	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: register %s: encode schema: %w", def.Name, err)
		}
		schema, err = jsonschema.CompileString(def.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("tools: register %s: compile schema: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{def: def, executor: executor, schema: schema}
	return nil
}

// Lookup returns the executor registered under name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.executor, ok
}

// Definitions returns all registered tool definitions sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one call. Every failure becomes an error result the model
// can read, so a tool never aborts the loop.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	content, status := r.execute(ctx, call)
	if r.observe != nil {
		r.observe(call.Name, status, time.Since(start))
	}
	if status != StatusOK {
		r.logger.Warn("tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"status", status,
			"kind", statusKind(status),
			"result", content)
	}
	return llm.ToolResult{ToolUseID: call.ID, Content: content, IsError: status != StatusOK}
}

// statusKind maps a failed call status onto the error taxonomy.
func statusKind(status string) faults.Kind {
	switch status {
	case StatusNotFound:
		return faults.ToolNotFound
	case StatusTimeout:
		return faults.ServiceTimeout
	default:
		return faults.ToolExecution
	}
}

type outcome struct {
	out string
	err error
}

func (r *Registry) execute(ctx context.Context, call llm.ToolCall) (string, string) {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Tool %s not found", call.Name), StatusNotFound
	}

	input := call.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	if e.schema != nil {
		if err := e.schema.Validate(input); err != nil {
			return fmt.Sprintf("Invalid arguments for tool %s: %v", call.Name, err), StatusInvalidInput
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The executor runs in its own goroutine so a tool that ignores its
	// context still cannot hold the turn past the timeout.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := e.executor.Execute(callCtx, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.out, StatusOK
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return r.timeoutMessage(call.Name), StatusTimeout
		}
		return "Error: " + o.err.Error(), StatusError
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "Error: " + ctx.Err().Error(), StatusCancelled
		}
		return r.timeoutMessage(call.Name), StatusTimeout
	}
}

func (r *Registry) timeoutMessage(name string) string {
	return fmt.Sprintf("Tool %s timed out after %s", name, r.timeout)
}

// ExecuteBatch runs calls concurrently, bounded by the configured limit,
// and returns results in request order. Calls already running when ctx is
// cancelled finish, each still bounded by the per-call timeout; calls not
// yet started are reported as cancelled.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = llm.ToolResult{ToolUseID: call.ID, Content: fmt.Sprintf("Tool %s cancelled", call.Name), IsError: true}
				if r.observe != nil {
					r.observe(call.Name, StatusCancelled, 0)
				}
				return nil
			}
			results[i] = r.Execute(detached, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
