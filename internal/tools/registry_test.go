package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szaher/recall/internal/llm"
)

// mockExecutor is a simple Executor that returns a fixed result or error.
type mockExecutor struct {
	result string
	err    error
}

func (m *mockExecutor) Execute(_ context.Context, _ map[string]interface{}) (string, error) {
	return m.result, m.err
}

func def(name string) llm.ToolDefinition {
	return llm.ToolDefinition{Name: name, Description: name + " tool"}
}

func mustRegister(t *testing.T, r *Registry, d llm.ToolDefinition, e Executor) {
	t.Helper()
	if err := r.Register(d, e); err != nil {
		t.Fatalf("Register(%s): %v", d.Name, err)
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	if defs := r.Definitions(); defs == nil || len(defs) != 0 {
		t.Fatalf("empty registry Definitions() = %v", defs)
	}
	for _, n := range []string{"search_hotels", "calculator", "weather"} {
		mustRegister(t, r, def(n), &mockExecutor{})
	}
	var names []string
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "calculator,search_hotels,weather" {
		t.Errorf("Definitions order = %v", names)
	}
	if _, ok := r.Lookup("weather"); !ok {
		t.Error("Lookup(weather) missing")
	}
	if _, ok := r.Lookup("search_flights"); ok {
		t.Error("Lookup(search_flights) found")
	}
}

func TestRegistryRegisterRejects(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(llm.ToolDefinition{}, &mockExecutor{}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(def("x"), nil); err == nil {
		t.Error("nil executor accepted")
	}
	bad := def("bad")
	bad.InputSchema = map[string]interface{}{"type": 12}
	if err := r.Register(bad, &mockExecutor{}); err == nil {
		t.Error("invalid schema accepted")
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(WithTimeout(50 * time.Millisecond))
	mustRegister(t, r, def("ok"), &mockExecutor{result: "fine"})
	mustRegister(t, r, def("fails"), &mockExecutor{err: errors.New("boom")})
	mustRegister(t, r, def("panics"), ExecutorFunc(func(context.Context, map[string]interface{}) (string, error) {
		panic("kaboom")
	}))
	mustRegister(t, r, def("hangs"), ExecutorFunc(func(context.Context, map[string]interface{}) (string, error) {
		time.Sleep(time.Second) // ignores its context
		return "late", nil
	}))
	mustRegister(t, r, CalculatorDefinition(), Calculator{})

	tests := []struct {
		name    string
		call    llm.ToolCall
		want    string
		prefix  bool
		isError bool
	}{
		{"success", llm.ToolCall{ID: "1", Name: "ok"}, "fine", false, false},
		{"not found", llm.ToolCall{ID: "2", Name: "search_flights"}, "Tool search_flights not found", false, true},
		{"executor error", llm.ToolCall{ID: "3", Name: "fails"}, "Error: boom", false, true},
		{"panic", llm.ToolCall{ID: "4", Name: "panics"}, "Error: panic: kaboom", false, true},
		{"timeout", llm.ToolCall{ID: "5", Name: "hangs"}, "Tool hangs timed out after 50ms", false, true},
		{"schema violation", llm.ToolCall{ID: "6", Name: "calculator", Input: map[string]interface{}{"expr": "1+1"}}, "Invalid arguments for tool calculator", true, true},
		{"schema ok", llm.ToolCall{ID: "7", Name: "calculator", Input: map[string]interface{}{"expression": "2 + 3 * 4"}}, "14", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), tt.call)
			if res.ToolUseID != tt.call.ID {
				t.Errorf("ToolUseID = %q, want %q", res.ToolUseID, tt.call.ID)
			}
			if res.IsError != tt.isError {
				t.Errorf("IsError = %v, want %v (content %q)", res.IsError, tt.isError, res.Content)
			}
			if tt.prefix {
				if !strings.HasPrefix(res.Content, tt.want) {
					t.Errorf("Content = %q, want prefix %q", res.Content, tt.want)
				}
			} else if res.Content != tt.want {
				t.Errorf("Content = %q, want %q", res.Content, tt.want)
			}
		})
	}
}

func TestRegistryObserver(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	r := NewRegistry(WithObserver(func(tool, status string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tool+":"+status)
	}))
	mustRegister(t, r, def("ok"), &mockExecutor{result: "x"})

	r.Execute(context.Background(), llm.ToolCall{ID: "1", Name: "ok"})
	r.Execute(context.Background(), llm.ToolCall{ID: "2", Name: "nope"})

	if strings.Join(seen, ",") != "ok:ok,nope:not_found" {
		t.Errorf("observed %v", seen)
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	r := NewRegistry(WithConcurrency(3))
	// Later calls finish first.
	for i := range 5 {
		delay := time.Duration(5-i) * 10 * time.Millisecond
		name := fmt.Sprintf("t%d", i)
		mustRegister(t, r, def(name), ExecutorFunc(func(ctx context.Context, _ map[string]interface{}) (string, error) {
			time.Sleep(delay)
			return name + " done", nil
		}))
	}

	var calls []llm.ToolCall
	for i := range 5 {
		calls = append(calls, llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: fmt.Sprintf("t%d", i)})
	}
	calls = append(calls, llm.ToolCall{ID: "call_x", Name: "search_flights"})

	results := r.ExecuteBatch(context.Background(), calls)
	if len(results) != len(calls) {
		t.Fatalf("got %d results, want %d", len(results), len(calls))
	}
	for i, res := range results {
		if res.ToolUseID != calls[i].ID {
			t.Errorf("result %d id = %q, want %q", i, res.ToolUseID, calls[i].ID)
		}
	}
	if results[2].Content != "t2 done" {
		t.Errorf("result 2 = %q", results[2].Content)
	}
	if !results[5].IsError || results[5].Content != "Tool search_flights not found" {
		t.Errorf("unknown tool result = %+v", results[5])
	}
}

func TestExecuteBatchConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	r := NewRegistry(WithConcurrency(2))
	mustRegister(t, r, def("slow"), ExecutorFunc(func(context.Context, map[string]interface{}) (string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	}))

	calls := make([]llm.ToolCall, 6)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: fmt.Sprint(i), Name: "slow"}
	}
	r.ExecuteBatch(context.Background(), calls)
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestExecuteBatchDrainsOnCancel(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	r := NewRegistry(WithConcurrency(1), WithTimeout(time.Second))
	mustRegister(t, r, def("work"), ExecutorFunc(func(ctx context.Context, _ map[string]interface{}) (string, error) {
		close(started)
		select {
		case <-time.After(50 * time.Millisecond):
			finished.Store(true)
			return "completed", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	results := r.ExecuteBatch(ctx, []llm.ToolCall{
		{ID: "a", Name: "work"},
		{ID: "b", Name: "work"},
	})

	if !finished.Load() || results[0].Content != "completed" {
		t.Errorf("in-flight call did not drain: %+v", results[0])
	}
	if !results[1].IsError || results[1].Content != "Tool work cancelled" {
		t.Errorf("queued call after cancel = %+v", results[1])
	}
}
