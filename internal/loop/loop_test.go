package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/tools"
)

func newRegistry(t *testing.T, execs map[string]tools.ExecutorFunc) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(tools.WithTimeout(time.Second))
	for name, fn := range execs {
		if err := r.Register(llm.ToolDefinition{Name: name, Description: name}, fn); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return r
}

func constTool(out string) tools.ExecutorFunc {
	return func(context.Context, map[string]interface{}) (string, error) { return out, nil }
}

func toolCall(id, name string, input map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Input: input}
}

func TestRunPlainReply(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "Hi there!", Usage: llm.TokenUsage{InputTokens: 10, OutputTokens: 3}})
	l := New(client, newRegistry(t, map[string]tools.ExecutorFunc{"calculator": constTool("4")}), Config{Model: "m"}, nil)

	res, err := l.Run(context.Background(), Turn{Context: "Long-term summary:\nLikes tea.", UserText: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "Hi there!" || res.Iterations != 1 || res.Forced || res.Usage.Total() != 13 {
		t.Errorf("result = %+v", res)
	}

	req := client.Calls()[0]
	if !strings.HasSuffix(req.System, "\n\nExtra context from memory:\nLong-term summary:\nLikes tea.") {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "calculator" {
		t.Errorf("tools offered = %+v", req.Tools)
	}
}

func TestRunEmptyContextKeepsBaseSystemPrompt(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "ok"})
	l := New(client, nil, Config{}, nil)
	if _, err := l.Run(context.Background(), Turn{UserText: "x"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := client.Calls()[0].System; got != DefaultSystemPrompt {
		t.Errorf("system = %q", got)
	}
}

func TestRunHotelSearchRoundTrip(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{ToolCalls: []llm.ToolCall{toolCall("call_1", "search_hotels", map[string]interface{}{"location": "Paris"})}},
		llm.MockResponse{Content: "I found Hotel Lumière near the Louvre."},
	)
	var gotLocation string
	reg := newRegistry(t, map[string]tools.ExecutorFunc{
		"search_hotels": func(_ context.Context, in map[string]interface{}) (string, error) {
			gotLocation, _ = in["location"].(string)
			return "1. Hotel Lumière (https://example.com)", nil
		},
	})

	res, err := New(client, reg, Config{}, nil).Run(context.Background(), Turn{UserText: "Find me a hotel in Paris"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotLocation != "Paris" {
		t.Errorf("tool saw location %q", gotLocation)
	}
	if res.Reply != "I found Hotel Lumière near the Louvre." || res.Iterations != 2 || res.Forced {
		t.Errorf("result = %+v", res)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ToolName != "search_hotels" || res.ToolCalls[0].IsError {
		t.Errorf("tool records = %+v", res.ToolCalls)
	}

	second := client.Calls()[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(second))
	}
	if second[1].Role != llm.RoleAssistant || len(second[1].ToolCalls) != 1 {
		t.Errorf("assistant tool-call message = %+v", second[1])
	}
	if tr := second[2].ToolResult; tr == nil || tr.ToolUseID != "call_1" || !strings.Contains(tr.Content, "Hotel Lumière") {
		t.Errorf("tool result message = %+v", second[2])
	}
}

func TestRunUnknownToolThenFinalize(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{ToolCalls: []llm.ToolCall{toolCall("call_1", "search_flights", map[string]interface{}{"to": "NYC"})}},
		llm.MockResponse{Content: "I can't search flights, but I can look for hotels."},
	)
	reg := newRegistry(t, map[string]tools.ExecutorFunc{"search_hotels": constTool("x")})

	res, err := New(client, reg, Config{}, nil).Run(context.Background(), Turn{UserText: "book a flight"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Forced || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}
	tr := client.Calls()[1].Messages[2].ToolResult
	if tr == nil || !tr.IsError || tr.Content != "Tool search_flights not found" {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestRunBoundedWhenModelAlwaysWantsTools(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantReply string
	}{
		{"no text ever", "", PartialAnswer},
		{"keeps last text", "Still looking...", "Still looking..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockClient(llm.MockResponse{
				Content:   tt.content,
				ToolCalls: []llm.ToolCall{toolCall("c", "search_hotels", map[string]interface{}{"location": "Rome"})},
			})
			reg := newRegistry(t, map[string]tools.ExecutorFunc{"search_hotels": constTool("more")})

			res, err := New(client, reg, Config{MaxIterations: 3}, nil).Run(context.Background(), Turn{UserText: "loop"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if client.CallCount() != 3 || res.Iterations != 3 {
				t.Fatalf("model called %d times, want 3", client.CallCount())
			}
			if !res.Forced || res.Reply != tt.wantReply {
				t.Errorf("result = %+v", res)
			}
			calls := client.Calls()
			if len(calls[1].Tools) == 0 || len(calls[2].Tools) != 0 {
				t.Errorf("tools must be withheld only on the last invocation")
			}
			if len(res.ToolCalls) != 2 {
				t.Errorf("executed %d tool calls, want 2", len(res.ToolCalls))
			}
		})
	}
}

func TestRunResultsOrderedByCallID(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{ToolCalls: []llm.ToolCall{
			toolCall("a", "slow", nil),
			toolCall("b", "fast", nil),
			toolCall("c", "medium", nil),
		}},
		llm.MockResponse{Content: "done"},
	)
	sleeper := func(d time.Duration, out string) tools.ExecutorFunc {
		return func(context.Context, map[string]interface{}) (string, error) {
			time.Sleep(d)
			return out, nil
		}
	}
	reg := newRegistry(t, map[string]tools.ExecutorFunc{
		"slow":   sleeper(40*time.Millisecond, "A"),
		"fast":   sleeper(0, "B"),
		"medium": sleeper(20*time.Millisecond, "C"),
	})

	if _, err := New(client, reg, Config{}, nil).Run(context.Background(), Turn{UserText: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var order []string
	for _, m := range client.Calls()[1].Messages[2:] {
		order = append(order, m.ToolResult.ToolUseID+"="+m.ToolResult.Content)
	}
	if fmt.Sprint(order) != "[a=A b=B c=C]" {
		t.Errorf("tool results order = %v", order)
	}
}

func TestRunModelFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{"service error", errors.New("503 overloaded"), faults.Service},
		{"timeout", context.DeadlineExceeded, faults.ServiceTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockClient(llm.MockResponse{Error: tt.err})
			res, err := New(client, nil, Config{}, nil).Run(context.Background(), Turn{UserText: "hi"})
			if res != nil {
				t.Errorf("result on failure = %+v", res)
			}
			if !faults.Is(err, tt.want) {
				t.Errorf("err = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestRunCancelledDuringTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := llm.NewMockClient(
		llm.MockResponse{ToolCalls: []llm.ToolCall{toolCall("c1", "work", nil)}},
		llm.MockResponse{Content: "never"},
	)
	finished := false
	reg := newRegistry(t, map[string]tools.ExecutorFunc{
		"work": func(context.Context, map[string]interface{}) (string, error) {
			cancel()
			time.Sleep(10 * time.Millisecond)
			finished = true
			return "done", nil
		},
	})

	_, err := New(client, reg, Config{}, nil).Run(ctx, Turn{UserText: "go"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !finished {
		t.Error("in-flight tool did not run to completion")
	}
	if client.CallCount() != 1 {
		t.Errorf("model called %d times after cancel, want 1", client.CallCount())
	}
}

func TestRunTokenBudget(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{
			Content:   "Let me check.",
			ToolCalls: []llm.ToolCall{toolCall("c1", "search_hotels", nil)},
			Usage:     llm.TokenUsage{InputTokens: 120, OutputTokens: 30},
		},
		llm.MockResponse{Content: "unreachable"},
	)
	reg := newRegistry(t, map[string]tools.ExecutorFunc{"search_hotels": constTool("x")})

	res, err := New(client, reg, Config{TokenBudget: 100}, nil).Run(context.Background(), Turn{UserText: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.CallCount() != 1 || !res.Forced || res.Reply != "Let me check." {
		t.Errorf("calls=%d result=%+v", client.CallCount(), res)
	}
}

func TestRunEmptyReplyIsForced(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: ""})
	res, err := New(client, nil, Config{}, nil).Run(context.Background(), Turn{UserText: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Forced || res.Reply != PartialAnswer {
		t.Errorf("result = %+v", res)
	}
}

func TestStateString(t *testing.T) {
	want := []string{"start", "invoke", "decide", "execute", "finalize"}
	for i, w := range want {
		if got := state(i).String(); got != w {
			t.Errorf("state(%d) = %q, want %q", i, got, w)
		}
	}
}
