package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/szaher/recall/internal/faults"
	"github.com/szaher/recall/internal/llm"
)

// state is a step of the response state machine:
//
//	start -> invoke -> decide -> (execute -> invoke)* -> finalize
type state int

const (
	stateStart state = iota
	stateInvoke
	stateDecide
	stateExecute
	stateFinalize
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateInvoke:
		return "invoke"
	case stateDecide:
		return "decide"
	case stateExecute:
		return "execute"
	case stateFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// run is the mutable state of one turn.
type run struct {
	system   string
	messages []llm.Message

	resp     *llm.ChatResponse
	final    bool // resp came from an invocation offered no tools
	lastText string

	result Result
}

// Run answers one turn. It returns an error only when the model cannot be
// reached (classified ServiceError or ServiceTimeout) or ctx ends; tool
// failures are fed back to the model instead.
func (l *Loop) Run(ctx context.Context, turn Turn) (*Result, error) {
	start := time.Now()
	r := &run{}

	for st := stateStart; ; {
		var err error
		next := st
		switch st {
		case stateStart:
			next = l.start(r, turn)
		case stateInvoke:
			next, err = l.invoke(ctx, r)
		case stateDecide:
			next = l.decide(r)
		case stateExecute:
			next = l.execute(ctx, r)
		case stateFinalize:
			r.result.Duration = time.Since(start)
			l.logger.Debug("loop finished",
				"iterations", r.result.Iterations,
				"tool_calls", len(r.result.ToolCalls),
				"forced", r.result.Forced,
				"tokens", r.result.Usage.Total())
			return &r.result, nil
		}
		if err != nil {
			return nil, err
		}
		st = next
	}
}

func (l *Loop) start(r *run, turn Turn) state {
	r.system = l.SystemPrompt(turn.Context)
	r.messages = []llm.Message{{Role: llm.RoleUser, Content: turn.UserText}}
	return stateInvoke
}

func (l *Loop) invoke(ctx context.Context, r *run) (state, error) {
	if err := ctx.Err(); err != nil {
		return stateFinalize, fmt.Errorf("loop: %w", err)
	}
	if l.cfg.TokenBudget > 0 && r.result.Usage.Total() >= l.cfg.TokenBudget {
		l.logger.Warn("token budget exhausted, finalizing", "iterations", r.result.Iterations, "tokens", r.result.Usage.Total())
		l.force(r)
		return stateFinalize, nil
	}

	r.final = r.result.Iterations == l.cfg.MaxIterations-1
	req := llm.ChatRequest{
		Model:       l.cfg.Model,
		System:      r.system,
		Messages:    r.messages,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	}
	if !r.final && l.tools != nil {
		req.Tools = l.tools.Definitions()
	}

	resp, err := l.client.Chat(ctx, req)
	r.result.Iterations++
	if err != nil {
		return stateFinalize, faults.FromService(fmt.Sprintf("loop: invoke %d", r.result.Iterations), err)
	}
	r.result.Usage = r.result.Usage.Add(resp.Usage)
	if resp.Content != "" {
		r.lastText = resp.Content
	}
	r.resp = resp
	return stateDecide, nil
}

func (l *Loop) decide(r *run) state {
	resp := r.resp
	if len(resp.ToolCalls) == 0 {
		if resp.Content == "" {
			l.force(r)
		} else {
			r.result.Reply = resp.Content
		}
		return stateFinalize
	}
	if r.final || l.tools == nil {
		// Tools were not offered but the model asked anyway.
		l.logger.Warn("iteration limit reached, finalizing", "iterations", r.result.Iterations)
		l.force(r)
		return stateFinalize
	}
	return stateExecute
}

func (l *Loop) execute(ctx context.Context, r *run) state {
	calls := r.resp.ToolCalls
	r.messages = append(r.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   r.resp.Content,
		ToolCalls: calls,
	})

	results := l.tools.ExecuteBatch(ctx, calls)
	byID := make(map[string]llm.ToolResult, len(results))
	for _, res := range results {
		byID[res.ToolUseID] = res
	}

	for _, call := range calls {
		res, ok := byID[call.ID]
		if !ok {
			res = llm.ToolResult{ToolUseID: call.ID, Content: fmt.Sprintf("Tool %s returned no result", call.Name), IsError: true}
		}
		r.result.ToolCalls = append(r.result.ToolCalls, ToolCallRecord{
			ID:       call.ID,
			ToolName: call.Name,
			Input:    call.Input,
			Output:   res.Content,
			IsError:  res.IsError,
		})
		r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, ToolResult: &res})
	}
	return stateInvoke
}

// force ends the turn with the best text available.
func (l *Loop) force(r *run) {
	r.result.Forced = true
	r.result.Reply = r.lastText
	if r.result.Reply == "" {
		r.result.Reply = PartialAnswer
	}
}
