package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error
	// Delay blocks the call for this long, or until the context ends.
	Delay time.Duration
}

// MockClient returns scripted responses in order. When the script is
// exhausted the last response repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	next      int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Chat records req and returns the next scripted response.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: no responses configured")
	}
	idx := m.next
	if idx >= len(m.responses)-1 {
		idx = len(m.responses) - 1
	} else {
		m.next++
	}
	resp := m.responses[idx]
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	stop := resp.StopReason
	if stop == "" {
		stop = StopEndTurn
		if len(resp.ToolCalls) > 0 {
			stop = StopToolUse
		}
	}
	return &ChatResponse{
		Content:    resp.Content,
		ToolCalls:  resp.ToolCalls,
		StopReason: stop,
		Usage:      resp.Usage,
	}, nil
}

// Calls returns a copy of every request received.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// CallCount returns the number of requests received.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
