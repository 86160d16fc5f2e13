package llm

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/recall/internal/faults"
)

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every Chat call by d and classifies failures as
// faults.ServiceTimeout or faults.Service. A non-positive d only classifies.
func WithTimeout(c Client, d time.Duration) Client {
	return &timeoutClient{next: c, timeout: d}
}

func (c *timeoutClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.next.Chat(callCtx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, faults.New(faults.ServiceTimeout, "llm: chat", err)
	}
	return nil, faults.FromService("llm: chat", err)
}
