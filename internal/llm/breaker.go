package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/runtime/internal/circuitbreaker"
)

// BreakerClient wraps a Client with a circuit breaker so a dead or flapping
// model backend fails fast instead of burning the full request timeout on
// every call. Layer it under BudgetedClient: budget denials must never count
// against the backend's health.
type BreakerClient struct {
	inner Client
	cb    *circuitbreaker.CircuitBreaker
}

// NewBreakerClient guards inner with cb.
func NewBreakerClient(inner Client, cb *circuitbreaker.CircuitBreaker) *BreakerClient {
	return &BreakerClient{inner: inner, cb: cb}
}

// Complete runs the inner completion under the breaker. Error and timeout
// responses count as backend failures; an open breaker short-circuits with
// no network I/O at all.
func (c *BreakerClient) Complete(ctx context.Context, req Request) Response {
	var resp Response
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		resp = c.inner.Complete(ctx, req)
		if resp.Status == StatusError || resp.Status == StatusTimeout {
			if resp.Err != nil {
				return resp.Err
			}
			return fmt.Errorf("completion failed with status %s", resp.Status)
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return Response{Status: StatusError, Err: err}
	}
	return resp
}
