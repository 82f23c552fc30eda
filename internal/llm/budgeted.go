package llm

import (
	"context"
	"log"
	"time"

	"github.com/apex/runtime/internal/budget"
)

// BudgetedClient wraps a Client with the budget guard: every call reserves
// its conservative estimate first and settles actuals after. A denied check
// produces a structured budget_denied response with no network I/O at all.
type BudgetedClient struct {
	inner     Client
	guard     *budget.Guard
	scopes    []string
	maxTokens int
	logger    *log.Logger
}

// NewBudgetedClient charges every completion against the given scopes.
func NewBudgetedClient(inner Client, guard *budget.Guard, scopes []string, maxTokens int) *BudgetedClient {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &BudgetedClient{
		inner:     inner,
		guard:     guard,
		scopes:    scopes,
		maxTokens: maxTokens,
		logger:    log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

// Complete reserves, calls, settles. The wall-clock estimate charged up
// front is the configured timeout; actual elapsed time is settled back.
func (c *BudgetedClient) Complete(ctx context.Context, req Request) Response {
	estTok := EstimateRequest(req, c.maxTokens)
	estMS := int64(30_000)
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 && ms < estMS {
			estMS = ms
		}
	}

	dec := c.guard.CheckAndReserve(c.scopes, estTok, estMS)
	if !dec.Allowed {
		for _, d := range dec.Denials {
			c.logger.Printf("budget_denied scope=%s reason=%s est=%d", d.Scope, d.Reason, estTok)
		}
		return Response{Status: StatusBudgetDenied, Err: budget.ErrDenied}
	}

	resp := c.inner.Complete(ctx, req)

	actualMS := resp.Elapsed.Milliseconds()
	if err := c.guard.Settle(dec.ReservationID, resp.TokensUsed, actualMS); err != nil {
		// Reservation already swept; usage was debited as the estimate.
		c.logger.Printf("settle %s: %v", dec.ReservationID, err)
	}
	return resp
}
