package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex/runtime/internal/budget"
)

func TestScriptedClientKeywordMatching(t *testing.T) {
	c := NewScriptedClient()

	resp := c.Complete(context.Background(), Request{Prompt: "Create a PLAN to fix the bug"})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Contains(t, resp.Content, "Analyze requirements")
	assert.Positive(t, resp.TokensUsed)

	resp = c.Complete(context.Background(), Request{Prompt: "something unrelated"})
	assert.Equal(t, "Acknowledged.", resp.Content)

	assert.Equal(t, 2, c.Calls())
}

func TestScriptedClientOverride(t *testing.T) {
	c := NewScriptedClient()
	c.Script("plan", "custom plan output")

	resp := c.Complete(context.Background(), Request{Prompt: "make a plan"})
	assert.Equal(t, "custom plan output", resp.Content, "newest script wins over defaults")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens("abc"))
	assert.Equal(t, int64(1), EstimateTokens("abcd"))
	assert.Equal(t, int64(25), EstimateTokens(string(make([]byte, 100))))
}

func TestEstimateRequestAddsBuffer(t *testing.T) {
	// 400 chars prompt = 100 tokens, plus 100 max out, plus 10%.
	req := Request{Prompt: string(make([]byte, 400)), MaxTokens: 100}
	assert.Equal(t, int64(220), EstimateRequest(req, 2048))

	// Zero MaxTokens falls back to the default.
	req = Request{Prompt: "hey"}
	assert.Equal(t, int64(2048+204), EstimateRequest(req, 2048))
}

func TestBudgetedClientDeniesWithoutCallingInner(t *testing.T) {
	guard := budget.NewGuard(budget.DefaultConfig(), nil)
	guard.SetScope(budget.ScopeDaily, budget.Limits{Tokens: 50})

	inner := NewScriptedClient()
	c := NewBudgetedClient(inner, guard, []string{budget.ScopeDaily}, 2048)

	resp := c.Complete(context.Background(), Request{Prompt: "plan something"})
	assert.Equal(t, StatusBudgetDenied, resp.Status)
	assert.ErrorIs(t, resp.Err, budget.ErrDenied)
	assert.Zero(t, resp.TokensUsed)
	assert.Equal(t, 0, inner.Calls(), "denied call must not reach the model")

	used, reserved, _ := guard.Usage(budget.ScopeDaily)
	assert.Zero(t, used)
	assert.Zero(t, reserved)
}

func TestBudgetedClientSettlesActuals(t *testing.T) {
	guard := budget.NewGuard(budget.DefaultConfig(), nil)
	guard.SetScope(budget.ScopeDaily, budget.Limits{Tokens: 100_000})

	inner := NewScriptedClient()
	c := NewBudgetedClient(inner, guard, []string{budget.ScopeDaily}, 64)

	resp := c.Complete(context.Background(), Request{Prompt: "plan the fix"})
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, 1, inner.Calls())

	used, reserved, _ := guard.Usage(budget.ScopeDaily)
	assert.Equal(t, resp.TokensUsed, used, "actual usage settled, not the estimate")
	assert.Zero(t, reserved)
}

func TestHTTPClientCompleteAgainstStubServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"content":"patched"},"eval_count":7}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := NewHTTPClient(cfg)

	resp := c.Complete(context.Background(), Request{Prompt: "fix it", System: "you fix bugs"})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "patched", resp.Content)
	assert.Equal(t, int64(7), resp.TokensUsed)
}

func TestHTTPClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := NewHTTPClient(cfg)

	resp := c.Complete(context.Background(), Request{Prompt: "fix it"})
	assert.Equal(t, StatusError, resp.Status)
	require.Error(t, resp.Err)
	assert.Contains(t, resp.Err.Error(), "500")
}

func TestHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 20 * time.Millisecond
	c := NewHTTPClient(cfg)

	resp := c.Complete(context.Background(), Request{Prompt: "fix it"})
	assert.Equal(t, StatusTimeout, resp.Status)
	require.Error(t, resp.Err)
}
