// Package llm provides the completion client the role agents call. The
// production client speaks the Ollama chat API; a scripted client serves
// tests and CI, where no model may ever be reached.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Status classifies a completion outcome.
type Status string

const (
	StatusOK           Status = "ok"
	StatusTimeout      Status = "timeout"
	StatusError        Status = "error"
	StatusBudgetDenied Status = "budget_denied"
)

// Request is one completion request.
type Request struct {
	Prompt    string
	System    string
	MaxTokens int
}

// Response carries the completion and its accounting metadata. A denied or
// failed response always reports zero tokens used.
type Response struct {
	Content    string
	TokensUsed int64
	Elapsed    time.Duration
	Model      string
	Status     Status
	Err        error
}

// Client is the completion interface the agents program against.
type Client interface {
	Complete(ctx context.Context, req Request) Response
}

// Config tunes the HTTP client.
type Config struct {
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultConfig targets a local Ollama daemon.
func DefaultConfig() Config {
	return Config{
		Model:       "qwen2.5-coder:3b",
		BaseURL:     "http://localhost:11434",
		Temperature: 0.7,
		MaxTokens:   2048,
		Timeout:     30 * time.Second,
	}
}

// HTTPClient calls the Ollama /api/chat endpoint.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

// NewHTTPClient builds a client with the configured request timeout.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount int64 `json:"eval_count"`
}

// Complete issues one chat completion. Transport failures and non-200
// responses come back as structured error responses, never panics.
func (c *HTTPClient) Complete(ctx context.Context, req Request) Response {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
		Stream:      false,
	})
	if err != nil {
		return Response{Model: c.cfg.Model, Status: StatusError, Err: err, Elapsed: time.Since(start)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{Model: c.cfg.Model, Status: StatusError, Err: err, Elapsed: time.Since(start)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		status := StatusError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = StatusTimeout
		}
		return Response{Model: c.cfg.Model, Status: status, Err: err, Elapsed: time.Since(start)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{
			Model:   c.cfg.Model,
			Status:  StatusError,
			Err:     fmt.Errorf("api error %d: %s", resp.StatusCode, string(data)),
			Elapsed: time.Since(start),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{Model: c.cfg.Model, Status: StatusError, Err: err, Elapsed: time.Since(start)}
	}

	tokens := out.EvalCount
	if tokens == 0 {
		tokens = EstimateTokens(out.Message.Content)
	}
	return Response{
		Content:    out.Message.Content,
		TokensUsed: tokens,
		Elapsed:    time.Since(start),
		Model:      c.cfg.Model,
		Status:     StatusOK,
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// EstimateTokens approximates token count at one token per four characters.
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}

// EstimateRequest returns a conservative pre-call token estimate: prompt
// plus maximum output, with a 10% buffer.
func EstimateRequest(req Request, defaultMaxTokens int) int64 {
	maxOut := req.MaxTokens
	if maxOut <= 0 {
		maxOut = defaultMaxTokens
	}
	est := EstimateTokens(req.Prompt+req.System) + int64(maxOut)
	return est + est/10
}
