package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptedClient returns canned completions keyed by prompt keywords. It is
// the deterministic stand-in for a model in tests and CI runs.
type ScriptedClient struct {
	Model string

	mu      sync.Mutex
	scripts []scriptEntry
	calls   int
}

type scriptEntry struct {
	keyword  string
	response string
}

// NewScriptedClient builds a client with role-shaped defaults.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		Model: "scripted",
		scripts: []scriptEntry{
			{"plan", "1. Analyze requirements\n2. Design solution\n3. Implement\n4. Test"},
			{"code", "def solution():\n    return 42"},
			{"test", "All tests passed"},
			{"critique", "Looks correct; consider edge cases around empty input."},
		},
	}
}

// Script appends a keyword-keyed canned response. Later entries win over
// the defaults because matching scans newest first.
func (s *ScriptedClient) Script(keyword, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append([]scriptEntry{{keyword, response}}, s.scripts...)
}

// Complete matches the prompt against the script table.
func (s *ScriptedClient) Complete(_ context.Context, req Request) Response {
	s.mu.Lock()
	s.calls++
	lower := strings.ToLower(req.Prompt)
	content := "Acknowledged."
	for _, e := range s.scripts {
		if strings.Contains(lower, e.keyword) {
			content = e.response
			break
		}
	}
	s.mu.Unlock()

	return Response{
		Content:    content,
		TokensUsed: EstimateTokens(req.Prompt) + EstimateTokens(content),
		Elapsed:    time.Microsecond,
		Model:      s.Model,
		Status:     StatusOK,
	}
}

// Calls reports how many completions were served.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
