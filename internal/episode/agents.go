// Package episode runs the five-role team (planner, coder, runner, critic,
// summarizer) over the router. Agents never talk to each other directly;
// every hop is admitted through Route, so topology rules and epoch stamping
// apply to the whole workflow.
package episode

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/runtime/internal/llm"
	"github.com/apex/runtime/internal/runtime"
	"github.com/apex/runtime/internal/toolfs"
)

// TopologySource reports the active (topology, epoch) pair. Satisfied by
// the router, the switch engine and the coordinator.
type TopologySource interface {
	Active() (runtime.Topology, runtime.Epoch)
}

// TestExecutor abstracts the test run so episodes in tests never exec
// processes. toolfs.Runner satisfies it through RunnerExecutor.
type TestExecutor interface {
	RunTests(ctx context.Context) (toolfs.TestResult, error)
}

// RunnerExecutor adapts toolfs.Runner to TestExecutor for a fixed target.
type RunnerExecutor struct {
	Runner *toolfs.Runner
	Target string
}

func (e RunnerExecutor) RunTests(ctx context.Context) (toolfs.TestResult, error) {
	return e.Runner.RunPytest(ctx, e.Target)
}

// StubExecutor returns scripted results in order, repeating the last one.
type StubExecutor struct {
	mu      sync.Mutex
	Results []toolfs.TestResult
	calls   int
}

func (e *StubExecutor) RunTests(context.Context) (toolfs.TestResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Results) == 0 {
		return toolfs.TestResult{}, fmt.Errorf("no scripted results")
	}
	i := e.calls
	if i >= len(e.Results) {
		i = len(e.Results) - 1
	}
	e.calls++
	return e.Results[i], nil
}

// Agent handles one mailbox. Handle returns the messages to route next;
// it must never deliver anything itself.
type Agent interface {
	ID() runtime.AgentID
	Handle(ctx context.Context, msg *runtime.Message) ([]*runtime.Message, error)
}

type baseAgent struct {
	id        runtime.AgentID
	episodeID string
	topo      TopologySource
}

func (a *baseAgent) ID() runtime.AgentID { return a.id }

func (a *baseAgent) newMsg(recipient runtime.AgentID, payload map[string]interface{}) *runtime.Message {
	msg, _ := runtime.NewMessage(a.episodeID, a.id, recipient, payload, 0)
	return msg
}

// Planner kicks off the workflow and, as the star hub, forwards rewritten
// spoke-to-spoke traffic to its intended recipient.
type Planner struct {
	baseAgent
	client llm.Client

	mu      sync.Mutex
	kicked  bool
	summary map[string]interface{}
}

func NewPlanner(episodeID string, topo TopologySource, client llm.Client) *Planner {
	return &Planner{
		baseAgent: baseAgent{id: runtime.RolePlanner, episodeID: episodeID, topo: topo},
		client:    client,
	}
}

func (p *Planner) Handle(ctx context.Context, msg *runtime.Message) ([]*runtime.Message, error) {
	payload := msg.Payload

	if summary, ok := payload["summary"].(map[string]interface{}); ok {
		p.mu.Lock()
		p.summary = summary
		p.mu.Unlock()
		return nil, nil
	}

	// Hub duty: forward rewritten messages to their intended recipient.
	if fwd, ok := payload[runtime.ForwardToKey].(string); ok && fwd != "" {
		forwarded := make(map[string]interface{}, len(payload))
		for k, v := range payload {
			if k != runtime.ForwardToKey {
				forwarded[k] = v
			}
		}
		return []*runtime.Message{p.newMsg(runtime.AgentID(fwd), forwarded)}, nil
	}

	p.mu.Lock()
	alreadyKicked := p.kicked
	p.kicked = true
	p.mu.Unlock()
	if payload["action"] == "kickoff" || !alreadyKicked {
		resp := p.client.Complete(ctx, llm.Request{
			Prompt: "Create a plan to fix the failing add function",
			System: "You are the planning agent of a bug-fix team.",
		})
		plan := resp.Content
		if resp.Status != llm.StatusOK {
			plan = "Fix the bug in the add function: change subtraction to addition"
		}
		return []*runtime.Message{p.newMsg(runtime.RoleCoder, map[string]interface{}{
			"plan":        plan,
			"target_file": "src/app.py",
			"tokens_used": resp.TokensUsed,
		})}, nil
	}
	return nil, nil
}

// Summary returns the final report once the summarizer has delivered it.
func (p *Planner) Summary() (map[string]interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary, p.summary != nil
}

// Coder applies the deterministic bug fix to the target file.
type Coder struct {
	baseAgent
	fs *toolfs.FS
}

func NewCoder(episodeID string, topo TopologySource, fs *toolfs.FS) *Coder {
	return &Coder{
		baseAgent: baseAgent{id: runtime.RoleCoder, episodeID: episodeID, topo: topo},
		fs:        fs,
	}
}

func (c *Coder) Handle(_ context.Context, msg *runtime.Message) ([]*runtime.Message, error) {
	target, _ := msg.Payload["target_file"].(string)
	if target == "" {
		target = "src/app.py"
	}

	action := "no_changes_needed"
	content, err := c.fs.Read(target)
	switch {
	case err != nil:
		action = "error: " + err.Error()
	case strings.Contains(string(content), "return a - b"):
		fixed := strings.Replace(string(content), "return a - b", "return a + b", 1)
		if err := c.fs.Write(target, []byte(fixed)); err != nil {
			action = "error: " + err.Error()
		} else {
			action = "patched_bug"
		}
	}

	// Always addressed to the runner; in star the router rewrites the hop
	// via the hub and the planner forwards it.
	return []*runtime.Message{c.newMsg(runtime.RoleRunner, map[string]interface{}{
		"action":       "run_tests",
		"coder_action": action,
		"target_file":  target,
	})}, nil
}

// TestRunner executes the suite and reports counts downstream.
type TestRunner struct {
	baseAgent
	exec TestExecutor

	mu   sync.Mutex
	last toolfs.TestResult
}

func NewTestRunner(episodeID string, topo TopologySource, exec TestExecutor) *TestRunner {
	return &TestRunner{
		baseAgent: baseAgent{id: runtime.RoleRunner, episodeID: episodeID, topo: topo},
		exec:      exec,
	}
}

func (r *TestRunner) Handle(ctx context.Context, msg *runtime.Message) ([]*runtime.Message, error) {
	result, err := r.exec.RunTests(ctx)
	if err != nil {
		result = toolfs.TestResult{Errors: 1, Stderr: err.Error()}
	}
	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	return []*runtime.Message{r.newMsg(runtime.RoleCritic, map[string]interface{}{
		"passed":       result.Passed,
		"failed":       result.Failed + result.Errors,
		"pass_rate":    result.PassRate(),
		"coder_action": msg.Payload["coder_action"],
		"target_file":  msg.Payload["target_file"],
	})}, nil
}

// LastResult returns the most recent test run.
func (r *TestRunner) LastResult() toolfs.TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Critic loops failing work back to the coder and passes green runs on to
// the summarizer.
type Critic struct {
	baseAgent
	client llm.Client
}

func NewCritic(episodeID string, topo TopologySource, client llm.Client) *Critic {
	return &Critic{
		baseAgent: baseAgent{id: runtime.RoleCritic, episodeID: episodeID, topo: topo},
		client:    client,
	}
}

func (c *Critic) Handle(ctx context.Context, msg *runtime.Message) ([]*runtime.Message, error) {
	failed := asInt(msg.Payload["failed"])
	passed := asInt(msg.Payload["passed"])

	if failed > 0 {
		resp := c.client.Complete(ctx, llm.Request{
			Prompt: fmt.Sprintf("critique: %d tests failing after change %v", failed, msg.Payload["coder_action"]),
			System: "You are the critic agent of a bug-fix team.",
		})
		feedback := resp.Content
		if resp.Status != llm.StatusOK {
			feedback = "Tests are still failing. Ensure the add function returns a + b."
		}

		// Chain is one-directional, so a rework loop restarts at the planner.
		recipient := runtime.RoleCoder
		if topo, _ := c.topo.Active(); topo == runtime.TopologyChain {
			recipient = runtime.RolePlanner
		}
		return []*runtime.Message{c.newMsg(recipient, map[string]interface{}{
			"feedback":    feedback,
			"target_file": msg.Payload["target_file"],
			"passed":      passed,
			"failed":      failed,
		})}, nil
	}

	return []*runtime.Message{c.newMsg(runtime.RoleSummarizer, map[string]interface{}{
		"passed":       passed,
		"failed":       failed,
		"coder_action": msg.Payload["coder_action"],
	})}, nil
}

// Summarizer produces the terminal report for the planner.
type Summarizer struct {
	baseAgent
}

func NewSummarizer(episodeID string, topo TopologySource) *Summarizer {
	return &Summarizer{baseAgent{id: runtime.RoleSummarizer, episodeID: episodeID, topo: topo}}
}

func (s *Summarizer) Handle(_ context.Context, msg *runtime.Message) ([]*runtime.Message, error) {
	failed := asInt(msg.Payload["failed"])
	status := "success"
	if failed > 0 {
		status = "failure"
	}
	return []*runtime.Message{s.newMsg(runtime.RolePlanner, map[string]interface{}{
		"summary": map[string]interface{}{
			"tests_passed": asInt(msg.Payload["passed"]),
			"tests_failed": failed,
			"coder_action": msg.Payload["coder_action"],
			"status":       status,
		},
	})}, nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
