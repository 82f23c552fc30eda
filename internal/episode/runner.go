package episode

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/apex/runtime/internal/runtime"
)

// ProgressReporter receives workflow progress per processed step. The
// switching controller satisfies it.
type ProgressReporter interface {
	ReportProgress(phase string, testPassRate float64, tokensUsed int64)
}

// Result summarizes a finished episode.
type Result struct {
	EpisodeID       string
	Topology        runtime.Topology
	StepsTaken      int
	MessagesRouted  int
	MessagesHandled int
	Summary         map[string]interface{}
	Success         bool
}

// Runner drives an episode: kickoff to the planner, then a drain loop that
// hands each agent its mail and routes whatever comes back.
type Runner struct {
	episodeID string
	router    *runtime.Router
	topo      TopologySource
	agents    []Agent
	planner   *Planner
	testRun   *TestRunner
	reporter  ProgressReporter // optional

	tokensUsed int64
	logger     *log.Logger
}

// Team bundles the five role agents over shared infrastructure.
type Team struct {
	Planner    *Planner
	Coder      *Coder
	Runner     *TestRunner
	Critic     *Critic
	Summarizer *Summarizer
}

// NewRunner builds an episode runner over an assembled team.
func NewRunner(episodeID string, router *runtime.Router, topo TopologySource, team Team, reporter ProgressReporter) *Runner {
	if episodeID == "" {
		episodeID = uuid.NewString()
	}
	return &Runner{
		episodeID: episodeID,
		router:    router,
		topo:      topo,
		agents:    []Agent{team.Planner, team.Coder, team.Runner, team.Critic, team.Summarizer},
		planner:   team.Planner,
		testRun:   team.Runner,
		reporter:  reporter,
		logger:    log.New(log.Writer(), "[EPISODE] ", log.LstdFlags),
	}
}

// EpisodeID returns the episode identity shared by the team.
func (r *Runner) EpisodeID() string { return r.episodeID }

// Run executes up to maxSteps drain rounds and returns the outcome. The
// episode ends early once every mailbox is empty.
func (r *Runner) Run(ctx context.Context, maxSteps int) (Result, error) {
	if maxSteps <= 0 {
		maxSteps = 50
	}
	result := Result{EpisodeID: r.episodeID}
	result.Topology, _ = r.topo.Active()

	kickoff, err := runtime.NewMessage(r.episodeID, runtime.SystemSender, runtime.RolePlanner,
		map[string]interface{}{"action": "kickoff"}, 0)
	if err != nil {
		return result, err
	}
	if err := r.router.Route(kickoff); err != nil {
		return result, err
	}
	result.MessagesRouted++
	r.report("planning", 0)

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.StepsTaken = step + 1

		handled := 0
		for _, agent := range r.agents {
			msg, ok := r.router.Dequeue(agent.ID())
			if !ok {
				continue
			}
			handled++
			result.MessagesHandled++

			out, err := agent.Handle(ctx, msg)
			if err != nil {
				// A transient handler failure re-admits the message with a
				// bumped attempt counter.
				if rerr := r.router.Retry(msg); rerr != nil {
					r.logger.Printf("retry for %s dropped: %v", agent.ID(), rerr)
				}
				continue
			}
			r.observe(agent.ID(), msg)
			for _, next := range out {
				if err := r.router.Route(next); err != nil {
					r.logger.Printf("route from %s rejected: %v", agent.ID(), err)
					continue
				}
				result.MessagesRouted++
			}
		}

		if summary, ok := r.planner.Summary(); ok {
			result.Summary = summary
			result.Success = summary["status"] == "success"
			r.report("done", r.testRun.LastResult().PassRate())
			return result, nil
		}
		if handled == 0 {
			break
		}
	}
	return result, nil
}

// observe maps handled traffic onto workflow phases for the reporter.
func (r *Runner) observe(agent runtime.AgentID, msg *runtime.Message) {
	if tokens, ok := msg.Payload["tokens_used"].(int64); ok {
		r.tokensUsed += tokens
	}
	switch agent {
	case runtime.RolePlanner:
		r.report("planning", r.testRun.LastResult().PassRate())
	case runtime.RoleCoder:
		r.report("coding", r.testRun.LastResult().PassRate())
	case runtime.RoleRunner:
		r.report("testing", r.testRun.LastResult().PassRate())
	case runtime.RoleCritic, runtime.RoleSummarizer:
		r.report("critique", r.testRun.LastResult().PassRate())
	}
}

func (r *Runner) report(phase string, passRate float64) {
	if r.reporter != nil {
		r.reporter.ReportProgress(phase, passRate, r.tokensUsed)
	}
}
