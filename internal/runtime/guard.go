package runtime

import (
	"fmt"
)

// Fixed role IDs for the software-engineering team.
const (
	RolePlanner    AgentID = "planner"
	RoleCoder      AgentID = "coder"
	RoleRunner     AgentID = "runner"
	RoleCritic     AgentID = "critic"
	RoleSummarizer AgentID = "summarizer"
)

// Hub is the star-topology center. All non-hub traffic is rewritten through
// it.
const Hub = RolePlanner

// chainNext is the fixed pipeline order
// planner -> coder -> runner -> critic -> summarizer -> planner.
// critic -> planner is also valid (chain without summarizer).
var chainNext = map[AgentID][]AgentID{
	RolePlanner:    {RoleCoder},
	RoleCoder:      {RoleRunner},
	RoleRunner:     {RoleCritic},
	RoleCritic:     {RoleSummarizer, RolePlanner},
	RoleSummarizer: {RolePlanner},
}

// Roles lists the team in chain order.
var Roles = []AgentID{RolePlanner, RoleCoder, RoleRunner, RoleCritic, RoleSummarizer}

// IsRole reports whether id is one of the fixed team roles.
func IsRole(id AgentID) bool {
	for _, r := range Roles {
		if r == id {
			return true
		}
	}
	return false
}

// IntentKind classifies the routing decision of the guard.
type IntentKind int

const (
	IntentDirect IntentKind = iota
	IntentViaHub
	IntentFanout
)

func (k IntentKind) String() string {
	switch k {
	case IntentDirect:
		return "DIRECT"
	case IntentViaHub:
		return "VIA_HUB"
	case IntentFanout:
		return "FANOUT"
	default:
		return "UNKNOWN"
	}
}

// RouteIntent is the guard's verdict: who actually receives the message and
// whether the star hub rewrite applies.
type RouteIntent struct {
	Kind       IntentKind
	Recipients []AgentID
	// ForwardTo carries the original recipient when Kind is IntentViaHub.
	ForwardTo AgentID
}

// TopologyViolationError reports a (sender, recipient, topology) combination
// the current topology forbids.
type TopologyViolationError struct {
	Topology Topology
	Sender   AgentID
	Detail   string
}

func (e *TopologyViolationError) Error() string {
	return fmt.Sprintf("%s topology violation: %s (%s)", e.Topology, e.Detail, e.Sender)
}

// TopologyGuard validates sender/recipient pairs against the active topology
// and computes routing intent. It is a pure function over its configuration;
// it never mutates Router state.
type TopologyGuard struct {
	fanoutLimit int
	known       map[AgentID]bool
}

// NewTopologyGuard builds a guard with the given flat fan-out bound and the
// set of agents broadcast expands to. A nil agent set defaults to the fixed
// team roles.
func NewTopologyGuard(fanoutLimit int, agents []AgentID) *TopologyGuard {
	if fanoutLimit <= 0 {
		fanoutLimit = 2
	}
	if agents == nil {
		agents = Roles
	}
	known := make(map[AgentID]bool, len(agents))
	for _, a := range agents {
		known[a] = true
	}
	return &TopologyGuard{fanoutLimit: fanoutLimit, known: known}
}

// Validate checks the message addressing against the topology and returns
// the routing intent. recipients is the explicit fan-out list; when empty,
// recipient is the single addressee (possibly Broadcast).
func (g *TopologyGuard) Validate(topology Topology, sender, recipient AgentID, recipients []AgentID) (RouteIntent, error) {
	// Kickoff messages bypass topology rules entirely.
	if sender == SystemSender {
		if len(recipients) > 0 {
			return RouteIntent{Kind: IntentFanout, Recipients: recipients}, nil
		}
		if recipient == Broadcast {
			return RouteIntent{Kind: IntentFanout, Recipients: g.broadcastTargets(sender)}, nil
		}
		return RouteIntent{Kind: IntentDirect, Recipients: []AgentID{recipient}}, nil
	}

	switch topology {
	case TopologyStar:
		return g.validateStar(sender, recipient, recipients)
	case TopologyChain:
		return g.validateChain(sender, recipient, recipients)
	case TopologyFlat:
		return g.validateFlat(sender, recipient, recipients)
	default:
		return RouteIntent{}, &TopologyViolationError{Topology: topology, Sender: sender, Detail: "unknown topology"}
	}
}

func (g *TopologyGuard) validateStar(sender, recipient AgentID, recipients []AgentID) (RouteIntent, error) {
	if len(recipients) > 0 {
		return RouteIntent{}, &TopologyViolationError{Topology: TopologyStar, Sender: sender, Detail: "recipient lists not allowed in star"}
	}
	if recipient == Broadcast {
		if sender != Hub {
			return RouteIntent{}, &TopologyViolationError{Topology: TopologyStar, Sender: sender, Detail: "only the hub may broadcast"}
		}
		return RouteIntent{Kind: IntentFanout, Recipients: g.broadcastTargets(sender)}, nil
	}
	if sender == Hub || recipient == Hub {
		return RouteIntent{Kind: IntentDirect, Recipients: []AgentID{recipient}}, nil
	}
	// Peer-to-peer traffic is rewritten as a single message to the hub.
	// Never duplicated.
	return RouteIntent{Kind: IntentViaHub, Recipients: []AgentID{Hub}, ForwardTo: recipient}, nil
}

func (g *TopologyGuard) validateChain(sender, recipient AgentID, recipients []AgentID) (RouteIntent, error) {
	if len(recipients) > 0 || recipient == Broadcast {
		return RouteIntent{}, &TopologyViolationError{Topology: TopologyChain, Sender: sender, Detail: "no broadcast or fan-out in chain"}
	}
	// External senders enter the pipeline at the planner.
	if !IsRole(sender) {
		if recipient != RolePlanner {
			return RouteIntent{}, &TopologyViolationError{Topology: TopologyChain, Sender: sender, Detail: "external senders must send to planner"}
		}
		return RouteIntent{Kind: IntentDirect, Recipients: []AgentID{recipient}}, nil
	}
	for _, next := range chainNext[sender] {
		if next == recipient {
			return RouteIntent{Kind: IntentDirect, Recipients: []AgentID{recipient}}, nil
		}
	}
	return RouteIntent{}, &TopologyViolationError{
		Topology: TopologyChain,
		Sender:   sender,
		Detail:   fmt.Sprintf("%s -> %s not in chain order", sender, recipient),
	}
}

func (g *TopologyGuard) validateFlat(sender, recipient AgentID, recipients []AgentID) (RouteIntent, error) {
	if recipient == Broadcast && len(recipients) == 0 {
		recipients = g.broadcastTargets(sender)
	}
	if len(recipients) == 0 {
		if recipient == "" {
			return RouteIntent{}, &TopologyViolationError{Topology: TopologyFlat, Sender: sender, Detail: "missing recipient"}
		}
		recipients = []AgentID{recipient}
	}
	if len(recipients) > g.fanoutLimit {
		return RouteIntent{}, &TopologyViolationError{
			Topology: TopologyFlat,
			Sender:   sender,
			Detail:   fmt.Sprintf("fan-out %d exceeds limit %d", len(recipients), g.fanoutLimit),
		}
	}
	return RouteIntent{Kind: IntentFanout, Recipients: recipients}, nil
}

func (g *TopologyGuard) broadcastTargets(sender AgentID) []AgentID {
	targets := make([]AgentID, 0, len(g.known))
	for _, a := range Roles {
		if g.known[a] && a != sender {
			targets = append(targets, a)
		}
	}
	return targets
}
