// Package budget gates external calls against multi-scope token/time
// budgets through an estimate -> reserve -> settle lifecycle. Scopes are
// independent keys (daily, episode:<id>, agent:<role>); a reservation must
// clear every scope it names before any counter moves.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex/runtime/internal/events"
)

// ErrDenied is the sentinel callers surface when a reservation is refused.
// The Decision carries the per-scope reasons.
var ErrDenied = errors.New("budget denied")

// Well-known scope keys.
const (
	ScopeDaily = "daily"
)

// EpisodeScope returns the scope key for an episode.
func EpisodeScope(episodeID string) string { return "episode:" + episodeID }

// AgentScope returns the scope key for an agent role.
func AgentScope(role string) string { return "agent:" + role }

// Denial reasons.
const (
	DenyTokenHeadroom = "tok_headroom"
	DenyTimeHeadroom  = "ms_headroom"
	DenyUnknownScope  = "unknown_scope"
)

// Denial names the scope that blocked a reservation and why.
type Denial struct {
	Scope  string
	Reason string
}

// Decision is the outcome of CheckAndReserve. A denied decision mutates no
// counters anywhere.
type Decision struct {
	Allowed       bool
	ReservationID string
	Denials       []Denial
}

// Limits configures one scope.
type Limits struct {
	Tokens int64 // 0 = scope must be registered explicitly; budgets are never implicit
	Millis int64 // 0 = no time budget
}

// Config carries the guard-wide tunables.
type Config struct {
	SafetyFactor   float64       // headroom multiplier on estimates, >= 1.0
	ReservationTTL time.Duration // max hold before an estimate is debited as spent
	SweepInterval  time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		SafetyFactor:   1.2,
		ReservationTTL: 10 * time.Second,
		SweepInterval:  time.Second,
	}
}

type scopeState struct {
	limits        Limits
	usedTokens    int64
	usedMillis    int64
	reservedTok   int64
	reservedMilli int64
	denies        uint64
}

type scopeHold struct {
	scope  string
	estTok int64
	estMS  int64
}

type reservation struct {
	id      string
	holds   []scopeHold
	created time.Time
}

// Observer receives budget signals for metrics export.
type Observer interface {
	BudgetUsage(scope string, usedTokens, reservedTokens int64)
	BudgetDenied(scope, reason string)
}

// Guard tracks scopes, admits reservations under the safety-factor check,
// and settles or expires them. All counters move under one lock; a
// background sweeper expires stale reservations so a crashed caller cannot
// hold a scope forever.
type Guard struct {
	cfg Config

	mu           sync.Mutex
	scopes       map[string]*scopeState
	reservations map[string]*reservation
	denyEMA      float64
	now          func() time.Time

	observer Observer
	bus      events.EventEmitter // optional
	logger   *log.Logger
}

// NewGuard builds a guard with no scopes registered.
func NewGuard(cfg Config, bus events.EventEmitter) *Guard {
	if cfg.SafetyFactor < 1.0 {
		cfg.SafetyFactor = 1.0
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Guard{
		cfg:          cfg,
		scopes:       make(map[string]*scopeState),
		reservations: make(map[string]*reservation),
		now:          time.Now,
		bus:          bus,
		logger:       log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
	}
}

// SetObserver wires a metrics sink. Must be called before traffic starts.
func (g *Guard) SetObserver(o Observer) { g.observer = o }

// SetScope registers or replaces a scope's limits.
func (g *Guard) SetScope(scope string, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.scopes[scope]
	if st == nil {
		st = &scopeState{}
		g.scopes[scope] = st
	}
	st.limits = limits
}

// CheckAndReserve verifies used + reserved + safety_factor*estimate fits
// under every named scope's budget, and on success creates one reservation
// holding the estimate in all of them. Any violation denies the whole
// request with per-scope reasons and touches nothing.
func (g *Guard) CheckAndReserve(scopes []string, estTok, estMS int64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	var denials []Denial
	for _, scope := range scopes {
		st, ok := g.scopes[scope]
		if !ok {
			denials = append(denials, Denial{Scope: scope, Reason: DenyUnknownScope})
			continue
		}
		padTok := int64(g.cfg.SafetyFactor * float64(estTok))
		if st.limits.Tokens > 0 && st.usedTokens+st.reservedTok+padTok > st.limits.Tokens {
			denials = append(denials, Denial{Scope: scope, Reason: DenyTokenHeadroom})
			continue
		}
		padMS := int64(g.cfg.SafetyFactor * float64(estMS))
		if st.limits.Millis > 0 && st.usedMillis+st.reservedMilli+padMS > st.limits.Millis {
			denials = append(denials, Denial{Scope: scope, Reason: DenyTimeHeadroom})
		}
	}
	if len(denials) > 0 {
		g.recordDenyLocked(denials)
		return Decision{Denials: denials}
	}

	res := &reservation{id: uuid.NewString(), created: g.now()}
	for _, scope := range scopes {
		st := g.scopes[scope]
		st.reservedTok += estTok
		st.reservedMilli += estMS
		res.holds = append(res.holds, scopeHold{scope: scope, estTok: estTok, estMS: estMS})
		g.observeLocked(scope, st)
	}
	g.reservations[res.id] = res
	g.decayDenyLocked()
	return Decision{Allowed: true, ReservationID: res.id}
}

// Settle replaces a reservation's estimates with actuals: used grows by the
// actuals (overshoot allowed), reserved releases the estimates.
func (g *Guard) Settle(reservationID string, actualTok, actualMS int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[reservationID]
	if !ok {
		return fmt.Errorf("unknown or already-closed reservation %s", reservationID)
	}
	delete(g.reservations, reservationID)

	for _, hold := range res.holds {
		st := g.scopes[hold.scope]
		if st == nil {
			continue
		}
		st.reservedTok -= hold.estTok
		if st.reservedTok < 0 {
			st.reservedTok = 0
		}
		st.reservedMilli -= hold.estMS
		if st.reservedMilli < 0 {
			st.reservedMilli = 0
		}
		st.usedTokens += actualTok
		st.usedMillis += actualMS
		g.observeLocked(hold.scope, st)
	}
	return nil
}

// Expire debits every reservation at or past its TTL as though its estimate
// had been spent. This is what keeps a crashed caller from deadlocking a
// scope.
func (g *Guard) Expire() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	expired := 0
	for id, res := range g.reservations {
		if now.Before(res.created.Add(g.cfg.ReservationTTL)) {
			continue
		}
		delete(g.reservations, id)
		expired++
		for _, hold := range res.holds {
			st := g.scopes[hold.scope]
			if st == nil {
				continue
			}
			st.reservedTok -= hold.estTok
			if st.reservedTok < 0 {
				st.reservedTok = 0
			}
			st.reservedMilli -= hold.estMS
			if st.reservedMilli < 0 {
				st.reservedMilli = 0
			}
			st.usedTokens += hold.estTok
			st.usedMillis += hold.estMS
			g.observeLocked(hold.scope, st)
		}
	}
	if expired > 0 {
		g.logger.Printf("expired %d reservation(s) past TTL", expired)
	}
	return expired
}

// RunSweeper expires stale reservations on a fixed interval until the
// context ends.
func (g *Guard) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Expire()
		}
	}
}

// Usage reports (used, reserved, budget) tokens for a scope.
func (g *Guard) Usage(scope string) (used, reserved, budget int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.scopes[scope]
	if !ok {
		return 0, 0, 0
	}
	return st.usedTokens, st.reservedTok, st.limits.Tokens
}

// Headroom returns max(0, 1 - used/budget) for a scope; 0 when no budget is
// set. This is the controller's token-headroom feature.
func (g *Guard) Headroom(scope string) float64 {
	used, _, budget := g.Usage(scope)
	if budget <= 0 {
		return 0
	}
	h := 1.0 - float64(used)/float64(budget)
	if h < 0 {
		return 0
	}
	return h
}

// DenyRate returns an exponential moving average of recent deny decisions
// in [0,1], surfaced to the controller as a feature input.
func (g *Guard) DenyRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denyEMA
}

const denyEMAAlpha = 0.2

func (g *Guard) recordDenyLocked(denials []Denial) {
	g.denyEMA = g.denyEMA*(1-denyEMAAlpha) + denyEMAAlpha
	for _, d := range denials {
		if st := g.scopes[d.Scope]; st != nil {
			st.denies++
		}
		if g.observer != nil {
			g.observer.BudgetDenied(d.Scope, d.Reason)
		}
		if g.bus != nil {
			g.bus.Emit(events.EventBudgetDenied, "/budget", d.Scope, map[string]interface{}{
				"scope":  d.Scope,
				"reason": d.Reason,
			})
		}
	}
}

func (g *Guard) decayDenyLocked() {
	g.denyEMA = g.denyEMA * (1 - denyEMAAlpha)
}

func (g *Guard) observeLocked(scope string, st *scopeState) {
	if g.observer != nil {
		g.observer.BudgetUsage(scope, st.usedTokens, st.reservedTok)
	}
}
