// Package metrics exports the runtime's Prometheus instrumentation. One
// Metrics value implements the observer interfaces of the router, the
// budget guard and the switching controller, so wiring is a single
// SetObserver call per component.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apex/runtime/internal/runtime"
)

// Metrics holds every collector. Registration happens in New via promauto,
// so constructing two Metrics against the same registry panics.
type Metrics struct {
	messagesAdmitted *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec

	topologyEpoch   prometheus.Gauge
	activeTopology  *prometheus.GaugeVec
	switchTotal     *prometheus.CounterVec
	switchPhaseMS   *prometheus.HistogramVec
	switchFlushed   prometheus.Counter
	switchRestamped prometheus.Counter

	budgetUsedTokens     *prometheus.GaugeVec
	budgetReservedTokens *prometheus.GaugeVec
	budgetDenied         *prometheus.CounterVec

	decisionLatency prometheus.Histogram
	actionsChosen   *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in production; a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messagesAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_messages_admitted_total",
			Help: "Messages admitted into an agent queue, by active topology.",
		}, []string{"topology"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_messages_dropped_total",
			Help: "Messages dropped, by drop reason.",
		}, []string{"reason"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apex_queue_depth",
			Help: "Active-queue depth per agent.",
		}, []string{"agent"}),

		topologyEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apex_topology_epoch",
			Help: "Current topology epoch.",
		}),
		activeTopology: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apex_active_topology",
			Help: "1 for the active topology, 0 otherwise.",
		}, []string{"topology"}),
		switchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_switches_total",
			Help: "Switch attempts by terminal outcome.",
		}, []string{"outcome"}),
		switchPhaseMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apex_switch_phase_duration_ms",
			Help:    "Per-phase switch durations in milliseconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 250},
		}, []string{"phase"}),
		switchFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "apex_switch_messages_flushed_total",
			Help: "Buffered messages promoted into the new epoch on commit.",
		}),
		switchRestamped: factory.NewCounter(prometheus.CounterOpts{
			Name: "apex_switch_messages_restamped_total",
			Help: "Buffered messages re-stamped back to the old epoch on abort.",
		}),

		budgetUsedTokens: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apex_budget_used_tokens",
			Help: "Settled token usage per budget scope.",
		}, []string{"scope"}),
		budgetReservedTokens: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apex_budget_reserved_tokens",
			Help: "Outstanding reserved tokens per budget scope.",
		}, []string{"scope"}),
		budgetDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_budget_denied_total",
			Help: "Budget denials by scope and reason.",
		}, []string{"scope", "reason"}),

		decisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "apex_controller_decision_duration_ms",
			Help:    "Controller decision latency in milliseconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		actionsChosen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apex_controller_actions_total",
			Help: "Bandit arms chosen.",
		}, []string{"action"}),
	}
}

// ---- runtime.Observer ----

func (m *Metrics) MessageAdmitted(topology runtime.Topology) {
	m.messagesAdmitted.WithLabelValues(string(topology)).Inc()
}

func (m *Metrics) MessageDropped(reason runtime.DropReason) {
	m.messagesDropped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) QueueDepth(agent runtime.AgentID, depth int) {
	m.queueDepth.WithLabelValues(string(agent)).Set(float64(depth))
}

// ---- coordinator.SwitchObserver ----

// SwitchObserved folds one terminal switch outcome into the collectors.
// outcome is "committed", "aborted" or "deferred".
func (m *Metrics) SwitchObserved(outcome string, stats runtime.SwitchStats, epoch runtime.Epoch) {
	m.switchTotal.WithLabelValues(outcome).Inc()
	m.switchPhaseMS.WithLabelValues("prepare").Observe(stats.PrepareMS)
	m.switchPhaseMS.WithLabelValues("quiesce").Observe(stats.QuiesceMS)
	m.switchPhaseMS.WithLabelValues("total").Observe(stats.ElapsedMS)
	m.switchFlushed.Add(float64(stats.Migrated))
	m.switchRestamped.Add(float64(stats.Restamped))
	m.topologyEpoch.Set(float64(epoch))
}

// TopologyActive marks the active topology in the one-hot gauge.
func (m *Metrics) TopologyActive(active runtime.Topology) {
	for _, t := range []runtime.Topology{runtime.TopologyStar, runtime.TopologyChain, runtime.TopologyFlat} {
		v := 0.0
		if t == active {
			v = 1.0
		}
		m.activeTopology.WithLabelValues(string(t)).Set(v)
	}
}

// EpochActive seeds the epoch gauge at startup, before any switch runs.
func (m *Metrics) EpochActive(epoch runtime.Epoch) {
	m.topologyEpoch.Set(float64(epoch))
}

// ---- budget.Observer ----

func (m *Metrics) BudgetUsage(scope string, usedTokens, reservedTokens int64) {
	m.budgetUsedTokens.WithLabelValues(scope).Set(float64(usedTokens))
	m.budgetReservedTokens.WithLabelValues(scope).Set(float64(reservedTokens))
}

func (m *Metrics) BudgetDenied(scope, reason string) {
	m.budgetDenied.WithLabelValues(scope, reason).Inc()
}

// ---- controller.Observer ----

func (m *Metrics) DecisionLatency(d time.Duration) {
	m.decisionLatency.Observe(float64(d) / float64(time.Millisecond))
}

func (m *Metrics) ActionChosen(action string) {
	m.actionsChosen.WithLabelValues(action).Inc()
}
