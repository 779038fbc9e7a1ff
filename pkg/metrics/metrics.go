package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	InboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_inbox_depth",
			Help: "Number of packets per agent inbox by state",
		},
		[]string{"agent", "state"},
	)

	TasksClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tasks_closed_total",
			Help: "Total number of tasks closed by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_claim_conflicts_total",
			Help: "Total number of lost claim races",
		},
	)

	// Turn metrics
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_turns_total",
			Help: "Total number of turns by agent and result",
		},
		[]string{"agent", "result"},
	)

	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"agent"},
	)

	TurnRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_turn_retries_total",
			Help: "Total number of transient turn retries by agent",
		},
		[]string{"agent"},
	)

	// Coordination metrics
	CooldownActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_cooldown_active",
			Help: "Whether a global cooldown is in effect (1 = active)",
		},
	)

	CooldownsSet = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_cooldowns_set_total",
			Help: "Total number of global cooldowns written or extended",
		},
	)

	SemaphoreHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_semaphore_slots_held",
			Help: "Number of semaphore slots currently leased",
		},
	)

	// Forwarding metrics
	FollowUpsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_followups_dispatched_total",
			Help: "Total number of follow-up packets dispatched from turn results",
		},
	)

	FollowUpErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_followup_errors_total",
			Help: "Total number of follow-up dispatch failures",
		},
	)

	DigestsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_digests_forwarded_total",
			Help: "Total number of orchestrator digests forwarded by destination",
		},
		[]string{"destination"},
	)

	ObserverItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_observer_items_total",
			Help: "Total number of external review items converted to packets by source",
		},
		[]string{"source"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InboxDepth)
	prometheus.MustRegister(TasksClosed)
	prometheus.MustRegister(ClaimConflicts)
	prometheus.MustRegister(TurnsTotal)
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(TurnRetries)
	prometheus.MustRegister(CooldownActive)
	prometheus.MustRegister(CooldownsSet)
	prometheus.MustRegister(SemaphoreHeld)
	prometheus.MustRegister(FollowUpsDispatched)
	prometheus.MustRegister(FollowUpErrors)
	prometheus.MustRegister(DigestsForwarded)
	prometheus.MustRegister(ObserverItems)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
