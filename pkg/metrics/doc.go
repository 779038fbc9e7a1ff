/*
Package metrics provides Prometheus metrics collection and exposition for Burrow.

The metrics package defines and registers all Burrow metrics using the
Prometheus client library, providing observability into inbox depth, turn
throughput and latency, coordination state, and forwarding activity. Metrics
are exposed via HTTP endpoint for scraping by Prometheus servers, alongside
health and readiness endpoints for process supervision.

# Metric Categories

Bus metrics:
  - burrow_inbox_depth{agent, state}: packets per inbox state, sampled
  - burrow_tasks_closed_total{agent, outcome}: receipts written
  - burrow_claim_conflicts_total: lost claim races

Turn metrics:
  - burrow_turns_total{agent, result}: terminal turn results
    (ok, superseded, timeout, transient, fatal)
  - burrow_turn_duration_seconds{agent}: wall time per turn
  - burrow_turn_retries_total{agent}: transient re-runs

Coordination metrics:
  - burrow_cooldown_active: 1 while the global cooldown file is live
  - burrow_cooldowns_set_total: cooldown writes and extensions
  - burrow_semaphore_slots_held: leased turn slots, sampled

Forwarding metrics:
  - burrow_followups_dispatched_total / burrow_followup_errors_total
  - burrow_digests_forwarded_total{destination}
  - burrow_observer_items_total{source}

# Registration

All metrics register against the default registry at package init via
MustRegister. Import the package and the metrics exist; no setup call is
required. Handler() returns the promhttp handler for mounting at /metrics.

# Collector

The Collector samples gauge-style state on a 15 second ticker:

	collector := metrics.NewCollector(store, coord)
	collector.Start()
	defer collector.Stop()

Counters and histograms are incremented inline by the supervisor,
orchestrator, and observer at the point of the event; the collector only
covers state that must be polled (inbox depth, cooldown, semaphore).

# Health and Readiness

A process-global HealthChecker backs three endpoints:

	/health  overall component health, 503 when any component is unhealthy
	/ready   critical components only, 503 until all are registered healthy
	/live    always 200 while the process runs

Commands declare their critical set at startup:

	metrics.SetCritical("bus", "lock", "runner")
	metrics.RegisterComponent("bus", true, "root opened")

# Usage

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Integration Points

This package integrates with:

  - pkg/supervisor: turn counters, durations, close outcomes
  - pkg/coordinator: cooldown and semaphore gauges via the Collector
  - pkg/orchestrator: digest forwarding counters
  - pkg/observer: review item counters
  - cmd/burrow: mounts the HTTP endpoints behind --metrics-addr
*/
package metrics
