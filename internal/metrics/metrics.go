// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandboxd"

var (
	sandboxCreates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_create_total",
		Help:      "Sandbox create calls by outcome (reused, restarted, created, failed).",
	}, []string{"outcome"})
	sandboxDestroys = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_destroy_total",
		Help:      "Sandbox destroy calls by result.",
	}, []string{"result"})
	agentNotReady = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_not_ready_total",
		Help:      "Readiness polls that exhausted their attempt budget.",
	})
	orchestratorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orchestrator_runs_total",
		Help:      "Plan/build workflow runs by final phase or error.",
	}, []string{"outcome"})
	buildDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "build_dispatch_total",
		Help:      "Build dispatch attempts by result (queued, duplicate, failed).",
	}, []string{"result"})
	buildJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "build_jobs_finished_total",
		Help:      "Build jobs that reached a terminal status.",
	}, []string{"status"})
	sweeperStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_stopped_total",
		Help:      "Idle sandboxes stopped by the sweeper.",
	})
	sweeperSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_skipped_total",
		Help:      "Idle candidates the sweeper skipped, by reason.",
	}, []string{"reason"})
	commandReaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_sandboxes_reaped_total",
		Help:      "Exited command sandboxes destroyed after the retention window.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordSandboxCreate(outcome string) {
	sandboxCreates.WithLabelValues(outcome).Inc()
}

func RecordSandboxDestroy(err error) {
	if err != nil {
		sandboxDestroys.WithLabelValues("error").Inc()
		return
	}
	sandboxDestroys.WithLabelValues("ok").Inc()
}

func RecordAgentNotReady() {
	agentNotReady.Inc()
}

func RecordOrchestratorRun(outcome string) {
	orchestratorRuns.WithLabelValues(outcome).Inc()
}

func RecordBuildDispatch(result string) {
	buildDispatches.WithLabelValues(result).Inc()
}

func RecordBuildJobFinished(status string) {
	buildJobs.WithLabelValues(status).Inc()
}

func RecordSweeperStop() {
	sweeperStops.Inc()
}

func RecordSweeperSkip(reason string) {
	sweeperSkips.WithLabelValues(reason).Inc()
}

func RecordCommandReaps(count int) {
	if count > 0 {
		commandReaps.Add(float64(count))
	}
}
