// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	pendingSeen          = metrics.NewCounter("pending_txs_seen_total")
	pendingMatched       = metrics.NewCounter("pending_txs_matched_total")
	pendingDropped       = metrics.NewCounter("pending_txs_queue_full_total")
	pendingFetchFailures = metrics.NewCounter("pending_txs_fetch_failures_total")

	simulations        = metrics.NewCounter("simulations_total")
	simulationsFailed  = metrics.NewCounter("simulations_failed_total")
	stateCacheFetches  = metrics.NewCounter("state_cache_fetches_total")
	attemptsStarted    = metrics.NewCounter("opportunity_attempts_total")
	attemptsDuplicated = metrics.NewCounter("opportunity_attempts_duplicate_total")
	bundlesBuilt       = metrics.NewCounter("bundles_built_total")

	simulateDurationSummary = metrics.NewSummary("simulate_duration_milliseconds")
	attemptDurationSummary  = metrics.NewSummary("attempt_duration_milliseconds")
)

func IncPendingSeen() {
	pendingSeen.Inc()
}

func IncPendingMatched() {
	pendingMatched.Inc()
}

func IncPendingDropped() {
	pendingDropped.Inc()
}

func IncPendingFetchFailures() {
	pendingFetchFailures.Inc()
}

func IncSimulations() {
	simulations.Inc()
}

func IncSimulationsFailed() {
	simulationsFailed.Inc()
}

func IncStateCacheFetches() {
	stateCacheFetches.Inc()
}

func IncAttempts() {
	attemptsStarted.Inc()
}

func IncAttemptsDuplicated() {
	attemptsDuplicated.Inc()
}

func IncBundlesBuilt() {
	bundlesBuilt.Inc()
}

func RecordSimulateDuration(ms int64) {
	simulateDurationSummary.Update(float64(ms))
}

func RecordAttemptDuration(ms int64) {
	attemptDurationSummary.Update(float64(ms))
}

// IncAttemptFailure counts failed attempts by the stage that aborted them
func IncAttemptFailure(stage string) {
	l := fmt.Sprintf("opportunity_attempt_failures_total{stage=\"%s\"}", stage)
	metrics.GetOrCreateCounter(l).Inc()
}

func IncRelayCall(method string) {
	l := fmt.Sprintf("relay_calls_total{method=\"%s\"}", method)
	metrics.GetOrCreateCounter(l).Inc()
}

func IncRelayCallFailure(method string) {
	l := fmt.Sprintf("relay_call_failures_total{method=\"%s\"}", method)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordRelayCallDuration(method string, ms int64) {
	l := fmt.Sprintf("relay_call_duration_milliseconds{method=\"%s\"}", method)
	metrics.GetOrCreateSummary(l).Update(float64(ms))
}
