// Package metrics provides the Prometheus registry shared by the ledger
// history packages and the Pushgateway wiring for batch runs.
// All metrics are defined in their respective packages (client, ratelimit,
// pagination, cache) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultJob is the Pushgateway job name of a history run.
const DefaultJob = "ledger_history"

// Registry is the default Prometheus registry used by the ledger packages.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer exposes everything registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// NewPusher returns a Pushgateway pusher for one run. It pushes the process
// metrics from Gatherer, grouped by run_id.
func NewPusher(url, job, runID string) (*push.Pusher, error) {
	if url == "" {
		return nil, errors.New("metrics: pushgateway url is required")
	}
	if runID == "" {
		return nil, errors.New("metrics: run id is required")
	}
	if job == "" {
		job = DefaultJob
	}
	return push.New(url, job).
		Gatherer(Gatherer).
		Grouping("run_id", runID), nil
}

// Metrics Documentation
//
// Ledger RPC (pkg/client):
//   - ledger_rpc_requests_total{method, status} (Counter)
//   - ledger_rpc_request_duration_seconds{method} (Histogram)
//   - ledger_rpc_errors_total{class} (Counter): rate_limit, server, network, client, decode
//
// Retry (pkg/client):
//   - ledger_retries_total{operation, error_class} (Counter)
//   - ledger_retry_backoff_seconds{operation} (Histogram)
//   - ledger_retry_exhausted_total{operation} (Counter)
//
// Throughput (pkg/ratelimit):
//   - ledger_gate_permits{gate} (Gauge): current permit ceiling
//   - ledger_gate_in_flight{gate} (Gauge): permits held
//   - ledger_batch_size (Gauge): working detail batch size
//   - ledger_derate_total{gate} (Counter)
//
// Pagination (pkg/pagination):
//   - ledger_signature_pages_total (Counter)
//   - ledger_signatures_discovered_total (Counter)
//   - ledger_detail_batches_total{outcome} (Counter)
//   - ledger_dropped_envelopes_total (Counter)
//
// Envelope cache (pkg/cache):
//   - ledger_cache_hits_total{layer="redis"} (Counter)
//   - ledger_cache_misses_total (Counter)
//   - ledger_cache_writes_total (Counter)
//   - ledger_cache_errors_total{operation} (Counter)
//
// Run output (pkg/report, pushed only):
//   - ledger_history_balance_lamports{group, account} (Gauge)
//   - ledger_history_events{group, account} (Gauge)
//
// Example Prometheus Queries:
//
//   # Rate limiting pressure
//   sum by (error_class) (rate(ledger_retries_total[5m]))
//
//   # Throughput after de-rating
//   ledger_batch_size
//   ledger_gate_permits{gate="transactions"}
//
//   # Cache hit rate
//   sum(rate(ledger_cache_hits_total[5m])) /
//   (sum(rate(ledger_cache_hits_total[5m])) + sum(rate(ledger_cache_misses_total[5m])))
//
//   # P95 RPC latency
//   histogram_quantile(0.95, rate(ledger_rpc_request_duration_seconds_bucket[5m]))
