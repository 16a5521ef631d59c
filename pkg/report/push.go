package report

import (
	"context"
	"fmt"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PushWriter pushes per-account summary gauges together with the process
// metrics to a Prometheus Pushgateway. The push happens while staging and
// cannot be withdrawn.
type PushWriter struct {
	url    string
	job    string
	runID  string
	logger zerolog.Logger
}

// NewPushWriter creates a Pushgateway sink. The run id becomes the run_id
// grouping label.
func NewPushWriter(url, runID string, logger zerolog.Logger) *PushWriter {
	return &PushWriter{url: url, job: metrics.DefaultJob, runID: runID, logger: logger}
}

// Name implements Writer.
func (w *PushWriter) Name() string { return "pushgateway" }

// Stage implements Writer.
func (w *PushWriter) Stage(ctx context.Context, rows []ledger.Row) (Staged, error) {
	balance := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_history_balance_lamports",
		Help: "Balance after the last extracted event of an account",
	}, []string{"group", "account"})
	events := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_history_events",
		Help: "Number of extracted balance events of an account",
	}, []string{"group", "account"})

	// Rows of one account are in chronological order; the last one wins.
	for _, r := range rows {
		balance.WithLabelValues(r.Group, r.Account).Set(float64(r.BalanceAfter))
		events.WithLabelValues(r.Group, r.Account).Inc()
	}

	pusher, err := metrics.NewPusher(w.url, w.job, w.runID)
	if err != nil {
		return nil, err
	}
	if err := pusher.Collector(balance).Collector(events).PushContext(ctx); err != nil {
		return nil, fmt.Errorf("push to %s: %w", w.url, err)
	}

	w.logger.Info().Str("url", w.url).Str("run_id", w.runID).Msg("Metrics pushed")
	return pushed{}, nil
}

type pushed struct{}

func (pushed) Commit() error { return nil }
func (pushed) Abort()        {}
