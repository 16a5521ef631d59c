package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultScaleFactor is applied to permits and batch size on every retry.
const DefaultScaleFactor = 0.8

var (
	batchSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_batch_size",
		Help: "Current working batch size for transaction detail requests",
	})

	derateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_derate_total",
		Help: "Total number of throughput de-ratings by gate",
	}, []string{"gate"})
)

// Throttle holds the working batch size shared by every detail fetch and
// applies the de-rating policy. A de-rating is permanent for the lifetime of
// the Throttle; nothing scales back up.
type Throttle struct {
	batchSize atomic.Int64
	scale     float64
	logger    zerolog.Logger
}

// NewThrottle creates a throttle with an initial batch size and a scale factor
// in (0, 1).
func NewThrottle(batchSize int, scale float64, logger zerolog.Logger) (*Throttle, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1 (got %d)", batchSize)
	}
	if scale <= 0 || scale >= 1 {
		return nil, fmt.Errorf("scale factor must be in (0, 1) (got %v)", scale)
	}

	t := &Throttle{
		scale:  scale,
		logger: logger,
	}
	t.batchSize.Store(int64(batchSize))
	batchSizeGauge.Set(float64(batchSize))
	return t, nil
}

// BatchSize returns the current working batch size.
func (t *Throttle) BatchSize() int {
	return int(t.batchSize.Load())
}

// ScaleFactor returns the configured scale factor.
func (t *Throttle) ScaleFactor() float64 {
	return t.scale
}

// Derate shrinks gate to floor(permits * scale) and the batch size to
// floor(batch * scale), both clamped at 1. The gate shrink blocks until the
// new ceiling is respected. Concurrent calls are last-writer-wins.
func (t *Throttle) Derate(ctx context.Context, gate *Gate) error {
	prevPermits := gate.Permits()
	permits := scaleDown(prevPermits, t.scale)
	if err := gate.SetPermits(ctx, permits); err != nil {
		return err
	}

	var prevBatch, batch int64
	for {
		prevBatch = t.batchSize.Load()
		batch = int64(scaleDown(int(prevBatch), t.scale))
		if t.batchSize.CompareAndSwap(prevBatch, batch) {
			break
		}
	}
	batchSizeGauge.Set(float64(batch))
	derateTotal.WithLabelValues(gate.Name()).Inc()

	t.logger.Warn().
		Str("gate", gate.Name()).
		Int("permits_from", prevPermits).
		Int("permits_to", permits).
		Int64("batch_size_from", prevBatch).
		Int64("batch_size_to", batch).
		Msg("Throughput de-rated")

	return nil
}

func scaleDown(n int, scale float64) int {
	v := int(math.Floor(float64(n) * scale))
	if v < 1 {
		return 1
	}
	return v
}
