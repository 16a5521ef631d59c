// Package ratelimit bounds and adapts the load the extractor puts on the
// ledger RPC service. A Gate caps in-flight requests of one kind; a Throttle
// holds the shared batch size and de-rates both whenever the service pushes
// back.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for gate state.
var (
	gatePermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_gate_permits",
		Help: "Current permit ceiling of a concurrency gate",
	}, []string{"gate"})

	gateInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_gate_in_flight",
		Help: "Permits currently held on a concurrency gate",
	}, []string{"gate"})
)

// Gate is an adaptive permit pool. Its ceiling can be raised or lowered while
// permits are held; lowering never revokes a held permit, it only withholds
// re-issue until the new ceiling is respected.
type Gate struct {
	name string

	// resize serializes SetPermits so the most recently completed target is
	// always the one in force.
	resize sync.Mutex

	mu      sync.Mutex
	limit   int
	held    int
	changed chan struct{}
}

// NewGate creates a gate with the given number of permits (minimum 1).
func NewGate(name string, permits int) *Gate {
	if permits < 1 {
		permits = 1
	}
	g := &Gate{
		name:    name,
		limit:   permits,
		changed: make(chan struct{}),
	}
	gatePermits.WithLabelValues(name).Set(float64(permits))
	gateInFlight.WithLabelValues(name).Set(0)
	return g
}

// Name returns the gate's name.
func (g *Gate) Name() string {
	return g.name
}

// Acquire blocks until a permit is available or ctx is done. The returned
// release function must be called exactly once; extra calls are no-ops.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	for {
		g.mu.Lock()
		if g.held < g.limit {
			g.held++
			gateInFlight.WithLabelValues(g.name).Set(float64(g.held))
			g.mu.Unlock()

			var once sync.Once
			return func() { once.Do(g.release) }, nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (g *Gate) release() {
	g.mu.Lock()
	g.held--
	gateInFlight.WithLabelValues(g.name).Set(float64(g.held))
	g.broadcastLocked()
	g.mu.Unlock()
}

// SetPermits resizes the gate to exactly n permits. Growing takes effect
// immediately. Shrinking lowers the ceiling for new acquisitions at once and
// then blocks until enough held permits have been released that no more than
// n are outstanding.
func (g *Gate) SetPermits(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("gate %s: permits must be >= 1 (got %d)", g.name, n)
	}

	g.resize.Lock()
	defer g.resize.Unlock()

	g.mu.Lock()
	g.limit = n
	gatePermits.WithLabelValues(g.name).Set(float64(n))
	g.broadcastLocked()

	for g.held > n {
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("gate %s: shrink to %d: %w", g.name, n, ctx.Err())
		case <-wait:
		}

		g.mu.Lock()
	}
	g.mu.Unlock()

	return nil
}

// Permits returns the current ceiling.
func (g *Gate) Permits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// broadcastLocked wakes every waiter. Callers must hold g.mu.
func (g *Gate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
