package pagination

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/client"
	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	signaturePagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_signature_pages_total",
		Help: "Total signature listing pages fetched",
	})

	signaturesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_signatures_discovered_total",
		Help: "Total in-range signatures discovered by pagination",
	})
)

// SignatureSource lists an account's events newest first, strictly older than
// the before cursor. *client.Client implements it.
type SignatureSource interface {
	GetSignaturesForAddress(ctx context.Context, account, before string, limit int) ([]ledger.EventRecord, error)
}

// PaginatorConfig holds paginator configuration.
type PaginatorConfig struct {
	// PageLimit is the page size requested from the listing call.
	PageLimit int

	// Timeout bounds a single page request attempt.
	Timeout time.Duration
}

// DefaultPaginatorConfig returns the default paginator configuration.
func DefaultPaginatorConfig() PaginatorConfig {
	return PaginatorConfig{
		PageLimit: client.MaxSignaturesPageLimit,
		Timeout:   30 * time.Second,
	}
}

// Paginator walks an account's signature listing backwards through a slot
// range. Every page request holds a permit of the signatures gate and is
// retried by policy; each retry de-rates that gate and the shared batch size.
type Paginator struct {
	src      SignatureSource
	gate     *ratelimit.Gate
	throttle *ratelimit.Throttle
	policy   client.RetryPolicy
	config   PaginatorConfig
}

// NewPaginator creates a paginator. The policy's OnRetry hook is replaced by
// the de-rating hook for gate.
func NewPaginator(src SignatureSource, gate *ratelimit.Gate, throttle *ratelimit.Throttle, policy client.RetryPolicy, config PaginatorConfig) *Paginator {
	if config.PageLimit <= 0 || config.PageLimit > client.MaxSignaturesPageLimit {
		config.PageLimit = client.MaxSignaturesPageLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	policy.Operation = client.MethodGetSignaturesForAddress
	policy.OnRetry = derateHook(throttle, gate)

	return &Paginator{
		src:      src,
		gate:     gate,
		throttle: throttle,
		policy:   policy,
		config:   config,
	}
}

// Walk returns the events of account with fromSlot <= slot <= toSlot, without
// duplicates. Finalized events come first ordered by (block time, slot);
// events without a block time follow ordered by slot. Ties keep the order in
// which the listing returned them, oldest first.
func (p *Paginator) Walk(ctx context.Context, account string, fromSlot, toSlot uint64) ([]ledger.EventRecord, error) {
	if fromSlot > toSlot {
		return nil, fmt.Errorf("invalid slot range [%d, %d]", fromSlot, toSlot)
	}

	start := time.Now()
	seen := make(map[string]struct{})
	var discovered []ledger.EventRecord

	before := ""
	pages := 0
	for {
		page, err := client.Retry(ctx, p.policy, func(ctx context.Context) ([]ledger.EventRecord, error) {
			return p.fetchPage(ctx, account, before)
		})
		if err != nil {
			return nil, fmt.Errorf("list signatures of %s (page %d): %w", account, pages+1, err)
		}
		pages++
		signaturePagesTotal.Inc()

		if len(page) == 0 {
			break
		}

		for _, ev := range page {
			if ev.Slot < fromSlot || ev.Slot > toSlot {
				continue
			}
			if _, dup := seen[ev.Signature]; dup {
				continue
			}
			seen[ev.Signature] = struct{}{}
			discovered = append(discovered, ev)
		}

		oldest := page[len(page)-1]
		log.Debug().
			Str("account", account).
			Int("page", pages).
			Int("entries", len(page)).
			Uint64("oldest_slot", oldest.Slot).
			Int("kept", len(discovered)).
			Msg("Signature page fetched")

		if oldest.Slot < fromSlot || len(page) < p.config.PageLimit {
			break
		}
		if oldest.Signature == before {
			return nil, fmt.Errorf("list signatures of %s: cursor %s did not advance", account, before)
		}
		before = oldest.Signature
	}

	// listing order is newest first; discovery order is oldest first
	slices.Reverse(discovered)
	slices.SortStableFunc(discovered, compareEvents)

	signaturesDiscovered.Add(float64(len(discovered)))
	log.Debug().
		Str("account", account).
		Int("pages", pages).
		Int("events", len(discovered)).
		Dur("duration", time.Since(start)).
		Msg("Signature walk complete")

	return discovered, nil
}

func (p *Paginator) fetchPage(ctx context.Context, account, before string) ([]ledger.EventRecord, error) {
	release, err := p.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	pageCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	return p.src.GetSignaturesForAddress(pageCtx, account, before, p.config.PageLimit)
}

func compareEvents(a, b ledger.EventRecord) int {
	switch {
	case a.HasBlockTime() && !b.HasBlockTime():
		return -1
	case !a.HasBlockTime() && b.HasBlockTime():
		return 1
	case a.HasBlockTime() && *a.BlockTime != *b.BlockTime:
		if *a.BlockTime < *b.BlockTime {
			return -1
		}
		return 1
	}
	switch {
	case a.Slot < b.Slot:
		return -1
	case a.Slot > b.Slot:
		return 1
	default:
		return 0
	}
}

// derateHook returns the OnRetry hook shrinking gate and the batch size.
func derateHook(throttle *ratelimit.Throttle, gate *ratelimit.Gate) func(context.Context, int, error) error {
	return func(ctx context.Context, _ int, _ error) error {
		return throttle.Derate(ctx, gate)
	}
}
