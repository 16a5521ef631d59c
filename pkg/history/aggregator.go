// Package history assembles the per-account balance history of a set of
// account groups: it walks every account's signature listing, resolves the
// balance details, validates the result and merges it into output rows.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/authority"
	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/pagination"
	"github.com/Sternrassler/ledger-history/pkg/ratelimit"
	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// SignatureWalker lists an account's events in a slot range.
// *pagination.Paginator implements it.
type SignatureWalker interface {
	Walk(ctx context.Context, account string, fromSlot, toSlot uint64) ([]ledger.EventRecord, error)
}

// DetailFetcher resolves detail records for an account's signatures.
// *pagination.BatchFetcher implements it.
type DetailFetcher interface {
	Fetch(ctx context.Context, account string, signatures []string) (pagination.FetchResult, error)
}

// Deps are the collaborators of an Aggregator.
type Deps struct {
	Paginator SignatureWalker
	Fetcher   DetailFetcher
	Store     authority.Store
	Logger    zerolog.Logger

	// Optional; only read to report the final throughput in Stats.
	Throttle   *ratelimit.Throttle
	PageGate   *ratelimit.Gate
	DetailGate *ratelimit.Gate
}

// Options tunes an Aggregator.
type Options struct {
	// Concurrency is the number of accounts processed at once.
	Concurrency int
}

// DefaultOptions returns the default aggregator options.
func DefaultOptions() Options {
	return Options{Concurrency: 8}
}

// Stats summarizes a run.
type Stats struct {
	Accounts int
	Events   int
	Details  int
	Dropped  int

	FinalBatchSize     int
	FinalPagePermits   int
	FinalDetailPermits int

	Duration time.Duration
}

// Result is the outcome of a successful run.
type Result struct {
	Rows  []ledger.Row
	Usage authority.Usage
	Stats Stats
}

// Aggregator runs one extraction over a set of groups.
type Aggregator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New creates an aggregator.
func New(deps Deps, opts Options) (*Aggregator, error) {
	if deps.Paginator == nil || deps.Fetcher == nil || deps.Store == nil {
		return nil, errors.New("history: paginator, fetcher and store are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions().Concurrency
	}
	return &Aggregator{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With().Str("component", "aggregator").Logger(),
	}, nil
}

// accountEvents is the paginated listing of one account.
type accountEvents struct {
	account ledger.Account
	events  []ledger.EventRecord
}

// Run extracts the history of every account in groups for the inclusive slot
// range. Any failure aborts the run; no partial result is returned.
func (a *Aggregator) Run(ctx context.Context, groups []ledger.Group, fromSlot, toSlot uint64) (*Result, error) {
	start := time.Now()

	accounts, err := flatten(groups)
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Int("groups", len(groups)).
		Int("accounts", len(accounts)).
		Uint64("from_slot", fromSlot).
		Uint64("to_slot", toSlot).
		Msg("Starting history extraction")

	pool := pond.NewPool(a.opts.Concurrency, pond.WithQueueSize(len(accounts)))
	defer pool.StopAndWait()

	listings, err := a.walkAll(ctx, pool, accounts, fromSlot, toSlot)
	if err != nil {
		return nil, err
	}

	if err := checkUniqueSignatures(listings); err != nil {
		return nil, err
	}

	fetched, err := a.fetchAll(ctx, pool, listings)
	if err != nil {
		return nil, err
	}

	stats := Stats{Accounts: len(accounts)}
	var (
		retained []string
		newest   time.Time
	)
	for i, l := range listings {
		res := fetched[i]
		if err := checkComplete(l, res); err != nil {
			return nil, err
		}
		stats.Events += len(l.events)
		stats.Details += len(res.Details)
		stats.Dropped += len(res.Dropped)
		for _, d := range res.Details {
			retained = append(retained, d.Signature)
			if d.Timestamp.After(newest) {
				newest = d.Timestamp
			}
		}
	}

	usage, err := a.crossCheck(ctx, retained, newest)
	if err != nil {
		return nil, err
	}

	rows := merge(listings, fetched)

	if a.deps.Throttle != nil {
		stats.FinalBatchSize = a.deps.Throttle.BatchSize()
	}
	if a.deps.PageGate != nil {
		stats.FinalPagePermits = a.deps.PageGate.Permits()
	}
	if a.deps.DetailGate != nil {
		stats.FinalDetailPermits = a.deps.DetailGate.Permits()
	}
	stats.Duration = time.Since(start)

	a.logger.Info().
		Int("accounts", stats.Accounts).
		Int("events", stats.Events).
		Int("details", stats.Details).
		Int("dropped", stats.Dropped).
		Int("rows", len(rows)).
		Int("final_batch_size", stats.FinalBatchSize).
		Dur("duration", stats.Duration).
		Msg("History extraction complete")

	return &Result{Rows: rows, Usage: usage, Stats: stats}, nil
}

func flatten(groups []ledger.Group) ([]ledger.Account, error) {
	var accounts []ledger.Account
	for _, g := range groups {
		if len(g.Accounts) == 0 {
			return nil, fmt.Errorf("group %q has no accounts", g.Name)
		}
		for _, addr := range g.Accounts {
			accounts = append(accounts, ledger.Account{Group: g.Name, Address: addr})
		}
	}
	if len(accounts) == 0 {
		return nil, errors.New("no accounts to extract")
	}
	return accounts, nil
}

// walkAll runs one paginator per account and returns the listings in input
// order.
func (a *Aggregator) walkAll(ctx context.Context, pool pond.Pool, accounts []ledger.Account, fromSlot, toSlot uint64) ([]accountEvents, error) {
	out := xsync.NewMap[string, []ledger.EventRecord]()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, acct := range accounts {
		group.SubmitErr(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			events, err := a.deps.Paginator.Walk(groupCtx, acct.Address, fromSlot, toSlot)
			if err != nil {
				return fmt.Errorf("walk %s: %w", acct, err)
			}
			out.Store(acct.String(), events)

			a.logger.Debug().
				Str("group", acct.Group).
				Str("account", acct.Address).
				Int("events", len(events)).
				Msg("Account listing complete")
			return nil
		})
	}

	if err := waitGroup(ctx, group); err != nil {
		return nil, err
	}

	listings := make([]accountEvents, len(accounts))
	for i, acct := range accounts {
		events, ok := out.Load(acct.String())
		if !ok {
			return nil, fmt.Errorf("walk %s: no result", acct)
		}
		listings[i] = accountEvents{account: acct, events: events}
	}
	return listings, nil
}

// fetchAll runs one batch fetcher per account; results are parallel to
// listings.
func (a *Aggregator) fetchAll(ctx context.Context, pool pond.Pool, listings []accountEvents) ([]pagination.FetchResult, error) {
	out := xsync.NewMap[string, pagination.FetchResult]()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, l := range listings {
		if len(l.events) == 0 {
			continue
		}
		group.SubmitErr(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			sigs := make([]string, len(l.events))
			for i, ev := range l.events {
				sigs[i] = ev.Signature
			}
			res, err := a.deps.Fetcher.Fetch(groupCtx, l.account.Address, sigs)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", l.account, err)
			}
			out.Store(l.account.String(), res)
			return nil
		})
	}

	if err := waitGroup(ctx, group); err != nil {
		return nil, err
	}

	results := make([]pagination.FetchResult, len(listings))
	for i, l := range listings {
		results[i], _ = out.Load(l.account.String())
	}
	return results, nil
}

// waitGroup waits for group and reports the first task error, or the parent
// context's error when the run was cancelled from outside.
func waitGroup(ctx context.Context, group pond.TaskGroup) error {
	err := group.Wait()
	if err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (a *Aggregator) crossCheck(ctx context.Context, signatures []string, newest time.Time) (authority.Usage, error) {
	latest, err := a.deps.Store.LatestTimestamp(ctx)
	if err != nil {
		return authority.Usage{}, fmt.Errorf("authoritative store watermark: %w", err)
	}
	if latest.Before(newest) {
		return authority.Usage{}, &PreconditionError{Latest: latest, Required: newest}
	}

	usage, err := a.deps.Store.UsageBySignatures(ctx, signatures)
	if err != nil {
		return authority.Usage{}, fmt.Errorf("authoritative usage: %w", err)
	}

	if usage.MatchedSignatures != uint64(len(signatures)) {
		a.logger.Warn().
			Int("signatures", len(signatures)).
			Uint64("matched", usage.MatchedSignatures).
			Msg("Authoritative store does not know every extracted signature")
	}
	return usage, nil
}
