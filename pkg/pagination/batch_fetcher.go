package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/client"
	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// ErrEnvelopeIntegrity marks a response that cannot be trusted: an envelope
// for a signature that was not requested, a missing envelope, mismatched
// balance arrays or an account absent from the transaction.
var ErrEnvelopeIntegrity = errors.New("transaction envelope integrity violation")

var (
	detailBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_detail_batches_total",
		Help: "Total transaction detail batches by outcome",
	}, []string{"outcome"})

	droppedEnvelopesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_dropped_envelopes_total",
		Help: "Total transactions dropped because they carry no block time",
	})
)

// TransactionSource fetches transactions in one batched round trip. The
// result is parallel to signatures; nil entries are unknown transactions.
// *client.Client implements it.
type TransactionSource interface {
	GetTransactions(ctx context.Context, signatures []string) ([]*ledger.Envelope, error)
}

// EnvelopeCache stores finalized envelopes between runs. *cache.Manager
// implements it.
type EnvelopeCache interface {
	GetMany(ctx context.Context, signatures []string) (map[string]*ledger.Envelope, error)
	PutMany(ctx context.Context, envelopes []*ledger.Envelope) error
}

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the number of batches in flight per Fetch call (W).
	MaxConcurrency int

	// Timeout per batch request attempt
	Timeout time.Duration

	// Cache is optional; when set, only cache misses are requested.
	Cache EnvelopeCache
}

// DefaultConfig returns the default batch fetcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Timeout:        30 * time.Second,
	}
}

// FetchResult is the outcome of one Fetch call.
type FetchResult struct {
	// Details holds one record per finalized signature, in batch order.
	Details []ledger.DetailRecord

	// Dropped lists signatures whose transaction has no block time yet.
	Dropped []string

	// Batches is the number of batches the signatures were split into.
	Batches int
}

// BatchFetcher turns an account's signatures into detail records using
// batched transaction requests spread over a worker pool.
type BatchFetcher struct {
	src      TransactionSource
	gate     *ratelimit.Gate
	throttle *ratelimit.Throttle
	policy   client.RetryPolicy
	config   Config
}

// NewBatchFetcher creates a new batch fetcher. The policy's OnRetry hook is
// replaced by the de-rating hook for gate.
func NewBatchFetcher(src TransactionSource, gate *ratelimit.Gate, throttle *ratelimit.Throttle, policy client.RetryPolicy, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	policy.Operation = client.MethodGetTransaction
	policy.OnRetry = derateHook(throttle, gate)

	return &BatchFetcher{
		src:      src,
		gate:     gate,
		throttle: throttle,
		policy:   policy,
		config:   config,
	}
}

type batchResult struct {
	index   int
	details []ledger.DetailRecord
	dropped []string
}

// Fetch resolves the detail records of account for signatures. The working
// batch size is read once; de-ratings during the call only affect later calls.
// A batch that fails after retries cancels the others and fails the call.
func (bf *BatchFetcher) Fetch(ctx context.Context, account string, signatures []string) (FetchResult, error) {
	if len(signatures) == 0 {
		return FetchResult{}, nil
	}

	start := time.Now()
	batches := split(signatures, bf.throttle.BatchSize())

	workers := bf.config.MaxConcurrency
	if workers > len(batches) {
		workers = len(batches)
	}

	log.Debug().
		Str("account", account).
		Int("signatures", len(signatures)).
		Int("batches", len(batches)).
		Int("workers", workers).
		Msg("Starting parallel detail fetch")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batchQueue := make(chan int, len(batches))
	for i := range batches {
		batchQueue <- i
	}
	close(batchQueue)

	results := make(chan batchResult, len(batches))

	var (
		firstErr error
		errOnce  sync.Once
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(ctx, account, batches, batchQueue, results, fail, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]batchResult, len(batches))
	for r := range results {
		collected[r.index] = r
	}

	if firstErr != nil {
		return FetchResult{}, firstErr
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, fmt.Errorf("fetch details of %s: %w", account, err)
	}

	res := FetchResult{Batches: len(batches)}
	for _, r := range collected {
		res.Details = append(res.Details, r.details...)
		res.Dropped = append(res.Dropped, r.dropped...)
	}

	log.Debug().
		Str("account", account).
		Int("details", len(res.Details)).
		Int("dropped", len(res.Dropped)).
		Dur("duration", time.Since(start)).
		Msg("Detail fetch complete")

	return res, nil
}

// worker processes batches from the queue
func (bf *BatchFetcher) worker(ctx context.Context, account string, batches [][]string, batchQueue <-chan int, results chan<- batchResult, fail func(error), wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for index := range batchQueue {
		if ctx.Err() != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("batches_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		details, dropped, err := bf.fetchBatch(ctx, account, batches[index])
		if err != nil {
			detailBatchesTotal.WithLabelValues("failed").Inc()
			fail(fmt.Errorf("fetch details of %s (batch %d/%d): %w", account, index+1, len(batches), err))
			return
		}
		detailBatchesTotal.WithLabelValues("ok").Inc()

		results <- batchResult{index: index, details: details, dropped: dropped}
		processed++
	}
}

func (bf *BatchFetcher) fetchBatch(ctx context.Context, account string, batch []string) ([]ledger.DetailRecord, []string, error) {
	envelopes := make(map[string]*ledger.Envelope, len(batch))
	misses := batch

	if bf.config.Cache != nil {
		cached, err := bf.config.Cache.GetMany(ctx, batch)
		if err != nil {
			log.Warn().Err(err).Str("account", account).Msg("Envelope cache read failed, using RPC")
		}
		if len(cached) > 0 {
			misses = make([]string, 0, len(batch))
			for _, sig := range batch {
				if env, ok := cached[sig]; ok && env.Finalized() && env.Signature == sig {
					envelopes[sig] = env
				} else {
					misses = append(misses, sig)
				}
			}
		}
	}

	if len(misses) > 0 {
		fetched, err := client.Retry(ctx, bf.policy, func(ctx context.Context) ([]*ledger.Envelope, error) {
			return bf.fetchEnvelopes(ctx, misses)
		})
		if err != nil {
			return nil, nil, err
		}
		if len(fetched) != len(misses) {
			return nil, nil, fmt.Errorf("%w: %d envelopes for %d signatures", ErrEnvelopeIntegrity, len(fetched), len(misses))
		}

		var finalized []*ledger.Envelope
		for i, env := range fetched {
			if env == nil {
				continue
			}
			if env.Signature != misses[i] {
				return nil, nil, fmt.Errorf("%w: got %s for requested %s", ErrEnvelopeIntegrity, env.Signature, misses[i])
			}
			envelopes[misses[i]] = env
			if env.Finalized() {
				finalized = append(finalized, env)
			}
		}

		if bf.config.Cache != nil && len(finalized) > 0 {
			if err := bf.config.Cache.PutMany(ctx, finalized); err != nil {
				log.Warn().Err(err).Str("account", account).Msg("Envelope cache write failed")
			}
		}
	}

	var (
		details []ledger.DetailRecord
		dropped []string
	)
	for _, sig := range batch {
		env := envelopes[sig]
		if !env.Finalized() {
			dropped = append(dropped, sig)
			droppedEnvelopesTotal.Inc()
			continue
		}
		d, ok, err := env.Detail(account)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrEnvelopeIntegrity, err)
		}
		if !ok {
			dropped = append(dropped, sig)
			continue
		}
		details = append(details, d)
	}

	if len(dropped) > 0 {
		log.Debug().
			Str("account", account).
			Strs("signatures", dropped).
			Msg("Dropped transactions without block time")
	}

	return details, dropped, nil
}

func (bf *BatchFetcher) fetchEnvelopes(ctx context.Context, signatures []string) ([]*ledger.Envelope, error) {
	release, err := bf.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	batchCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.src.GetTransactions(batchCtx, signatures)
}

// split cuts signatures into contiguous batches of at most size entries.
func split(signatures []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	batches := make([][]string, 0, (len(signatures)+size-1)/size)
	for start := 0; start < len(signatures); start += size {
		end := start + size
		if end > len(signatures) {
			end = len(signatures)
		}
		batches = append(batches, signatures[start:end])
	}
	return batches
}
