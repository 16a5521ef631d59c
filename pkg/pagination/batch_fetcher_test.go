package pagination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/ledger-history/internal/testutil"
	"github.com/Sternrassler/ledger-history/pkg/client"
	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "acct"

type fetcherEnv struct {
	mock     *testutil.MockLedger
	gate     *ratelimit.Gate
	throttle *ratelimit.Throttle
	fetcher  *BatchFetcher
}

func newFetcherEnv(t *testing.T, batchSize, workers int, cache EnvelopeCache) *fetcherEnv {
	t.Helper()

	mock := testutil.NewMockLedger()
	t.Cleanup(mock.Close)

	rpc, err := client.New(client.DefaultConfig(mock.URL()), zerolog.Nop())
	require.NoError(t, err)

	gate := ratelimit.NewGate("transactions", workers)
	th := newTestThrottle(t, batchSize)
	f := NewBatchFetcher(rpc, gate, th, testRetryPolicy(), Config{MaxConcurrency: workers, Cache: cache})

	return &fetcherEnv{mock: mock, gate: gate, throttle: th, fetcher: f}
}

// seed registers n finalized transactions touching testAccount and returns
// their signatures.
func (e *fetcherEnv) seed(n int) []string {
	sigs := make([]string, n)
	for i := range sigs {
		sigs[i] = fmt.Sprintf("s%d", i+1)
		e.mock.SetTransaction(sigs[i], testutil.Transaction{
			Slot:         uint64(100 + i),
			BlockTime:    testutil.Int64(int64(1000 + i)),
			Fee:          5000,
			AccountKeys:  []string{"payer", testAccount},
			PreBalances:  []uint64{1_000_000, uint64(1000 * (i + 1))},
			PostBalances: []uint64{995_000, uint64(1000*(i+1) + 7)},
		})
	}
	return sigs
}

func (e *fetcherEnv) batchSizes() []int {
	var sizes []int
	for _, r := range e.mock.Requests() {
		if r.Method == client.MethodGetTransaction {
			sizes = append(sizes, len(r.Signatures))
		}
	}
	return sizes
}

func detailSignatures(details []ledger.DetailRecord) []string {
	out := make([]string, len(details))
	for i, d := range details {
		out[i] = d.Signature
	}
	sort.Strings(out)
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestBatchFetcher_Empty(t *testing.T) {
	env := newFetcherEnv(t, 3, 2, nil)

	res, err := env.fetcher.Fetch(context.Background(), testAccount, nil)

	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Empty(t, env.mock.Requests())
}

func TestBatchFetcher_RespectsWorkerAndGateBounds(t *testing.T) {
	env := newFetcherEnv(t, 1, 3, nil)
	sigs := env.seed(12)
	env.mock.SetLatency(20 * time.Millisecond)

	res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)

	require.NoError(t, err)
	assert.Len(t, res.Details, 12)
	assert.LessOrEqual(t, env.mock.MaxInFlight(), 3)
	assert.Greater(t, env.mock.MaxInFlight(), 1, "batches run concurrently")
	assert.Zero(t, env.gate.InFlight())
}

func TestBatchFetcher_IssuesCeilNOverBBatches(t *testing.T) {
	tests := []struct {
		n, b, want int
	}{
		{1, 3, 1},
		{3, 3, 1},
		{7, 3, 3},
		{10, 3, 4},
		{10, 10, 1},
		{10, 1, 10},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d/B=%d", tt.n, tt.b), func(t *testing.T) {
			env := newFetcherEnv(t, tt.b, 2, nil)
			sigs := env.seed(tt.n)

			res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)
			require.NoError(t, err)

			assert.Equal(t, tt.want, res.Batches)
			assert.Equal(t, tt.want, env.mock.RequestCount(client.MethodGetTransaction))
			assert.Len(t, res.Details, tt.n)
		})
	}
}

func TestBatchFetcher_ReadsBalancesAtAccountIndex(t *testing.T) {
	env := newFetcherEnv(t, 5, 1, nil)
	sigs := env.seed(2)

	res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)
	require.NoError(t, err)
	require.Len(t, res.Details, 2)

	d := res.Details[1]
	assert.Equal(t, "s2", d.Signature)
	assert.Equal(t, uint64(2000), d.BalanceBefore)
	assert.Equal(t, uint64(2007), d.BalanceAfter)
	assert.Equal(t, int64(1001), d.Timestamp.Unix())
}

func TestBatchFetcher_DropsEnvelopesWithoutBlockTime(t *testing.T) {
	env := newFetcherEnv(t, 10, 1, nil)
	sigs := env.seed(2)

	env.mock.SetTransaction("pending", testutil.Transaction{
		Slot:         200,
		AccountKeys:  []string{testAccount},
		PreBalances:  []uint64{1},
		PostBalances: []uint64{2},
	})
	all := append(sigs, "pending", "unknown")

	res, err := env.fetcher.Fetch(context.Background(), testAccount, all)
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2"}, detailSignatures(res.Details))
	assert.Equal(t, []string{"pending", "unknown"}, sorted(res.Dropped))
	for _, d := range res.Details {
		assert.False(t, d.Timestamp.IsZero())
	}
}

func TestBatchFetcher_AccountMissingIsIntegrityError(t *testing.T) {
	env := newFetcherEnv(t, 10, 1, nil)
	env.mock.SetTransaction("foreign", testutil.Transaction{
		Slot:         1,
		BlockTime:    testutil.Int64(1),
		AccountKeys:  []string{"someone-else"},
		PreBalances:  []uint64{1},
		PostBalances: []uint64{2},
	})

	_, err := env.fetcher.Fetch(context.Background(), testAccount, []string{"foreign"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnvelopeIntegrity))
	assert.True(t, errors.Is(err, ledger.ErrAccountNotInEnvelope))
}

func TestBatchFetcher_BatchSizeDeratedAfterFirstRetryAndPersists(t *testing.T) {
	env := newFetcherEnv(t, 10, 2, nil)
	sigs := env.seed(10)

	var once sync.Once
	env.mock.SetFailure(func(r testutil.MockRequest) *testutil.MockFailure {
		var f *testutil.MockFailure
		once.Do(func() { f = testutil.NewRateLimitFailure() })
		return f
	})

	res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)
	require.NoError(t, err)
	assert.Len(t, res.Details, 10)
	assert.Equal(t, 1, res.Batches)

	// floor(10 * 0.8)
	assert.Equal(t, 8, env.throttle.BatchSize())
	assert.Equal(t, 1, env.gate.Permits())

	res, err = env.fetcher.Fetch(context.Background(), testAccount, sigs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 8, env.throttle.BatchSize(), "no recovery upward")

	sizes := env.batchSizes()
	require.Len(t, sizes, 4)
	assert.Equal(t, []int{10, 10}, sizes[:2])
	assert.ElementsMatch(t, []int{8, 2}, sizes[2:])
}

func TestBatchFetcher_SevenSignaturesSecondBatchFailsTwice(t *testing.T) {
	env := newFetcherEnv(t, 3, 2, nil)
	sigs := env.seed(7)

	env.mock.SetFailure(func(r testutil.MockRequest) *testutil.MockFailure {
		if r.Method == client.MethodGetTransaction && r.Signatures[0] == "s4" && r.Call <= 2 {
			return testutil.NewServerFailure()
		}
		return nil
	})

	res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, sorted(sigs), detailSignatures(res.Details))
	assert.Empty(t, res.Dropped)

	sizes := env.batchSizes()
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 3, 3, 3, 3}, sizes)

	// 3 -> 2 -> 1
	assert.Equal(t, 1, env.throttle.BatchSize())
}

func TestBatchFetcher_AttemptTimeoutIsRetried(t *testing.T) {
	env := newFetcherEnv(t, 5, 1, nil)
	sigs := env.seed(3)

	env.mock.SetFailure(func(r testutil.MockRequest) *testutil.MockFailure {
		if r.Method == client.MethodGetTransaction && r.Call == 1 {
			return &testutil.MockFailure{StatusCode: 500, Delay: 300 * time.Millisecond}
		}
		return nil
	})

	rpc, err := client.New(client.DefaultConfig(env.mock.URL()), zerolog.Nop())
	require.NoError(t, err)
	f := NewBatchFetcher(rpc, env.gate, env.throttle, testRetryPolicy(), Config{
		MaxConcurrency: 1,
		Timeout:        100 * time.Millisecond,
	})

	res, err := f.Fetch(context.Background(), testAccount, sigs)
	require.NoError(t, err)

	assert.Equal(t, sorted(sigs), detailSignatures(res.Details))
	assert.Equal(t, 2, env.mock.RequestCount(client.MethodGetTransaction))
	// floor(5 * 0.8)
	assert.Equal(t, 4, env.throttle.BatchSize())
}

func TestBatchFetcher_ExhaustedBatchFailsAccount(t *testing.T) {
	env := newFetcherEnv(t, 2, 2, nil)
	sigs := env.seed(6)

	env.mock.SetFailure(func(r testutil.MockRequest) *testutil.MockFailure {
		if r.Signatures[0] == "s3" {
			return testutil.NewRateLimitFailure()
		}
		return nil
	})

	res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)

	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrRetryExhausted))
	assert.Empty(t, res.Details)
}

func TestBatchFetcher_NonTransientFailsWithoutRetry(t *testing.T) {
	env := newFetcherEnv(t, 5, 1, nil)
	sigs := env.seed(3)

	env.mock.SetFailure(func(testutil.MockRequest) *testutil.MockFailure {
		return &testutil.MockFailure{StatusCode: 400}
	})

	_, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)

	require.Error(t, err)
	assert.Equal(t, client.ErrorClassClient, client.ClassOf(err))
	assert.Equal(t, 1, env.mock.RequestCount(client.MethodGetTransaction))
	assert.Equal(t, 5, env.throttle.BatchSize())
}

type memoryCache struct {
	mu       sync.Mutex
	items    map[string]*ledger.Envelope
	getCalls int
}

func (m *memoryCache) GetMany(_ context.Context, sigs []string) (map[string]*ledger.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	out := make(map[string]*ledger.Envelope)
	for _, s := range sigs {
		if env, ok := m.items[s]; ok {
			out[s] = env
		}
	}
	return out, nil
}

func (m *memoryCache) PutMany(_ context.Context, envs []*ledger.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		m.items[env.Signature] = env
	}
	return nil
}

func TestBatchFetcher_CacheServesHits(t *testing.T) {
	cache := &memoryCache{items: make(map[string]*ledger.Envelope)}
	env := newFetcherEnv(t, 10, 1, cache)
	sigs := env.seed(4)

	first, err := env.fetcher.Fetch(context.Background(), testAccount, sigs[:2])
	require.NoError(t, err)
	require.Len(t, first.Details, 2)
	assert.Len(t, cache.items, 2)

	second, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)
	require.NoError(t, err)
	assert.Equal(t, sorted(sigs), detailSignatures(second.Details))

	sizes := env.batchSizes()
	assert.Equal(t, []int{2, 2}, sizes, "second fetch requests only the misses")
}

type failingCache struct{}

func (failingCache) GetMany(context.Context, []string) (map[string]*ledger.Envelope, error) {
	return nil, errors.New("connection refused")
}

func (failingCache) PutMany(context.Context, []*ledger.Envelope) error {
	return errors.New("connection refused")
}

func TestBatchFetcher_CacheErrorsFallBackToRPC(t *testing.T) {
	env := newFetcherEnv(t, 10, 1, failingCache{})
	sigs := env.seed(3)

	res, err := env.fetcher.Fetch(context.Background(), testAccount, sigs)

	require.NoError(t, err)
	assert.Len(t, res.Details, 3)
}

func TestBatchFetcher_ContextCancelled(t *testing.T) {
	env := newFetcherEnv(t, 1, 1, nil)
	sigs := env.seed(3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.fetcher.Fetch(ctx, testAccount, sigs)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	sigs := []string{"a", "b", "c", "d", "e", "f", "g"}

	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e", "f"}, {"g"}}, split(sigs, 3))
	assert.Len(t, split(sigs, 0), 7)
	assert.Len(t, split(sigs, 100), 1)
}
