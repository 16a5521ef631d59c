package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Options configures a Manager.
type Options struct {
	// TTL of written entries. Zero keeps entries until evicted; finalized
	// transactions never change.
	TTL time.Duration

	// Prefix namespaces keys (DefaultPrefix when empty).
	Prefix string

	// Commitment is folded into every key.
	Commitment string
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		TTL:        7 * 24 * time.Hour,
		Prefix:     DefaultPrefix,
		Commitment: "finalized",
	}
}

// Manager caches finalized transaction envelopes in Redis. The batch fetcher
// uses GetMany and PutMany; Get, Set and Delete serve single-entry callers
// such as examples/cache-usage.
type Manager struct {
	redis *redis.Client
	opts  Options
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, opts Options) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
		opts:  opts,
	}
}

func (m *Manager) key(signature string) string {
	return CacheKey{Prefix: m.opts.Prefix, Commitment: m.opts.Commitment, Signature: signature}.String()
}

// Get retrieves the envelope for signature.
// Returns ErrCacheMiss if the key doesn't exist.
func (m *Manager) Get(ctx context.Context, signature string) (*ledger.Envelope, error) {
	data, err := m.redis.Get(ctx, m.key(signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	env, err := decode(signature, data)
	if err != nil {
		CacheErrors.WithLabelValues("decode").Inc()
		// Delete corrupted entry
		_ = m.Delete(ctx, signature)
		return nil, err
	}

	CacheHits.WithLabelValues("redis").Inc()
	return env, nil
}

// GetMany retrieves the cached envelopes among signatures in a single round
// trip. Missing and undecodable entries are left out of the result; the
// undecodable ones are deleted.
func (m *Manager) GetMany(ctx context.Context, signatures []string) (map[string]*ledger.Envelope, error) {
	if len(signatures) == 0 {
		return nil, nil
	}

	keys := make([]string, len(signatures))
	for i, sig := range signatures {
		keys[i] = m.key(sig)
	}

	values, err := m.redis.MGet(ctx, keys...).Result()
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(map[string]*ledger.Envelope, len(signatures))
	var corrupted []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			CacheMisses.Inc()
			continue
		}
		env, err := decode(signatures[i], []byte(s))
		if err != nil {
			CacheErrors.WithLabelValues("decode").Inc()
			CacheMisses.Inc()
			corrupted = append(corrupted, keys[i])
			continue
		}
		CacheHits.WithLabelValues("redis").Inc()
		out[signatures[i]] = env
	}

	if len(corrupted) > 0 {
		if err := m.redis.Del(ctx, corrupted...).Err(); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
		}
	}
	return out, nil
}

// Set stores a finalized envelope. Envelopes without a block time are
// ignored.
func (m *Manager) Set(ctx context.Context, env *ledger.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}
	return m.PutMany(ctx, []*ledger.Envelope{env})
}

// PutMany stores finalized envelopes in one pipelined round trip. Envelopes
// without a block time are skipped.
func (m *Manager) PutMany(ctx context.Context, envelopes []*ledger.Envelope) error {
	pipe := m.redis.Pipeline()
	written := 0

	for _, env := range envelopes {
		entry := NewEntry(env)
		if entry == nil {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			CacheErrors.WithLabelValues("set").Inc()
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		pipe.Set(ctx, m.key(env.Signature), data, m.opts.TTL)
		written++
	}

	if written == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrites.Add(float64(written))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, signature string) error {
	if err := m.redis.Del(ctx, m.key(signature)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func decode(signature string, data []byte) (*ledger.Envelope, error) {
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if !entry.IsValid() || entry.Signature != signature {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntry, signature)
	}
	return entry.Envelope(), nil
}
