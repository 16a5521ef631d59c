// Package cache provides a Redis-backed cache of finalized transaction
// envelopes.
//
// A transaction that carries a block time is final: re-running an extraction
// over an overlapping slot range would request the same envelopes again. The
// cache lets such runs skip those round trips, which matters because every
// request counts against the ledger service's undisclosed rate limit.
//
// Only finalized envelopes are written. Cache failures never fail a run; the
// batch fetcher logs them and falls back to RPC.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, cache.DefaultOptions())
//
//	cfg := pagination.DefaultConfig()
//	cfg.Cache = manager
//
// # Keys
//
// Keys have the form prefix:tx:commitment:signature, for example
// ledger:tx:finalized:5VERv8...
//
// # Metrics
//
//   - ledger_cache_hits_total{layer="redis"}
//   - ledger_cache_misses_total
//   - ledger_cache_writes_total
//   - ledger_cache_errors_total{operation}
package cache
