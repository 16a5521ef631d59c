// Command ledger-history extracts the per-account balance history of a set of
// account groups over a slot range and writes it to CSV, SQLite and/or a
// Prometheus Pushgateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/ledger-history/pkg/authority"
	"github.com/Sternrassler/ledger-history/pkg/cache"
	"github.com/Sternrassler/ledger-history/pkg/client"
	"github.com/Sternrassler/ledger-history/pkg/config"
	"github.com/Sternrassler/ledger-history/pkg/history"
	"github.com/Sternrassler/ledger-history/pkg/logging"
	"github.com/Sternrassler/ledger-history/pkg/pagination"
	"github.com/Sternrassler/ledger-history/pkg/ratelimit"
	"github.com/Sternrassler/ledger-history/pkg/report"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stderr))
}

// run parses the configuration, connects the authoritative store and runs
// one extraction. It returns the process exit code.
func run(args []string, getenv func(string) string, stderr io.Writer) int {
	cfg, err := config.Parse(args, getenv, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "ledger-history: %v\n", err)
		return 1
	}

	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.PrettyLogs,
		Output: stderr,
	})
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := authority.Open(ctx, authority.Config{
		DSN:         cfg.AuthorityDSN,
		Table:       cfg.AuthorityTable,
		DialTimeout: cfg.RPCTimeout,
	}, logging.NewLogger("authority"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to authoritative store")
		return 1
	}
	defer store.Close()

	if err := execute(ctx, cfg, store); err != nil {
		logger.Error().Err(err).Msg("History extraction failed")
		return 1
	}
	return 0
}

// execute wires the pipeline for cfg and writes every configured output.
func execute(ctx context.Context, cfg *config.Config, store authority.Store) error {
	logger := logging.NewLogger("main")
	runID := uuid.NewString()

	rpcConfig := client.DefaultConfig(cfg.RPCURL)
	rpcConfig.Timeout = cfg.RPCTimeout
	rpcConfig.Commitment = cfg.Commitment
	rpc, err := client.New(rpcConfig, logging.NewLogger("client"))
	if err != nil {
		return fmt.Errorf("create rpc client: %w", err)
	}

	throttle, err := ratelimit.NewThrottle(cfg.BatchSize, cfg.ScaleFactor, logging.NewLogger("throttle"))
	if err != nil {
		return err
	}
	pageGate := ratelimit.NewGate("signatures", cfg.SignatureConcurrency)
	txGate := ratelimit.NewGate("transactions", cfg.Concurrency)

	policy := client.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts

	var envelopeCache pagination.EnvelopeCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, running without transaction cache")
		} else {
			opts := cache.DefaultOptions()
			opts.TTL = cfg.CacheTTL
			opts.Commitment = cfg.Commitment
			envelopeCache = cache.NewManager(redisClient, opts)
			logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		}
	}

	pageConfig := pagination.DefaultPaginatorConfig()
	pageConfig.Timeout = cfg.RPCTimeout
	paginator := pagination.NewPaginator(rpc, pageGate, throttle, policy, pageConfig)

	fetcher := pagination.NewBatchFetcher(rpc, txGate, throttle, policy, pagination.Config{
		MaxConcurrency: cfg.Concurrency,
		Timeout:        cfg.RPCTimeout,
		Cache:          envelopeCache,
	})

	agg, err := history.New(history.Deps{
		Paginator:  paginator,
		Fetcher:    fetcher,
		Store:      store,
		Logger:     log.Logger,
		Throttle:   throttle,
		PageGate:   pageGate,
		DetailGate: txGate,
	}, history.Options{Concurrency: cfg.AccountConcurrency})
	if err != nil {
		return err
	}

	logger.Info().
		Str("run_id", runID).
		Str("rpc_url", rpc.Endpoint()).
		Uint64("from_slot", cfg.FromSlot).
		Uint64("to_slot", cfg.ToSlot).
		Int("batch_size", throttle.BatchSize()).
		Float64("scale_factor", throttle.ScaleFactor()).
		Int("concurrency", cfg.Concurrency).
		Bool("cache", envelopeCache != nil).
		Msg("Starting run")

	res, err := agg.Run(ctx, cfg.Groups, cfg.FromSlot, cfg.ToSlot)
	if err != nil {
		return err
	}

	if err := report.WriteAll(ctx, writers(cfg, runID), res.Rows); err != nil {
		return err
	}

	logger.Info().
		Str("run_id", runID).
		Int("rows", len(res.Rows)).
		Int("dropped", res.Stats.Dropped).
		Uint64("authority_transactions", res.Usage.Transactions).
		Str("authority_fees_sol", report.SOL(int64(res.Usage.TotalFee))).
		Int("final_batch_size", res.Stats.FinalBatchSize).
		Int("final_transaction_permits", res.Stats.FinalDetailPermits).
		Int("final_signature_permits", res.Stats.FinalPagePermits).
		Dur("duration", res.Stats.Duration).
		Msg("Run complete")
	return nil
}

func writers(cfg *config.Config, runID string) []report.Writer {
	logger := logging.NewLogger("report")
	var out []report.Writer
	if cfg.CSVPath != "" {
		out = append(out, report.NewCSVWriter(cfg.CSVPath, logger))
	}
	if cfg.SQLitePath != "" {
		out = append(out, report.NewSQLiteWriter(cfg.SQLitePath, logger))
	}
	if cfg.PushGateway != "" {
		out = append(out, report.NewPushWriter(cfg.PushGateway, runID, logger))
	}
	return out
}
