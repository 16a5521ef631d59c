package authority

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

// DefaultTable is the transactions table queried when none is configured.
const DefaultTable = "transactions"

// DefaultChunkSize bounds the number of signatures bound into one query.
const DefaultChunkSize = 5000

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config configures the ClickHouse store.
type Config struct {
	// DSN is a clickhouse:// connection string.
	DSN string

	// Table is the transactions table, optionally qualified with a database.
	// It must have signature String, block_time DateTime and fee UInt64
	// columns.
	Table string

	// ChunkSize bounds the signatures per query (DefaultChunkSize when zero).
	ChunkSize int

	// DialTimeout bounds connection setup and the initial ping.
	DialTimeout time.Duration
}

// querier is the subset of driver.Conn the store uses.
type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
}

// ClickHouseStore implements Store on a ClickHouse transactions table.
type ClickHouseStore struct {
	conn      querier
	closer    func() error
	table     string
	chunkSize int
	logger    zerolog.Logger
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*ClickHouseStore, error) {
	options, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse authority dsn: %w", err)
	}
	if cfg.DialTimeout > 0 {
		options.DialTimeout = cfg.DialTimeout
	}
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	store, err := newClickHouseStore(conn, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	store.closer = conn.Close

	store.logger.Info().
		Strs("addr", options.Addr).
		Str("database", options.Auth.Database).
		Str("table", store.table).
		Msg("Authoritative store connected")

	return store, nil
}

func newClickHouseStore(conn querier, cfg Config, logger zerolog.Logger) (*ClickHouseStore, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid authority table name %q", table)
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	return &ClickHouseStore{
		conn:      conn,
		table:     table,
		chunkSize: chunk,
		logger:    logger.With().Str("component", "authority").Logger(),
	}, nil
}

// Close terminates the underlying ClickHouse connection.
func (s *ClickHouseStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// LatestTimestamp returns max(block_time). An empty table yields the Unix
// epoch, which fails any lag check.
func (s *ClickHouseStore) LatestTimestamp(ctx context.Context) (time.Time, error) {
	query := fmt.Sprintf(`SELECT max(block_time) FROM %s`, s.table)

	var latest time.Time
	if err := s.conn.QueryRow(ctx, query).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("query latest block time: %w", err)
	}

	s.logger.Debug().Time("latest", latest).Msg("Authoritative store watermark")
	return latest.UTC(), nil
}

// UsageBySignatures sums rows and fees over signatures, chunking large sets.
func (s *ClickHouseStore) UsageBySignatures(ctx context.Context, signatures []string) (Usage, error) {
	query := fmt.Sprintf(`
		SELECT count(), sum(fee), uniqExact(signature)
		FROM %s
		WHERE has(?, signature)
	`, s.table)

	var total Usage
	for start := 0; start < len(signatures); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(signatures) {
			end = len(signatures)
		}

		var part Usage
		err := s.conn.QueryRow(ctx, query, signatures[start:end]).Scan(
			&part.Transactions,
			&part.TotalFee,
			&part.MatchedSignatures,
		)
		if err != nil {
			return Usage{}, fmt.Errorf("query usage (signatures %d-%d): %w", start, end, err)
		}

		total.Transactions += part.Transactions
		total.TotalFee += part.TotalFee
		total.MatchedSignatures += part.MatchedSignatures
	}

	s.logger.Debug().
		Int("signatures", len(signatures)).
		Uint64("matched", total.MatchedSignatures).
		Uint64("total_fee", total.TotalFee).
		Msg("Authoritative usage fetched")

	return total, nil
}
