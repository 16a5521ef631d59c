package report

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// TableName is the SQLite table holding the history rows.
const TableName = "balance_events"

const createTableSQL = `CREATE TABLE balance_events (
	"group"            TEXT    NOT NULL,
	account            TEXT    NOT NULL,
	signature          TEXT    NOT NULL,
	slot               INTEGER NOT NULL,
	timestamp          TEXT    NOT NULL,
	balance_before     INTEGER NOT NULL,
	balance_after      INTEGER NOT NULL,
	delta              INTEGER NOT NULL,
	balance_before_sol TEXT    NOT NULL,
	balance_after_sol  TEXT    NOT NULL,
	delta_sol          TEXT    NOT NULL,
	PRIMARY KEY (account, signature)
)`

const insertSQL = `INSERT INTO balance_events (
	"group", account, signature, slot, timestamp,
	balance_before, balance_after, delta,
	balance_before_sol, balance_after_sol, delta_sol
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteWriter writes rows into a fresh SQLite database file in a single
// transaction.
type SQLiteWriter struct {
	path   string
	logger zerolog.Logger
}

// NewSQLiteWriter creates a SQLite sink for path.
func NewSQLiteWriter(path string, logger zerolog.Logger) *SQLiteWriter {
	return &SQLiteWriter{path: path, logger: logger}
}

// Name implements Writer.
func (w *SQLiteWriter) Name() string { return "sqlite" }

// Stage implements Writer.
func (w *SQLiteWriter) Stage(ctx context.Context, rows []ledger.Row) (Staged, error) {
	af, f, err := newAtomicFile(w.path)
	if err != nil {
		return nil, err
	}
	af.kind, af.rows, af.logger = "SQLite", len(rows), w.logger
	// sqlite opens the path itself.
	f.Close()

	if err := writeSQLite(ctx, af.tmp, rows); err != nil {
		af.Abort()
		return nil, err
	}
	return af, nil
}

func writeSQLite(ctx context.Context, path string, rows []ledger.Row) (err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sqlite: %w", cerr)
		}
	}()

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		rec := record(r)
		if _, err := stmt.ExecContext(ctx,
			r.Group, r.Account, r.Signature, int64(r.Slot), rec[4],
			lamports(r.BalanceBefore), lamports(r.BalanceAfter), r.Delta(),
			rec[8], rec[9], rec[10],
		); err != nil {
			return fmt.Errorf("insert %s: %w", r.Signature, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
