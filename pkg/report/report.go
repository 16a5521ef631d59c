// Package report writes the merged balance history to its output sinks: a CSV
// table, a SQLite table and a Prometheus Pushgateway.
//
// Outputs are written in two phases. Every sink first stages its output (file
// sinks into a temporary file next to the target) and the staged files are
// renamed into place only after all sinks succeeded, so a failed run leaves
// no artifact behind.
package report

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// lamportsPerSOLExp is the decimal exponent of one lamport in SOL.
const lamportsPerSOLExp = -9

// Columns is the output schema shared by the CSV and SQLite sinks.
var Columns = []string{
	"group",
	"account",
	"signature",
	"slot",
	"timestamp",
	"balance_before",
	"balance_after",
	"delta",
	"balance_before_sol",
	"balance_after_sol",
	"delta_sol",
}

// Writer is an output sink for one run.
type Writer interface {
	Name() string
	// Stage prepares the output for rows without publishing it.
	Stage(ctx context.Context, rows []ledger.Row) (Staged, error)
}

// Staged is an output prepared by Writer.Stage.
type Staged interface {
	Commit() error
	Abort()
}

// WriteAll stages every writer in order and commits them once all staged
// successfully. On any failure the staged outputs are aborted. A sink that
// publishes while staging, such as the Pushgateway, belongs last.
func WriteAll(ctx context.Context, writers []Writer, rows []ledger.Row) error {
	staged := make([]Staged, 0, len(writers))
	abort := func(list []Staged) {
		for _, s := range list {
			s.Abort()
		}
	}

	for _, w := range writers {
		if err := ctx.Err(); err != nil {
			abort(staged)
			return err
		}
		s, err := w.Stage(ctx, rows)
		if err != nil {
			abort(staged)
			return fmt.Errorf("write %s output: %w", w.Name(), err)
		}
		staged = append(staged, s)
	}

	for i, s := range staged {
		if err := s.Commit(); err != nil {
			abort(staged[i+1:])
			return fmt.Errorf("commit %s output: %w", writers[i].Name(), err)
		}
	}
	return nil
}

// SOL formats a lamport amount in SOL with nine decimals.
func SOL(lamports int64) string {
	return decimal.New(lamports, lamportsPerSOLExp).StringFixed(-lamportsPerSOLExp)
}

// lamports converts a balance for the signed columns. The total lamport supply
// fits in an int64, so clamping only guards against corrupt input.
func lamports(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// record renders a row in Columns order.
func record(r ledger.Row) []string {
	delta := r.Delta()
	return []string{
		r.Group,
		r.Account,
		r.Signature,
		strconv.FormatUint(r.Slot, 10),
		r.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatUint(r.BalanceBefore, 10),
		strconv.FormatUint(r.BalanceAfter, 10),
		strconv.FormatInt(delta, 10),
		SOL(lamports(r.BalanceBefore)),
		SOL(lamports(r.BalanceAfter)),
		SOL(delta),
	}
}

// atomicFile is a Staged file: a temporary file in the directory of path.
// Commit renames it onto path; Abort removes it.
type atomicFile struct {
	path   string
	tmp    string
	kind   string
	rows   int
	logger zerolog.Logger
}

func newAtomicFile(path string) (*atomicFile, *os.File, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("output path is empty")
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	return &atomicFile{path: path, tmp: f.Name()}, f, nil
}

// Commit implements Staged.
func (a *atomicFile) Commit() error {
	if err := os.Rename(a.tmp, a.path); err != nil {
		_ = os.Remove(a.tmp)
		return fmt.Errorf("rename %s: %w", a.path, err)
	}
	a.logger.Info().Str("path", a.path).Int("rows", a.rows).Msg(a.kind + " output written")
	return nil
}

// Abort implements Staged.
func (a *atomicFile) Abort() {
	_ = os.Remove(a.tmp)
}
