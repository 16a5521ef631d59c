package report

import (
	"context"
	"encoding/csv"
	"fmt"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/rs/zerolog"
)

// CSVWriter writes rows to a CSV file with a Columns header.
type CSVWriter struct {
	path   string
	logger zerolog.Logger
}

// NewCSVWriter creates a CSV sink for path.
func NewCSVWriter(path string, logger zerolog.Logger) *CSVWriter {
	return &CSVWriter{path: path, logger: logger}
}

// Name implements Writer.
func (w *CSVWriter) Name() string { return "csv" }

// Stage implements Writer.
func (w *CSVWriter) Stage(ctx context.Context, rows []ledger.Row) (Staged, error) {
	af, f, err := newAtomicFile(w.path)
	if err != nil {
		return nil, err
	}
	af.kind, af.rows, af.logger = "CSV", len(rows), w.logger

	fail := func(err error) (Staged, error) {
		f.Close()
		af.Abort()
		return nil, err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(Columns); err != nil {
		return fail(fmt.Errorf("write header: %w", err))
	}
	for i, r := range rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		if err := cw.Write(record(r)); err != nil {
			return fail(fmt.Errorf("write row %s: %w", r.Signature, err))
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fail(fmt.Errorf("flush csv: %w", err))
	}
	if err := f.Close(); err != nil {
		af.Abort()
		return nil, fmt.Errorf("close csv: %w", err)
	}
	return af, nil
}
