// Package authority reads the authoritative usage figures the extracted
// history is cross-checked against. The store is read-only from this
// module's point of view.
package authority

import (
	"context"
	"time"
)

// Usage holds the aggregated figures the store reports for a set of
// signatures.
type Usage struct {
	// Transactions is the number of matching rows.
	Transactions uint64 `json:"transactions"`

	// TotalFee is the summed fee of the matching rows, in lamports.
	TotalFee uint64 `json:"total_fee"`

	// MatchedSignatures is the number of distinct requested signatures the
	// store knows about.
	MatchedSignatures uint64 `json:"matched_signatures"`
}

// Store is the authoritative store.
type Store interface {
	// LatestTimestamp returns the newest block time the store has ingested.
	LatestTimestamp(ctx context.Context) (time.Time, error)

	// UsageBySignatures aggregates the store's figures over signatures.
	UsageBySignatures(ctx context.Context, signatures []string) (Usage, error)
}
