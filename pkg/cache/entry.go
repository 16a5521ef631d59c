package cache

import (
	"time"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
)

// entryVersion is bumped whenever CacheEntry's encoding changes; entries of
// another version are treated as misses.
const entryVersion = 1

// CacheEntry represents a cached transaction envelope.
type CacheEntry struct {
	Version int `json:"v"`

	Signature    string   `json:"signature"`
	Slot         uint64   `json:"slot"`
	BlockTime    int64    `json:"block_time"`
	Fee          uint64   `json:"fee"`
	AccountKeys  []string `json:"account_keys"`
	PreBalances  []uint64 `json:"pre_balances"`
	PostBalances []uint64 `json:"post_balances"`

	// CachedAt is when we cached this envelope
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry converts a finalized envelope. It returns nil for envelopes
// without a block time; those may still change and are never cached.
func NewEntry(env *ledger.Envelope) *CacheEntry {
	if !env.Finalized() {
		return nil
	}
	return &CacheEntry{
		Version:      entryVersion,
		Signature:    env.Signature,
		Slot:         env.Slot,
		BlockTime:    *env.BlockTime,
		Fee:          env.Fee,
		AccountKeys:  env.AccountKeys,
		PreBalances:  env.PreBalances,
		PostBalances: env.PostBalances,
		CachedAt:     time.Now().UTC(),
	}
}

// IsValid reports whether the entry can be served.
func (e *CacheEntry) IsValid() bool {
	return e != nil &&
		e.Version == entryVersion &&
		e.Signature != "" &&
		len(e.PreBalances) == len(e.AccountKeys) &&
		len(e.PostBalances) == len(e.AccountKeys)
}

// Envelope converts the entry back into a transaction envelope.
func (e *CacheEntry) Envelope() *ledger.Envelope {
	bt := e.BlockTime
	return &ledger.Envelope{
		Signature:    e.Signature,
		Slot:         e.Slot,
		BlockTime:    &bt,
		Fee:          e.Fee,
		AccountKeys:  e.AccountKeys,
		PreBalances:  e.PreBalances,
		PostBalances: e.PostBalances,
	}
}
