package cache

import (
	"strings"
)

// DefaultPrefix namespaces every key written by the cache.
const DefaultPrefix = "ledger"

// CacheKey identifies a cached transaction envelope.
type CacheKey struct {
	// Prefix namespaces keys (DefaultPrefix when empty)
	Prefix string

	// Commitment is the commitment level the envelope was fetched at.
	// Envelopes of different commitment levels never share a key.
	Commitment string

	// Signature is the transaction signature
	Signature string
}

// String generates a deterministic cache key string.
// Format: prefix:tx:commitment:signature
//
// Example:
//
//	ledger:tx:finalized:5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW
func (k CacheKey) String() string {
	prefix := strings.Trim(k.Prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	parts := []string{prefix, "tx"}
	if k.Commitment != "" {
		parts = append(parts, k.Commitment)
	}
	parts = append(parts, k.Signature)

	return strings.Join(parts, ":")
}
