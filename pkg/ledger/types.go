// Package ledger defines the data model shared by the extraction pipeline:
// groups of accounts, the event records discovered by pagination, the
// transaction envelopes returned by the RPC service and the detail records
// derived from them.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotInEnvelope is returned when a transaction does not reference
// the account it was listed for.
var ErrAccountNotInEnvelope = errors.New("account not present in transaction")

// Group is a named collection of accounts whose history is extracted together.
type Group struct {
	Name     string   `json:"name" yaml:"name"`
	Accounts []string `json:"accounts" yaml:"accounts"`
}

// Account is an address scoped to the group it was supplied under.
type Account struct {
	Group   string
	Address string
}

// String returns "group/address".
func (a Account) String() string {
	return a.Group + "/" + a.Address
}

// EventRecord is one entry of an account's signature listing.
type EventRecord struct {
	Signature string
	Slot      uint64

	// BlockTime is nil while the event is not finalized.
	BlockTime *int64

	// Failed marks transactions that errored on chain. They still charge fees.
	Failed bool
}

// HasBlockTime reports whether the record carries a block timestamp.
func (e EventRecord) HasBlockTime() bool {
	return e.BlockTime != nil
}

// DetailRecord holds the balance of one account immediately before and after
// a single transaction, with the transaction's block timestamp.
type DetailRecord struct {
	Signature     string
	BalanceBefore uint64
	BalanceAfter  uint64
	Timestamp     time.Time
}

// Delta returns BalanceAfter - BalanceBefore as a signed value.
func (d DetailRecord) Delta() int64 {
	return int64(d.BalanceAfter) - int64(d.BalanceBefore)
}

// Envelope is a transaction as returned by the batch-get-transaction call.
type Envelope struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	Fee       uint64

	// AccountKeys lists static keys first, then loaded writable and loaded
	// readonly addresses. PreBalances and PostBalances are parallel to it.
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
}

// Finalized reports whether the envelope can be time-attributed.
func (e *Envelope) Finalized() bool {
	return e != nil && e.BlockTime != nil
}

// Detail extracts the DetailRecord for account. The boolean is false when the
// envelope has no block time; such envelopes must be dropped, not retried.
func (e *Envelope) Detail(account string) (DetailRecord, bool, error) {
	if !e.Finalized() {
		return DetailRecord{}, false, nil
	}

	if len(e.PreBalances) != len(e.AccountKeys) || len(e.PostBalances) != len(e.AccountKeys) {
		return DetailRecord{}, false, fmt.Errorf("transaction %s: %d keys, %d pre balances, %d post balances",
			e.Signature, len(e.AccountKeys), len(e.PreBalances), len(e.PostBalances))
	}

	for i, key := range e.AccountKeys {
		if key != account {
			continue
		}
		return DetailRecord{
			Signature:     e.Signature,
			BalanceBefore: e.PreBalances[i],
			BalanceAfter:  e.PostBalances[i],
			Timestamp:     time.Unix(*e.BlockTime, 0).UTC(),
		}, true, nil
	}

	return DetailRecord{}, false, fmt.Errorf("%w: %s in %s", ErrAccountNotInEnvelope, account, e.Signature)
}

// Row is one line of the merged output table.
type Row struct {
	Group     string
	Account   string
	Signature string
	Slot      uint64
	Timestamp time.Time

	BalanceBefore uint64
	BalanceAfter  uint64

	// Discovery is the record's position in the account's paginated listing.
	Discovery int
}

// Delta returns BalanceAfter - BalanceBefore as a signed value.
func (r Row) Delta() int64 {
	return int64(r.BalanceAfter) - int64(r.BalanceBefore)
}
