package history

import (
	"slices"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/pagination"
)

// checkUniqueSignatures fails on the first signature listed under two
// accounts. Listings are scanned in input order.
func checkUniqueSignatures(listings []accountEvents) error {
	owner := make(map[string]string)
	for _, l := range listings {
		acct := l.account.String()
		for _, ev := range l.events {
			if prev, ok := owner[ev.Signature]; ok {
				return &IntegrityError{
					Kind:      DuplicateSignature,
					Signature: ev.Signature,
					Accounts:  []string{prev, acct},
				}
			}
			owner[ev.Signature] = acct
		}
	}
	return nil
}

// checkComplete verifies that every listed event is either dropped or has
// exactly one detail record, and that nothing else came back.
func checkComplete(l accountEvents, res pagination.FetchResult) error {
	acct := l.account.String()
	violation := func(kind IntegrityKind, sig string) error {
		return &IntegrityError{Kind: kind, Signature: sig, Accounts: []string{acct}}
	}

	expected := make(map[string]bool, len(l.events))
	for _, ev := range l.events {
		expected[ev.Signature] = false
	}

	for _, sig := range res.Dropped {
		seen, ok := expected[sig]
		if !ok {
			return violation(UnexpectedDetail, sig)
		}
		if seen {
			return violation(DuplicateDetail, sig)
		}
		expected[sig] = true
	}

	for _, d := range res.Details {
		seen, ok := expected[d.Signature]
		if !ok {
			return violation(UnexpectedDetail, d.Signature)
		}
		if seen {
			return violation(DuplicateDetail, d.Signature)
		}
		expected[d.Signature] = true
	}

	for _, ev := range l.events {
		if !expected[ev.Signature] {
			return violation(MissingDetail, ev.Signature)
		}
	}
	return nil
}

// merge joins detail records with their account context. Accounts keep their
// input order; rows of one account are ordered by timestamp, ties by the
// position of the event in the account's listing.
func merge(listings []accountEvents, fetched []pagination.FetchResult) []ledger.Row {
	var rows []ledger.Row
	for i, l := range listings {
		index := make(map[string]int, len(l.events))
		for pos, ev := range l.events {
			index[ev.Signature] = pos
		}

		accountRows := make([]ledger.Row, 0, len(fetched[i].Details))
		for _, d := range fetched[i].Details {
			pos := index[d.Signature]
			accountRows = append(accountRows, ledger.Row{
				Group:         l.account.Group,
				Account:       l.account.Address,
				Signature:     d.Signature,
				Slot:          l.events[pos].Slot,
				Timestamp:     d.Timestamp,
				BalanceBefore: d.BalanceBefore,
				BalanceAfter:  d.BalanceAfter,
				Discovery:     pos,
			})
		}

		slices.SortStableFunc(accountRows, func(a, b ledger.Row) int {
			if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
				return c
			}
			return a.Discovery - b.Discovery
		})
		rows = append(rows, accountRows...)
	}
	return rows
}
