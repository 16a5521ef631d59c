// Package pagination walks account signature listings and resolves the
// balance details of the discovered transactions.
//
// The ledger service pages getSignaturesForAddress newest first with a
// before-signature cursor and serves at most 1000 entries per page. A
// Paginator follows the cursor backwards until the listing passes the lower
// slot bound:
//
//	p := pagination.NewPaginator(rpc, sigGate, throttle, client.DefaultRetryPolicy(), pagination.DefaultPaginatorConfig())
//	events, err := p.Walk(ctx, account, fromSlot, toSlot)
//
// A BatchFetcher splits the signatures into batches of the throttle's current
// batch size and requests them over a worker pool:
//
//	f := pagination.NewBatchFetcher(rpc, txGate, throttle, client.DefaultRetryPolicy(), pagination.DefaultConfig())
//	res, err := f.Fetch(ctx, account, signatures)
//
// Every request holds a gate permit for the duration of its round trip. Each
// retry shrinks the gate of the failing call and the shared batch size by the
// throttle's scale factor. Transactions without a block time are reported in
// FetchResult.Dropped rather than failing the fetch; a batch that exhausts its
// retries fails the whole account.
package pagination
