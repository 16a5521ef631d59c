// Package testutil provides testing utilities for the ledger history extractor.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Signature is one entry of a mocked getSignaturesForAddress listing.
type Signature struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	Failed    bool
}

// Transaction is a mocked getTransaction result.
type Transaction struct {
	Slot         uint64
	BlockTime    *int64
	Fee          uint64
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
}

// MockRequest describes one HTTP request received by the mock.
type MockRequest struct {
	Method     string
	Account    string
	Before     string
	Limit      int
	Signatures []string

	// Call is the 1-based count of requests with the same Method and key
	// (account+before for listings, first signature for batches).
	Call int
}

// MockFailure is an injected failure.
type MockFailure struct {
	StatusCode int
	RetryAfter string

	// RPCCode, when non-zero, answers 200 with a JSON-RPC error instead.
	RPCCode int
	Message string

	Delay time.Duration
}

// MockLedger is a configurable mock ledger JSON-RPC server.
type MockLedger struct {
	server *httptest.Server

	mu           sync.Mutex
	signatures   map[string][]Signature
	transactions map[string]Transaction
	failure      func(MockRequest) *MockFailure
	calls        map[string]int
	requests     []MockRequest
	latency      time.Duration
	inFlight     int
	maxInFlight  int
}

// NewMockLedger creates a new mock ledger server.
func NewMockLedger() *MockLedger {
	m := &MockLedger{
		signatures:   make(map[string][]Signature),
		transactions: make(map[string]Transaction),
		calls:        make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockLedger) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLedger) Close() {
	m.server.Close()
}

// SetSignatures sets the listing for account. Entries must be newest first.
func (m *MockLedger) SetSignatures(account string, entries []Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[account] = entries
}

// SetTransaction registers a transaction under signature.
func (m *MockLedger) SetTransaction(signature string, tx Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[signature] = tx
}

// SetLatency delays every response by d.
func (m *MockLedger) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetFailure installs a failure injector consulted for every request.
func (m *MockLedger) SetFailure(fn func(MockRequest) *MockFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

// Requests returns a copy of all requests received so far.
func (m *MockLedger) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// RequestCount returns the number of requests received for method.
func (m *MockLedger) RequestCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockLedger) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

type request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *MockLedger) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	latency := m.latency
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if latency > 0 {
		time.Sleep(latency)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		var batch []request
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.handleBatch(w, batch)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.handleSingle(w, req)
}

func (m *MockLedger) handleSingle(w http.ResponseWriter, req request) {
	if req.Method != "getSignaturesForAddress" || len(req.Params) < 1 {
		writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
		return
	}

	var account string
	_ = json.Unmarshal(req.Params[0], &account)
	var opts struct {
		Limit  int    `json:"limit"`
		Before string `json:"before"`
	}
	if len(req.Params) > 1 {
		_ = json.Unmarshal(req.Params[1], &opts)
	}

	mr := m.record(MockRequest{Method: req.Method, Account: account, Before: opts.Before, Limit: opts.Limit}, account+"|"+opts.Before)
	if m.maybeFail(w, mr, req.ID) {
		return
	}

	m.mu.Lock()
	entries := m.signatures[account]
	m.mu.Unlock()

	start := 0
	if opts.Before != "" {
		start = len(entries)
		for i, e := range entries {
			if e.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}

	page := make([]map[string]any, 0, end-start)
	for _, e := range entries[start:end] {
		item := map[string]any{
			"signature":          e.Signature,
			"slot":               e.Slot,
			"blockTime":          e.BlockTime,
			"err":                nil,
			"memo":               nil,
			"confirmationStatus": "finalized",
		}
		if e.Failed {
			item["err"] = map[string]any{"InstructionError": []any{0, "Custom"}}
		}
		page = append(page, item)
	}

	writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Result: page})
}

func (m *MockLedger) handleBatch(w http.ResponseWriter, batch []request) {
	sigs := make([]string, len(batch))
	for i, req := range batch {
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &sigs[i])
		}
	}
	key := ""
	if len(sigs) > 0 {
		key = sigs[0]
	}

	mr := m.record(MockRequest{Method: "getTransaction", Signatures: sigs}, key)
	if m.maybeFail(w, mr, 0) {
		return
	}

	out := make([]any, len(batch))
	for i, req := range batch {
		m.mu.Lock()
		tx, ok := m.transactions[sigs[i]]
		m.mu.Unlock()

		if !ok {
			out[i] = map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil}
			continue
		}
		out[i] = map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]any{
				"slot":      tx.Slot,
				"blockTime": tx.BlockTime,
				"meta": map[string]any{
					"fee":          tx.Fee,
					"err":          nil,
					"preBalances":  nonNil(tx.PreBalances),
					"postBalances": nonNil(tx.PostBalances),
					"loadedAddresses": map[string]any{
						"writable": []string{},
						"readonly": []string{},
					},
				},
				"transaction": map[string]any{
					"signatures": []string{sigs[i]},
					"message": map[string]any{
						"accountKeys": tx.AccountKeys,
					},
				},
			},
		}
	}

	// reverse the answers to exercise id matching
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	writeJSON(w, out)
}

func (m *MockLedger) record(mr MockRequest, key string) MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	callKey := mr.Method + "|" + key
	m.calls[callKey]++
	mr.Call = m.calls[callKey]
	m.requests = append(m.requests, mr)
	return mr
}

func (m *MockLedger) maybeFail(w http.ResponseWriter, mr MockRequest, id uint64) bool {
	m.mu.Lock()
	fn := m.failure
	m.mu.Unlock()
	if fn == nil {
		return false
	}

	f := fn(mr)
	if f == nil {
		return false
	}
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if f.RPCCode != 0 {
		writeJSON(w, response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: f.RPCCode, Message: f.Message}})
		return true
	}
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	status := f.StatusCode
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	http.Error(w, fmt.Sprintf("injected failure %d", status), status)
	return true
}

// NewRateLimitFailure returns a 429 failure.
func NewRateLimitFailure() *MockFailure {
	return &MockFailure{StatusCode: http.StatusTooManyRequests, Message: "Too many requests"}
}

// NewServerFailure returns a 503 failure.
func NewServerFailure() *MockFailure {
	return &MockFailure{StatusCode: http.StatusServiceUnavailable}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

func nonNil(v []uint64) []uint64 {
	if v == nil {
		return []uint64{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
