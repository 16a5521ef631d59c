// Package client provides the ledger JSON-RPC client with error
// classification and the generic retry/backoff controller used around every
// remote call.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for ledger RPC operations.
var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rpc_requests_total",
		Help: "Total ledger RPC requests by method and status",
	}, []string{"method", "status"})

	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_rpc_request_duration_seconds",
		Help:    "Ledger RPC request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	rpcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rpc_errors_total",
		Help: "Total ledger RPC errors by class",
	}, []string{"class"})
)

// RPC method names.
const (
	MethodGetSignaturesForAddress = "getSignaturesForAddress"
	MethodGetTransaction          = "getTransaction"

	// methodBatchGetTransaction labels batched getTransaction round trips.
	methodBatchGetTransaction = "getTransaction[batch]"
)

// MaxSignaturesPageLimit is the largest page getSignaturesForAddress serves.
const MaxSignaturesPageLimit = 1000

// Config holds the client configuration.
type Config struct {
	// Endpoint is the JSON-RPC URL (http or https).
	Endpoint string

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration

	// Commitment level requested for every call.
	Commitment string

	// UserAgent header sent with every request.
	UserAgent string

	// HTTPClient overrides the default HTTP client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:   endpoint,
		Timeout:    30 * time.Second,
		Commitment: "finalized",
		UserAgent:  "ledger-history/0.1.0",
	}
}

// Client is the ledger JSON-RPC client. It performs single round trips; retry
// and gating are applied by the caller.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	nextID     atomic.Uint64
}

// New creates a new ledger client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if err := ValidateEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "finalized"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logger.With().Str("component", "ledger-rpc").Logger(),
	}, nil
}

// ValidateEndpoint checks that endpoint is an absolute http(s) URL.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("rpc endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse rpc endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("rpc endpoint scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("rpc endpoint %q has no host", endpoint)
	}
	return nil
}

// Endpoint returns the configured RPC URL.
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	BlockTime *int64          `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}

type transactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Fee             uint64   `json:"fee"`
		PreBalances     []uint64 `json:"preBalances"`
		PostBalances    []uint64 `json:"postBalances"`
		LoadedAddresses *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// GetSignaturesForAddress lists up to limit events for account, newest first,
// strictly older than before (or the most recent when before is empty).
func (c *Client) GetSignaturesForAddress(ctx context.Context, account, before string, limit int) ([]ledger.EventRecord, error) {
	if limit <= 0 || limit > MaxSignaturesPageLimit {
		limit = MaxSignaturesPageLimit
	}

	opts := map[string]any{
		"limit":      limit,
		"commitment": c.config.Commitment,
	}
	if before != "" {
		opts["before"] = before
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  MethodGetSignaturesForAddress,
		Params:  []any{account, opts},
	}

	var resp rpcResponse
	if err := c.roundTrip(ctx, MethodGetSignaturesForAddress, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, c.fail(&RPCError{
			Method:  MethodGetSignaturesForAddress,
			Code:    resp.Error.Code,
			Class:   classifyCode(resp.Error.Code),
			Message: resp.Error.Message,
		})
	}

	var infos []signatureInfo
	if err := json.Unmarshal(resp.Result, &infos); err != nil {
		return nil, c.fail(&RPCError{
			Method:  MethodGetSignaturesForAddress,
			Class:   ErrorClassDecode,
			Message: "decode signatures",
			Err:     err,
		})
	}

	records := make([]ledger.EventRecord, 0, len(infos))
	for _, info := range infos {
		records = append(records, ledger.EventRecord{
			Signature: info.Signature,
			Slot:      info.Slot,
			BlockTime: info.BlockTime,
			Failed:    len(info.Err) > 0 && string(info.Err) != "null",
		})
	}
	return records, nil
}

// GetTransactions fetches the transactions for signatures in a single batched
// round trip. The result is parallel to signatures; an entry is nil when the
// service does not know the transaction yet.
func (c *Client) GetTransactions(ctx context.Context, signatures []string) ([]*ledger.Envelope, error) {
	if len(signatures) == 0 {
		return nil, nil
	}

	opts := map[string]any{
		"encoding":                       "json",
		"commitment":                     c.config.Commitment,
		"maxSupportedTransactionVersion": 0,
	}

	batch := make([]rpcRequest, len(signatures))
	index := make(map[uint64]int, len(signatures))
	for i, sig := range signatures {
		id := c.nextID.Add(1)
		batch[i] = rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  MethodGetTransaction,
			Params:  []any{sig, opts},
		}
		index[id] = i
	}

	var responses []rpcResponse
	if err := c.roundTrip(ctx, methodBatchGetTransaction, batch, &responses); err != nil {
		return nil, err
	}

	envelopes := make([]*ledger.Envelope, len(signatures))
	answered := make([]bool, len(signatures))

	var firstErr *RPCError
	for _, resp := range responses {
		i, ok := index[resp.ID]
		if !ok || answered[i] {
			return nil, c.fail(&RPCError{
				Method:  methodBatchGetTransaction,
				Class:   ErrorClassServer,
				Message: fmt.Sprintf("unexpected response id %d", resp.ID),
			})
		}
		answered[i] = true

		if resp.Error != nil {
			rpcErr := &RPCError{
				Method:  MethodGetTransaction,
				Code:    resp.Error.Code,
				Class:   classifyCode(resp.Error.Code),
				Message: fmt.Sprintf("%s: %s", signatures[i], resp.Error.Message),
			}
			// a throttled item makes the whole batch retryable
			if firstErr == nil || (shouldRetry(rpcErr.Class) && !shouldRetry(firstErr.Class)) {
				firstErr = rpcErr
			}
			continue
		}

		env, err := decodeEnvelope(signatures[i], resp.Result)
		if err != nil {
			return nil, c.fail(&RPCError{
				Method:  MethodGetTransaction,
				Class:   ErrorClassDecode,
				Message: "decode transaction " + signatures[i],
				Err:     err,
			})
		}
		envelopes[i] = env
	}

	if firstErr != nil {
		return nil, c.fail(firstErr)
	}

	for i, ok := range answered {
		if !ok {
			return nil, c.fail(&RPCError{
				Method:  methodBatchGetTransaction,
				Class:   ErrorClassServer,
				Message: fmt.Sprintf("incomplete batch response: no result for %s", signatures[i]),
			})
		}
	}

	return envelopes, nil
}

// decodeEnvelope converts a getTransaction result. A null result yields nil.
func decodeEnvelope(signature string, raw json.RawMessage) (*ledger.Envelope, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var tx transactionResult
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	if tx.Meta == nil {
		return nil, errors.New("transaction has no status meta")
	}
	if len(tx.Transaction.Signatures) > 0 && tx.Transaction.Signatures[0] != signature {
		return nil, fmt.Errorf("response carries transaction %s", tx.Transaction.Signatures[0])
	}

	keys := append([]string(nil), tx.Transaction.Message.AccountKeys...)
	if loaded := tx.Meta.LoadedAddresses; loaded != nil {
		keys = append(keys, loaded.Writable...)
		keys = append(keys, loaded.Readonly...)
	}

	return &ledger.Envelope{
		Signature:    signature,
		Slot:         tx.Slot,
		BlockTime:    tx.BlockTime,
		Fee:          tx.Meta.Fee,
		AccountKeys:  keys,
		PreBalances:  tx.Meta.PreBalances,
		PostBalances: tx.Meta.PostBalances,
	}, nil
}

// roundTrip posts payload and decodes the JSON body into out, classifying
// transport and HTTP failures.
func (c *Client) roundTrip(ctx context.Context, method string, payload any, out any) error {
	startTime := time.Now()
	defer func() {
		rpcRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("method", method).
		Int("bytes", len(body)).
		Msg("Executing ledger request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		// An expired attempt deadline is a timeout like any other; Retry
		// checks the caller's own context before classifying.
		rpcRequestsTotal.WithLabelValues(method, "network_error").Inc()
		rpcErr := &RPCError{Method: method, Class: ErrorClassNetwork, Err: err}
		if ctx.Err() != nil {
			rpcErr.Message = "request timed out"
		}
		return c.fail(rpcErr)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		rpcRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return c.fail(&RPCError{Method: method, StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err})
	}

	rpcRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if class := classifyStatus(resp.StatusCode); class != "" {
		return c.fail(&RPCError{
			Method:     method,
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    resp.Status,
			RetryAfter: parseRetryAfter(resp.Header),
		})
	}

	if err := json.Unmarshal(data, out); err != nil {
		// a 2xx with an unparseable envelope comes from an overloaded proxy
		return c.fail(&RPCError{Method: method, StatusCode: resp.StatusCode, Class: ErrorClassServer, Message: "invalid json-rpc response", Err: err})
	}
	return nil
}

// fail records and logs an RPC error and returns it. Retry decisions are
// logged by Retry, so this stays at debug level.
func (c *Client) fail(err *RPCError) error {
	rpcErrorsTotal.WithLabelValues(string(err.Class)).Inc()

	c.logger.Debug().
		Err(err).
		Str("method", err.Method).
		Str("error_class", string(err.Class)).
		Int("status", err.StatusCode).
		Int("code", err.Code).
		Msg("Ledger request failed")

	return err
}
