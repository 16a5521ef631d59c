package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of RPC failures.
type ErrorClass string

const (
	// ErrorClassClient represents rejected requests (4xx, JSON-RPC request errors).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx and malformed or incomplete responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents throttling (429 or a throttling JSON-RPC code).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents a well-formed response whose result does not
	// match the expected shape.
	ErrorClassDecode ErrorClass = "decode"
)

// JSON-RPC error codes the ledger service uses for throttling and lag.
const (
	codeTooManyRequests   = -32429
	codeNodeUnhealthy     = -32005
	codeBlockNotAvailable = -32004
	codeInternalError     = -32603
)

// RPCError is a ledger RPC failure with its classification.
type RPCError struct {
	Method     string
	StatusCode int
	Code       int
	Class      ErrorClass
	Message    string

	// RetryAfter is the server's requested delay, zero if none was given.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rpc %s %s error", e.Method, e.Class)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RPCError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of err, or "" when err is not an RPC failure.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Class
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}

	return ""
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return shouldRetry(ClassOf(err))
}

// RetryAfterHint returns the server-requested delay carried by err.
func RetryAfterHint(err error) time.Duration {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.RetryAfter
	}
	return 0
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client and decode errors repeat identically on retry
		return false
	}
}

// classifyStatus maps an HTTP status to an error class. 2xx returns "".
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// classifyCode maps a JSON-RPC error code to an error class.
func classifyCode(code int) ErrorClass {
	switch {
	case code == codeTooManyRequests, code == codeNodeUnhealthy:
		return ErrorClassRateLimit
	case code == codeBlockNotAvailable, code == codeInternalError:
		return ErrorClassServer
	default:
		// remaining server-defined codes are request specific (skipped slot,
		// unsupported transaction version, ...)
		return ErrorClassClient
	}
}

// parseRetryAfter parses a Retry-After header in delta-seconds or HTTP-date form.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
