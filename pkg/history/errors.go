package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStoreLagging is wrapped by PreconditionError when the authoritative
// store has not ingested up to the newest observed timestamp.
var ErrStoreLagging = errors.New("authoritative store lags behind observed data")

// IntegrityKind names a data-integrity violation.
type IntegrityKind string

const (
	// DuplicateSignature: one signature was listed under two accounts.
	DuplicateSignature IntegrityKind = "duplicate_signature"

	// MissingDetail: a listed, finalized event has no detail record.
	MissingDetail IntegrityKind = "missing_detail"

	// DuplicateDetail: an event has more than one detail record.
	DuplicateDetail IntegrityKind = "duplicate_detail"

	// UnexpectedDetail: a detail record matches no listed event.
	UnexpectedDetail IntegrityKind = "unexpected_detail"
)

// IntegrityError is a fatal data-integrity violation. It is never repaired.
type IntegrityError struct {
	Kind      IntegrityKind
	Signature string
	Accounts  []string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s): signature %s, accounts [%s]",
		e.Kind, e.Signature, strings.Join(e.Accounts, ", "))
}

// PreconditionError reports an authoritative store that is behind.
type PreconditionError struct {
	// Latest is the store's newest timestamp.
	Latest time.Time

	// Required is the newest timestamp observed in the extracted details.
	Required time.Time
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%v: store has data up to %s, need %s",
		ErrStoreLagging, e.Latest.UTC().Format(time.RFC3339), e.Required.UTC().Format(time.RFC3339))
}

// Unwrap returns ErrStoreLagging.
func (e *PreconditionError) Unwrap() error {
	return ErrStoreLagging
}
