// Package xerrors defines the engine's error taxonomy (spec §7): client
// errors surfaced verbatim at the request boundary, transient errors that
// are retried internally, invariant violations that are logged and
// swallowed, and fatal errors that bring the process down.
package xerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable, machine-readable error identifier. REST adapters map
// these to HTTP status codes; this package never imports net/http.
type Code string

const (
	CodeInvalidChainID          Code = "invalid_chain_id"
	CodeTransactionTooLarge     Code = "transaction_too_large"
	CodeInvalidInstructionCount Code = "invalid_instruction_count"
	CodeWrongInstructionType    Code = "wrong_instruction_type"
	CodeAccountNotFound         Code = "account_not_found"
	CodeMissingSignatures       Code = "missing_signatures"
	CodeDeadlineTooSoon         Code = "deadline_too_soon"
	CodeSimulationFailed        Code = "simulation_failed"
	CodeDuplicateBid            Code = "duplicate_bid"
	CodeNotCancellable          Code = "not_cancellable"
	CodeUnauthorized            Code = "unauthorized"
	CodeBidNotFound             Code = "bid_not_found"
	CodeOpportunityNotFound     Code = "opportunity_not_found"
	CodeRelayerNotInAccounts    Code = "relayer_not_in_accounts"
	CodeTemporarilyUnavailable  Code = "temporarily_unavailable"
)

// ClientError is a 4xx-class error: the caller did something the engine can
// reject without retrying. SimulationFailed carries the simulator's reason.
type ClientError struct {
	code   Code
	reason string
}

func (e *ClientError) Error() string {
	if e.reason == "" {
		return string(e.code)
	}
	return fmt.Sprintf("%s: %s", e.code, e.reason)
}

func (e *ClientError) Code() Code { return e.code }

func NewClient(code Code, reason string) *ClientError {
	return &ClientError{code: code, reason: reason}
}

// Transient wraps an error the caller should see as a 503 and that internal
// retry loops may retry without surfacing it further (spec §7).
type Transient struct {
	cause error
}

func (e *Transient) Error() string { return "temporarily unavailable: " + e.cause.Error() }
func (e *Transient) Code() Code    { return CodeTemporarilyUnavailable }
func (e *Transient) Unwrap() error { return e.cause }

func NewTransient(cause error) *Transient {
	return &Transient{cause: errors.WithStack(cause)}
}

// IsClient reports whether err (or something it wraps) is a *ClientError.
func IsClient(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsTransient reports whether err (or something it wraps) is a *Transient.
func IsTransient(err error) (*Transient, bool) {
	var te *Transient
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Wrap adds a stack trace and message the way the rest of the codebase
// expects from github.com/pkg/errors, kept in one place so call sites read
// `xerrors.Wrap(err, "...")` instead of importing pkg/errors directly.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
