package bid

import (
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// StatusAuctionRef is the minimal auction reference a bid status carries:
// just enough to satisfy invariant I3 (an AuctionId in a bid status exists
// in the durable journal) without the bid package importing the auction
// package (which itself holds bids, and would create an import cycle).
// Mirrors original_source's own `BidStatusAuction{id, tx_hash}`.
type StatusAuctionRef struct {
	ID     uuid.UUID
	TxHash solana.Signature
}

// FailedReason enumerates why a winning bid's transaction failed on-chain
// (spec §4.6 step 2).
type FailedReason string

const (
	FailedInsufficientUserFunds         FailedReason = "insufficient_user_funds"
	FailedInsufficientSearcherFunds     FailedReason = "insufficient_searcher_funds"
	FailedInsufficientFundsSolTransfer  FailedReason = "insufficient_funds_sol_transfer"
	FailedDeadlinePassed                FailedReason = "deadline_passed"
	FailedOther                         FailedReason = "other"
)

// SubmissionFailedReason enumerates why a bid never made it past the
// Submitter (spec §3 terminal variant `SubmissionFailed`).
type SubmissionFailedReason string

const (
	SubmissionFailedCancelled       SubmissionFailedReason = "cancelled"
	SubmissionFailedDeadlinePassed  SubmissionFailedReason = "deadline_passed"
)

// Status is the tagged union described in spec §3's state machine. Each
// variant is a concrete type implementing this interface; callers type-switch
// on Kind() or on the concrete type when they need the payload.
type Status interface {
	Kind() string
	// IsConcluded reports whether this status is terminal (spec invariant
	// I2: terminal statuses are final).
	IsConcluded() bool
	// AuctionID returns the auction this status refers to, if any.
	AuctionID() (uuid.UUID, bool)
}

type StatusPending struct{}

func (StatusPending) Kind() string                       { return "pending" }
func (StatusPending) IsConcluded() bool                   { return false }
func (StatusPending) AuctionID() (uuid.UUID, bool)        { return uuid.Nil, false }

type StatusAwaitingSignature struct{ Auction StatusAuctionRef }

func (s StatusAwaitingSignature) Kind() string                { return "awaiting_signature" }
func (s StatusAwaitingSignature) IsConcluded() bool           { return false }
func (s StatusAwaitingSignature) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

type StatusSentToUserForSubmission struct{ Auction StatusAuctionRef }

func (s StatusSentToUserForSubmission) Kind() string                { return "sent_to_user_for_submission" }
func (s StatusSentToUserForSubmission) IsConcluded() bool           { return false }
func (s StatusSentToUserForSubmission) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

type StatusSubmitted struct{ Auction StatusAuctionRef }

func (s StatusSubmitted) Kind() string                { return "submitted" }
func (s StatusSubmitted) IsConcluded() bool           { return false }
func (s StatusSubmitted) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

// StatusLost is the one variant that may carry no auction at all (spec §3:
// "Lost may carry an optional reference to the auction that defeated it").
type StatusLost struct{ Auction *StatusAuctionRef }

func (s StatusLost) Kind() string      { return "lost" }
func (s StatusLost) IsConcluded() bool { return true }
func (s StatusLost) AuctionID() (uuid.UUID, bool) {
	if s.Auction == nil {
		return uuid.Nil, false
	}
	return s.Auction.ID, true
}

type StatusWon struct{ Auction StatusAuctionRef }

func (s StatusWon) Kind() string                { return "won" }
func (s StatusWon) IsConcluded() bool           { return true }
func (s StatusWon) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

type StatusFailed struct {
	Auction StatusAuctionRef
	Reason  FailedReason
}

func (s StatusFailed) Kind() string                { return "failed" }
func (s StatusFailed) IsConcluded() bool           { return true }
func (s StatusFailed) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

type StatusExpired struct{ Auction StatusAuctionRef }

func (s StatusExpired) Kind() string                { return "expired" }
func (s StatusExpired) IsConcluded() bool           { return true }
func (s StatusExpired) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

type StatusCancelled struct{ Auction StatusAuctionRef }

func (s StatusCancelled) Kind() string                { return "cancelled" }
func (s StatusCancelled) IsConcluded() bool           { return true }
func (s StatusCancelled) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

type StatusSubmissionFailed struct {
	Auction StatusAuctionRef
	Reason  SubmissionFailedReason
}

func (s StatusSubmissionFailed) Kind() string                { return "submission_failed" }
func (s StatusSubmissionFailed) IsConcluded() bool           { return true }
func (s StatusSubmissionFailed) AuctionID() (uuid.UUID, bool) { return s.Auction.ID, true }

// rank orders statuses along the partial order spec §8 requires: Pending is
// minimal, terminal statuses are maximal, and every non-terminal,
// non-pending status sits strictly in between. Two non-concluded statuses
// of different kinds (e.g. AwaitingSignature vs Submitted) are considered
// incomparable-but-both-greater-than-pending for monotonicity purposes; the
// Broadcaster (spec §4.7) only needs "did we move backward or re-enter
// Pending", which this ranking is sufficient to detect.
func rank(s Status) int {
	switch s.(type) {
	case StatusPending:
		return 0
	case StatusAwaitingSignature, StatusSentToUserForSubmission, StatusSubmitted:
		return 1
	default:
		if s.IsConcluded() {
			return 2
		}
		return 1
	}
}

// IsMonotonicTransition implements spec §4.7 step 1 / §8's partial order:
// reject moving out of a concluded status, or re-entering Pending from
// anything but Pending itself.
func IsMonotonicTransition(oldStatus, newStatus Status) bool {
	if oldStatus.IsConcluded() {
		return false
	}
	if _, ok := newStatus.(StatusPending); ok {
		_, wasPending := oldStatus.(StatusPending)
		return wasPending
	}
	return rank(newStatus) >= rank(oldStatus)
}
