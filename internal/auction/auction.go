// Package auction implements the Auction entity from spec §3: a batch of
// bids competing for a single permission key, created atomically by the
// Batcher and closed by the Reconciler.
package auction

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/permkey"
)

// ID uniquely identifies an auction. It is the AuctionId referenced in
// spec's invariant I3: any AuctionId appearing in a bid status must exist
// in the durable journal.
type ID = uuid.UUID

// NewID generates a fresh auction identifier.
func NewID() ID { return uuid.New() }

// Auction is created atomically from the set of pending bids sharing a
// permission key at a collection instant (spec §3, invariant I4).
type Auction struct {
	ID                ID
	PermissionKey     permkey.Key
	Bids              []*bid.Bid
	BidCollectionTime time.Time

	// Winner is the bid the Batcher selected after simulating candidates in
	// amount-descending order until the first one passes (spec §4.4 step 5).
	// Nil until SetWinner is called; an auction with no winner (every bid
	// failed simulation) is never submitted.
	Winner *bid.Bid

	// TxHash is set by the Submitter once the winning bid has been signed
	// and broadcast (spec §4.5 step 5).
	TxHash *solana.Signature
	// SubmissionTime is set alongside TxHash.
	SubmissionTime *time.Time
	// ConclusionTime is set by the Reconciler once a terminal bid status
	// has been produced for the winner (spec §4.6 step 4).
	ConclusionTime *time.Time
}

// New constructs an auction snapshot. Bids is expected to be the exact set
// returned by Repository.SnapshotAndClearPending for permissionKey.
func New(permissionKey permkey.Key, bids []*bid.Bid, now time.Time) *Auction {
	return &Auction{
		ID:                NewID(),
		PermissionKey:     permissionKey,
		Bids:              bids,
		BidCollectionTime: now,
	}
}

// SetWinner records the Batcher's winner-selection outcome.
func (a *Auction) SetWinner(b *bid.Bid) { a.Winner = b }

// MarkSubmitted records the broadcast outcome (spec §4.5 step 5 /
// Repository.register_submitted).
func (a *Auction) MarkSubmitted(txHash solana.Signature, when time.Time) {
	a.TxHash = &txHash
	a.SubmissionTime = &when
}

// MarkConcluded records that the Reconciler produced a terminal status for
// this auction's winner (spec §4.6 step 4 / Repository.conclude).
func (a *Auction) MarkConcluded(when time.Time) {
	a.ConclusionTime = &when
}

// OldestBid returns the earliest-submitted bid in the snapshot, used by the
// Batcher to enforce AUCTION_MIN_LIFETIME (spec §4.4 step 4).
func (a *Auction) OldestBid() *bid.Bid {
	if len(a.Bids) == 0 {
		return nil
	}
	oldest := a.Bids[0]
	for _, b := range a.Bids[1:] {
		if b.InitiationTime.Before(oldest.InitiationTime) {
			oldest = b
		}
	}
	return oldest
}
