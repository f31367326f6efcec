package bid

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/permkey"
)

// ID identifies a bid (spec §3).
type ID = uuid.UUID

// NewID generates a fresh bid identifier.
func NewID() ID { return uuid.New() }

// InstructionType mirrors permkey.InstructionType; kept as its own type so
// bid.go does not force every caller to reach into permkey for this one
// enum (spec §3: chain_data.instruction_type).
type InstructionType = permkey.InstructionType

const (
	SubmitBid InstructionType = permkey.SubmitBid
	Swap      InstructionType = permkey.Swap
)

// ChainData is the SVM-specific payload extracted by the Verifier (spec §3,
// §4.1 step 3).
type ChainData struct {
	Transaction       *solana.Transaction
	InstructionType    InstructionType
	Router             solana.PublicKey
	PermissionAccount  solana.PublicKey
	// TokenProgram/Mint are only populated for Swap instructions (spec
	// §4.1 step 3: "for Swap, the token-program and mint accounts").
	TokenProgram *solana.PublicKey
	Mint         *solana.PublicKey
}

// PermissionKey derives the 65-byte permission key from chain data (spec §3
// wire layout).
func (c ChainData) PermissionKey() permkey.Key {
	return permkey.New(c.InstructionType, c.Router, c.PermissionAccount)
}

// CreateChainData is the pre-verification payload inbound from a searcher
// (spec §6 BidCreate). Transaction is the decoded VersionedTransaction; the
// engine never retains ownership of raw bytes once verified.
type CreateChainData struct {
	Transaction   *solana.Transaction
	Slot          *uint64
	OpportunityID *uuid.UUID
}

// Create is what the engine receives before verification (spec §6
// BidCreate, minus chain_id/profile which the transport layer attaches).
type Create struct {
	ChainID        string
	InitiationTime time.Time
	ProfileID      *uuid.UUID
	ChainData      CreateChainData
}

// Equal implements the duplicate-bid comparison spec §4.1 step 7 requires:
// same transaction bytes, same chain. Grounded on original_source's
// `impl PartialEq<Bid> for BidCreate`, which compares only transaction and
// chain_id, not status or timing.
func (c Create) Equal(b *Bid) bool {
	if c.ChainID != b.ChainID {
		return false
	}
	if c.ChainData.Transaction == nil || b.ChainData.Transaction == nil {
		return false
	}
	return transactionsEqual(c.ChainData.Transaction, b.ChainData.Transaction)
}

func transactionsEqual(a, b *solana.Transaction) bool {
	ab, err1 := a.MarshalBinary()
	bb, err2 := b.MarshalBinary()
	if err1 != nil || err2 != nil {
		return false
	}
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// Bid is the engine's durable view of a bid (spec §3).
type Bid struct {
	ID             ID
	ChainID        string
	InitiationTime time.Time
	ProfileID      *uuid.UUID
	Amount         uint64
	Status         Status
	ChainData      ChainData
}

// TxHash is the signature of this bid's transaction, used for duplicate
// detection and log correlation (spec invariant I1: at most one bid per
// transaction hash is in a non-terminal state per chain).
func (b *Bid) TxHash() (solana.Signature, bool) {
	if b.ChainData.Transaction == nil || len(b.ChainData.Transaction.Signatures) == 0 {
		return solana.Signature{}, false
	}
	return b.ChainData.Transaction.Signatures[0], true
}

// PermissionKey delegates to ChainData (spec §3).
func (b *Bid) PermissionKey() permkey.Key { return b.ChainData.PermissionKey() }

// New constructs a pending bid from verified chain data and an extracted
// amount, the two outputs of Verifier.Verify (spec §4.1 contract).
func New(chainID string, initiationTime time.Time, profileID *uuid.UUID, chainData ChainData, amount uint64) *Bid {
	return &Bid{
		ID:             NewID(),
		ChainID:        chainID,
		InitiationTime: initiationTime,
		ProfileID:      profileID,
		Amount:         amount,
		Status:         StatusPending{},
		ChainData:      chainData,
	}
}
