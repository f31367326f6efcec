// Package wire implements the engine's on-the-wire encodings (spec §6):
// base64-framed VersionedTransaction bytes, dashed UUIDs, RFC3339-micro
// timestamps, and the tagged-union BidStatus JSON shape. Grounded on
// gagliardetto/solana-go's Transaction/PublicKey/Signature types, this
// repository's only sanctioned path to Solana wire types.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// TimeFormat is the RFC3339 variant with microsecond precision spec §6
// specifies for every timestamp field.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

// ParseTime parses the wire format back into a time.Time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, xerrors.Wrap(err, "wire: parsing timestamp")
	}
	return t, nil
}

// DecodeTransaction parses a base64-encoded serialized Solana transaction,
// the wire shape searchers submit a bid's transaction in.
func DecodeTransaction(base64Tx string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Tx)
	if err != nil {
		return nil, xerrors.NewClient(xerrors.CodeTransactionTooLarge, "invalid base64")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, xerrors.NewClient(xerrors.CodeTransactionTooLarge, "invalid transaction encoding")
	}
	return tx, nil
}

// EncodeTransaction serializes tx back to the base64 wire shape.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", xerrors.Wrap(err, "wire: serializing transaction")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// BidStatusJSON is the tagged-union wire shape spec §6 requires for a
// bid's status: a discriminant plus whatever payload that variant
// carries.
type BidStatusJSON struct {
	Kind     string  `json:"kind"`
	AuctionID *string `json:"auction_id,omitempty"`
	TxHash    *string `json:"tx_hash,omitempty"`
	Reason    *string `json:"reason,omitempty"`
}

// EncodeBidStatus converts the in-process tagged union into its wire
// shape.
func EncodeBidStatus(s bid.Status) BidStatusJSON {
	out := BidStatusJSON{Kind: s.Kind()}
	if auctionID, ok := s.AuctionID(); ok {
		id := auctionID.String()
		out.AuctionID = &id
	}

	switch v := s.(type) {
	case bid.StatusSubmitted:
		sig := v.Auction.TxHash.String()
		out.TxHash = &sig
	case bid.StatusWon:
		sig := v.Auction.TxHash.String()
		out.TxHash = &sig
	case bid.StatusFailed:
		reason := string(v.Reason)
		out.Reason = &reason
	case bid.StatusSubmissionFailed:
		reason := string(v.Reason)
		out.Reason = &reason
	case bid.StatusLost:
		if v.Auction != nil {
			sig := v.Auction.TxHash.String()
			out.TxHash = &sig
		}
	}
	return out
}

// MarshalBidStatus is the json.Marshaler-shaped convenience most callers
// want: encode straight to bytes.
func MarshalBidStatus(s bid.Status) ([]byte, error) {
	return json.Marshal(EncodeBidStatus(s))
}

// FormatUUID renders u in the dashed lowercase form spec §6 requires
// (uuid.UUID's String() already does this; this wrapper exists so callers
// never need to know that and never import google/uuid directly just for
// formatting).
func FormatUUID(u uuid.UUID) string { return u.String() }
