package engine

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/permkey"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// fakeStore is a minimal in-memory journal.Store, just enough for Apply's
// AppendStatus path and Restore's SubmittedAuctionIDs scan.
type fakeStore struct {
	statuses map[bid.ID]journal.StatusRecord
}

func newFakeStore() *fakeStore { return &fakeStore{statuses: make(map[bid.ID]journal.StatusRecord)} }

func (f *fakeStore) AppendStatus(_ context.Context, b *bid.Bid, status bid.Status) error {
	f.statuses[b.ID] = journal.StatusRecord{BidID: b.ID, ProfileID: b.ProfileID, Kind: status.Kind(), Timestamp: time.Now()}
	return nil
}
func (f *fakeStore) AppendAuction(context.Context, *auction.Auction) error { return nil }
func (f *fakeStore) LatestStatus(_ context.Context, bidID bid.ID) (journal.StatusRecord, bool, error) {
	rec, ok := f.statuses[bidID]
	return rec, ok, nil
}
func (f *fakeStore) StatusHistory(context.Context, uuid.UUID, time.Time) ([]journal.StatusRecord, error) {
	return nil, nil
}
func (f *fakeStore) SubmittedAuctionIDs(context.Context) ([]auction.ID, error) { return nil, nil }
func (f *fakeStore) Close() error                                              { return nil }

func sampleTx() *solana.Transaction {
	return &solana.Transaction{Signatures: []solana.Signature{{1}}}
}

func newTestEngine() *Engine {
	return New(Deps{
		Policy:      ChainPolicy{ChainID: "solana-devnet"},
		Repo:        repository.New(),
		Store:       newFakeStore(),
		Broadcaster: broadcaster.New(newFakeStore()),
	})
}

// awaitingSignatureAuction registers an auction whose winner is already
// AwaitingSignature, the state SubmitQuote expects to promote out of.
func awaitingSignatureAuction(e *Engine) (*auction.Auction, *bid.Bid) {
	winner := &bid.Bid{ID: bid.NewID(), InitiationTime: time.Now()}
	a := auction.New(permkey.Key{}, []*bid.Bid{winner}, time.Now())
	a.SetWinner(winner)
	winner.Status = bid.StatusAwaitingSignature{Auction: bid.StatusAuctionRef{ID: a.ID}}
	e.repo.RegisterSubmitted(a)
	return a, winner
}

func pendingBid(e *Engine, chainID string) *bid.Bid {
	chainData := bid.ChainData{
		Transaction:       sampleTx(),
		InstructionType:   permkey.SubmitBid,
		Router:            solana.PublicKey{1},
		PermissionAccount: solana.PublicKey{2},
	}
	b := bid.New(chainID, time.Now(), nil, chainData, 100)
	e.repo.AddPending(b)
	return b
}

func TestSubmitBidRejectsMismatchedChainID(t *testing.T) {
	e := newTestEngine()
	_, err := e.SubmitBid(context.Background(), bid.Create{ChainID: "wrong-chain"})
	require.Error(t, err)
	ce, ok := xerrors.IsClient(err)
	require.True(t, ok)
	require.Equal(t, xerrors.CodeInvalidChainID, ce.Code())
}

func TestGetBidStatusReturnsNotFoundForUnknownID(t *testing.T) {
	e := newTestEngine()
	_, err := e.GetBidStatus(context.Background(), uuid.New())
	require.Error(t, err)
	ce, ok := xerrors.IsClient(err)
	require.True(t, ok)
	require.Equal(t, xerrors.CodeBidNotFound, ce.Code())
}

func TestGetBidStatusReturnsCurrentStatus(t *testing.T) {
	e := newTestEngine()
	b := pendingBid(e, "solana-devnet")

	status, err := e.GetBidStatus(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "pending", status.Kind())
}

func TestListBidsReturnsLivePendingForKey(t *testing.T) {
	e := newTestEngine()
	b := pendingBid(e, "solana-devnet")

	bids := e.ListBids(context.Background(), b.PermissionKey())
	require.Len(t, bids, 1)
	require.Equal(t, b.ID, bids[0].ID)
}

func TestCancelBidRemovesPendingAndMarksCancelled(t *testing.T) {
	e := newTestEngine()
	b := pendingBid(e, "solana-devnet")

	require.NoError(t, e.CancelBid(context.Background(), b.ID))
	require.Equal(t, "cancelled", b.Status.Kind())
	require.Empty(t, e.repo.LivePending(b.PermissionKey()))
}

func TestCancelBidFailsWhenAlreadyPastPending(t *testing.T) {
	e := newTestEngine()
	b := pendingBid(e, "solana-devnet")
	require.NoError(t, e.CancelBid(context.Background(), b.ID))

	err := e.CancelBid(context.Background(), b.ID)
	require.Error(t, err)
	ce, ok := xerrors.IsClient(err)
	require.True(t, ok)
	require.Equal(t, xerrors.CodeNotCancellable, ce.Code())
}

func TestCancelBidFailsForUnknownID(t *testing.T) {
	e := newTestEngine()
	err := e.CancelBid(context.Background(), uuid.New())
	require.Error(t, err)
	ce, ok := xerrors.IsClient(err)
	require.True(t, ok)
	require.Equal(t, xerrors.CodeBidNotFound, ce.Code())
}

func TestSubmitQuotePromotesWinnerAndReturnsSignedTransaction(t *testing.T) {
	e := newTestEngine()
	a, winner := awaitingSignatureAuction(e)

	signed := sampleTx()
	tx, err := e.SubmitQuote(context.Background(), a.ID, signed)
	require.NoError(t, err)
	require.Same(t, signed, tx)
	require.Same(t, signed, winner.ChainData.Transaction)
	require.Equal(t, "sent_to_user_for_submission", winner.Status.Kind())
}

func TestSubmitQuoteFailsForUnknownID(t *testing.T) {
	e := newTestEngine()
	_, err := e.SubmitQuote(context.Background(), uuid.New(), sampleTx())
	require.Error(t, err)
	_, ok := xerrors.IsClient(err)
	require.True(t, ok)
}

type recordingSubscriber struct {
	id      string
	changes []broadcaster.StatusChange
}

func (r *recordingSubscriber) ID() string { return r.id }
func (r *recordingSubscriber) Notify(c broadcaster.StatusChange) {
	r.changes = append(r.changes, c)
}

func TestSubscribeAndUnsubscribeControlDelivery(t *testing.T) {
	e := newTestEngine()
	sub := &recordingSubscriber{id: "sub-1"}
	e.Subscribe(sub)

	b := pendingBid(e, "solana-devnet")
	require.NoError(t, e.CancelBid(context.Background(), b.ID))
	require.Len(t, sub.changes, 1)

	e.Unsubscribe(sub.id)
	b2 := pendingBid(e, "solana-devnet")
	require.NoError(t, e.CancelBid(context.Background(), b2.ID))
	require.Len(t, sub.changes, 1)
}

func TestHealthReportsHealthy(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.Health())
}
