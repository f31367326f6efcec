package batcher

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
	"github.com/expressrelay/auctionengine/internal/chainrpc"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/opportunity"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/simulator"
	"github.com/expressrelay/auctionengine/internal/submitmode"
)

// noopStore is a journal.Store that discards every write, enough to let the
// Broadcaster's Apply path run in tests that do not assert on persistence.
type noopStore struct{}

func (noopStore) AppendStatus(context.Context, *bid.Bid, bid.Status) error { return nil }
func (noopStore) AppendAuction(context.Context, *auction.Auction) error    { return nil }
func (noopStore) LatestStatus(context.Context, bid.ID) (journal.StatusRecord, bool, error) {
	return journal.StatusRecord{}, false, nil
}
func (noopStore) StatusHistory(context.Context, uuid.UUID, time.Time) ([]journal.StatusRecord, error) {
	return nil, nil
}
func (noopStore) SubmittedAuctionIDs(context.Context) ([]auction.ID, error) { return nil, nil }
func (noopStore) Close() error                                              { return nil }

type stubChainClient struct{}

func (stubChainClient) GetMultipleAccounts(context.Context, []solana.PublicKey, chainrpc.Commitment) ([]*chainrpc.AccountInfo, error) {
	return nil, nil
}
func (stubChainClient) GetAccountInfo(context.Context, solana.PublicKey, chainrpc.Commitment) (*chainrpc.AccountInfo, error) {
	return nil, nil
}
func (stubChainClient) SimulateTransaction(context.Context, *solana.Transaction) (*chainrpc.SimulationOutcome, error) {
	return &chainrpc.SimulationOutcome{}, nil
}
func (stubChainClient) SendTransaction(context.Context, *solana.Transaction, chainrpc.SendOptions) (solana.Signature, error) {
	return solana.Signature{}, nil
}
func (stubChainClient) GetSignatureStatuses(context.Context, []solana.Signature) ([]*chainrpc.SignatureStatus, error) {
	return nil, nil
}
func (stubChainClient) GetLatestBlockhash(context.Context, chainrpc.Commitment) (solana.Hash, error) {
	return solana.Hash{}, nil
}

// selectiveVM reports success only for transactions whose first signature
// byte is in the pass set, letting tests control which candidate wins.
type selectiveVM struct{ pass map[byte]bool }

func (v *selectiveVM) Execute(_ context.Context, tx *solana.Transaction, _ map[solana.PublicKey]*chainrpc.AccountInfo) (*simulator.Outcome, error) {
	ok := len(tx.Signatures) > 0 && v.pass[tx.Signatures[0][0]]
	return &simulator.Outcome{Success: ok}, nil
}

func bidWithAmount(amount uint64, sigByte byte, when time.Time) *bid.Bid {
	tx := &solana.Transaction{Signatures: []solana.Signature{{sigByte}}}
	return &bid.Bid{
		ID:             bid.NewID(),
		InitiationTime: when,
		Amount:         amount,
		Status:         bid.StatusPending{},
		ChainData:      bid.ChainData{Transaction: tx},
	}
}

func newTestBatcher(t *testing.T, vm simulator.VM, submitter Submitter) *Batcher {
	sim, err := simulator.New(stubChainClient{}, repository.New(), vm, 2)
	require.NoError(t, err)
	t.Cleanup(sim.Close)

	repo := repository.New()
	resolver := submitmode.New(solana.NewWallet().PublicKey(), opportunity.NewInMemoryClient())
	bc := broadcaster.New(noopStore{})
	return &Batcher{repo: repo, resolver: resolver, sim: sim, submitter: submitter, broadcaster: bc, minLife: MinAuctionLifetime, exitCh: make(chan chan struct{})}
}

func TestSelectWinnerPicksHighestAmountThatPassesSimulation(t *testing.T) {
	now := time.Now()
	low := bidWithAmount(10, 1, now)
	high := bidWithAmount(100, 2, now)
	vm := &selectiveVM{pass: map[byte]bool{1: true, 2: false}}
	b := newTestBatcher(t, vm, nil)

	winner := b.selectWinner(context.Background(), []*bid.Bid{low, high})
	require.NotNil(t, winner)
	require.Equal(t, low.ID, winner.ID)
}

func TestSelectWinnerReturnsNilWhenAllFailSimulation(t *testing.T) {
	now := time.Now()
	bids := []*bid.Bid{bidWithAmount(10, 1, now), bidWithAmount(20, 2, now)}
	vm := &selectiveVM{pass: map[byte]bool{}}
	b := newTestBatcher(t, vm, nil)

	require.Nil(t, b.selectWinner(context.Background(), bids))
}

func TestSelectWinnerTieBreaksByInitiationTime(t *testing.T) {
	now := time.Now()
	earlier := bidWithAmount(50, 1, now.Add(-time.Minute))
	later := bidWithAmount(50, 2, now)
	vm := &selectiveVM{pass: map[byte]bool{1: true, 2: true}}
	b := newTestBatcher(t, vm, nil)

	winner := b.selectWinner(context.Background(), []*bid.Bid{later, earlier})
	require.Equal(t, earlier.ID, winner.ID)
}

type recordingSubmitter struct {
	submitted []*auction.Auction
}

func (r *recordingSubmitter) Submit(_ context.Context, a *auction.Auction, _ submitmode.Type) error {
	r.submitted = append(r.submitted, a)
	return nil
}

func TestProcessKeySkipsBidsYoungerThanMinLifetime(t *testing.T) {
	submitter := &recordingSubmitter{}
	vm := &selectiveVM{pass: map[byte]bool{1: true}}
	b := newTestBatcher(t, vm, submitter)

	fresh := bidWithAmount(10, 1, time.Now())
	b.repo.AddPending(fresh)

	b.processKey(context.Background(), fresh.PermissionKey(), chainrpc.SlotInfo{})

	require.Empty(t, submitter.submitted)
	require.Len(t, b.repo.LivePending(fresh.PermissionKey()), 1)
}

func TestProcessKeySubmitsWinnerAndMarksLosers(t *testing.T) {
	submitter := &recordingSubmitter{}
	vm := &selectiveVM{pass: map[byte]bool{1: true, 2: false}}
	b := newTestBatcher(t, vm, submitter)

	old := time.Now().Add(-time.Second)
	winnerBid := bidWithAmount(100, 1, old)
	loserBid := bidWithAmount(50, 2, old)
	b.repo.AddPending(winnerBid)
	b.repo.AddPending(loserBid)

	b.processKey(context.Background(), winnerBid.PermissionKey(), chainrpc.SlotInfo{})

	require.Len(t, submitter.submitted, 1)
	require.Equal(t, "awaiting_signature", winnerBid.Status.Kind())
	require.Equal(t, "lost", loserBid.Status.Kind())
}
