package submitter

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/chainrpc"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/permkey"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/submitmode"
)

// TestMain runs goleak once after every test in the package has finished,
// failing the run if any goroutine (such as a resubmitLoop that Submit
// spawned) is still running.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// noopStore is a journal.Store that discards every write, enough to let the
// Broadcaster's Apply path run without a real Pebble instance.
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

func newTestSubmitter(client chainrpc.Client, repo *repository.Repository, relayer solana.PrivateKey, logs chainrpc.Subscriber, programID solana.PublicKey) *Submitter {
	return New(client, repo, relayer, logs, programID, broadcaster.New(noopStore{}))
}

type fakeSendClient struct {
	sig     solana.Signature
	sendErr error
	sent    int
}

func (f *fakeSendClient) GetMultipleAccounts(context.Context, []solana.PublicKey, chainrpc.Commitment) ([]*chainrpc.AccountInfo, error) {
	return nil, nil
}
func (f *fakeSendClient) GetAccountInfo(context.Context, solana.PublicKey, chainrpc.Commitment) (*chainrpc.AccountInfo, error) {
	return nil, nil
}
func (f *fakeSendClient) SimulateTransaction(context.Context, *solana.Transaction) (*chainrpc.SimulationOutcome, error) {
	return &chainrpc.SimulationOutcome{}, nil
}
func (f *fakeSendClient) SendTransaction(context.Context, *solana.Transaction, chainrpc.SendOptions) (solana.Signature, error) {
	f.sent++
	return f.sig, f.sendErr
}
func (f *fakeSendClient) GetSignatureStatuses(context.Context, []solana.Signature) ([]*chainrpc.SignatureStatus, error) {
	return nil, nil
}
func (f *fakeSendClient) GetLatestBlockhash(context.Context, chainrpc.Commitment) (solana.Hash, error) {
	return solana.Hash{}, nil
}

type noSubscribeSubscriber struct{}

func (noSubscribeSubscriber) SubscribeLogs(context.Context, solana.PublicKey) (chainrpc.LogStream, error) {
	return nil, context.Canceled
}
func (noSubscribeSubscriber) SubscribeSlots(context.Context) (chainrpc.SlotStream, error) {
	return nil, context.Canceled
}

func wrappedAuction(tx *solana.Transaction) *auction.Auction {
	winner := &bid.Bid{ID: bid.NewID(), ChainData: bid.ChainData{Transaction: tx}}
	a := auction.New(permkey.Key{}, []*bid.Bid{winner}, time.Now())
	winner.Status = bid.StatusAwaitingSignature{Auction: bid.StatusAuctionRef{ID: a.ID}}
	a.SetWinner(winner)
	return a
}

func TestAddRelayerSignatureFailsWhenRelayerMissing(t *testing.T) {
	relayer := solana.NewWallet().PrivateKey
	s := newTestSubmitter(&fakeSendClient{}, repository.New(), relayer, noSubscribeSubscriber{}, solana.NewWallet().PublicKey())

	tx := &solana.Transaction{Message: solana.Message{AccountKeys: []solana.PublicKey{solana.NewWallet().PublicKey()}}}
	err := s.addRelayerSignature(tx)
	require.Error(t, err)
}

func TestSubmitByOtherAssignsSentToUserStatus(t *testing.T) {
	repo := repository.New()
	s := newTestSubmitter(&fakeSendClient{}, repo, solana.NewWallet().PrivateKey, noSubscribeSubscriber{}, solana.NewWallet().PublicKey())

	a := wrappedAuction(&solana.Transaction{})
	err := s.Submit(context.Background(), a, submitmode.ByOther)

	require.NoError(t, err)
	require.Equal(t, "sent_to_user_for_submission", a.Winner.Status.Kind())
	_, ok := repo.GetSubmitted(a.ID)
	require.True(t, ok)
}

func TestSubmitByServerFailsWhenRelayerNotInAccounts(t *testing.T) {
	repo := repository.New()
	s := newTestSubmitter(&fakeSendClient{}, repo, solana.NewWallet().PrivateKey, noSubscribeSubscriber{}, solana.NewWallet().PublicKey())

	tx := &solana.Transaction{Message: solana.Message{AccountKeys: []solana.PublicKey{solana.NewWallet().PublicKey()}}}
	a := wrappedAuction(tx)

	err := s.Submit(context.Background(), a, submitmode.ByServer)

	require.Error(t, err)
	require.Equal(t, "submission_failed", a.Winner.Status.Kind())
	_, ok := repo.GetSubmitted(a.ID)
	require.False(t, ok)
}

func TestSubmitByServerBroadcastsAndMarksSubmitted(t *testing.T) {
	repo := repository.New()
	relayerWallet := solana.NewWallet()
	client := &fakeSendClient{sig: solana.Signature{9}}
	s := newTestSubmitter(client, repo, relayerWallet.PrivateKey, noSubscribeSubscriber{}, solana.NewWallet().PublicKey())

	tx := &solana.Transaction{Message: solana.Message{AccountKeys: []solana.PublicKey{relayerWallet.PublicKey()}}}
	a := wrappedAuction(tx)

	ctx, cancel := context.WithCancel(context.Background())
	err := s.Submit(ctx, a, submitmode.ByServer)
	cancel()
	s.Wait()

	require.NoError(t, err)
	require.Equal(t, 1, client.sent)
	require.Equal(t, "submitted", a.Winner.Status.Kind())
	_, ok := repo.GetSubmitted(a.ID)
	require.True(t, ok)
}

func TestSubmitNoopWhenNoWinner(t *testing.T) {
	s := newTestSubmitter(&fakeSendClient{}, repository.New(), solana.NewWallet().PrivateKey, noSubscribeSubscriber{}, solana.NewWallet().PublicKey())
	a := auction.New(permkey.Key{}, nil, time.Now())

	require.NoError(t, s.Submit(context.Background(), a, submitmode.ByServer))
}
