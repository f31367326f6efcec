// Package engine wires every subsystem together per chain and exposes the
// inbound contract spec §6 describes as direct Go method calls
// (SubmitBid/GetBidStatus/ListBids/CancelBid/SubmitQuote/Subscribe) rather
// than HTTP/WS framing. Task supervision uses errgroup (spec §5
// supplement), the Go analogue of the source's Tokio TaskTracker plus
// shared shutdown flag.
package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/expressrelay/auctionengine/internal/batcher"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/metrics"
	"github.com/expressrelay/auctionengine/internal/opportunity"
	"github.com/expressrelay/auctionengine/internal/permkey"
	"github.com/expressrelay/auctionengine/internal/reconciler"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/submitter"
	"github.com/expressrelay/auctionengine/internal/verifier"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// ChainPolicy is the strategy record spec §9 keeps even though only the
// SVM policy is implemented: the trait-hierarchy collapse spec.md calls
// for is "one concrete Engine per chain with chain-specific policy passed
// as a small strategy record," and this is that record.
type ChainPolicy struct {
	ChainID   string
	ProgramID solana.PublicKey
}

// Engine is the assembled auction pipeline for one chain.
type Engine struct {
	policy      ChainPolicy
	repo        *repository.Repository
	verifier    *verifier.Verifier
	batcher     *batcher.Batcher
	submitter   *submitter.Submitter
	reconciler  *reconciler.Reconciler
	broadcaster *broadcaster.Broadcaster
	store       journal.Store
	opportunity opportunity.Client

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Deps bundles every already-constructed collaborator; internal/engine
// does not construct them itself so each can be unit-tested or faked
// independently.
type Deps struct {
	Policy      ChainPolicy
	Repo        *repository.Repository
	Verifier    *verifier.Verifier
	Batcher     *batcher.Batcher
	Submitter   *submitter.Submitter
	Reconciler  *reconciler.Reconciler
	Broadcaster *broadcaster.Broadcaster
	Store       journal.Store
	Opportunity opportunity.Client
}

func New(d Deps) *Engine {
	return &Engine{
		policy:      d.Policy,
		repo:        d.Repo,
		verifier:    d.Verifier,
		batcher:     d.Batcher,
		submitter:   d.Submitter,
		reconciler:  d.Reconciler,
		broadcaster: d.Broadcaster,
		store:       d.Store,
		opportunity: d.Opportunity,
	}
}

// Start restores in-flight state from the journal and launches every
// subsystem's actor loop under one errgroup bound to ctx; any subsystem
// returning a non-nil error cancels the rest, the Go analogue of spec §7's
// "fatal errors trigger process exit via a shared shutdown flag."
func (e *Engine) Start(ctx context.Context) error {
	if err := e.repo.Restore(ctx, e.store); err != nil {
		return xerrors.Wrap(err, "engine: restoring from journal")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group

	group.Go(func() error { return e.batcher.Run(groupCtx) })
	group.Go(func() error { return e.reconciler.Run(groupCtx) })

	log.Info("Engine: started", "chain", e.policy.ChainID)
	return nil
}

// Stop cancels every subsystem and waits for them to exit.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.submitter.Wait()
	if e.group != nil {
		if err := e.group.Wait(); err != nil {
			return err
		}
	}
	return e.store.Close()
}

// SubmitBid is spec §6's inbound BidCreate: verify, then admit into the
// pending set for its permission key.
func (e *Engine) SubmitBid(ctx context.Context, create bid.Create) (*bid.Bid, error) {
	if create.ChainID != e.policy.ChainID {
		return nil, xerrors.NewClient(xerrors.CodeInvalidChainID, create.ChainID)
	}

	start := time.Now()
	chainData, amount, err := e.verifier.Verify(ctx, create)
	metrics.TimeVerify(time.Since(start))
	if err != nil {
		if ce, ok := xerrors.IsClient(err); ok {
			metrics.BidRejected(string(ce.Code()))
		}
		return nil, err
	}

	b := bid.New(create.ChainID, create.InitiationTime, create.ProfileID, chainData, amount)
	e.repo.AddPending(b)
	metrics.BidAccepted()
	return b, nil
}

// GetBidStatus is spec §6's status query.
func (e *Engine) GetBidStatus(_ context.Context, id uuid.UUID) (bid.Status, error) {
	b, ok := e.repo.GetBid(id)
	if !ok {
		return nil, xerrors.NewClient(xerrors.CodeBidNotFound, id.String())
	}
	return b.Status, nil
}

// ListBids is spec §6's list-by-permission-key query. It returns only the
// bids still pending for key; bids already taken into an auction are not
// included (they remain addressable by ID through GetBidStatus).
func (e *Engine) ListBids(_ context.Context, key permkey.Key) []*bid.Bid {
	return e.repo.LivePending(key)
}

// CancelBid is spec §6's cancel operation: only a bid still in Pending can
// be cancelled outright; anything already batched has to run its course.
func (e *Engine) CancelBid(ctx context.Context, id uuid.UUID) error {
	b, ok := e.repo.GetBid(id)
	if !ok {
		return xerrors.NewClient(xerrors.CodeBidNotFound, id.String())
	}
	if _, ok := b.Status.(bid.StatusPending); !ok {
		return xerrors.NewClient(xerrors.CodeNotCancellable, b.Status.Kind())
	}
	if !e.repo.RemovePending(b) {
		return xerrors.NewClient(xerrors.CodeNotCancellable, "already batched")
	}
	return e.broadcaster.Apply(ctx, b, bid.StatusCancelled{})
}

// SubmitQuote is spec §6's `POST /v1/{chain_id}/quotes/submit`: given the
// AuctionId (spec's reference_id) of an auction whose winner is still
// AwaitingSignature, promote it to SentToUserForSubmission through the
// Broadcaster — so the transition is journaled and monotonicity-checked
// the same way spec §8's S6 cancel/submit race requires — and hand back
// the fully-signed transaction. The engine never re-broadcasts it itself;
// broadcasting past this point is the user's own responsibility.
func (e *Engine) SubmitQuote(ctx context.Context, auctionID uuid.UUID, signedTx *solana.Transaction) (*solana.Transaction, error) {
	a, ok := e.repo.GetSubmitted(auctionID)
	if !ok {
		return nil, xerrors.NewClient(xerrors.CodeBidNotFound, auctionID.String())
	}
	winner := a.Winner
	if winner == nil {
		return nil, xerrors.NewClient(xerrors.CodeBidNotFound, auctionID.String())
	}

	winner.ChainData.Transaction = signedTx
	ref := bid.StatusAuctionRef{ID: a.ID}
	if err := e.broadcaster.Apply(ctx, winner, bid.StatusSentToUserForSubmission{Auction: ref}); err != nil {
		return nil, err
	}
	return signedTx, nil
}

// Subscribe registers a Subscriber for bid status changes.
func (e *Engine) Subscribe(sub broadcaster.Subscriber) { e.broadcaster.Subscribe(sub) }

// Unsubscribe removes a previously registered Subscriber.
func (e *Engine) Unsubscribe(id string) { e.broadcaster.Unsubscribe(id) }

// Health is wired into internal/opsapi's /healthz handler. It performs no
// checks and always returns nil.
func (e *Engine) Health() error {
	return nil
}
