// Package submitter implements the broadcast pipeline (spec §4.5): attach
// the relayer's signature to the auction winner's transaction, broadcast it
// with preflight disabled, assign its initial post-broadcast status, and
// keep resubmitting on a fixed schedule until the Reconciler concludes it
// or the retry budget is exhausted.
package submitter

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/chainrpc"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/submitmode"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// ResubmitRetries and ResubmitInterval are SEND_TRANSACTION_RETRY_COUNT_SVM
// and its resend interval (spec §4.5 step 4), grounded on
// auctionable.rs::send_transaction.
const (
	ResubmitRetries  = 5
	ResubmitInterval = 2 * time.Second
)

// Submitter implements the batcher.Submitter interface.
type Submitter struct {
	client      chainrpc.Client
	repo        *repository.Repository
	relayer     solana.PrivateKey
	logs        chainrpc.Subscriber
	programID   solana.PublicKey
	broadcaster *broadcaster.Broadcaster

	wg sync.WaitGroup
}

func New(client chainrpc.Client, repo *repository.Repository, relayer solana.PrivateKey, logs chainrpc.Subscriber, programID solana.PublicKey, bc *broadcaster.Broadcaster) *Submitter {
	return &Submitter{client: client, repo: repo, relayer: relayer, logs: logs, programID: programID, broadcaster: bc}
}

// Submit is spec §4.5 steps 1-5, run synchronously from the Batcher's
// goroutine for the ByServer path; the ByOther path skips straight to step
// 5's status assignment since the engine never broadcasts on the user's
// behalf.
func (s *Submitter) Submit(ctx context.Context, a *auction.Auction, mode submitmode.Type) error {
	winner := a.Winner
	if winner == nil {
		return nil
	}

	if mode == submitmode.ByOther {
		ref := bid.StatusAuctionRef{ID: a.ID}
		if err := s.broadcaster.Apply(ctx, winner, bid.StatusSentToUserForSubmission{Auction: ref}); err != nil {
			log.Error("Submitter: failed to apply sent-to-user status", "auction", a.ID, "err", err)
		}
		s.repo.RegisterSubmitted(a)
		return nil
	}

	tx := winner.ChainData.Transaction
	if err := s.addRelayerSignature(tx); err != nil {
		ref := bid.StatusAuctionRef{ID: a.ID}
		if applyErr := s.broadcaster.Apply(ctx, winner, bid.StatusSubmissionFailed{Auction: ref, Reason: bid.SubmissionFailedCancelled}); applyErr != nil {
			log.Error("Submitter: failed to apply submission-failed status", "auction", a.ID, "err", applyErr)
		}
		return err
	}

	sig, err := s.client.SendTransaction(ctx, tx, chainrpc.SendOptions{SkipPreflight: true, MaxRetries: 0})
	if err != nil {
		ref := bid.StatusAuctionRef{ID: a.ID}
		if applyErr := s.broadcaster.Apply(ctx, winner, bid.StatusSubmissionFailed{Auction: ref, Reason: bid.SubmissionFailedCancelled}); applyErr != nil {
			log.Error("Submitter: failed to apply submission-failed status", "auction", a.ID, "err", applyErr)
		}
		return err
	}

	now := time.Now()
	a.MarkSubmitted(sig, now)
	ref := bid.StatusAuctionRef{ID: a.ID, TxHash: sig}
	if err := s.broadcaster.Apply(ctx, winner, bid.StatusSubmitted{Auction: ref}); err != nil {
		log.Error("Submitter: failed to apply submitted status", "auction", a.ID, "err", err)
	}
	s.repo.RegisterSubmitted(a)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resubmitLoop(ctx, a, tx, sig)
	}()

	return nil
}

// addRelayerSignature finds the relayer's position in the transaction's
// static account keys and signs there, mirroring
// auctionable.rs::add_relayer_signature. original_source panics/`expect()`s
// when the relayer is absent; this port returns RelayerNotInAccounts
// instead, consistent with spec §7's "never panic on expected errors."
func (s *Submitter) addRelayerSignature(tx *solana.Transaction) error {
	relayerPub := s.relayer.PublicKey()
	found := false
	for _, key := range tx.Message.AccountKeys {
		if key.Equals(relayerPub) {
			found = true
			break
		}
	}
	if !found {
		return xerrors.NewClient(xerrors.CodeRelayerNotInAccounts, relayerPub.String())
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(relayerPub) {
			return &s.relayer
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(err, "submitter: signing with relayer key")
	}
	return nil
}

// resubmitLoop is spec §4.5 step 4: resend up to ResubmitRetries times,
// ResubmitInterval apart, draining any already-buffered log-stream messages
// before each resend so a confirmation that arrived between ticks is not
// missed (grounded on auctionable.rs::send_transaction's try_recv drain).
func (s *Submitter) resubmitLoop(ctx context.Context, a *auction.Auction, tx *solana.Transaction, sig solana.Signature) {
	stream, err := s.logs.SubscribeLogs(ctx, s.programID)
	if err != nil {
		log.Warn("Submitter: resubmit log subscription failed, resubmitting blind", "auction", a.ID, "err", err)
	} else {
		defer stream.Close()
	}

	ticker := time.NewTicker(ResubmitInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < ResubmitRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stream != nil && s.drainConfirmed(ctx, stream, sig) {
			return
		}
		if _, ok := s.repo.GetSubmitted(a.ID); !ok {
			// Reconciler already concluded this auction; stop resubmitting.
			return
		}

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			_, sendErr := s.client.SendTransaction(ctx, tx, chainrpc.SendOptions{SkipPreflight: true, MaxRetries: 0})
			return struct{}{}, sendErr
		}, backoff.WithMaxTries(1))
		if err != nil {
			log.Warn("Submitter: resubmit attempt failed", "auction", a.ID, "attempt", attempt, "err", err)
		}
	}
}

// drainConfirmed non-blockingly drains any log messages already buffered
// on stream, returning true if one of them confirms sig (so the resubmit
// loop can stop early rather than waiting for the next tick).
func (s *Submitter) drainConfirmed(ctx context.Context, stream chainrpc.LogStream, sig solana.Signature) bool {
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	for {
		msg, err := stream.Recv(drainCtx)
		if err != nil {
			return false
		}
		if msg.Signature == sig {
			return true
		}
	}
}

// Wait blocks until every in-flight resubmit loop has exited, used by
// graceful shutdown.
func (s *Submitter) Wait() { s.wg.Wait() }
