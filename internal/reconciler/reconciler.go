// Package reconciler implements the conclusion pipeline (spec §4.6):
// correlate the submitted-auctions set against on-chain signature status,
// triggered both by the log stream and by a periodic slot sweep, and
// produce the winner's terminal bid status.
package reconciler

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/chainrpc"
	"github.com/expressrelay/auctionengine/internal/repository"
)

// ConclusionIntervalSlots is CONCLUSION_INTERVAL_SLOTS from spec §4.6: the
// periodic sweep runs every this-many slots as a backstop for auctions the
// log stream never reported on (dropped subscription messages, a
// validator that never emitted logs for the slot).
const ConclusionIntervalSlots = 150

// BidMaxLifetime is BID_MAX_LIFETIME from spec §4.6 step 3: a submitted
// bid whose signature the RPC still has no record of, past this long since
// the winning bid's initiation time, is declared Expired rather than left
// pending forever.
const BidMaxLifetime = 120 * time.Second

// CustomErrorInsufficientFundsSolTransfer is the on-chain custom program
// error code the express-relay program raises for a bare SOL-transfer
// shortfall, grounded on
// auction/entities/bid.rs::get_failed_reason_from_transaction_error.
const CustomErrorInsufficientFundsSolTransfer = 1

// Named program error codes the express-relay program defines beyond the
// generic SOL-transfer shortfall (spec §4.6 step 2's mapping table).
const (
	CustomErrorDeadlinePassed            = 6001
	CustomErrorInsufficientSearcherFunds = 6002
	CustomErrorInsufficientUserFunds     = 6003
)

// Reconciler is spec §4.6.
type Reconciler struct {
	repo        *repository.Repository
	chain       chainrpc.Client
	logs        chainrpc.LogStream
	slots       chainrpc.SlotStream
	broadcaster *broadcaster.Broadcaster

	exitCh chan chan struct{}
}

func New(repo *repository.Repository, chain chainrpc.Client, logs chainrpc.LogStream, slots chainrpc.SlotStream, bc *broadcaster.Broadcaster) *Reconciler {
	return &Reconciler{repo: repo, chain: chain, logs: logs, slots: slots, broadcaster: bc, exitCh: make(chan chan struct{})}
}

// Run is spec §4.6's dual-trigger actor loop: a log-stream goroutine and a
// periodic-sweep goroutine, both calling the same reconciliation step.
func (r *Reconciler) Run(ctx context.Context) error {
	logErrCh := make(chan error, 1)
	go func() {
		logErrCh <- r.runLogListener(ctx)
	}()

	slotCount := 0
	for {
		select {
		case <-ctx.Done():
			<-logErrCh
			return nil
		case done := <-r.exitCh:
			<-logErrCh
			close(done)
			return nil
		case err := <-logErrCh:
			return err
		default:
		}

		_, err := r.slots.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				<-logErrCh
				return nil
			}
			log.Error("Reconciler: slot stream terminated unexpectedly", "err", err)
			return err
		}
		slotCount++
		if slotCount%ConclusionIntervalSlots == 0 {
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) Stop() {
	done := make(chan struct{})
	r.exitCh <- done
	<-done
}

// runLogListener is the log-stream trigger (spec §4.6 trigger one): every
// log entry naming a signature belonging to a submitted auction is
// resolved immediately rather than waiting for the next sweep.
func (r *Reconciler) runLogListener(ctx context.Context) error {
	defer r.logs.Close()
	for {
		msg, err := r.logs.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("Reconciler: log stream terminated unexpectedly", "err", err)
			return err
		}
		a, ok := r.repo.FindSubmittedBySignature(msg.Signature)
		if !ok {
			continue
		}
		r.concludeFromSignature(ctx, a, msg.Signature)
	}
}

// sweep is the periodic backstop trigger (spec §4.6 trigger two): resolve
// every still-submitted auction's winner by signature status.
func (r *Reconciler) sweep(ctx context.Context) {
	for _, a := range r.repo.SubmittedAuctions() {
		if a.TxHash == nil {
			continue
		}
		r.concludeFromSignature(ctx, a, *a.TxHash)
	}
}

// concludeFromSignature is spec §4.6 steps 1-4: fetch signature status,
// map it to a terminal bid status, apply it to the winner through the
// Broadcaster, and remove the auction from the submitted set once
// concluded.
func (r *Reconciler) concludeFromSignature(ctx context.Context, a *auction.Auction, sig solana.Signature) {
	statuses, err := r.chain.GetSignatureStatuses(ctx, []solana.Signature{sig})
	if err != nil || len(statuses) == 0 || statuses[0] == nil {
		log.Warn("Reconciler: signature status lookup failed", "auction", a.ID, "err", err)
		return
	}
	status := statuses[0]
	winner := a.Winner
	if winner == nil {
		return
	}
	ref := bid.StatusAuctionRef{ID: a.ID, TxHash: sig}

	var newStatus bid.Status
	switch {
	case status.Confirmed && status.Err.Ok:
		newStatus = bid.StatusWon{Auction: ref}
	case status.Confirmed && !status.Err.Ok:
		newStatus = bid.StatusFailed{Auction: ref, Reason: mapFailureReason(status.Err)}
	case !status.Confirmed && time.Since(winner.InitiationTime) >= BidMaxLifetime:
		// spec §4.6 step 2 / §8's boundary: expiration is measured from the
		// winning bid's own initiation_time, not from when it happened to
		// be broadcast.
		newStatus = bid.StatusExpired{Auction: ref}
	default:
		// Not yet confirmed and still within its lifetime: leave it
		// pending for a later sweep or log message (spec §4.6 step 2).
		return
	}

	if err := r.broadcaster.Apply(ctx, winner, newStatus); err != nil {
		log.Error("Reconciler: failed to apply terminal status", "auction", a.ID, "err", err)
	}

	a.MarkConcluded(time.Now())
	r.repo.Conclude(a.ID)
}

// mapFailureReason is spec §4.6 step 2's mapping table, grounded on
// auction/entities/bid.rs::BidFailedReason::get_failed_reason_from_transaction_error.
func mapFailureReason(txErr chainrpc.TransactionError) bid.FailedReason {
	if txErr.CustomCode == nil {
		return bid.FailedOther
	}
	switch *txErr.CustomCode {
	case CustomErrorInsufficientFundsSolTransfer:
		return bid.FailedInsufficientFundsSolTransfer
	case CustomErrorDeadlinePassed:
		return bid.FailedDeadlinePassed
	case CustomErrorInsufficientSearcherFunds:
		return bid.FailedInsufficientSearcherFunds
	case CustomErrorInsufficientUserFunds:
		return bid.FailedInsufficientUserFunds
	default:
		return bid.FailedOther
	}
}
