// Package batcher implements the per-permission-key auction loop (spec
// §4.4): on every slot tick it sweeps permission keys with pending bids,
// acquires each key's auction lock without blocking, waits out
// AUCTION_MIN_LIFETIME, picks a winner by simulating candidates in
// amount-descending order, and hands the resulting auction to the
// Submitter. Grounded on the teacher's actor-loop style
// (`bid_simulator.go`'s `mainLoop`), generalized from its per-parent-hash
// sweep to a per-permission-key sweep.
package batcher

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/broadcaster"
	"github.com/expressrelay/auctionengine/internal/chainrpc"
	"github.com/expressrelay/auctionengine/internal/permkey"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/simulator"
	"github.com/expressrelay/auctionengine/internal/submitmode"
)

// MinAuctionLifetime is AUCTION_MIN_LIFETIME from spec §4.4 step 4: a
// permission key's oldest pending bid must have been waiting at least this
// long before the key's auction is allowed to close, giving competing
// searchers a fair window to land a bid in the same batch.
const MinAuctionLifetime = 400 * time.Millisecond

// Submitter is the handoff the Batcher delivers a concluded auction to
// (spec §4.4 step 7 / §4.5 step 1). Defined here, not imported from
// internal/submitter, so batcher has no compile-time dependency on the
// submitter's own dependencies (chain RPC broadcast client, resubmit
// scheduler) — it only needs this one method.
type Submitter interface {
	Submit(ctx context.Context, a *auction.Auction, mode submitmode.Type) error
}

// Batcher is spec §4.4.
type Batcher struct {
	repo        *repository.Repository
	resolver    *submitmode.Resolver
	sim         *simulator.Simulator
	submitter   Submitter
	broadcaster *broadcaster.Broadcaster
	slots       chainrpc.SlotStream
	minLife     time.Duration

	exitCh chan chan struct{}
}

func New(repo *repository.Repository, resolver *submitmode.Resolver, sim *simulator.Simulator, submitter Submitter, bc *broadcaster.Broadcaster, slots chainrpc.SlotStream) *Batcher {
	return &Batcher{
		repo:        repo,
		resolver:    resolver,
		sim:         sim,
		submitter:   submitter,
		broadcaster: bc,
		slots:       slots,
		minLife:     MinAuctionLifetime,
		exitCh:      make(chan chan struct{}),
	}
}

// Run is the Batcher's actor loop (spec §5: one goroutine per subsystem,
// select over inbound channel + ctx.Done()).
func (b *Batcher) Run(ctx context.Context) error {
	defer b.slots.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case done := <-b.exitCh:
			close(done)
			return nil
		default:
		}

		slot, err := b.slots.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("Batcher: slot stream terminated unexpectedly", "err", err)
			return err
		}
		b.onSlot(ctx, slot)
	}
}

// Stop requests the actor loop exit and blocks until it has.
func (b *Batcher) Stop() {
	done := make(chan struct{})
	b.exitCh <- done
	<-done
}

// onSlot is spec §4.4 steps 1-7, run once per slot tick.
func (b *Batcher) onSlot(ctx context.Context, slot chainrpc.SlotInfo) {
	for _, key := range b.repo.PendingKeys() {
		lock := b.repo.GetOrCreateLock(key)
		if !lock.TryLock() {
			// Another slot tick (or a concurrent close) already owns this
			// key's auction; spec §4.4 step 2: "acquire without blocking,
			// skip this key this tick if already held."
			continue
		}
		b.processKey(ctx, key, slot)
		lock.Unlock()
		b.repo.ReleaseLockIfEmpty(key)
	}
}

func (b *Batcher) processKey(ctx context.Context, key permkey.Key, slot chainrpc.SlotInfo) {
	pending := b.repo.LivePending(key)
	if len(pending) == 0 {
		return
	}

	oldest := pending[0]
	for _, candidate := range pending[1:] {
		if candidate.InitiationTime.Before(oldest.InitiationTime) {
			oldest = candidate
		}
	}
	if time.Since(oldest.InitiationTime) < b.minLife {
		// Not old enough yet; leave the bids pending for a later tick
		// (spec §4.4 step 4).
		return
	}

	mode, err := b.resolver.Resolve(ctx, key, nil)
	if err != nil {
		log.Warn("Batcher: submit-mode resolution failed, deferring", "key", key, "err", err)
		return
	}
	if mode == submitmode.Invalid {
		// No advertised opportunity backs this wallet-router key anymore;
		// every pending bid for it is unwinnable (spec §4.3/§4.4: "an
		// Invalid key's pending bids are marked Lost with no auction").
		bids := b.repo.SnapshotAndClearPending(key)
		for _, bb := range bids {
			if err := b.broadcaster.Apply(ctx, bb, bid.StatusLost{Auction: nil}); err != nil {
				log.Warn("Batcher: failed to apply lost status", "bid", bb.ID, "err", err)
			}
		}
		log.Info("Batcher: invalid submit mode, bids marked lost", "key", key, "count", len(bids))
		return
	}

	bids := b.repo.SnapshotAndClearPending(key)
	if len(bids) == 0 {
		return
	}

	winner := b.selectWinner(ctx, bids)
	a := auction.New(key, bids, time.Now())
	if winner == nil {
		// Every candidate failed simulation; nothing to submit, so every
		// bid in the batch is marked Lost with no auction.
		for _, bb := range bids {
			if err := b.broadcaster.Apply(ctx, bb, bid.StatusLost{Auction: nil}); err != nil {
				log.Warn("Batcher: failed to apply lost status", "bid", bb.ID, "err", err)
			}
		}
		log.Info("Batcher: no winner, all bids failed simulation", "key", key, "auction", a.ID)
		return
	}
	a.SetWinner(winner)

	lostRef := &bid.StatusAuctionRef{ID: a.ID}
	for _, bb := range bids {
		if bb.ID == winner.ID {
			continue
		}
		if err := b.broadcaster.Apply(ctx, bb, bid.StatusLost{Auction: lostRef}); err != nil {
			log.Warn("Batcher: failed to apply lost status", "bid", bb.ID, "err", err)
		}
	}
	if err := b.broadcaster.Apply(ctx, winner, bid.StatusAwaitingSignature{Auction: bid.StatusAuctionRef{ID: a.ID}}); err != nil {
		log.Warn("Batcher: failed to apply awaiting-signature status", "bid", winner.ID, "auction", a.ID, "err", err)
	}

	if err := b.submitter.Submit(ctx, a, mode); err != nil {
		log.Error("Batcher: handoff to submitter failed", "key", key, "auction", a.ID, "err", err)
	}
}

// selectWinner implements spec §4.4 step 5's ordering and the tie-break
// rule: amount descending, ties broken by earlier initiation_time, further
// ties broken by ascending bid ID byte order. Candidates are simulated in
// that order until the first one passes; it wins.
func (b *Batcher) selectWinner(ctx context.Context, bids []*bid.Bid) *bid.Bid {
	ordered := make([]*bid.Bid, len(bids))
	copy(ordered, bids)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Amount != ordered[j].Amount {
			return ordered[i].Amount > ordered[j].Amount
		}
		if !ordered[i].InitiationTime.Equal(ordered[j].InitiationTime) {
			return ordered[i].InitiationTime.Before(ordered[j].InitiationTime)
		}
		return bytes.Compare(ordered[i].ID[:], ordered[j].ID[:]) < 0
	})

	for _, candidate := range ordered {
		outcome, err := b.sim.Simulate(ctx, candidate.ChainData.Transaction)
		if err != nil {
			log.Warn("Batcher: simulation error during winner selection", "bid", candidate.ID, "err", err)
			continue
		}
		if outcome.Success {
			return candidate
		}
	}
	return nil
}
