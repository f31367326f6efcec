// Package metrics registers the engine's counters and timers against
// go-ethereum's metrics registry, matching the teacher's own
// `metrics.NewRegisteredTimer`/`metrics.GetOrRegisterCounter` call sites in
// bid_simulator.go almost verbatim in style.
package metrics

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

var (
	verifyTimer   = metrics.NewRegisteredTimer("auction/verify/duration", nil)
	batchTimer    = metrics.NewRegisteredTimer("auction/batch/duration", nil)
	submitTimer   = metrics.NewRegisteredTimer("auction/submit/duration", nil)
	reconcileTimer = metrics.NewRegisteredTimer("auction/reconcile/duration", nil)

	bidsAcceptedCounter = metrics.NewRegisteredCounter("auction/bids/accepted", nil)
	bidsRejectedCounter = metrics.NewRegisteredCounter("auction/bids/rejected", nil)
	auctionsWonCounter  = metrics.NewRegisteredCounter("auction/auctions/won", nil)
	auctionsLostCounter = metrics.NewRegisteredCounter("auction/auctions/lost", nil)
)

// TimeVerify records how long the Verifier spent on one bid.
func TimeVerify(d time.Duration) { verifyTimer.Update(d) }

// TimeBatch records how long the Batcher spent closing one auction.
func TimeBatch(d time.Duration) { batchTimer.Update(d) }

// TimeSubmit records how long the Submitter spent on one broadcast.
func TimeSubmit(d time.Duration) { submitTimer.Update(d) }

// TimeReconcile records how long the Reconciler spent on one conclusion
// pass.
func TimeReconcile(d time.Duration) { reconcileTimer.Update(d) }

// BidAccepted/BidRejected track verifier outcomes.
func BidAccepted() { bidsAcceptedCounter.Inc(1) }
func BidRejected(code string) {
	bidsRejectedCounter.Inc(1)
	metrics.GetOrRegisterCounter(fmt.Sprintf("auction/bids/rejected/%s", code), nil).Inc(1)
}

// AuctionConcluded tallies a terminal outcome for a winner bid.
func AuctionConcluded(won bool) {
	if won {
		auctionsWonCounter.Inc(1)
		return
	}
	auctionsLostCounter.Inc(1)
}
