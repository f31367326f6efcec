// Package repository implements the engine's in-memory working set (spec
// §4.2): pending bids, live/submitted auctions, per-permission-key auction
// locks, and the address-lookup-table cache. Durable writes are delegated
// to a journal.Store sidecar (spec §4.2, §4.7); this package never talks to
// storage directly.
package repository

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/permkey"
)

// Repository holds the engine's working set. Each map is guarded by its own
// lock, per spec §4.2 ("each guarded by its own lock") — a single global
// mutex would serialize unrelated permission keys and defeat the per-key
// auction-lock design.
type Repository struct {
	pendingMu sync.Mutex
	pending   map[permkey.Key][]*bid.Bid

	submittedMu sync.RWMutex
	submitted   map[uuid.UUID]*auction.Auction

	locksMu sync.Mutex
	locks   map[permkey.Key]*sync.Mutex

	lookupMu sync.RWMutex
	lookup   map[solana.PublicKey][]solana.PublicKey

	byIDMu sync.RWMutex
	byID   map[uuid.UUID]*bid.Bid
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		pending:   make(map[permkey.Key][]*bid.Bid),
		submitted: make(map[uuid.UUID]*auction.Auction),
		locks:     make(map[permkey.Key]*sync.Mutex),
		lookup:    make(map[solana.PublicKey][]solana.PublicKey),
		byID:      make(map[uuid.UUID]*bid.Bid),
	}
}

// AddPending appends b to the FIFO for its permission key (spec §4.2).
func (r *Repository) AddPending(b *bid.Bid) {
	key := b.PermissionKey()
	r.pendingMu.Lock()
	r.pending[key] = append(r.pending[key], b)
	r.pendingMu.Unlock()

	r.byIDMu.Lock()
	r.byID[b.ID] = b
	r.byIDMu.Unlock()
}

// GetBid looks up a bid by ID regardless of which stage of its lifecycle
// it is in (spec §6: GetBidStatus). The returned pointer is the same one
// every other component mutates Status on, so callers always see the
// current value.
func (r *Repository) GetBid(id uuid.UUID) (*bid.Bid, bool) {
	r.byIDMu.RLock()
	defer r.byIDMu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// LivePending returns the bids currently pending for key, without removing
// them — used by the Verifier's duplicate check (spec §4.1 step 7) and by
// the Batcher to decide whether a key has work.
func (r *Repository) LivePending(key permkey.Key) []*bid.Bid {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	out := make([]*bid.Bid, len(r.pending[key]))
	copy(out, r.pending[key])
	return out
}

// PendingKeys returns every permission key with at least one pending bid,
// the Batcher's per-slot-tick iteration set (spec §4.4).
func (r *Repository) PendingKeys() []permkey.Key {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	keys := make([]permkey.Key, 0, len(r.pending))
	for k, bids := range r.pending {
		if len(bids) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// SnapshotAndClearPending atomically takes and removes all pending bids for
// key (spec invariant I4: pending bids for a key are either all included in
// the next auction or none).
func (r *Repository) SnapshotAndClearPending(key permkey.Key) []*bid.Bid {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	snapshot := r.pending[key]
	delete(r.pending, key)
	return snapshot
}

// RemovePending removes a single bid from its permission key's pending
// list, used when a bid is cancelled before it is ever batched.
func (r *Repository) RemovePending(b *bid.Bid) bool {
	key := b.PermissionKey()
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	bids := r.pending[key]
	for i, existing := range bids {
		if existing.ID == b.ID {
			r.pending[key] = append(bids[:i], bids[i+1:]...)
			return true
		}
	}
	return false
}

// GetOrCreateLock returns the per-permission-key mutex, creating it lazily
// on first use (spec §3 Auction Lock, §4.2).
func (r *Repository) GetOrCreateLock(key permkey.Key) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// ReleaseLockIfEmpty drops the lock entry for key once there is no more
// pending work for it, so the lock table does not grow unboundedly over the
// life of the process (spec §4.2: "removed after the auction completes or
// decides to skip"). The lock itself must already be unlocked by the
// caller before calling this.
func (r *Repository) ReleaseLockIfEmpty(key permkey.Key) {
	r.pendingMu.Lock()
	empty := len(r.pending[key]) == 0
	r.pendingMu.Unlock()
	if !empty {
		return
	}
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	delete(r.locks, key)
}

// RegisterSubmitted records a newly broadcast auction (spec §4.5 step 5).
func (r *Repository) RegisterSubmitted(a *auction.Auction) {
	r.submittedMu.Lock()
	defer r.submittedMu.Unlock()
	r.submitted[a.ID] = a
}

// SubmittedAuctions returns a snapshot of every auction awaiting conclusion
// (spec §4.6: "sweep all submitted_auctions").
func (r *Repository) SubmittedAuctions() []*auction.Auction {
	r.submittedMu.RLock()
	defer r.submittedMu.RUnlock()
	out := make([]*auction.Auction, 0, len(r.submitted))
	for _, a := range r.submitted {
		out = append(out, a)
	}
	return out
}

// FindSubmittedBySignature looks up a submitted auction by its transaction
// signature, the Reconciler's log-stream correlation step (spec §4.6).
func (r *Repository) FindSubmittedBySignature(sig solana.Signature) (*auction.Auction, bool) {
	r.submittedMu.RLock()
	defer r.submittedMu.RUnlock()
	for _, a := range r.submitted {
		if a.TxHash != nil && *a.TxHash == sig {
			return a, true
		}
	}
	return nil, false
}

// GetSubmitted returns the auction for id, if it is still in-flight.
func (r *Repository) GetSubmitted(id uuid.UUID) (*auction.Auction, bool) {
	r.submittedMu.RLock()
	defer r.submittedMu.RUnlock()
	a, ok := r.submitted[id]
	return a, ok
}

// Conclude removes an auction from the submitted set once the Reconciler
// has produced a terminal status for it (spec §4.2, §4.6 step 4).
func (r *Repository) Conclude(id uuid.UUID) {
	r.submittedMu.Lock()
	defer r.submittedMu.Unlock()
	delete(r.submitted, id)
}

// Restore repopulates submitted_auctions from the journal on process
// start, so a restart does not silently orphan an in-flight auction that
// never received a terminal status (spec §4.2's "the journal is the
// source of truth for recovery", operationalized here as a Go-native
// addition beyond what original_source does — see DESIGN.md). Restored
// auctions carry only their ID: no permission key, winner bid or
// transaction hash. The Reconciler's sweep skips auctions without a
// transaction hash and the Submitter has no winner to resubmit, so a
// restored auction stays in the submitted set until Conclude removes it.
func (r *Repository) Restore(ctx context.Context, store journal.Store) error {
	ids, err := store.SubmittedAuctionIDs(ctx)
	if err != nil {
		return err
	}
	r.submittedMu.Lock()
	defer r.submittedMu.Unlock()
	for _, id := range ids {
		if _, ok := r.submitted[id]; ok {
			continue
		}
		r.submitted[id] = &auction.Auction{ID: id}
		log.Info("Repository: restored in-flight auction from journal", "auction", id)
	}
	return nil
}

// GetLookupTable returns the cached address list for table, if present
// (spec §4.1 step 3 cache consult).
func (r *Repository) GetLookupTable(table solana.PublicKey) ([]solana.PublicKey, bool) {
	r.lookupMu.RLock()
	defer r.lookupMu.RUnlock()
	addrs, ok := r.lookup[table]
	return addrs, ok
}

// AddLookupTable inserts table's resolved address list. Idempotent: the
// cache is unbounded and entries are never evicted because lookup tables
// are append-only on-chain (spec §4.2), so a repeated insert for the same
// table is always consistent with the first.
func (r *Repository) AddLookupTable(table solana.PublicKey, addrs []solana.PublicKey) {
	r.lookupMu.Lock()
	defer r.lookupMu.Unlock()
	if _, ok := r.lookup[table]; ok {
		return
	}
	r.lookup[table] = addrs
}
