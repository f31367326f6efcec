// Package journal is the engine's durable persistence collaborator (spec
// §4.2, §4.7): every bid status transition is appended here by the
// Broadcaster before it is fanned out. AppendAuction stores an auction row
// and its submitted marker, but no engine component calls it, so created
// auctions are not journaled and SubmittedAuctionIDs lists only auctions
// written by other callers of the Store. The default
// implementation embeds Pebble (the teacher's own state-database engine)
// so the repository is runnable end-to-end in a single process; swapping
// in a Postgres-backed Store for production is a wiring change, not a
// rewrite of any caller.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// StatusRecord is one durable status-transition row (spec §4.7: "appended
// to the durable journal").
type StatusRecord struct {
	BidID     bid.ID     `json:"bid_id"`
	ProfileID *uuid.UUID `json:"profile_id,omitempty"`
	Status    string     `json:"status"`
	Kind      string     `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// Store is the persistence seam every other package depends on. Defined
// here rather than in repository so journal has no dependency on the
// in-memory working set it backs.
type Store interface {
	// AppendStatus records b's new status. b.ProfileID is carried into the
	// record so StatusHistory can filter by profile (spec §6: range scan
	// by profile_id + initiation_time).
	AppendStatus(ctx context.Context, b *bid.Bid, status bid.Status) error
	AppendAuction(ctx context.Context, a *auction.Auction) error
	LatestStatus(ctx context.Context, bidID bid.ID) (StatusRecord, bool, error)
	// StatusHistory returns every recorded transition for profileID within
	// [since, now), ordered by timestamp ascending (spec §6: range scan by
	// profile_id + initiation_time).
	StatusHistory(ctx context.Context, profileID uuid.UUID, since time.Time) ([]StatusRecord, error)
	// SubmittedAuctionIDs lists every auction ID the journal still has an
	// unconcluded submission row for, consulted by Repository.Restore on
	// process start (spec §4.2 supplement).
	SubmittedAuctionIDs(ctx context.Context) ([]auction.ID, error)
	Close() error
}

// PebbleStore is the default Store, grounded on go-ethereum's own use of
// Pebble as its state database (teacher dependency, same library, same
// embedded-KV role).
type PebbleStore struct {
	db *pebble.DB
}

// Open creates or re-opens a Pebble-backed journal at dir.
func Open(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, xerrors.Wrap(err, "journal: opening pebble store")
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func statusKey(bidID bid.ID, seq int64) []byte {
	return []byte(fmt.Sprintf("status/%s/%020d", bidID.String(), seq))
}

func latestStatusMarkerKey(bidID bid.ID) []byte {
	return []byte("status-latest/" + bidID.String())
}

func auctionKey(id auction.ID) []byte {
	return []byte("auction/" + id.String())
}

func submittedMarkerKey(id auction.ID) []byte {
	return []byte("submitted/" + id.String())
}

func (s *PebbleStore) AppendStatus(_ context.Context, b *bid.Bid, status bid.Status) error {
	bidID := b.ID
	rec := StatusRecord{BidID: bidID, ProfileID: b.ProfileID, Kind: status.Kind(), Timestamp: time.Now()}
	payload, err := json.Marshal(statusPayload{Kind: status.Kind(), Value: status})
	if err != nil {
		return xerrors.Wrap(err, "journal: encoding status")
	}
	rec.Status = string(payload)

	encoded, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(err, "journal: encoding status record")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	seq := time.Now().UnixNano()
	if err := batch.Set(statusKey(bidID, seq), encoded, nil); err != nil {
		return xerrors.Wrap(err, "journal: writing status")
	}
	if err := batch.Set(latestStatusMarkerKey(bidID), encoded, nil); err != nil {
		return xerrors.Wrap(err, "journal: writing latest status marker")
	}

	if status.IsConcluded() {
		if auctionID, ok := status.AuctionID(); ok {
			if err := batch.Delete(submittedMarkerKey(auctionID), nil); err != nil {
				return xerrors.Wrap(err, "journal: clearing submitted marker")
			}
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return xerrors.Wrap(err, "journal: committing status batch")
	}
	return nil
}

func (s *PebbleStore) AppendAuction(_ context.Context, a *auction.Auction) error {
	encoded, err := json.Marshal(auctionRecord{
		ID:            a.ID,
		PermissionKey: a.PermissionKey.String(),
	})
	if err != nil {
		return xerrors.Wrap(err, "journal: encoding auction")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(auctionKey(a.ID), encoded, nil); err != nil {
		return xerrors.Wrap(err, "journal: writing auction")
	}
	if err := batch.Set(submittedMarkerKey(a.ID), []byte("1"), nil); err != nil {
		return xerrors.Wrap(err, "journal: writing submitted marker")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return xerrors.Wrap(err, "journal: committing auction batch")
	}
	return nil
}

func (s *PebbleStore) LatestStatus(_ context.Context, bidID bid.ID) (StatusRecord, bool, error) {
	value, closer, err := s.db.Get(latestStatusMarkerKey(bidID))
	if err == pebble.ErrNotFound {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, xerrors.Wrap(err, "journal: reading latest status")
	}
	defer closer.Close()

	var rec StatusRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return StatusRecord{}, false, xerrors.Wrap(err, "journal: decoding latest status")
	}
	return rec, true, nil
}

func (s *PebbleStore) StatusHistory(_ context.Context, profileID uuid.UUID, since time.Time) ([]StatusRecord, error) {
	// Pebble has no secondary index on profile_id in this minimal
	// demo-scale store; a real deployment points Store at Postgres, which
	// the interface already accommodates. This implementation does a
	// bounded prefix scan over every status row instead, sufficient for
	// tests and single-process demos (spec's Non-goal line: "DB
	// persistence... stays an external collaborator").
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte("status/"), UpperBound: []byte("status0")})
	if err != nil {
		return nil, xerrors.Wrap(err, "journal: opening history iterator")
	}
	defer iter.Close()

	var out []StatusRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec StatusRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		if rec.ProfileID == nil || *rec.ProfileID != profileID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *PebbleStore) SubmittedAuctionIDs(_ context.Context) ([]auction.ID, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte("submitted/"), UpperBound: []byte("submitted0")})
	if err != nil {
		return nil, xerrors.Wrap(err, "journal: opening submitted iterator")
	}
	defer iter.Close()

	var out []auction.ID
	for iter.First(); iter.Valid(); iter.Next() {
		idStr := string(iter.Key()[len("submitted/"):])
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

type statusPayload struct {
	Kind  string      `json:"kind"`
	Value interface{} `json:"value"`
}

type auctionRecord struct {
	ID            auction.ID `json:"id"`
	PermissionKey string     `json:"permission_key"`
}
