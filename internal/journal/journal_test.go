package journal

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/permkey"
)

func auctionFixture() *auction.Auction {
	return auction.New(permkey.Key{}, nil, time.Now())
}

func newTestStore(t *testing.T) *PebbleStore {
	db, err := pebble.Open("test", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PebbleStore{db: db}
}

func TestAppendStatusAndLatestStatus(t *testing.T) {
	store := newTestStore(t)
	profileID := uuid.New()
	b := &bid.Bid{ID: bid.NewID(), ProfileID: &profileID}

	require.NoError(t, store.AppendStatus(context.Background(), b, bid.StatusPending{}))

	rec, ok, err := store.LatestStatus(context.Background(), b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pending", rec.Kind)
	require.Equal(t, profileID, *rec.ProfileID)
}

func TestLatestStatusMissing(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.LatestStatus(context.Background(), bid.NewID())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatusHistoryFiltersByProfile(t *testing.T) {
	store := newTestStore(t)
	profileA := uuid.New()
	profileB := uuid.New()

	bidA := &bid.Bid{ID: bid.NewID(), ProfileID: &profileA}
	bidB := &bid.Bid{ID: bid.NewID(), ProfileID: &profileB}

	require.NoError(t, store.AppendStatus(context.Background(), bidA, bid.StatusPending{}))
	require.NoError(t, store.AppendStatus(context.Background(), bidB, bid.StatusPending{}))

	history, err := store.StatusHistory(context.Background(), profileA, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, bidA.ID, history[0].BidID)
}

func TestAppendAuctionSetsSubmittedMarker(t *testing.T) {
	store := newTestStore(t)
	a := auctionFixture()

	require.NoError(t, store.AppendAuction(context.Background(), a))

	ids, err := store.SubmittedAuctionIDs(context.Background())
	require.NoError(t, err)
	require.Contains(t, ids, a.ID)
}

func TestAppendStatusClearsSubmittedMarkerOnConclusion(t *testing.T) {
	store := newTestStore(t)
	a := auctionFixture()
	require.NoError(t, store.AppendAuction(context.Background(), a))

	profileID := uuid.New()
	b := &bid.Bid{ID: bid.NewID(), ProfileID: &profileID}
	ref := bid.StatusAuctionRef{ID: a.ID}
	require.NoError(t, store.AppendStatus(context.Background(), b, bid.StatusWon{Auction: ref}))

	ids, err := store.SubmittedAuctionIDs(context.Background())
	require.NoError(t, err)
	require.NotContains(t, ids, a.ID)
}
