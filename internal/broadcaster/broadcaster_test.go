package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expressrelay/auctionengine/internal/auction"
	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/journal"
)

type recordingStore struct {
	appended []bid.Status
}

func (s *recordingStore) AppendStatus(_ context.Context, _ *bid.Bid, status bid.Status) error {
	s.appended = append(s.appended, status)
	return nil
}
func (s *recordingStore) AppendAuction(context.Context, *auction.Auction) error { return nil }
func (s *recordingStore) LatestStatus(context.Context, bid.ID) (journal.StatusRecord, bool, error) {
	return journal.StatusRecord{}, false, nil
}
func (s *recordingStore) StatusHistory(context.Context, uuid.UUID, time.Time) ([]journal.StatusRecord, error) {
	return nil, nil
}
func (s *recordingStore) SubmittedAuctionIDs(context.Context) ([]auction.ID, error) { return nil, nil }
func (s *recordingStore) Close() error                                              { return nil }

type fakeSubscriber struct {
	id     string
	events []StatusChange
}

func (f *fakeSubscriber) ID() string            { return f.id }
func (f *fakeSubscriber) Notify(c StatusChange) { f.events = append(f.events, c) }

func TestApplyRejectsNonMonotonicTransition(t *testing.T) {
	store := &recordingStore{}
	b := New(store)
	target := &bid.Bid{ID: bid.NewID(), Status: bid.StatusWon{}}

	err := b.Apply(context.Background(), target, bid.StatusPending{})
	require.Error(t, err)
	require.Equal(t, bid.StatusWon{}, target.Status)
	require.Empty(t, store.appended)
}

func TestApplyAcceptsMonotonicTransitionAndFansOut(t *testing.T) {
	store := &recordingStore{}
	b := New(store)
	sub := &fakeSubscriber{id: "s1"}
	b.Subscribe(sub)

	target := &bid.Bid{ID: bid.NewID(), Status: bid.StatusPending{}}
	err := b.Apply(context.Background(), target, bid.StatusAwaitingSignature{})

	require.NoError(t, err)
	require.Equal(t, "awaiting_signature", target.Status.Kind())
	require.Len(t, store.appended, 1)
	require.Len(t, sub.events, 1)
	require.Equal(t, target.ID, sub.events[0].BidID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := &recordingStore{}
	b := New(store)
	sub := &fakeSubscriber{id: "s1"}
	b.Subscribe(sub)
	b.Unsubscribe("s1")

	target := &bid.Bid{ID: bid.NewID(), Status: bid.StatusPending{}}
	require.NoError(t, b.Apply(context.Background(), target, bid.StatusAwaitingSignature{}))
	require.Empty(t, sub.events)
}

func TestAnalyticsChannelReceivesEvent(t *testing.T) {
	store := &recordingStore{}
	b := New(store)

	target := &bid.Bid{ID: bid.NewID(), Status: bid.StatusPending{}}
	require.NoError(t, b.Apply(context.Background(), target, bid.StatusAwaitingSignature{}))

	select {
	case change := <-b.Analytics():
		require.Equal(t, target.ID, change.BidID)
	default:
		t.Fatal("expected an analytics event")
	}
}

func TestWSSubscriberNotifyWritesJSON(t *testing.T) {
	conn := &fakeWSConn{}
	sub := NewWSSubscriber(conn)

	sub.Notify(StatusChange{BidID: bid.NewID(), Status: bid.StatusWon{}})

	require.Len(t, conn.written, 1)
	require.NoError(t, sub.Close())
	require.True(t, conn.closed)
}

type fakeWSConn struct {
	written []interface{}
	closed  bool
}

func (c *fakeWSConn) WriteJSON(v interface{}) error {
	c.written = append(c.written, v)
	return nil
}
func (c *fakeWSConn) Close() error {
	c.closed = true
	return nil
}
