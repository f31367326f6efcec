// Package broadcaster implements the sole mutator of bid status past
// creation (spec §4.7): every status transition is checked for monotonicity
// before being applied, appended to the durable journal, and fanned out.
// Subscribers are notified synchronously, one after another, so a slow
// subscriber delays Apply; no subscriber is ever dropped for being slow.
// Only the second sink, the analytics channel, is bounded, and it drops
// events when full.
package broadcaster

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/journal"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// ChannelCapacity is the size of the bounded analytics channel; once it
// holds this many unread events, further events are dropped from that
// sink. Subscribers are not fed through this channel.
const ChannelCapacity = 1000

// StatusChange is one fanned-out event.
type StatusChange struct {
	BidID  bid.ID
	Status bid.Status
}

// Subscriber receives status-change events. Notify is called synchronously
// from Apply, so a slow Notify stalls the broadcaster; subscribers are
// never dropped or disconnected for being slow.
type Subscriber interface {
	ID() string
	Notify(StatusChange)
}

// Broadcaster is spec §4.7.
type Broadcaster struct {
	store journal.Store

	mu          sync.RWMutex
	subscribers map[string]Subscriber

	analyticsCh chan StatusChange
}

func New(store journal.Store) *Broadcaster {
	b := &Broadcaster{
		store:       store,
		subscribers: make(map[string]Subscriber),
		analyticsCh: make(chan StatusChange, ChannelCapacity),
	}
	return b
}

// Subscribe registers a Subscriber for the life of the Broadcaster.
func (b *Broadcaster) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[s.ID()] = s
}

// Unsubscribe removes a previously registered Subscriber.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Apply is spec §4.7 step 1: check monotonicity, persist, fan out. It is
// the only path by which a bid's Status field changes after creation;
// batcher, submitter, and reconciler are each handed this Broadcaster and
// call Apply for every transition instead of writing b.Status directly
// (see internal/engine's wiring in cmd/auctionengine).
func (b *Broadcaster) Apply(ctx context.Context, target *bid.Bid, newStatus bid.Status) error {
	if !bid.IsMonotonicTransition(target.Status, newStatus) {
		log.Warn("Broadcaster: rejected non-monotonic transition",
			"bid", target.ID, "from", target.Status.Kind(), "to", newStatus.Kind())
		return fmt.Errorf("broadcaster: non-monotonic status transition %s -> %s", target.Status.Kind(), newStatus.Kind())
	}

	target.Status = newStatus

	if err := b.store.AppendStatus(ctx, target, newStatus); err != nil {
		log.Error("Broadcaster: journal append failed", "bid", target.ID, "err", err)
		return xerrors.NewTransient(err)
	}

	b.fanOut(StatusChange{BidID: target.ID, Status: newStatus})
	return nil
}

// fanOut calls Notify on every live subscriber in turn, waiting for each,
// then offers the change to the lossy analytics sink, which drops it
// without blocking when the channel is full.
func (b *Broadcaster) fanOut(change StatusChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sub.Notify(change)
	}

	select {
	case b.analyticsCh <- change:
	default:
		log.Debug("Broadcaster: analytics sink full, dropping event", "bid", change.BidID)
	}
}

// Analytics exposes the lossy sink's receive side for whatever in-process
// consumer wants best-effort status history (metrics, an audit log tailer).
func (b *Broadcaster) Analytics() <-chan StatusChange { return b.analyticsCh }

// WSSubscriber is the reference Subscriber implementation, pushing each
// status change as a JSON frame over a websocket connection (spec §4.7:
// "a Subscriber interface with a websocket-backed reference
// implementation").
type WSSubscriber struct {
	id   string
	conn wsConn
}

// wsConn is the minimal surface this package needs from
// github.com/gorilla/websocket's *websocket.Conn, kept as an interface so
// tests can substitute a fake without opening a real socket.
type wsConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

func NewWSSubscriber(conn wsConn) *WSSubscriber {
	return &WSSubscriber{id: uuid.NewString(), conn: conn}
}

func (w *WSSubscriber) ID() string { return w.id }

func (w *WSSubscriber) Notify(change StatusChange) {
	if err := w.conn.WriteJSON(wireStatusChange{
		BidID:  change.BidID.String(),
		Status: change.Status.Kind(),
	}); err != nil {
		log.Debug("WSSubscriber: write failed, event not delivered", "subscriber", w.id, "err", err)
	}
}

func (w *WSSubscriber) Close() error { return w.conn.Close() }

type wireStatusChange struct {
	BidID  string `json:"bid_id"`
	Status string `json:"status"`
}
