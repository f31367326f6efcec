// Package opportunity defines the interface the engine uses to talk to the
// sibling opportunity-advertising service (spec §1: "out of scope, treated
// as an external collaborator"; §4.3: get_live_opportunities). Only the
// seam is implemented here — the real service lives elsewhere.
package opportunity

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/expressrelay/auctionengine/internal/permkey"
)

// ID identifies an advertised opportunity.
type ID = uuid.UUID

// Opportunity is the subset of an advertised opportunity the engine needs:
// which accounts still need a signature before the engine can submit on
// the user's behalf (spec §4.1 step 5, §4.3).
type Opportunity struct {
	ID             ID
	PermissionKey  permkey.Key
	MissingSigners []solana.PublicKey
}

// Client is the read-only view of the opportunity-advertising service the
// engine depends on (spec §4.3: "The opportunity-advertising collaborator
// exposes a get_live_opportunities(key) query used here").
type Client interface {
	GetLiveOpportunities(ctx context.Context, key permkey.Key) ([]Opportunity, error)
}

// InMemoryClient is a trivial Client used in tests and single-process demo
// deployments; production wiring points Engine at the real sibling service
// instead.
type InMemoryClient struct {
	byKey map[permkey.Key][]Opportunity
}

func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{byKey: make(map[permkey.Key][]Opportunity)}
}

func (c *InMemoryClient) Advertise(o Opportunity) {
	c.byKey[o.PermissionKey] = append(c.byKey[o.PermissionKey], o)
}

func (c *InMemoryClient) Withdraw(key permkey.Key, id ID) {
	opps := c.byKey[key]
	for i, o := range opps {
		if o.ID == id {
			c.byKey[key] = append(opps[:i], opps[i+1:]...)
			return
		}
	}
}

func (c *InMemoryClient) GetLiveOpportunities(_ context.Context, key permkey.Key) ([]Opportunity, error) {
	out := make([]Opportunity, len(c.byKey[key]))
	copy(out, c.byKey[key])
	return out, nil
}
