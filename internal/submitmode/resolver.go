// Package submitmode resolves the SubmitType for a permission key (spec
// §4.3). The resolution logic is grounded on
// auction/service/auctionable.rs's `get_submission_state` (the arm that
// actually returns Invalid) rather than bid/service/verification.rs's
// same-named but looser function — see SPEC_FULL.md §4.3 and DESIGN.md for
// why, and for the opportunity_id cross-check this package adds on top.
package submitmode

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/expressrelay/auctionengine/internal/opportunity"
	"github.com/expressrelay/auctionengine/internal/permkey"
)

// Type is the three-way outcome spec §4.3 defines.
type Type int

const (
	// ByServer: the engine signs with the relayer key and broadcasts.
	ByServer Type = iota
	// ByOther: the engine returns the partially-signed transaction to the
	// user; the user broadcasts.
	ByOther
	// Invalid: no matching advertised opportunity exists for a
	// wallet-router key; pending bids must be marked Lost.
	Invalid
)

func (t Type) String() string {
	switch t {
	case ByServer:
		return "by_server"
	case ByOther:
		return "by_other"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Resolver resolves SubmitType for a permission key, given the configured
// wallet-router sentinel account.
type Resolver struct {
	walletRouter solana.PublicKey
	opportunity  opportunity.Client
}

func New(walletRouter solana.PublicKey, opp opportunity.Client) *Resolver {
	return &Resolver{walletRouter: walletRouter, opportunity: opp}
}

// Resolve implements spec §4.3's three-way branch. opportunityID is the
// inbound BidCreate's optional opportunity_id (spec §6); when set, the
// match must be against that specific opportunity, not merely "some live
// opportunity exists for this key" — the stricter resolution SPEC_FULL.md
// chose for the ambiguity spec §9's Open Questions flags.
func (r *Resolver) Resolve(ctx context.Context, key permkey.Key, opportunityID *opportunity.ID) (Type, error) {
	if !key.HasRouterPrefix(r.walletRouter) {
		return ByServer, nil
	}

	live, err := r.opportunity.GetLiveOpportunities(ctx, key)
	if err != nil {
		return Invalid, err
	}

	if opportunityID == nil {
		if len(live) == 0 {
			return Invalid, nil
		}
		return ByOther, nil
	}

	for _, o := range live {
		if o.ID == *opportunityID {
			return ByOther, nil
		}
	}
	return Invalid, nil
}
