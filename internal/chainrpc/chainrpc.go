// Package chainrpc is the engine's only door to Solana JSON-RPC (spec §6
// outbound interfaces: sendTransaction, getMultipleAccounts,
// getSignatureStatuses, getLatestBlockhash, logsSubscribe, slotSubscribe).
// Every other package depends on the interfaces here, never on
// github.com/gagliardetto/solana-go/rpc directly, so tests can substitute
// fakes.
package chainrpc

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// AccountInfo is the subset of chain account state the engine needs:
// lamports, owner, and raw data (for address-lookup-table decoding and
// simulation seeding).
type AccountInfo struct {
	Pubkey   solana.PublicKey
	Lamports uint64
	Owner    solana.PublicKey
	Data     []byte
	Executable bool
}

// SimulationOutcome is the result of a simulateTransaction call (spec
// §4.1 step 6, §4.8 step 5).
type SimulationOutcome struct {
	Err  error // nil on success
	Logs []string
	UnitsConsumed uint64
}

// SignatureStatus is the result of getSignatureStatuses for one signature
// (spec §4.6 step 1).
type SignatureStatus struct {
	// Confirmed is false when the RPC node has no record of the signature
	// yet (spec §4.6 step 2, "Not yet confirmed").
	Confirmed bool
	// Err has Ok set on success, and is the decoded on-chain
	// TransactionError otherwise. See the Reconciler's mapFailureReason for
	// the mapping it uses.
	Err TransactionError
}

// TransactionError mirrors the fields the Reconciler's mapping table (spec
// §4.6 step 2) distinguishes: Ok when the transaction succeeded, otherwise
// a custom program error code when one could be decoded.
type TransactionError struct {
	// Ok is true when there was no error at all.
	Ok bool
	// CustomCode is populated when the on-chain error is
	// InstructionError::Custom(code).
	CustomCode *uint32
	// Raw is the original error for logging/diagnostics.
	Raw error
}

// SendOptions mirrors spec §4.5 step 2's required RPC config.
type SendOptions struct {
	SkipPreflight bool
	MaxRetries    int
}

// Client is the synchronous half of the chain RPC surface.
type Client interface {
	GetMultipleAccounts(ctx context.Context, pubkeys []solana.PublicKey, commitment Commitment) ([]*AccountInfo, error)
	GetAccountInfo(ctx context.Context, pubkey solana.PublicKey, commitment Commitment) (*AccountInfo, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationOutcome, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts SendOptions) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*SignatureStatus, error)
	GetLatestBlockhash(ctx context.Context, commitment Commitment) (solana.Hash, error)
}

// Commitment mirrors Solana's commitment levels; the engine uses Processed
// (lookup-table/account reads, spec §4.1 step 3), Confirmed (signature
// status checks, spec §4.6 step 1) and Finalized (BlockhashPoller).
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// LogMessage is one entry from the logsSubscribe stream (spec §4.6 trigger
// one, §4.5 step 4's resubmitter abort check).
type LogMessage struct {
	Signature solana.Signature
	Err       error
	Logs      []string
	Slot      uint64
}

// SlotInfo is one entry from the slotSubscribe stream (spec §4.4 Batcher
// trigger, §4.6 periodic sweep trigger).
type SlotInfo struct {
	Slot   uint64
	Parent uint64
}

// LogStream is a live subscription to program logs.
type LogStream interface {
	Recv(ctx context.Context) (LogMessage, error)
	Close() error
}

// SlotStream is a live subscription to slot ticks.
type SlotStream interface {
	Recv(ctx context.Context) (SlotInfo, error)
	Close() error
}

// Subscriber is the asynchronous half of the chain RPC surface: the two
// long-lived streams the Batcher and Reconciler select over.
type Subscriber interface {
	SubscribeLogs(ctx context.Context, programID solana.PublicKey) (LogStream, error)
	SubscribeSlots(ctx context.Context) (SlotStream, error)
}

// BlockhashPoller periodically refreshes the latest blockhash, mirroring
// spec's GET_LATEST_BLOCKHASH_INTERVAL = 5s and the svm_chain_update
// websocket event (spec §6) the engine's output feeds.
type BlockhashPoller struct {
	client   Client
	interval time.Duration
}

func NewBlockhashPoller(client Client, interval time.Duration) *BlockhashPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &BlockhashPoller{client: client, interval: interval}
}

// Run blocks, calling onUpdate(blockhash) every interval until ctx is done
// or the RPC call fails (a failure here is fatal per spec §7: "RPC
// subscription stream terminating unexpectedly").
func (p *BlockhashPoller) Run(ctx context.Context, onUpdate func(solana.Hash)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hash, err := p.client.GetLatestBlockhash(ctx, CommitmentFinalized)
			if err != nil {
				return err
			}
			onUpdate(hash)
		}
	}
}
