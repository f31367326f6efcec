package chainrpc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// SolanaClient is the production Client backed by
// github.com/gagliardetto/solana-go/rpc. Account, simulation and
// signature-status reads are retried with a bounded exponential backoff
// (spec §7: transient RPC errors are retried internally);
// GetLatestBlockhash is not retried. Writes (SendTransaction) are not
// retried here because the
// Submitter owns its own resubmission schedule (spec §4.5 step 4).
type SolanaClient struct {
	primary   *solanarpc.Client
	broadcast *solanarpc.Client // "tx-broadcast" secondary RPC, spec §6
	retryMax  time.Duration
}

// NewSolanaClient wires primary (used only for reads; sends never fall back
// to it) and broadcast (used only for sends, spec §6: "the secondary
// is used only for broadcast"). Passing the same URL twice is valid when
// only one RPC endpoint is configured.
func NewSolanaClient(primaryURL, broadcastURL string) *SolanaClient {
	return &SolanaClient{
		primary:   solanarpc.New(primaryURL),
		broadcast: solanarpc.New(broadcastURL),
		retryMax:  2 * time.Second,
	}
}

func (c *SolanaClient) withRetry(ctx context.Context, fn func() error) error {
	op := func() (struct{}, error) {
		return struct{}{}, fn()
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

func toCommitment(c Commitment) solanarpc.CommitmentType {
	switch c {
	case CommitmentProcessed:
		return solanarpc.CommitmentProcessed
	case CommitmentConfirmed:
		return solanarpc.CommitmentConfirmed
	default:
		return solanarpc.CommitmentFinalized
	}
}

func (c *SolanaClient) GetMultipleAccounts(ctx context.Context, pubkeys []solana.PublicKey, commitment Commitment) ([]*AccountInfo, error) {
	var out []*AccountInfo
	err := c.withRetry(ctx, func() error {
		resp, err := c.primary.GetMultipleAccountsWithOpts(ctx, pubkeys, &solanarpc.GetMultipleAccountsOpts{
			Commitment: toCommitment(commitment),
		})
		if err != nil {
			return err
		}
		out = make([]*AccountInfo, len(resp.Value))
		for i, acc := range resp.Value {
			if acc == nil {
				continue
			}
			out[i] = &AccountInfo{
				Pubkey:     pubkeys[i],
				Lamports:   acc.Lamports,
				Owner:      acc.Owner,
				Data:       acc.Data.GetBinary(),
				Executable: acc.Executable,
			}
		}
		return nil
	})
	if err != nil {
		log.Error("chainrpc: getMultipleAccounts failed", "err", err)
		return nil, xerrors.NewTransient(err)
	}
	return out, nil
}

func (c *SolanaClient) GetAccountInfo(ctx context.Context, pubkey solana.PublicKey, commitment Commitment) (*AccountInfo, error) {
	accounts, err := c.GetMultipleAccounts(ctx, []solana.PublicKey{pubkey}, commitment)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 || accounts[0] == nil {
		return nil, xerrors.NewClient(xerrors.CodeAccountNotFound, pubkey.String())
	}
	return accounts[0], nil
}

func (c *SolanaClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationOutcome, error) {
	var out *SimulationOutcome
	err := c.withRetry(ctx, func() error {
		resp, err := c.primary.SimulateTransactionWithOpts(ctx, tx, &solanarpc.SimulateTransactionOpts{
			Commitment: solanarpc.CommitmentProcessed,
		})
		if err != nil {
			return err
		}
		out = &SimulationOutcome{Logs: resp.Value.Logs}
		if resp.Value.UnitsConsumed != nil {
			out.UnitsConsumed = *resp.Value.UnitsConsumed
		}
		if resp.Value.Err != nil {
			out.Err = simulationErr(resp.Value.Err)
		}
		return nil
	})
	if err != nil {
		log.Error("chainrpc: simulateTransaction unreachable", "err", err)
		return nil, xerrors.NewTransient(err)
	}
	return out, nil
}

// simulationErr turns the RPC's opaque error value into a plain error for
// SimulationOutcome.Err; callers inspect Logs for the human-readable reason
// (spec §4.1 step 6).
func simulationErr(v interface{}) error {
	return &simErr{v: v}
}

type simErr struct{ v interface{} }

func (e *simErr) Error() string { return "simulation error" }

func (c *SolanaClient) SendTransaction(ctx context.Context, tx *solana.Transaction, opts SendOptions) (solana.Signature, error) {
	maxRetries := uint(opts.MaxRetries)
	sig, err := c.broadcast.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		SkipPreflight: opts.SkipPreflight,
		MaxRetries:    &maxRetries,
	})
	if err != nil {
		return solana.Signature{}, xerrors.NewTransient(err)
	}
	return sig, nil
}

func (c *SolanaClient) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*SignatureStatus, error) {
	var out []*SignatureStatus
	err := c.withRetry(ctx, func() error {
		resp, err := c.primary.GetSignatureStatuses(ctx, false, sigs...)
		if err != nil {
			return err
		}
		out = make([]*SignatureStatus, len(resp.Value))
		for i, v := range resp.Value {
			if v == nil {
				out[i] = &SignatureStatus{Confirmed: false}
				continue
			}
			status := &SignatureStatus{Confirmed: true, Err: TransactionError{Ok: true}}
			if v.Err != nil {
				status.Err = decodeTransactionError(v.Err)
			}
			out[i] = status
		}
		return nil
	})
	if err != nil {
		log.Error("chainrpc: getSignatureStatuses failed", "err", err)
		return nil, xerrors.NewTransient(err)
	}
	return out, nil
}

// decodeTransactionError extracts a custom program error code from the
// RPC's loosely-typed TransactionError value, matching the shape
// {"InstructionError": [index, {"Custom": code}]} (spec §4.6 step 2).
func decodeTransactionError(raw interface{}) TransactionError {
	te := TransactionError{Ok: false}
	if m, ok := raw.(map[string]interface{}); ok {
		raw = m["InstructionError"]
	}
	pair, ok := raw.([]interface{})
	if !ok || len(pair) != 2 {
		return te
	}
	inner, ok := pair[1].(map[string]interface{})
	if !ok {
		return te
	}
	codeRaw, ok := inner["Custom"]
	if !ok {
		return te
	}
	switch v := codeRaw.(type) {
	case float64:
		code := uint32(v)
		te.CustomCode = &code
	case uint32:
		te.CustomCode = &v
	}
	return te
}

func (c *SolanaClient) GetLatestBlockhash(ctx context.Context, commitment Commitment) (solana.Hash, error) {
	resp, err := c.primary.GetLatestBlockhash(ctx, toCommitment(commitment))
	if err != nil {
		return solana.Hash{}, xerrors.NewTransient(err)
	}
	return resp.Value.Blockhash, nil
}

// WSSubscriber is the production Subscriber backed by
// github.com/gagliardetto/solana-go/rpc/ws.
type WSSubscriber struct {
	endpoint string
}

func NewWSSubscriber(endpoint string) *WSSubscriber {
	return &WSSubscriber{endpoint: endpoint}
}

func (s *WSSubscriber) dial(ctx context.Context) (*ws.Client, error) {
	client, err := ws.Connect(ctx, s.endpoint)
	if err != nil {
		return nil, xerrors.NewTransient(err)
	}
	return client, nil
}

func (s *WSSubscriber) SubscribeLogs(ctx context.Context, programID solana.PublicKey) (LogStream, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := client.LogsSubscribeMentions(programID, solanarpc.CommitmentConfirmed)
	if err != nil {
		client.Close()
		return nil, xerrors.NewTransient(err)
	}
	return &wsLogStream{client: client, sub: sub}, nil
}

func (s *WSSubscriber) SubscribeSlots(ctx context.Context) (SlotStream, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := client.SlotSubscribe()
	if err != nil {
		client.Close()
		return nil, xerrors.NewTransient(err)
	}
	return &wsSlotStream{client: client, sub: sub}, nil
}

type wsLogStream struct {
	client *ws.Client
	sub    *ws.LogSubscription
}

func (w *wsLogStream) Recv(ctx context.Context) (LogMessage, error) {
	got, err := w.sub.Recv()
	if err != nil {
		return LogMessage{}, err
	}
	msg := LogMessage{Logs: got.Value.Logs, Slot: got.Context.Slot, Signature: got.Value.Signature}
	if got.Value.Err != nil {
		msg.Err = &simErr{v: got.Value.Err}
	}
	return msg, nil
}

func (w *wsLogStream) Close() error {
	w.sub.Unsubscribe()
	w.client.Close()
	return nil
}

type wsSlotStream struct {
	client *ws.Client
	sub    *ws.SlotSubscription
}

func (w *wsSlotStream) Recv(ctx context.Context) (SlotInfo, error) {
	got, err := w.sub.Recv()
	if err != nil {
		return SlotInfo{}, err
	}
	return SlotInfo{Slot: got.Slot, Parent: got.Parent}, nil
}

func (w *wsSlotStream) Close() error {
	w.sub.Unsubscribe()
	w.client.Close()
	return nil
}
