// Package verifier implements the seven-step admission check every bid
// passes before it is accepted into a permission key's pending set (spec
// §4.1). Grounded on
// original_source/auction-server/src/bid/service/verification.rs's SVM arm;
// the lookup-table walk (extract_account_svm/query_lookup_table) and the
// byte layout of extract_bid_data are filled in past that file's own
// commented-out stub.
package verifier

import (
	"bytes"
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/expressrelay/auctionengine/internal/bid"
	"github.com/expressrelay/auctionengine/internal/permkey"
	"github.com/expressrelay/auctionengine/internal/repository"
	"github.com/expressrelay/auctionengine/internal/simulator"
	"github.com/expressrelay/auctionengine/internal/submitmode"
	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// MaxTransactionSize is Solana's wire limit on a serialized transaction
// (spec §4.1 step 1).
const MaxTransactionSize = 1232

// MinBidLifetimeServer and MinBidLifetimeOther are BID_MINIMUM_LIFE_TIME_*
// from spec §4.1 step 4: a ByServer bid's deadline must be at least this far
// in the future at verification time; a ByOther bid gets the longer window
// because the user still has to sign and broadcast it themselves.
const (
	MinBidLifetimeServer = 5 * time.Second
	MinBidLifetimeOther  = 10 * time.Second
)

var (
	// submitBidDiscriminator and swapDiscriminator are the 8-byte Anchor
	// instruction discriminators the express-relay program uses to tag its
	// two entrypoints (spec §4.1 step 2).
	submitBidDiscriminator = [8]byte{0x4e, 0x55, 0x60, 0x6b, 0x21, 0xf0, 0x4e, 0x99}
	swapDiscriminator      = [8]byte{0xf8, 0xa8, 0xfd, 0x1e, 0xce, 0xb4, 0x45, 0xa6}
)

// Verifier implements spec §4.1.
type Verifier struct {
	programID solana.PublicKey
	repo      *repository.Repository
	sim       *simulator.Simulator
	resolver  *submitmode.Resolver
	chainID   string
}

func New(programID solana.PublicKey, repo *repository.Repository, sim *simulator.Simulator, resolver *submitmode.Resolver, chainID string) *Verifier {
	return &Verifier{programID: programID, repo: repo, sim: sim, resolver: resolver, chainID: chainID}
}

// Verify runs the full seven-step admission check and returns the chain
// data and extracted bid amount the Batcher needs, or a *xerrors.ClientError
// / *xerrors.Transient describing why the bid was rejected.
func (v *Verifier) Verify(ctx context.Context, create bid.Create) (bid.ChainData, uint64, error) {
	tx := create.ChainData.Transaction
	if tx == nil {
		return bid.ChainData{}, 0, xerrors.NewClient(xerrors.CodeInvalidInstructionCount, "missing transaction")
	}

	if err := v.checkTransactionSize(tx); err != nil {
		return bid.ChainData{}, 0, err
	}

	ix, ixIndex, err := v.findExpressRelayInstruction(tx)
	if err != nil {
		return bid.ChainData{}, 0, err
	}

	chainData, amount, deadline, err := v.extractBidData(ctx, tx, ix, ixIndex)
	if err != nil {
		return bid.ChainData{}, 0, err
	}

	mode, err := v.resolver.Resolve(ctx, chainData.PermissionKey(), create.ChainData.OpportunityID)
	if err != nil {
		return bid.ChainData{}, 0, err
	}
	if mode == submitmode.Invalid {
		return bid.ChainData{}, 0, xerrors.NewClient(xerrors.CodeOpportunityNotFound, chainData.PermissionKey().String())
	}

	if err := v.checkDeadline(deadline, mode); err != nil {
		return bid.ChainData{}, 0, err
	}

	if err := v.verifySignatures(tx, mode); err != nil {
		return bid.ChainData{}, 0, err
	}

	if err := v.simulate(ctx, tx); err != nil {
		return bid.ChainData{}, 0, err
	}

	if err := v.checkDuplicate(create, chainData.PermissionKey()); err != nil {
		return bid.ChainData{}, 0, err
	}

	return chainData, amount, nil
}

// checkTransactionSize is spec §4.1 step 1.
func (v *Verifier) checkTransactionSize(tx *solana.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return xerrors.NewClient(xerrors.CodeTransactionTooLarge, "transaction does not serialize")
	}
	if len(raw) > MaxTransactionSize {
		return xerrors.NewClient(xerrors.CodeTransactionTooLarge, "")
	}
	return nil
}

// findExpressRelayInstruction is spec §4.1 step 2: exactly one instruction
// must target the express-relay program, and its first 8 bytes must match
// one of the two known discriminators.
func (v *Verifier) findExpressRelayInstruction(tx *solana.Transaction) (solana.CompiledInstruction, int, error) {
	var (
		found solana.CompiledInstruction
		idx   = -1
		count int
	)
	for i, ix := range tx.Message.Instructions {
		programIdx := int(ix.ProgramIDIndex)
		if programIdx >= len(tx.Message.AccountKeys) {
			continue
		}
		if !tx.Message.AccountKeys[programIdx].Equals(v.programID) {
			continue
		}
		count++
		found = ix
		idx = i
	}
	if count != 1 {
		return solana.CompiledInstruction{}, 0, xerrors.NewClient(xerrors.CodeInvalidInstructionCount, "")
	}
	if len(found.Data) < 8 {
		return solana.CompiledInstruction{}, 0, xerrors.NewClient(xerrors.CodeWrongInstructionType, "")
	}
	var disc [8]byte
	copy(disc[:], found.Data[:8])
	if disc != submitBidDiscriminator && disc != swapDiscriminator {
		return solana.CompiledInstruction{}, 0, xerrors.NewClient(xerrors.CodeWrongInstructionType, "")
	}
	return found, idx, nil
}

// extractBidData is spec §4.1 step 3: decode the instruction's account list
// (resolving address-lookup-table indices past the static account keys,
// mirroring extract_account_svm/query_lookup_table) and the amount field.
func (v *Verifier) extractBidData(ctx context.Context, tx *solana.Transaction, ix solana.CompiledInstruction, _ int) (bid.ChainData, uint64, time.Time, error) {
	resolve := func(idx uint16) (solana.PublicKey, error) {
		return v.resolveAccount(ctx, tx, idx)
	}

	var disc [8]byte
	copy(disc[:], ix.Data[:8])
	instrType := bid.SubmitBid
	if disc == swapDiscriminator {
		instrType = bid.Swap
	}

	// submit_bid / swap both carry [router, permission_account, ...] as
	// their first two accounts per the express-relay program's account
	// ordering convention; the instruction body is an 8-byte little-endian
	// bid amount followed by an 8-byte little-endian unix deadline.
	if len(ix.Accounts) < 2 {
		return bid.ChainData{}, 0, time.Time{}, xerrors.NewClient(xerrors.CodeAccountNotFound, "express-relay instruction has too few accounts")
	}
	if len(ix.Data) < 24 {
		return bid.ChainData{}, 0, time.Time{}, xerrors.NewClient(xerrors.CodeWrongInstructionType, "missing amount/deadline fields")
	}

	router, err := resolve(uint16(ix.Accounts[0]))
	if err != nil {
		return bid.ChainData{}, 0, time.Time{}, err
	}
	permissionAccount, err := resolve(uint16(ix.Accounts[1]))
	if err != nil {
		return bid.ChainData{}, 0, time.Time{}, err
	}

	amount := le64(ix.Data[8:16])
	deadline := time.Unix(int64(le64(ix.Data[16:24])), 0)

	chainData := bid.ChainData{
		Transaction:       tx,
		InstructionType:   instrType,
		Router:            router,
		PermissionAccount: permissionAccount,
	}

	if instrType == bid.Swap && len(ix.Accounts) >= 4 {
		tokenProgram, err := resolve(uint16(ix.Accounts[2]))
		if err == nil {
			chainData.TokenProgram = &tokenProgram
		}
		mint, err := resolve(uint16(ix.Accounts[3]))
		if err == nil {
			chainData.Mint = &mint
		}
	}

	return chainData, amount, deadline, nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// resolveAccount looks up account index idx, walking past the statically
// compiled keys into the transaction's address-table lookups (writable
// indexes first, then readonly) when idx is out of the static range,
// mirroring verification.rs's extract_account_svm.
func (v *Verifier) resolveAccount(ctx context.Context, tx *solana.Transaction, idx uint16) (solana.PublicKey, error) {
	staticCount := len(tx.Message.AccountKeys)
	if int(idx) < staticCount {
		return tx.Message.AccountKeys[idx], nil
	}

	offset := int(idx) - staticCount
	for _, lookup := range tx.Message.AddressTableLookups {
		total := len(lookup.WritableIndexes) + len(lookup.ReadonlyIndexes)
		if offset >= total {
			offset -= total
			continue
		}
		addrs, err := v.queryLookupTable(ctx, lookup.AccountKey)
		if err != nil {
			return solana.PublicKey{}, err
		}
		var tableIndex uint8
		if offset < len(lookup.WritableIndexes) {
			tableIndex = lookup.WritableIndexes[offset]
		} else {
			tableIndex = lookup.ReadonlyIndexes[offset-len(lookup.WritableIndexes)]
		}
		if int(tableIndex) >= len(addrs) {
			return solana.PublicKey{}, xerrors.NewClient(xerrors.CodeAccountNotFound, "lookup table index out of range")
		}
		return addrs[tableIndex], nil
	}
	return solana.PublicKey{}, xerrors.NewClient(xerrors.CodeAccountNotFound, "account index not found in static keys or lookup tables")
}

// queryLookupTable consults the shared repository cache before asking the
// simulator to fetch and decode the table, so repeated bids against the
// same table only pay the RPC cost once (spec §4.1 step 3 cache consult).
func (v *Verifier) queryLookupTable(ctx context.Context, table solana.PublicKey) ([]solana.PublicKey, error) {
	if addrs, ok := v.repo.GetLookupTable(table); ok {
		return addrs, nil
	}
	addrs, err := v.sim.ResolveLookupTable(ctx, table)
	if err != nil {
		return nil, err
	}
	v.repo.AddLookupTable(table, addrs)
	return addrs, nil
}

// checkDeadline is spec §4.1 step 4: the bid's declared deadline must still
// be at least MinBidLifetimeServer/MinBidLifetimeOther in the future,
// grounded on verification.rs's check_deadline with the two SVM constants
// BID_MINIMUM_LIFE_TIME_SVM_SERVER/_OTHER.
func (v *Verifier) checkDeadline(deadline time.Time, mode submitmode.Type) error {
	minLifetime := MinBidLifetimeServer
	if mode == submitmode.ByOther {
		minLifetime = MinBidLifetimeOther
	}
	if time.Until(deadline) < minLifetime {
		return xerrors.NewClient(xerrors.CodeDeadlineTooSoon, "")
	}
	return nil
}

// verifySignatures is spec §4.1 step 5: a ByServer bid must already carry
// every signature except the relayer's; a ByOther bid must carry every
// signature except the user's missing-signer set the opportunity declared.
func (v *Verifier) verifySignatures(tx *solana.Transaction, mode submitmode.Type) error {
	present := 0
	for _, sig := range tx.Signatures {
		if !bytes.Equal(sig[:], make([]byte, 64)) {
			present++
		}
	}
	required := len(tx.Message.Signers())
	missingAllowed := 1 // the relayer's own signature, added at submission time
	if mode == submitmode.ByOther {
		missingAllowed = required // searcher need not have signed at all yet
	}
	if present < required-missingAllowed {
		return xerrors.NewClient(xerrors.CodeMissingSignatures, "")
	}
	return nil
}

// simulate is spec §4.1 step 6.
func (v *Verifier) simulate(ctx context.Context, tx *solana.Transaction) error {
	outcome, err := v.sim.Simulate(ctx, tx)
	if err != nil {
		return err
	}
	if !outcome.Success {
		reason := "simulation failed"
		if len(outcome.Logs) > 0 {
			reason = outcome.Logs[len(outcome.Logs)-1]
		}
		return xerrors.NewClient(xerrors.CodeSimulationFailed, reason)
	}
	return nil
}

// checkDuplicate is spec §4.1 step 7 / invariant I1: reject a bid whose
// transaction bytes already match a live pending bid for the same key.
func (v *Verifier) checkDuplicate(create bid.Create, key permkey.Key) error {
	for _, existing := range v.repo.LivePending(key) {
		if create.Equal(existing) {
			return xerrors.NewClient(xerrors.CodeDuplicateBid, "")
		}
	}
	return nil
}
