package simulator

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"github.com/expressrelay/auctionengine/internal/chainrpc"
)

// BalanceVM is the default VM. It does not execute program bytecode — that
// would require a real SVM interpreter, which spec §9's Open Questions
// explicitly leaves out of scope for this port, the same gap
// auctionable.rs's own TODO names for the original service. Instead, for
// System Program transfers it can decode, it checks that the source
// account's lamports would not go negative; every transaction that passes
// that check is then sent to the chain's own simulateTransaction RPC. It
// does not check that referenced writable accounts are present.
type BalanceVM struct {
	client chainrpc.Client
}

func NewBalanceVM(client chainrpc.Client) *BalanceVM {
	return &BalanceVM{client: client}
}

const systemProgramTransferTag = uint32(2)

func (v *BalanceVM) Execute(ctx context.Context, tx *solana.Transaction, accounts map[solana.PublicKey]*chainrpc.AccountInfo) (*Outcome, error) {
	if err := v.checkLamportConservation(tx, accounts); err != nil {
		return &Outcome{Success: false, Logs: []string{err.Error()}}, nil
	}

	outcome, err := v.client.SimulateTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Success:       outcome.Err == nil,
		Logs:          outcome.Logs,
		UnitsConsumed: outcome.UnitsConsumed,
	}, nil
}

// checkLamportConservation decodes bare System Program transfer
// instructions and rejects the candidate locally when the source account's
// known balance cannot cover the requested amount, avoiding a round trip
// to simulateTransaction for the candidates it rejects (spec §4.8: "a local
// structural check before falling back to the RPC").
func (v *BalanceVM) checkLamportConservation(tx *solana.Transaction, accounts map[solana.PublicKey]*chainrpc.AccountInfo) error {
	for _, ix := range tx.Message.Instructions {
		programIdx := int(ix.ProgramIDIndex)
		if programIdx >= len(tx.Message.AccountKeys) {
			continue
		}
		if !tx.Message.AccountKeys[programIdx].Equals(solana.SystemProgramID) {
			continue
		}
		if len(ix.Data) < 12 || len(ix.Accounts) < 2 {
			continue
		}
		tag := uint32(ix.Data[0]) | uint32(ix.Data[1])<<8 | uint32(ix.Data[2])<<16 | uint32(ix.Data[3])<<24
		if tag != systemProgramTransferTag {
			continue
		}
		amount := uint256.NewInt(0).SetBytes(reverse(ix.Data[4:12]))

		sourceIdx := ix.Accounts[0]
		if int(sourceIdx) >= len(tx.Message.AccountKeys) {
			continue
		}
		source := tx.Message.AccountKeys[sourceIdx]
		acc, ok := accounts[source]
		if !ok {
			continue
		}
		balance := uint256.NewInt(acc.Lamports)
		if balance.Lt(amount) {
			return insufficientFundsErr{account: source}
		}
	}
	return nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

type insufficientFundsErr struct{ account solana.PublicKey }

func (e insufficientFundsErr) Error() string {
	return "insufficient lamports in " + e.account.String()
}
