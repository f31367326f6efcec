// Package permkey implements the 65-byte Solana permission key described
// in spec §3: instruction_tag(1) || router(32) || permission_account(32).
package permkey

import (
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Size is the wire length of a permission key in bytes.
const Size = 65

// InstructionType is the discriminator carried in the first byte.
type InstructionType uint8

const (
	SubmitBid InstructionType = 0
	Swap      InstructionType = 1
)

func (t InstructionType) String() string {
	switch t {
	case SubmitBid:
		return "submit_bid"
	case Swap:
		return "swap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Key is the immutable identifier of the auction slot a bid competes in.
type Key [Size]byte

// New builds a permission key from its three components.
func New(instr InstructionType, router, permissionAccount solana.PublicKey) Key {
	var k Key
	k[0] = byte(instr)
	copy(k[1:33], router[:])
	copy(k[33:65], permissionAccount[:])
	return k
}

func (k Key) InstructionType() InstructionType { return InstructionType(k[0]) }

func (k Key) Router() solana.PublicKey {
	var pk solana.PublicKey
	copy(pk[:], k[1:33])
	return pk
}

func (k Key) PermissionAccount() solana.PublicKey {
	var pk solana.PublicKey
	copy(pk[:], k[33:65])
	return pk
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// HasRouterPrefix reports whether k's router component equals router — used
// by the submission-mode resolver (spec §4.3) to detect the wallet-router
// sentinel.
func (k Key) HasRouterPrefix(router solana.PublicKey) bool {
	return k.Router().Equals(router)
}

// FromBytes parses a wire-format permission key, failing if it is not
// exactly Size bytes.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("permission key must be %d bytes, got %d", Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}
