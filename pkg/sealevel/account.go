// Package sealevel implements the Sealevel-style account blob: the
// wire-stable byte layout the native program entrypoint consumes through a
// single pointer, and the typed views the validator and child runtime use
// to read and write it.
package sealevel

import (
	"github.com/gagliardetto/solana-go"
)

// PublicKey aliases the ecosystem's 32-byte public key type so account
// metas, instructions and ledger entries all share one representation.
type PublicKey = solana.PublicKey

// Account is a ledger record: lamports, opaque data, owning program,
// executable flag and rent epoch. An Account with zero Lamports is
// semantically absent.
type Account struct {
	Lamports   uint64
	Data       []byte
	Owner      PublicKey
	Executable bool
	RentEpoch  uint64
}

// IsZero reports whether the account is semantically absent.
func (a Account) IsZero() bool {
	return a.Lamports == 0
}

// Clone returns a deep copy so callers can mutate without aliasing the
// original's Data slice.
func (a Account) Clone() Account {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return Account{
		Lamports:   a.Lamports,
		Data:       data,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// AccountMeta references an account within an instruction: its pubkey and
// the signer/writable flags requested for this particular reference.
// Sequenced and positional; two metas with the same pubkey refer to the
// same backing account regardless of differing flags.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single call into a program: which accounts it touches
// and the opaque instruction payload.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}
