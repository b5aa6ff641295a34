// Package system is the built-in System Program: the one native program
// every validator hosts in-process rather than dispatching to a child
// connection (spec §4.8). Grounded on
// native_program_stubs/system_program.rs, reworked around this module's
// Account/AccountMeta types and the blob's account_datas map instead of
// a borrowed HashMap.
package system

import (
	"fmt"

	sha256simd "github.com/minio/sha256-simd"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

// MaxAccountSize caps how large CreateAccount and friends may allocate,
// independent of the blob's own growth cap (spec §4.8).
const MaxAccountSize = 10 * 1024 * 1024

// ID is the well-known system program address: 11111111111111111111111111111111.
var ID = sealevel.PublicKey{}

type codedError struct {
	code uint64
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() uint64  { return e.code }

var (
	errUnimplementedInstruction  = &codedError{code: 2, msg: "invalid instruction data"}
	errAccountAlreadyInitialized = &codedError{code: 8, msg: "account already initialized"}
	errInvalidRealloc            = &codedError{code: 12, msg: "invalid account data for realloc"}
	errMissingRequiredSignature  = &codedError{code: 7, msg: "missing required signature"}
	errInvalidSeeds              = &codedError{code: 13, msg: "provided seeds do not result in this account"}
	errNotEnoughAccountKeys      = &codedError{code: 10, msg: "not enough account keys for instruction"}
	errInsufficientFunds         = &codedError{code: 5, msg: "insufficient funds"}
	errAccountNotFound           = &codedError{code: 3, msg: "invalid account data"}
)

// Program implements caller.NativeProgram.
type Program struct{}

func New() *Program { return &Program{} }

func (p *Program) Exec(instruction []byte, metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account) error {
	ix, err := decodeInstruction(instruction)
	if err != nil {
		return err
	}

	switch {
	case ix.createAccount != nil:
		return p.createAccount(metas, accounts, ix.createAccount.Lamports, ix.createAccount.Space, ix.createAccount.Owner)
	case ix.assign != nil:
		return p.assign(metas, accounts, ix.assign.Owner)
	case ix.transfer != nil:
		return p.transfer(metas, accounts, ix.transfer.Lamports)
	case ix.createAccountWithSeed != nil:
		return p.createAccountWithSeed(metas, accounts, ix.createAccountWithSeed)
	case ix.allocate != nil:
		return p.allocate(metas, accounts, ix.allocate.Space)
	case ix.allocateWithSeed != nil:
		return p.allocateWithSeed(metas, accounts, ix.allocateWithSeed)
	case ix.assignWithSeed != nil:
		return p.assignWithSeed(metas, accounts, ix.assignWithSeed)
	case ix.transferWithSeed != nil:
		return p.transferWithSeed(metas, accounts, ix.transferWithSeed)
	default:
		return errUnimplementedInstruction
	}
}

// assertAccountMeta fetches account index i, checking it carries the
// required signer/writable flags, mirroring assert_account_meta in the
// original stub module.
func assertAccountMeta(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, i int, wantSigner, wantWritable bool) (sealevel.PublicKey, sealevel.Account, error) {
	if i >= len(metas) {
		return sealevel.PublicKey{}, sealevel.Account{}, errNotEnoughAccountKeys
	}
	meta := metas[i]
	if wantSigner && !meta.IsSigner {
		return sealevel.PublicKey{}, sealevel.Account{}, errMissingRequiredSignature
	}
	if wantWritable && !meta.IsWritable {
		return sealevel.PublicKey{}, sealevel.Account{}, errAccountNotFound
	}
	acc, ok := accounts[meta.PublicKey]
	if !ok {
		return sealevel.PublicKey{}, sealevel.Account{}, errAccountNotFound
	}
	return meta.PublicKey, acc, nil
}

func moveLamports(from *sealevel.Account, to *sealevel.Account, lamports uint64) error {
	if from.Lamports < lamports {
		return errInsufficientFunds
	}
	from.Lamports -= lamports
	to.Lamports += lamports
	return nil
}

func (p *Program) createAccount(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, lamports, space uint64, owner sealevel.PublicKey) error {
	fundingKey, funding, err := assertAccountMeta(metas, accounts, 0, true, true)
	if err != nil {
		return err
	}
	newKey, newAcc, err := assertAccountMeta(metas, accounts, 1, true, true)
	if err != nil {
		return err
	}
	if len(newAcc.Data) > 0 {
		return errAccountAlreadyInitialized
	}
	if space > MaxAccountSize {
		return errInvalidRealloc
	}
	if err := moveLamports(&funding, &newAcc, lamports); err != nil {
		return err
	}
	newAcc.Owner = owner
	newAcc.Data = make([]byte, space)

	accounts[fundingKey] = funding
	accounts[newKey] = newAcc
	return nil
}

func (p *Program) assign(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, owner sealevel.PublicKey) error {
	key, acc, err := assertAccountMeta(metas, accounts, 0, true, true)
	if err != nil {
		return err
	}
	acc.Owner = owner
	accounts[key] = acc
	return nil
}

func (p *Program) transfer(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, lamports uint64) error {
	fromKey, from, err := assertAccountMeta(metas, accounts, 0, true, true)
	if err != nil {
		return err
	}
	toKey, to, err := assertAccountMeta(metas, accounts, 1, false, true)
	if err != nil {
		return err
	}
	if err := moveLamports(&from, &to, lamports); err != nil {
		return err
	}
	accounts[fromKey] = from
	accounts[toKey] = to
	return nil
}

func (p *Program) createAccountWithSeed(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, ix *createAccountWithSeedIx) error {
	fundingKey, funding, err := assertAccountMeta(metas, accounts, 0, true, true)
	if err != nil {
		return err
	}
	newKey, newAcc, err := assertAccountMeta(metas, accounts, 1, true, false)
	if err != nil {
		return err
	}
	if ix.Base != fundingKey {
		if len(metas) < 3 || !metas[2].IsSigner {
			return errMissingRequiredSignature
		}
	}
	want, err := CreateWithSeed(ix.Base, ix.Seed, ix.Owner)
	if err != nil {
		return err
	}
	if newKey != want {
		return errInvalidSeeds
	}
	if len(newAcc.Data) > 0 {
		return errAccountAlreadyInitialized
	}
	if ix.Space > MaxAccountSize {
		return errInvalidRealloc
	}
	if err := moveLamports(&funding, &newAcc, ix.Lamports); err != nil {
		return err
	}
	newAcc.Owner = ix.Owner
	newAcc.Data = make([]byte, ix.Space)

	accounts[fundingKey] = funding
	accounts[newKey] = newAcc
	return nil
}

func (p *Program) allocate(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, space uint64) error {
	key, acc, err := assertAccountMeta(metas, accounts, 0, true, true)
	if err != nil {
		return err
	}
	if len(acc.Data) > 0 {
		return errAccountAlreadyInitialized
	}
	if space > MaxAccountSize {
		return errInvalidRealloc
	}
	acc.Data = make([]byte, space)
	accounts[key] = acc
	return nil
}

func (p *Program) allocateWithSeed(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, ix *allocateWithSeedIx) error {
	key, acc, err := assertAccountMeta(metas, accounts, 0, true, false)
	if err != nil {
		return err
	}
	if len(acc.Data) > 0 {
		return errAccountAlreadyInitialized
	}
	if ix.Space > MaxAccountSize {
		return errInvalidRealloc
	}
	if len(metas) < 2 || !metas[1].IsSigner || metas[1].PublicKey != ix.Base {
		return errMissingRequiredSignature
	}
	want, err := CreateWithSeed(ix.Base, ix.Seed, ix.Owner)
	if err != nil {
		return err
	}
	if key != want {
		return errInvalidSeeds
	}
	acc.Data = make([]byte, ix.Space)
	accounts[key] = acc
	return nil
}

func (p *Program) assignWithSeed(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, ix *assignWithSeedIx) error {
	key, acc, err := assertAccountMeta(metas, accounts, 0, true, false)
	if err != nil {
		return err
	}
	if len(metas) < 2 || !metas[1].IsSigner || metas[1].PublicKey != ix.Base {
		return errMissingRequiredSignature
	}
	want, err := CreateWithSeed(ix.Base, ix.Seed, ix.Owner)
	if err != nil {
		return err
	}
	if key != want {
		return errInvalidSeeds
	}
	acc.Owner = ix.Owner
	accounts[key] = acc
	return nil
}

func (p *Program) transferWithSeed(metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account, ix *transferWithSeedIx) error {
	fromKey, from, err := assertAccountMeta(metas, accounts, 0, true, false)
	if err != nil {
		return err
	}
	if len(metas) < 2 || !metas[1].IsSigner {
		return errMissingRequiredSignature
	}
	base := metas[1].PublicKey
	want, err := CreateWithSeed(base, ix.FromSeed, ix.FromOwner)
	if err != nil {
		return err
	}
	if fromKey != want {
		return errInvalidSeeds
	}
	toKey, to, err := assertAccountMeta(metas, accounts, 2, false, true)
	if err != nil {
		return err
	}
	if err := moveLamports(&from, &to, ix.Lamports); err != nil {
		return err
	}
	accounts[fromKey] = from
	accounts[toKey] = to
	return nil
}

// CreateWithSeed derives address = sha256(base || seed || owner), the
// same deterministic scheme Pubkey::create_with_seed uses — unlike a
// program-derived address, the result is never checked against the
// ed25519 curve.
func CreateWithSeed(base sealevel.PublicKey, seed string, owner sealevel.PublicKey) (sealevel.PublicKey, error) {
	if len(seed) > 32 {
		return sealevel.PublicKey{}, fmt.Errorf("system: seed %q longer than 32 bytes", seed)
	}
	h := sha256simd.New()
	h.Write(base[:])
	h.Write([]byte(seed))
	h.Write(owner[:])
	var out sealevel.PublicKey
	copy(out[:], h.Sum(nil))
	return out, nil
}
