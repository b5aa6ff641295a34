package executor

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.sealevel.dev/emulator/internal/builtin/system"
	"go.sealevel.dev/emulator/internal/caller"
	"go.sealevel.dev/emulator/internal/ledger"
	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/sverr"
)

func encodeTransfer(lamports uint64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 2) // system.instrTransfer
	binary.LittleEndian.PutUint64(buf[4:12], lamports)
	return buf
}

func newTestExecutor(t *testing.T, mintLamports uint64) (*Executor, sealevel.PublicKey) {
	t.Helper()
	var mint sealevel.PublicKey
	mint[0] = 0xAA

	c := caller.New(nil, nil)
	c.RegisterNative(system.ID, system.New())

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"), c.HasProgram, &ledger.InitialMint{
		Pubkey:   mint,
		Lamports: mintLamports,
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	return New(l, c), mint
}

func TestExecuteTransferDeductsFeeAndMovesLamports(t *testing.T) {
	e, mint := newTestExecutor(t, 1_000_000)

	var to sealevel.PublicKey
	to[0] = 0xBB

	ix := sealevel.Instruction{
		ProgramID: system.ID,
		Accounts: []sealevel.AccountMeta{
			{PublicKey: mint, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsSigner: false, IsWritable: true},
		},
		Data: encodeTransfer(1000),
	}

	result, err := e.Execute(context.Background(), mint, []sealevel.Instruction{ix}, true)
	require.NoError(t, err)

	toAcc, ok := result.Accounts[to]
	require.True(t, ok)
	require.Equal(t, uint64(1000), toAcc.Lamports)

	mintAcc, err := e.ledger.ReadAccount(mint)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000-feePerSigner-1000), mintAcc.Lamports)
}

func TestExecuteInsufficientFee(t *testing.T) {
	e, mint := newTestExecutor(t, 100)

	ix := sealevel.Instruction{
		ProgramID: system.ID,
		Accounts: []sealevel.AccountMeta{
			{PublicKey: mint, IsSigner: true, IsWritable: true},
		},
		Data: encodeTransfer(1),
	}

	_, err := e.Execute(context.Background(), mint, []sealevel.Instruction{ix}, true)
	require.ErrorIs(t, err, sverr.ErrInsufficientFee)
}

func TestExecuteAbortsWithoutCommittingOnInstructionError(t *testing.T) {
	e, mint := newTestExecutor(t, 1_000_000)

	var to sealevel.PublicKey
	to[0] = 0xCC

	ix := sealevel.Instruction{
		ProgramID: system.ID,
		Accounts: []sealevel.AccountMeta{
			{PublicKey: mint, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsSigner: false, IsWritable: true},
		},
		Data: encodeTransfer(10_000_000), // more than the mint holds after fees
	}

	_, err := e.Execute(context.Background(), mint, []sealevel.Instruction{ix}, true)
	require.Error(t, err)

	mintAcc, readErr := e.ledger.ReadAccount(mint)
	require.NoError(t, readErr)
	require.Equal(t, uint64(1_000_000), mintAcc.Lamports) // untouched: the fee deduction was never committed
}
