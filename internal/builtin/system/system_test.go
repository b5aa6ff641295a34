package system

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

func encodeCreateAccount(lamports, space uint64, owner sealevel.PublicKey) []byte {
	buf := make([]byte, 4+8+8+32)
	binary.LittleEndian.PutUint32(buf[0:4], instrCreateAccount)
	binary.LittleEndian.PutUint64(buf[4:12], lamports)
	binary.LittleEndian.PutUint64(buf[12:20], space)
	copy(buf[20:52], owner[:])
	return buf
}

func encodeTransfer(lamports uint64) []byte {
	buf := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(buf[0:4], instrTransfer)
	binary.LittleEndian.PutUint64(buf[4:12], lamports)
	return buf
}

func TestCreateAccountMovesLamportsAndAssignsOwner(t *testing.T) {
	var funder, newAcct, owner sealevel.PublicKey
	funder[0] = 1
	newAcct[0] = 2
	owner[0] = 3

	accounts := map[sealevel.PublicKey]sealevel.Account{
		funder:   {Lamports: 1000},
		newAcct:  {},
	}
	metas := []sealevel.AccountMeta{
		{PublicKey: funder, IsSigner: true, IsWritable: true},
		{PublicKey: newAcct, IsSigner: true, IsWritable: true},
	}

	p := New()
	err := p.Exec(encodeCreateAccount(100, 16, owner), metas, accounts)
	require.NoError(t, err)
	require.Equal(t, uint64(900), accounts[funder].Lamports)
	require.Equal(t, uint64(100), accounts[newAcct].Lamports)
	require.Equal(t, owner, accounts[newAcct].Owner)
	require.Len(t, accounts[newAcct].Data, 16)
}

func TestCreateAccountRejectsAlreadyInitialized(t *testing.T) {
	var funder, newAcct, owner sealevel.PublicKey
	accounts := map[sealevel.PublicKey]sealevel.Account{
		funder:  {Lamports: 1000},
		newAcct: {Data: []byte{1}},
	}
	metas := []sealevel.AccountMeta{
		{PublicKey: funder, IsSigner: true, IsWritable: true},
		{PublicKey: newAcct, IsSigner: true, IsWritable: true},
	}
	p := New()
	err := p.Exec(encodeCreateAccount(1, 1, owner), metas, accounts)
	require.ErrorIs(t, err, errAccountAlreadyInitialized)
}

func TestTransferInsufficientFunds(t *testing.T) {
	var from, to sealevel.PublicKey
	from[0] = 9
	to[0] = 10
	accounts := map[sealevel.PublicKey]sealevel.Account{
		from: {Lamports: 5},
		to:   {Lamports: 0},
	}
	metas := []sealevel.AccountMeta{
		{PublicKey: from, IsSigner: true, IsWritable: true},
		{PublicKey: to, IsSigner: false, IsWritable: true},
	}
	p := New()
	err := p.Exec(encodeTransfer(10), metas, accounts)
	require.ErrorIs(t, err, errInsufficientFunds)
}

func TestCreateWithSeedIsDeterministic(t *testing.T) {
	var base, owner sealevel.PublicKey
	base[0] = 1
	owner[0] = 2
	a, err := CreateWithSeed(base, "vault", owner)
	require.NoError(t, err)
	b, err := CreateWithSeed(base, "vault", owner)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
