package sealevel

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"go.sealevel.dev/emulator/pkg/sverr"
)

func randKey(seed byte) PublicKey {
	var k PublicKey
	for i := range k {
		k[i] = seed
	}
	return k
}

func TestBlobRoundTrip(t *testing.T) {
	programID := randKey(1)
	a := randKey(2)
	b := randKey(3)

	metas := []AccountMeta{
		{PublicKey: a, IsSigner: true, IsWritable: true},
		{PublicKey: b, IsSigner: false, IsWritable: true},
	}
	accounts := map[PublicKey]Account{
		a: {Lamports: 100, Data: []byte{1, 2, 3}, Owner: solana.SystemProgramID, RentEpoch: 0},
		b: {Lamports: 200, Data: []byte{4, 5, 6, 7}, Owner: solana.SystemProgramID, RentEpoch: 1},
	}

	blob, err := Build(programID, []byte{9, 9}, metas, accounts, nil)
	require.NoError(t, err)

	snap := blob.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, accounts[a].Lamports, snap[a].Lamports)
	require.Equal(t, accounts[a].Data, snap[a].Data)
	require.Equal(t, accounts[a].Owner, snap[a].Owner)
	require.Equal(t, accounts[b].Lamports, snap[b].Lamports)
	require.Equal(t, accounts[b].Data, snap[b].Data)

	require.True(t, blob.IsSigner(a))
	require.False(t, blob.IsSigner(b))
	require.True(t, blob.IsWritable(a))
	require.True(t, blob.IsWritable(b))

	require.Equal(t, []byte{9, 9}, blob.InstructionData())
	require.Equal(t, programID, blob.ProgramID())
}

func TestBlobDuplicateEncoding(t *testing.T) {
	programID := randKey(1)
	a := randKey(2)
	b := randKey(3)

	// a appears at 0 and 2; b at 1. Index 2 should back-reference index 0.
	metas := []AccountMeta{
		{PublicKey: a, IsSigner: true, IsWritable: true},
		{PublicKey: b, IsSigner: false, IsWritable: false},
		{PublicKey: a, IsSigner: true, IsWritable: false},
	}
	accounts := map[PublicKey]Account{
		a: {Lamports: 1, Data: []byte{1}},
		b: {Lamports: 2, Data: []byte{2, 2}},
	}
	blob, err := Build(programID, nil, metas, accounts, nil)
	require.NoError(t, err)

	offsets := blob.AccountOffsets()
	require.Len(t, offsets, 2, "duplicate meta must not create a second full record")

	// The account-count prefix occupies the first 8 bytes.
	buf := blob.Bytes()
	require.Equal(t, uint8(duplicateMarker), buf[8], "first occurrence of a starts with the full-record marker")

	aOffset := offsets[a]
	bOffset := offsets[b]
	require.Less(t, aOffset, bOffset)

	// Walk the wire format by hand: account-count (8 bytes), then for each
	// meta either a full record (marker + header + data + padding) or an
	// 8-byte back-reference. The third meta (a second occurrence of a)
	// must be encoded as an 8-byte back-reference equal to 0.
	cursor := 8
	fullRecordLens := map[PublicKey]int{}
	for range []PublicKey{a, b} {
		require.Equal(t, byte(duplicateMarker), buf[cursor])
		dataLen := len(accounts[pubkeyAt(buf, cursor)].Data)
		recordLen := 1 + 1 + 1 + 1 + 4 + 32 + 32 + 8 + 8 + dataLen + MaxPermittedDataIncrease
		if rem := (cursor + recordLen) % 8; rem != 0 {
			recordLen += 8 - rem
		}
		recordLen += 8 // rent epoch
		fullRecordLens[pubkeyAt(buf, cursor)] = recordLen
		cursor += recordLen
	}
	require.Equal(t, uint64(0), leU64(buf[cursor:cursor+8]), "third meta back-references index 0 (a's first occurrence)")
}

func pubkeyAt(buf []byte, headerOffset int) PublicKey {
	var k PublicKey
	copy(k[:], buf[headerOffset+8:headerOffset+8+32])
	return k
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func TestSetAccountReallocCap(t *testing.T) {
	programID := randKey(1)
	a := randKey(2)
	metas := []AccountMeta{{PublicKey: a, IsSigner: true, IsWritable: true}}
	accounts := map[PublicKey]Account{a: {Lamports: 1, Data: make([]byte, 10)}}
	blob, err := Build(programID, nil, metas, accounts, nil)
	require.NoError(t, err)

	ok := accounts[a]
	ok.Data = make([]byte, 10+MaxPermittedDataIncrease)
	require.NoError(t, blob.SetAccount(a, ok))

	tooBig := accounts[a]
	tooBig.Data = make([]byte, 10+MaxPermittedDataIncrease+1)
	require.ErrorIs(t, blob.SetAccount(a, tooBig), sverr.ErrInvalidRealloc)
}

func TestSetAccountUnknownPubkey(t *testing.T) {
	programID := randKey(1)
	a := randKey(2)
	metas := []AccountMeta{{PublicKey: a, IsSigner: true, IsWritable: true}}
	accounts := map[PublicKey]Account{a: {Lamports: 1, Data: []byte{1}}}
	blob, err := Build(programID, nil, metas, accounts, nil)
	require.NoError(t, err)

	require.ErrorIs(t, blob.SetAccount(randKey(9), Account{}), sverr.ErrUninitializedAccount)
}
