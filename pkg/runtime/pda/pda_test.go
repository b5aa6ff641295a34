package pda

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

func TestFindProgramAddressIsDeterministicAndOffCurve(t *testing.T) {
	var programID sealevel.PublicKey
	programID[0] = 42

	addr1, bump1, err := FindProgramAddress([][]byte{[]byte("vault")}, programID)
	require.NoError(t, err)

	addr2, bump2, err := FindProgramAddress([][]byte{[]byte("vault")}, programID)
	require.NoError(t, err)

	require.Equal(t, addr1, addr2)
	require.Equal(t, bump1, bump2)

	// CreateProgramAddress with the discovered bump must reproduce it.
	direct, err := CreateProgramAddress([][]byte{[]byte("vault"), {bump1}}, programID)
	require.NoError(t, err)
	require.Equal(t, addr1, direct)
}

func TestCreateProgramAddressRejectsOversizedSeed(t *testing.T) {
	var programID sealevel.PublicKey
	_, err := CreateProgramAddress([][]byte{make([]byte, 33)}, programID)
	require.ErrorIs(t, err, ErrMaxSeedLengthExceeded)
}
