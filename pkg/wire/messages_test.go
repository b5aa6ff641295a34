package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var pk PublicKey
	pk[0] = 0xAB
	payload := EncodeHandshake(pk)
	require.Len(t, payload, 32)
	got, err := DecodeHandshake(payload)
	require.NoError(t, err)
	require.Equal(t, pk, got)
}

func TestChildMessageRoundTrip(t *testing.T) {
	msg := ChildMessage{Log: &LogMsg{Nonce: 42, Message: "hi"}}
	payload, err := EncodeChildMessage(msg)
	require.NoError(t, err)
	got, err := DecodeChildMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Log)
	require.Equal(t, uint64(42), got.Log.Nonce)
	require.Equal(t, "hi", got.Log.Message)

	var pk PublicKey
	pk[1] = 7
	exec := ChildMessage{Executed: &ExecutedMsg{
		Nonce:      7,
		ReturnCode: 0,
		AccountDatas: map[PublicKey]sealevel.Account{
			pk: {Lamports: 5, Data: []byte{1, 2, 3}},
		},
	}}
	payload, err = EncodeChildMessage(exec)
	require.NoError(t, err)
	got, err = DecodeChildMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Executed)
	require.Equal(t, uint64(7), got.Executed.Nonce)
	require.Equal(t, []byte{1, 2, 3}, got.Executed.AccountDatas[pk].Data)
}

func TestValidatorMessageRoundTrip(t *testing.T) {
	var programID, acctKey PublicKey
	programID[0] = 1
	acctKey[0] = 2

	msg := ValidatorMessage{Invoke: &InvokeMsg{
		Nonce:       3,
		ProgramID:   programID,
		Instruction: []byte{9},
		AccountMetas: []sealevel.AccountMeta{
			{PublicKey: acctKey, IsSigner: true, IsWritable: true},
		},
		AccountDatas: map[PublicKey]sealevel.Account{
			acctKey: {Lamports: 10},
		},
		CallDepth: 1,
	}}
	payload, err := EncodeValidatorMessage(msg)
	require.NoError(t, err)
	got, err := DecodeValidatorMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Invoke)
	require.Equal(t, programID, got.Invoke.ProgramID)
	require.Equal(t, []byte{9}, got.Invoke.Instruction)
	require.Len(t, got.Invoke.AccountMetas, 1)
	require.Equal(t, uint8(1), got.Invoke.CallDepth)
}
