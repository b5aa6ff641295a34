package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/wire"
)

func pipeChannels(t *testing.T) (*wire.Channel, *wire.Channel) {
	t.Helper()
	a, b := net.Pipe()
	return wire.New(a), wire.New(b)
}

func recvWithin(t *testing.T, c *wire.Channel, d time.Duration) []byte {
	t.Helper()
	deadline := time.After(d)
	for {
		if p, ok := c.Recv(); ok {
			return p
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRuntimeHandshakeThenInvokeThenExecuted(t *testing.T) {
	childSide, validatorSide := pipeChannels(t)
	defer childSide.Shutdown()
	defer validatorSide.Shutdown()

	var programID sealevel.PublicKey
	programID[0] = 7

	entered := make(chan struct{}, 1)
	prog := Program{
		ID: programID,
		Entrypoint: func(shim *SyscallShim, blob *sealevel.Blob) uint64 {
			shim.Log("hello from program")
			entered <- struct{}{}
			return 0
		},
	}
	rt := New(childSide, prog, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(runCtx)

	hs := recvWithin(t, validatorSide, 2*time.Second)
	gotID, err := wire.DecodeHandshake(hs)
	require.NoError(t, err)
	require.Equal(t, programID, gotID)

	var payer sealevel.PublicKey
	payer[1] = 1
	invoke := wire.InvokeMsg{
		Nonce:       1,
		ProgramID:   programID,
		Instruction: []byte{1, 2, 3},
		AccountMetas: []sealevel.AccountMeta{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
		},
		AccountDatas: map[sealevel.PublicKey]sealevel.Account{
			payer: {Lamports: 100},
		},
		CallDepth: 0,
	}
	payload, err := wire.EncodeValidatorMessage(wire.ValidatorMessage{Invoke: &invoke})
	require.NoError(t, err)
	require.NoError(t, validatorSide.Send(payload))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("entrypoint never ran")
	}

	logFrame := recvWithin(t, validatorSide, 2*time.Second)
	logMsg, err := wire.DecodeChildMessage(logFrame)
	require.NoError(t, err)
	require.NotNil(t, logMsg.Log)
	require.Equal(t, "hello from program", logMsg.Log.Message)

	execFrame := recvWithin(t, validatorSide, 2*time.Second)
	execMsg, err := wire.DecodeChildMessage(execFrame)
	require.NoError(t, err)
	require.NotNil(t, execMsg.Executed)
	require.Equal(t, uint64(0), execMsg.Executed.ReturnCode)
	require.Equal(t, uint64(100), execMsg.Executed.AccountDatas[payer].Lamports)
}

func TestRuntimeRecoversPanickingProgram(t *testing.T) {
	childSide, validatorSide := pipeChannels(t)
	defer childSide.Shutdown()
	defer validatorSide.Shutdown()

	var programID sealevel.PublicKey
	programID[0] = 9

	prog := Program{
		ID: programID,
		Entrypoint: func(shim *SyscallShim, blob *sealevel.Blob) uint64 {
			panic("bad")
		},
	}
	rt := New(childSide, prog, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(runCtx)

	recvWithin(t, validatorSide, 2*time.Second) // handshake

	invoke := wire.InvokeMsg{Nonce: 5, ProgramID: programID}
	payload, err := wire.EncodeValidatorMessage(wire.ValidatorMessage{Invoke: &invoke})
	require.NoError(t, err)
	require.NoError(t, validatorSide.Send(payload))

	logFrame := recvWithin(t, validatorSide, 2*time.Second)
	logMsg, err := wire.DecodeChildMessage(logFrame)
	require.NoError(t, err)
	require.Contains(t, logMsg.Log.Message, "Program panicked")

	execFrame := recvWithin(t, validatorSide, 2*time.Second)
	execMsg, err := wire.DecodeChildMessage(execFrame)
	require.NoError(t, err)
	require.Equal(t, wire.ReturnCodePanicked, execMsg.Executed.ReturnCode)
}
