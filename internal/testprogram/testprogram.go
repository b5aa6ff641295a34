// Package testprogram is a small native program used to exercise the
// child runtime end-to-end: say hello, mutate a small fixed-size state
// account, and recurse through invoke_signed before doing so. Grounded
// on original_source/test-program (entrypoint.rs/instruction.rs/
// processor.rs/state.rs), reworked as a registered Go entrypoint instead
// of a cdylib.
package testprogram

import (
	"encoding/binary"
	"fmt"

	"go.sealevel.dev/emulator/pkg/runtime"
	"go.sealevel.dev/emulator/pkg/sealevel"
)

const (
	instrHelloWorld uint8 = iota
	instrIncrementNumber
	instrRecurseThenIncrementNumber
)

// State mirrors TestProgramState: two packed u64 counters.
type State struct {
	Property1 uint64
	Property2 uint64
}

func decodeState(data []byte) State {
	if len(data) < 16 {
		return State{}
	}
	return State{
		Property1: binary.LittleEndian.Uint64(data[0:8]),
		Property2: binary.LittleEndian.Uint64(data[8:16]),
	}
}

func (s State) encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], s.Property1)
	binary.LittleEndian.PutUint64(buf[8:16], s.Property2)
	return buf
}

// Entrypoint is registered with pkg/runtime as this program's
// EntrypointFunc.
func Entrypoint(shim *runtime.SyscallShim, blob *sealevel.Blob) uint64 {
	data := blob.InstructionData()
	if len(data) == 0 {
		shim.Log("testprogram: empty instruction data")
		return 1
	}
	offsets := blob.AccountOffsets()
	_ = offsets // unused here; testStateKey reads the account_offsets side index itself

	switch data[0] {
	case instrHelloWorld:
		shim.Log("ix: HelloWorld")
		return 0
	case instrIncrementNumber:
		if len(data) < 9 {
			return 1
		}
		amount := binary.LittleEndian.Uint64(data[1:9])
		return incrementNumber(shim, blob, amount)
	case instrRecurseThenIncrementNumber:
		if len(data) < 10 {
			return 1
		}
		depth := data[1]
		amount := binary.LittleEndian.Uint64(data[2:10])
		return recurseThenIncrement(shim, blob, depth, amount)
	default:
		shim.Log("testprogram: unknown instruction")
		return 1
	}
}

func testStateKey(blob *sealevel.Blob) (sealevel.PublicKey, bool) {
	for pk := range blob.AccountOffsets() {
		return pk, true
	}
	return sealevel.PublicKey{}, false
}

func incrementNumber(shim *runtime.SyscallShim, blob *sealevel.Blob, amount uint64) uint64 {
	shim.Log("ix: IncrementNumber")
	key, ok := testStateKey(blob)
	if !ok {
		shim.Log("testprogram: missing test_account")
		return 1
	}
	acc, ok := blob.GetAccount(key)
	if !ok {
		return 1
	}
	state := decodeState(acc.Data)
	shim.Log(fmt.Sprintf("Old test_state: %+v", state))
	state.Property1 += amount
	state.Property2 += amount * 2
	shim.Log(fmt.Sprintf("New test_state: %+v", state))
	acc.Data = state.encode()
	if err := blob.SetAccount(key, acc); err != nil {
		shim.Log(fmt.Sprintf("testprogram: %v", err))
		return 1
	}
	return 0
}

func recurseThenIncrement(shim *runtime.SyscallShim, blob *sealevel.Blob, depth uint8, amount uint64) uint64 {
	shim.Log(fmt.Sprintf("cur depth: %d", depth))
	key, ok := testStateKey(blob)
	if !ok {
		return 1
	}

	var sub []byte
	if depth == 0 {
		sub = make([]byte, 9)
		sub[0] = instrIncrementNumber
		binary.LittleEndian.PutUint64(sub[1:9], amount)
	} else {
		sub = make([]byte, 10)
		sub[0] = instrRecurseThenIncrementNumber
		sub[1] = depth - 1
		binary.LittleEndian.PutUint64(sub[2:10], amount)
	}

	ix := sealevel.Instruction{
		ProgramID: blob.ProgramID(),
		Accounts: []sealevel.AccountMeta{
			{PublicKey: key, IsSigner: false, IsWritable: true},
		},
		Data: sub,
	}
	if err := shim.InvokeSigned(ix, []sealevel.PublicKey{key}, nil); err != nil {
		shim.Log(fmt.Sprintf("testprogram: recursion failed: %v", err))
		return 1
	}
	return 0
}
