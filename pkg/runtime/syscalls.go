package runtime

import (
	"fmt"
	"sync"

	"go.sealevel.dev/emulator/pkg/runtime/pda"
	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/sverr"
	"go.sealevel.dev/emulator/pkg/wire"
)

// maxCPIDepth bounds recursive invoke_signed the same way the real runtime
// does, so a program that calls itself forever fails loudly instead of
// exhausting goroutine stacks.
const maxCPIDepth = 5

// cpiReply is what the control loop hands back to an invoke_signed call
// once the matching CrossProgramInvokeResult frame arrives.
type cpiReply struct {
	returnCode   uint64
	accountDatas map[PublicKey]sealevel.Account
}

type PublicKey = sealevel.PublicKey

// SyscallShim is the set of host calls a registered program function may
// make while it runs. It always operates against the top of the stack's
// context, never a context passed in explicitly — matching the native
// entrypoint's access to "whatever invocation is currently running"
// (spec §4.4, §9 "Context stack vs. re-entrancy").
type SyscallShim struct {
	rt *Runtime

	mu         sync.Mutex
	returnData struct {
		programID PublicKey
		data      []byte
		set       bool
	}

	pendingMu sync.Mutex
	pending   map[uint64]chan cpiReply
}

func newSyscallShim(rt *Runtime) *SyscallShim {
	return &SyscallShim{
		rt:      rt,
		pending: make(map[uint64]chan cpiReply),
	}
}

// Log emits one log line to the validator, which places it unchanged
// between the invocation's "Program X invoke"/"success" bookends.
func (s *SyscallShim) Log(message string) {
	ctx := s.rt.stack.top()
	s.rt.sendLog(ctx.Nonce, message)
}

// LogComputeUnits is a no-op placeholder: compute metering is out of
// scope, but programs ported from the real runtime call this routinely
// and it must not panic.
func (s *SyscallShim) LogComputeUnits() {}

// SetReturnData records return data attributed to the currently executing
// program; its length is not capped. Spec-resolved: cleared at the start
// of every invocation, overwritten (not appended) on every call.
func (s *SyscallShim) SetReturnData(data []byte) {
	ctx := s.rt.stack.top()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnData.programID = s.rt.blobProgramID(ctx)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.returnData.data = cp
	s.returnData.set = true
}

// GetReturnData returns the most recently set return data along with the
// program id that set it.
func (s *SyscallShim) GetReturnData() (PublicKey, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.returnData.set {
		return PublicKey{}, nil, false
	}
	return s.returnData.programID, s.returnData.data, true
}

func (s *SyscallShim) clearReturnData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnData.set = false
	s.returnData.data = nil
}

// GetStackHeight reports the current frame's CPI depth as sent by the
// validator: 1 for an instruction the executor dispatches directly, one
// more for each nested cross-program invocation.
func (s *SyscallShim) GetStackHeight() uint8 {
	return s.rt.stack.top().CPIDepth
}

// GetSysvar looks up a non-entrypoint account (clock, rent, ...) made
// available to this invocation.
func (s *SyscallShim) GetSysvar(pubkey PublicKey) (sealevel.Account, bool) {
	return s.rt.stack.top().Blob.Sysvar(pubkey)
}

// InvokeSigned performs a cross-program invocation, authorizing any
// account whose pubkey is derivable from signerSeeds under the currently
// executing program's own id, on top of whatever signers/writers the
// blob already carries (spec §4.4).
//
// accountInfoKeys must list, in order, the pubkeys the caller actually
// passed for ix.Accounts; a mismatch against ix.Accounts[i].PublicKey is
// treated as a malformed call, the same defensive check the native
// runtime performs before trusting an account info slice.
func (s *SyscallShim) InvokeSigned(ix sealevel.Instruction, accountInfoKeys []PublicKey, signerSeeds [][][]byte) error {
	ctx := s.rt.stack.top()
	if ctx.CPIDepth >= maxCPIDepth {
		return fmt.Errorf("runtime: max cross-program invocation depth (%d) exceeded", maxCPIDepth)
	}
	if len(accountInfoKeys) != len(ix.Accounts) {
		return fmt.Errorf("runtime: invoke_signed account info count mismatch: got %d, instruction wants %d", len(accountInfoKeys), len(ix.Accounts))
	}

	justSigned := make(map[PublicKey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := pda.CreateProgramAddress(seeds, ctx.Blob.ProgramID())
		if err != nil {
			return fmt.Errorf("runtime: invoke_signed: %w", err)
		}
		justSigned[addr] = true
	}

	outgoing := make(map[PublicKey]sealevel.Account, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		if accountInfoKeys[i] != meta.PublicKey {
			s.Log(fmt.Sprintf("Program %s invoke_signed: account info order mismatch at index %d", ctx.Blob.ProgramID(), i))
			return fmt.Errorf("runtime: invoke_signed account info order mismatch at index %d", i)
		}
		if meta.IsWritable && !ctx.Blob.IsWritable(meta.PublicKey) {
			return sverr.ErrPermissionEscalation
		}
		if meta.IsSigner && !ctx.Blob.IsSigner(meta.PublicKey) && !justSigned[meta.PublicKey] {
			return sverr.ErrMissingRequiredSignature
		}
		acc, ok := ctx.Blob.GetAccount(meta.PublicKey)
		if !ok {
			return fmt.Errorf("runtime: invoke_signed: unknown account %s", meta.PublicKey)
		}
		outgoing[meta.PublicKey] = acc
	}

	reply := make(chan cpiReply, 1)
	s.pendingMu.Lock()
	s.pending[ctx.Nonce] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ctx.Nonce)
		s.pendingMu.Unlock()
	}()

	payload, err := wire.EncodeChildMessage(wire.ChildMessage{CPI: &wire.CrossProgramInvokeMsg{
		Nonce:        ctx.Nonce,
		ProgramID:    ix.ProgramID,
		Instruction:  ix.Data,
		AccountMetas: ix.Accounts,
		AccountDatas: outgoing,
		CallDepth:    ctx.CPIDepth,
	}})
	if err != nil {
		return err
	}
	if err := s.rt.channel.Send(payload); err != nil {
		return err
	}

	result := <-reply

	for pk, acc := range result.accountDatas {
		if err := ctx.Blob.SetAccount(pk, acc); err != nil {
			return fmt.Errorf("runtime: applying cross-program invocation result: %w", err)
		}
	}
	if result.returnCode != 0 {
		// A program cannot catch a failed CPI: the whole invocation aborts.
		panic(fmt.Sprintf("cross-program invocation of %s failed with code %d", ix.ProgramID, result.returnCode))
	}
	return nil
}

// deliverCPIResult routes an arriving CrossProgramInvokeResult to whatever
// invoke_signed call is blocked waiting on it. A result for a nonce with
// no pending call is dropped with a log line — it can only mean the
// connection is being torn down mid-flight.
func (s *SyscallShim) deliverCPIResult(msg *wire.CrossProgramInvokeResultMsg) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.Nonce]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- cpiReply{returnCode: msg.ReturnCode, accountDatas: msg.AccountDatas}
}
