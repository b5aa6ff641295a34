// Package runtime is the child-process half of the emulator: the library
// a native program links against to receive invocations over a Channel
// and call back into the validator via syscalls (spec §4.3–§4.5).
//
// The Rust original drives this with two OS threads per invocation: one
// blocked on the channel's control messages, one running the program's
// FFI entrypoint and performing blocking syscalls. This port collapses
// that to goroutines: the control loop below stays free to keep pumping
// CrossProgramInvokeResult frames to whichever invoke_signed call is
// parked on a reply channel, which is all the two-thread split bought in
// the original — Send is already non-blocking and a channel receive
// parks only the calling goroutine, never a lock. See SyscallShim and
// pkg/sealevel's Blob for the rest of the aliasing contract this
// replaces.
package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/wire"
)

// EntrypointFunc is the Go-native stand-in for a statically linked
// program entrypoint symbol: instead of resolving a dlopen'd function
// pointer and handing it a raw buffer pointer, the child binary
// registers a plain Go function against a program id.
type EntrypointFunc func(shim *SyscallShim, blob *sealevel.Blob) uint64

// Program is one native program this child process implements.
type Program struct {
	ID         PublicKey
	Entrypoint EntrypointFunc
}

// Runtime owns one child<->validator Channel and drives the invocation
// loop described above.
type Runtime struct {
	channel *wire.Channel
	program Program
	logger  *zap.Logger

	stack *contextStack
	shim  *SyscallShim
}

// New constructs a Runtime over a freshly connected channel. Run sends
// the handshake frame itself; every frame it reads afterwards is decoded
// as a ValidatorMessage.
func New(channel *wire.Channel, program Program, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{
		channel: channel,
		program: program,
		logger:  logger,
		stack:   &contextStack{},
	}
	rt.shim = newSyscallShim(rt)
	return rt
}

// Run performs the handshake and then services ValidatorMessage frames
// until ctx is cancelled or the channel is shut down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.channel.Send(wire.EncodeHandshake(r.program.ID)); err != nil {
		return fmt.Errorf("runtime: sending handshake: %w", err)
	}
	go func() {
		<-ctx.Done()
		r.channel.Shutdown()
	}()

	for {
		payload, ok := r.channel.AwaitRecv()
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return r.channel.Err()
		}
		msg, err := wire.DecodeValidatorMessage(payload)
		if err != nil {
			r.logger.Error("runtime: malformed validator frame", zap.Error(err))
			continue
		}
		switch {
		case msg.Invoke != nil:
			go r.executeInvocation(msg.Invoke)
		case msg.CPIResult != nil:
			r.shim.deliverCPIResult(msg.CPIResult)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// executeInvocation runs one top-level (or self-recursive) invocation:
// build the blob, push the context, run the registered entrypoint,
// report the outcome. It never blocks Run's frame-reading loop — it is
// always launched in its own goroutine.
func (r *Runtime) executeInvocation(inv *wire.InvokeMsg) {
	wanted := make(map[PublicKey]bool, len(inv.AccountMetas))
	for _, m := range inv.AccountMetas {
		wanted[m.PublicKey] = true
	}
	blobAccounts := make(map[PublicKey]sealevel.Account, len(inv.AccountMetas))
	sysvars := make(map[PublicKey]sealevel.Account)
	for pk, acc := range inv.AccountDatas {
		if wanted[pk] {
			blobAccounts[pk] = acc
		} else {
			sysvars[pk] = acc
		}
	}

	blob, err := sealevel.Build(inv.ProgramID, inv.Instruction, inv.AccountMetas, blobAccounts, sysvars)
	if err != nil {
		r.sendLog(inv.Nonce, fmt.Sprintf("failed to materialize account blob: %v", err))
		r.sendExecuted(inv.Nonce, 1, nil)
		return
	}

	ctx := &Context{Nonce: inv.Nonce, CPIDepth: inv.CallDepth, Blob: blob}
	r.stack.push(ctx)
	r.shim.clearReturnData()

	returnCode := r.runEntrypoint(ctx)
	r.stack.pop()
	r.sendExecuted(inv.Nonce, returnCode, blob.Snapshot())
}

// runEntrypoint calls the registered program function, converting a
// panic into the same "Program panicked" log line and synthesized
// wire.ReturnCodePanicked the Rust original produced (as
// Executed{Custom(0)}) when a program faulted inside its FFI call. This
// is distinct from the generic code 1 a program's own non-zero return
// produces.
func (r *Runtime) runEntrypoint(ctx *Context) (returnCode uint64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.sendLog(ctx.Nonce, fmt.Sprintf("Program panicked: %v", rec))
			returnCode = wire.ReturnCodePanicked
		}
	}()
	return r.program.Entrypoint(r.shim, ctx.Blob)
}

func (r *Runtime) sendLog(nonce uint64, message string) {
	payload, err := wire.EncodeChildMessage(wire.ChildMessage{Log: &wire.LogMsg{Nonce: nonce, Message: message}})
	if err != nil {
		r.logger.Error("runtime: encoding log frame", zap.Error(err))
		return
	}
	if err := r.channel.Send(payload); err != nil {
		r.logger.Warn("runtime: sending log frame", zap.Error(err))
	}
}

func (r *Runtime) sendExecuted(nonce uint64, returnCode uint64, accounts map[PublicKey]sealevel.Account) {
	payload, err := wire.EncodeChildMessage(wire.ChildMessage{Executed: &wire.ExecutedMsg{
		Nonce:        nonce,
		ReturnCode:   returnCode,
		AccountDatas: accounts,
	}})
	if err != nil {
		r.logger.Error("runtime: encoding executed frame", zap.Error(err))
		return
	}
	if err := r.channel.Send(payload); err != nil {
		r.logger.Warn("runtime: sending executed frame", zap.Error(err))
	}
}

func (r *Runtime) blobProgramID(ctx *Context) PublicKey {
	return ctx.Blob.ProgramID()
}
