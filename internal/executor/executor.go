// Package executor is the Instruction Executor (spec §4.7): the
// validator-side per-transaction orchestrator. Grounded on
// debug_ledger.rs's execute_instructions/execute_instruction.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.sealevel.dev/emulator/internal/caller"
	"go.sealevel.dev/emulator/internal/ledger"
	"go.sealevel.dev/emulator/internal/metrics"
	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/sverr"
)

const feePerSigner = 5000

// Executor ties the ledger and the Program Caller together to run one
// transaction at a time (spec Non-goals exclude multi-transaction
// parallelism, so there is no per-transaction locking here beyond what
// the ledger itself serializes).
type Executor struct {
	ledger  *ledger.Ledger
	caller  *caller.Caller
	metrics *metrics.Metrics
}

func New(l *ledger.Ledger, c *caller.Caller) *Executor {
	return &Executor{ledger: l, caller: c}
}

// SetMetrics installs m so Execute can record per-instruction dispatch
// latency. Safe to leave unset (e.g. in tests).
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Result is what Execute reports back to the RPC-facing collaborator.
type Result struct {
	Accounts map[sealevel.PublicKey]sealevel.Account
	Logs     []string
}

// Execute runs instructions as one transaction under feePayer, deducting
// 5000 lamports per unique signer up front, then committing (or
// discarding) the net account diff.
func (e *Executor) Execute(
	ctx context.Context,
	feePayer sealevel.PublicKey,
	instructions []sealevel.Instruction,
	commitChanges bool,
) (Result, error) {
	uniqueSigners := map[sealevel.PublicKey]bool{feePayer: true}
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			if m.IsSigner {
				uniqueSigners[m.PublicKey] = true
			}
		}
	}

	loaded := make(map[sealevel.PublicKey]sealevel.Account)
	loadOnce := func(pk sealevel.PublicKey) error {
		if _, ok := loaded[pk]; ok {
			return nil
		}
		acc, err := e.ledger.ReadAccount(pk)
		if err != nil {
			return err
		}
		loaded[pk] = acc
		return nil
	}
	if err := loadOnce(feePayer); err != nil {
		return Result{}, err
	}
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			if err := loadOnce(m.PublicKey); err != nil {
				return Result{}, err
			}
		}
	}

	working := make(map[sealevel.PublicKey]sealevel.Account, len(loaded))
	for k, v := range loaded {
		working[k] = v.Clone()
	}

	fee := feePerSigner * uint64(len(uniqueSigners))
	payer := working[feePayer]
	if payer.Lamports < fee {
		return Result{}, sverr.ErrInsufficientFee
	}
	payer.Lamports -= fee
	working[feePayer] = payer

	var logs []string
	for i, ix := range instructions {
		subset := make(map[sealevel.PublicKey]sealevel.Account, len(ix.Accounts)+2)
		for pk, acc := range e.ledger.Sysvars() {
			subset[pk] = acc
		}
		for _, m := range ix.Accounts {
			subset[m.PublicKey] = working[m.PublicKey]
		}

		start := time.Now()
		returnCode, ixLogs, resultAccounts, err := e.caller.CallProgram(ctx, ix.ProgramID, ix.Data, ix.Accounts, subset, 1)
		if e.metrics != nil {
			e.metrics.ObserveLatency(time.Since(start))
		}
		if err != nil {
			return Result{}, err
		}
		logs = append(logs, ixLogs...)

		for _, m := range ix.Accounts {
			if acc, ok := resultAccounts[m.PublicKey]; ok {
				working[m.PublicKey] = acc
			}
		}

		if returnCode != 0 {
			// Abort without touching the ledger at all: no partial writes.
			return Result{}, &sverr.InstructionExecError{
				Index:      i,
				ReturnCode: returnCode,
				ProgramErr: fmt.Errorf("instruction %d of program %s returned code %d", i, ix.ProgramID, returnCode),
				Logs:       logs,
			}
		}
	}

	edited := make(map[sealevel.PublicKey]sealevel.Account)
	for pk, before := range loaded {
		after := working[pk]
		if !accountsEqual(before, after) {
			edited[pk] = after
		}
	}

	if commitChanges {
		for pk, acc := range edited {
			if err := e.ledger.SaveAccount(pk, acc); err != nil {
				return Result{}, err
			}
		}
		if err := e.ledger.CommitBlock(logs, false); err != nil {
			return Result{}, err
		}
	}

	return Result{Accounts: edited, Logs: logs}, nil
}

func accountsEqual(a, b sealevel.Account) bool {
	if a.Lamports != b.Lamports || a.Owner != b.Owner || a.Executable != b.Executable || a.RentEpoch != b.RentEpoch {
		return false
	}
	if len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}
