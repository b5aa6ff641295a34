// Package sverr collects the enumerated error kinds this emulator's
// components propagate across the validator/child boundary (spec §7).
// Each is a sentinel error; wrap with fmt.Errorf("...: %w", ...) at call
// sites and unwrap with errors.Is.
package sverr

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors.
	ErrMissingInitialMint = errors.New("missing initial-mint setup on fresh ledger")

	// Decode errors.
	ErrMalformedFrame = errors.New("malformed frame payload")

	// Transaction errors.
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientFee     = errors.New("insufficient funds for fee")
	ErrSanitizeFailed      = errors.New("transaction failed sanitize checks")
	ErrSignatureFailure    = errors.New("transaction signature verification failed")
	ErrUnknownProgram      = errors.New("program id is neither a registered child nor a built-in")

	// Runtime control.
	ErrStopping                = errors.New("stopping")
	ErrProgramClosedConnection = errors.New("program closed connection")

	// Integrity errors (propagated to the entrypoint as program errors).
	ErrInvalidRealloc          = errors.New("invalid realloc: account grown past MAX_PERMITTED_DATA_INCREASE")
	ErrUninitializedAccount    = errors.New("uninitialized account: pubkey not present in this invocation's blob")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrPermissionEscalation    = errors.New("cross-program invocation requested more permissions than the caller frame holds")
)

// InstructionExecError is returned when a transaction's instruction at
// Index returns a non-zero program result. The transaction aborts without
// committing; Logs holds everything accumulated up to and including the
// failing instruction.
type InstructionExecError struct {
	Index       int
	ReturnCode  uint64
	ProgramErr  error
	Logs        []string
}

func (e *InstructionExecError) Error() string {
	if e.ProgramErr != nil {
		return fmt.Sprintf("instruction %d failed: %v", e.Index, e.ProgramErr)
	}
	return fmt.Sprintf("instruction %d failed with code %d", e.Index, e.ReturnCode)
}

func (e *InstructionExecError) Unwrap() error { return e.ProgramErr }
