// Package pda derives program-derived addresses the same way the real
// Sealevel runtime does: sha256(seeds || program_id || "ProgramDerivedAddress"),
// rejected if the result happens to land on the ed25519 curve. Used by the
// syscall shim's invoke_signed to compute the just-signed pubkey set
// (spec §4.4 step 1). The built-in system program's *WithSeed
// instructions do not use this package; they derive addresses with
// system.CreateWithSeed, which has no curve check.
package pda

import (
	"errors"

	"filippo.io/edwards25519"
	sha256simd "github.com/minio/sha256-simd"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

const (
	maxSeeds    = 16
	maxSeedLen  = 32
	marker      = "ProgramDerivedAddress"
)

var (
	ErrMaxSeedLengthExceeded = errors.New("pda: seed longer than 32 bytes")
	ErrTooManySeeds          = errors.New("pda: more than 16 seeds")
	ErrOnCurve               = errors.New("pda: derived address lies on the ed25519 curve")
	ErrNoViableBump          = errors.New("pda: no off-curve bump seed found")
)

// CreateProgramAddress derives the address for one fixed set of seeds. It
// fails with ErrOnCurve if the result is a valid ed25519 point (real
// PDAs, by construction, are not).
func CreateProgramAddress(seeds [][]byte, programID sealevel.PublicKey) (sealevel.PublicKey, error) {
	var out sealevel.PublicKey
	if len(seeds) > maxSeeds {
		return out, ErrTooManySeeds
	}
	h := sha256simd.New()
	for _, s := range seeds {
		if len(s) > maxSeedLen {
			return out, ErrMaxSeedLengthExceeded
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(marker))
	sum := h.Sum(nil)
	copy(out[:], sum)

	if _, err := new(edwards25519.Point).SetBytes(sum); err == nil {
		return out, ErrOnCurve
	}
	return out, nil
}

// FindProgramAddress searches bump seeds from 255 down to 0 for the first
// off-curve address, as Solana's PDA bump-search does.
func FindProgramAddress(seeds [][]byte, programID sealevel.PublicKey) (sealevel.PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		withBump := make([][]byte, len(seeds)+1)
		copy(withBump, seeds)
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return sealevel.PublicKey{}, 0, err
		}
	}
	return sealevel.PublicKey{}, 0, ErrNoViableBump
}
