package sealevel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.sealevel.dev/emulator/pkg/sverr"
)

// MaxPermittedDataIncrease is the maximum number of bytes a single
// invocation may grow an account's data by. Mirrors the real Sealevel
// runtime's MAX_PERMITTED_DATA_INCREASE and the growth-room reserved by
// the blob layout (spec §3).
const MaxPermittedDataIncrease = 10 * 1024

// duplicateMarker is the sentinel byte that, in place of a back-reference
// index, says "this is a full account record, not a duplicate".
const duplicateMarker = 0xFF

// entry records where one account's full record lives inside the blob, so
// Get/Set never have to re-derive offsets from the header's own fields.
type entry struct {
	headerOffset   int // offset of the 0xFF marker byte
	dataOffset     int // offset of the first data byte
	originalLen    uint32
	paddingLen     int // MaxPermittedDataIncrease + alignment pad, reserved after data
	rentEpochOff   int
}

// Blob is the packed byte buffer described in spec §3: one contiguous
// region holding every account's header+data, the instruction payload and
// the program id, laid out exactly as the native entrypoint expects it.
//
// Blob pins its backing buffer for the lifetime of an invocation: once
// Build returns, the buffer's address must not change, since the
// entrypoint (and, in this Go port, the registered program function) is
// handed a pointer into it. See Bytes and the package doc in
// pkg/runtime for the full aliasing contract.
type Blob struct {
	buf            []byte
	programID      PublicKey
	instrOffset    int
	instrLen       int
	entries        map[PublicKey]*entry
	order          []PublicKey // first-occurrence order, for duplicate back-references
	nonEntrypoint  map[PublicKey]Account
}

// Build constructs the blob for one invocation. accounts must contain an
// entry for every distinct pubkey referenced by metas. sysvars holds
// accounts made available to syscalls (e.g. clock, rent) but never placed
// in the blob itself — they are not entrypoint inputs.
func Build(programID PublicKey, instruction []byte, metas []AccountMeta, accounts map[PublicKey]Account, sysvars map[PublicKey]Account) (*Blob, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(metas)*256 + len(instruction) + 40)

	if err := binary.Write(buf, binary.LittleEndian, uint64(len(metas))); err != nil {
		return nil, err
	}

	firstIndex := make(map[PublicKey]int, len(metas))
	entries := make(map[PublicKey]*entry, len(metas))
	order := make([]PublicKey, 0, len(metas))

	for i, meta := range metas {
		if j, ok := firstIndex[meta.PublicKey]; ok {
			if err := binary.Write(buf, binary.LittleEndian, uint64(j)); err != nil {
				return nil, err
			}
			continue
		}
		acc, ok := accounts[meta.PublicKey]
		if !ok {
			return nil, fmt.Errorf("sealevel: no account data supplied for meta %s", meta.PublicKey)
		}
		firstIndex[meta.PublicKey] = i
		order = append(order, meta.PublicKey)

		headerOffset := buf.Len()
		buf.WriteByte(duplicateMarker)
		buf.WriteByte(boolByte(meta.IsSigner))
		buf.WriteByte(boolByte(meta.IsWritable))
		buf.WriteByte(boolByte(acc.Executable))
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(acc.Data))); err != nil {
			return nil, err
		}
		buf.Write(meta.PublicKey[:])
		buf.Write(acc.Owner[:])
		if err := binary.Write(buf, binary.LittleEndian, acc.Lamports); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, uint64(len(acc.Data))); err != nil {
			return nil, err
		}
		dataOffset := buf.Len()
		buf.Write(acc.Data)

		buf.Write(make([]byte, MaxPermittedDataIncrease))
		if rem := buf.Len() % 8; rem != 0 {
			buf.Write(make([]byte, 8-rem))
		}
		rentEpochOff := buf.Len()
		if err := binary.Write(buf, binary.LittleEndian, acc.RentEpoch); err != nil {
			return nil, err
		}

		entries[meta.PublicKey] = &entry{
			headerOffset: headerOffset,
			dataOffset:   dataOffset,
			originalLen:  uint32(len(acc.Data)),
			paddingLen:   rentEpochOff - (dataOffset + len(acc.Data)),
			rentEpochOff: rentEpochOff,
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, uint64(len(instruction))); err != nil {
		return nil, err
	}
	instrOffset := buf.Len()
	buf.Write(instruction)
	buf.Write(programID[:])

	ns := make(map[PublicKey]Account, len(sysvars))
	for k, v := range sysvars {
		ns[k] = v.Clone()
	}

	return &Blob{
		buf:           buf.Bytes(),
		programID:     programID,
		instrOffset:   instrOffset,
		instrLen:      len(instruction),
		entries:       entries,
		order:         order,
		nonEntrypoint: ns,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Bytes returns the raw backing buffer. Callers that hand it to a foreign
// entrypoint must not let the Blob (and this slice) be garbage collected
// or reallocated while that call is in flight.
func (b *Blob) Bytes() []byte { return b.buf }

// ProgramID returns the program this invocation targets.
func (b *Blob) ProgramID() PublicKey { return b.programID }

// InstructionData returns the instruction payload as serialized into the
// blob.
func (b *Blob) InstructionData() []byte {
	return b.buf[b.instrOffset : b.instrOffset+b.instrLen]
}

// AccountOffsets returns the header byte-offset of every account present
// in the blob, per the side index described in spec §3.
func (b *Blob) AccountOffsets() map[PublicKey]int {
	out := make(map[PublicKey]int, len(b.entries))
	for k, e := range b.entries {
		out[k] = e.headerOffset
	}
	return out
}

// GetAccount reads the current header+data for pubkey out of the blob.
func (b *Blob) GetAccount(pubkey PublicKey) (Account, bool) {
	e, ok := b.entries[pubkey]
	if !ok {
		return Account{}, false
	}
	return b.readEntry(e), true
}

func (b *Blob) readEntry(e *entry) Account {
	h := b.buf[e.headerOffset:]
	executable := h[3] != 0
	dataLen := binary.LittleEndian.Uint64(b.buf[e.dataOffset-8 : e.dataOffset])
	lamports := binary.LittleEndian.Uint64(b.buf[e.dataOffset-16 : e.dataOffset-8])
	owner := PublicKey{}
	copy(owner[:], b.buf[e.dataOffset-16-32:e.dataOffset-16])
	data := make([]byte, dataLen)
	copy(data, b.buf[e.dataOffset:e.dataOffset+int(dataLen)])
	rentEpoch := binary.LittleEndian.Uint64(b.buf[e.rentEpochOff : e.rentEpochOff+8])
	return Account{
		Lamports:   lamports,
		Data:       data,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  rentEpoch,
	}
}

// SetAccount writes an updated account back into the blob. It enforces
// the realloc cap (spec §8 "Realloc cap") and fails with ErrInvalidRealloc
// on overgrowth, ErrUninitializedAccount if pubkey was never part of this
// blob.
func (b *Blob) SetAccount(pubkey PublicKey, acc Account) error {
	e, ok := b.entries[pubkey]
	if !ok {
		return sverr.ErrUninitializedAccount
	}
	newLen := len(acc.Data)
	if uint32(newLen) > e.originalLen+MaxPermittedDataIncrease {
		return sverr.ErrInvalidRealloc
	}

	h := b.buf[e.headerOffset:]
	h[3] = boolByte(acc.Executable)

	binary.LittleEndian.PutUint64(b.buf[e.dataOffset-16:e.dataOffset-8], acc.Lamports)
	copy(b.buf[e.dataOffset-16-32:e.dataOffset-16], acc.Owner[:])
	binary.LittleEndian.PutUint64(b.buf[e.dataOffset-8:e.dataOffset], uint64(newLen))
	copy(b.buf[e.dataOffset:e.dataOffset+newLen], acc.Data)
	binary.LittleEndian.PutUint64(b.buf[e.rentEpochOff:e.rentEpochOff+8], acc.RentEpoch)
	return nil
}

// IsWritable reports whether pubkey was marked writable for this
// invocation. Executable accounts are never writable regardless of the
// meta flag.
func (b *Blob) IsWritable(pubkey PublicKey) bool {
	e, ok := b.entries[pubkey]
	if !ok {
		return false
	}
	h := b.buf[e.headerOffset:]
	return h[2] != 0 && h[3] == 0
}

// IsSigner reports whether pubkey signed this invocation.
func (b *Blob) IsSigner(pubkey PublicKey) bool {
	e, ok := b.entries[pubkey]
	if !ok {
		return false
	}
	return b.buf[e.headerOffset+1] != 0
}

// Sysvar looks up an account made available to syscalls but not placed in
// the blob (clock, rent, ...).
func (b *Blob) Sysvar(pubkey PublicKey) (Account, bool) {
	acc, ok := b.nonEntrypoint[pubkey]
	return acc, ok
}

// Snapshot returns every account currently present in the blob, keyed by
// pubkey, reflecting any writes the entrypoint performed.
func (b *Blob) Snapshot() map[PublicKey]Account {
	out := make(map[PublicKey]Account, len(b.entries))
	for k, e := range b.entries {
		out[k] = b.readEntry(e)
	}
	return out
}
