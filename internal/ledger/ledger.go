// Package ledger is the Ledger Collaborator (spec §3, §6): persistent
// account storage plus the minimal block/slot bookkeeping the Executor
// needs to commit a transaction. Grounded on debug_ledger.rs, backed by
// RocksDB instead of one file per account per slot.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	bin "github.com/gagliardetto/binary"
	"github.com/linxGnu/grocksdb"

	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/sverr"
)

const (
	cfAccounts = "accounts"
	cfBlocks   = "blocks"

	rentBaseSize    = 128
	rentPerByteYear = 3480 // lamports/byte-year, matches the real cluster's default rent parameter
)

// Well-known sysvar addresses. Values are placeholders distinct from any
// real account id; only their presence and well-known-ness matter here.
var (
	ClockPubkey sealevel.PublicKey
	RentPubkey  sealevel.PublicKey
)

func init() {
	ClockPubkey[0] = 0x06
	ClockPubkey[1] = 0xa7
	RentPubkey[0] = 0x06
	RentPubkey[1] = 0xa8
}

// InitialMint describes the one account a fresh ledger is bootstrapped
// with (spec's supplemented "initial mint" feature, absent from the
// distilled spec but present in the original).
type InitialMint struct {
	Pubkey   sealevel.PublicKey
	Lamports uint64
}

// Ledger owns the RocksDB handle and the monotonic slot counter.
type Ledger struct {
	db       *grocksdb.DB
	accounts *grocksdb.ColumnFamilyHandle
	blocks   *grocksdb.ColumnFamilyHandle

	ro *grocksdb.ReadOptions
	wo *grocksdb.WriteOptions

	slot atomic.Uint64

	hasProgramID func(sealevel.PublicKey) bool

	mu sync.Mutex
}

// Open opens (or creates) the ledger at path. hasProgramID distinguishes
// registered programs/built-ins from plain data accounts when answering
// read-account queries, the same role BokkenLedger::read_account's
// program_caller.has_program_id check plays.
func Open(path string, hasProgramID func(sealevel.PublicKey) bool, mint *InitialMint) (*Ledger, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	cfNames := []string{"default", cfAccounts, cfBlocks}
	cfOpts := []*grocksdb.Options{opts, opts, opts}

	db, handles, err := grocksdb.OpenDbColumnFamilies(opts, path, cfNames, cfOpts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	l := &Ledger{
		db:           db,
		accounts:     handles[1],
		blocks:       handles[2],
		ro:           grocksdb.NewDefaultReadOptions(),
		wo:           grocksdb.NewDefaultWriteOptions(),
		hasProgramID: hasProgramID,
	}

	slotBytes, err := db.GetCF(l.ro, l.blocks, []byte("slot"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: reading slot: %w", err)
	}
	defer slotBytes.Free()
	if slotBytes.Size() == 8 {
		l.slot.Store(binary.LittleEndian.Uint64(slotBytes.Data()))
	} else {
		if mint == nil {
			db.Close()
			return nil, sverr.ErrMissingInitialMint
		}
		if err := l.SaveAccount(mint.Pubkey, sealevel.Account{Lamports: mint.Lamports}); err != nil {
			db.Close()
			return nil, err
		}
		if err := l.advanceSlot(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) Close() {
	l.ro.Destroy()
	l.wo.Destroy()
	l.db.Close()
}

// CurrentSlot returns the ledger's current slot.
func (l *Ledger) CurrentSlot() uint64 { return l.slot.Load() }

// Blockhash synthesizes a deterministic fake blockhash from the current
// slot (supplemented feature: the original stubs this out the same way,
// "we're not actually doing anything here yet").
func (l *Ledger) Blockhash() [32]byte {
	var out [32]byte
	binary.LittleEndian.PutUint64(out[:8], l.slot.Load())
	return out
}

// MinimumBalanceForRentExemption mirrors calc_min_balance_for_rent_exemption:
// (128 + data_len) * rent_per_byte_year * 2 years.
func (l *Ledger) MinimumBalanceForRentExemption(dataLen uint64) uint64 {
	return (rentBaseSize + dataLen) * rentPerByteYear * 2
}

func (l *Ledger) advanceSlot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.slot.Add(1)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return l.db.PutCF(l.wo, l.blocks, []byte("slot"), buf[:])
}

// ReadAccount loads the current value of pubkey. Registered program ids
// (built-in or child) read back as a synthetic executable account,
// mirroring the loader-stub account the original returns for any
// "debuggable program" pubkey.
func (l *Ledger) ReadAccount(pubkey sealevel.PublicKey) (sealevel.Account, error) {
	if l.hasProgramID != nil && l.hasProgramID(pubkey) {
		return sealevel.Account{
			Lamports:   1,
			Data:       []byte{},
			Owner:      loaderPubkey,
			Executable: true,
			RentEpoch:  0,
		}, nil
	}
	raw, err := l.db.GetCF(l.ro, l.accounts, pubkey[:])
	if err != nil {
		return sealevel.Account{}, fmt.Errorf("ledger: read account: %w", err)
	}
	defer raw.Free()
	if raw.Size() == 0 {
		return sealevel.Account{}, nil
	}
	return decodeAccount(raw.Data())
}

// SaveAccount persists acc under pubkey. A zero-lamport account is
// stored as its default (absent) value, matching the original's
// "if lamports == 0, write the default record" behavior.
func (l *Ledger) SaveAccount(pubkey sealevel.PublicKey, acc sealevel.Account) error {
	if acc.Lamports == 0 {
		acc = sealevel.Account{}
	}
	encoded, err := encodeAccount(acc)
	if err != nil {
		return err
	}
	return l.db.PutCF(l.wo, l.accounts, pubkey[:], encoded)
}

// CommitBlock advances the slot and records one block-history entry
// (logs plus an error flag), checksummed with xxhash so a corrupted
// write is detectable on the next read.
func (l *Ledger) CommitBlock(logs []string, failed bool) error {
	if err := l.advanceSlot(); err != nil {
		return err
	}
	enc, buf := newEncoder()
	if err := enc.WriteBool(failed); err != nil {
		return err
	}
	if err := enc.WriteUint64(uint64(len(logs)), binary.LittleEndian); err != nil {
		return err
	}
	for _, line := range logs {
		if err := enc.WriteUint64(uint64(len(line)), binary.LittleEndian); err != nil {
			return err
		}
		if err := enc.WriteBytes([]byte(line), false); err != nil {
			return err
		}
	}
	payload := buf.Bytes()
	checksum := xxhash.Sum64(payload)

	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], l.slot.Load())

	record := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(record[:8], checksum)
	copy(record[8:], payload)
	return l.db.PutCF(l.wo, l.blocks, append([]byte("block:"), key[:]...), record)
}

func newEncoder() (*bin.Encoder, *bufferWriter) {
	buf := &bufferWriter{}
	return bin.NewBinEncoder(buf), buf
}

type bufferWriter struct{ b []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *bufferWriter) Bytes() []byte { return w.b }
