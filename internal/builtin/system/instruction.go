package system

import (
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

// Discriminants match the real System Program's native (bincode) wire
// format: a little-endian u32 selector followed by the variant's fields
// in declaration order, strings as a u64 length prefix plus bytes.
const (
	instrCreateAccount uint32 = iota
	instrAssign
	instrTransfer
	instrCreateAccountWithSeed
	instrAdvanceNonceAccount
	instrWithdrawNonceAccount
	instrInitializeNonceAccount
	instrAuthorizeNonceAccount
	instrAllocate
	instrAllocateWithSeed
	instrAssignWithSeed
	instrTransferWithSeed
)

type createAccountIx struct {
	Lamports uint64
	Space    uint64
	Owner    sealevel.PublicKey
}

type assignIx struct {
	Owner sealevel.PublicKey
}

type transferIx struct {
	Lamports uint64
}

type createAccountWithSeedIx struct {
	Base     sealevel.PublicKey
	Seed     string
	Lamports uint64
	Space    uint64
	Owner    sealevel.PublicKey
}

type allocateIx struct {
	Space uint64
}

type allocateWithSeedIx struct {
	Base  sealevel.PublicKey
	Seed  string
	Space uint64
	Owner sealevel.PublicKey
}

type assignWithSeedIx struct {
	Base  sealevel.PublicKey
	Seed  string
	Owner sealevel.PublicKey
}

type transferWithSeedIx struct {
	Lamports  uint64
	FromSeed  string
	FromOwner sealevel.PublicKey
}

// decodedInstruction is a tagged union over every variant this program
// implements; exactly one field is non-nil.
type decodedInstruction struct {
	createAccount         *createAccountIx
	assign                *assignIx
	transfer              *transferIx
	createAccountWithSeed *createAccountWithSeedIx
	allocate              *allocateIx
	allocateWithSeed      *allocateWithSeedIx
	assignWithSeed        *assignWithSeedIx
	transferWithSeed      *transferWithSeedIx
}

func decodeInstruction(data []byte) (decodedInstruction, error) {
	var out decodedInstruction
	if len(data) < 4 {
		return out, fmt.Errorf("system: instruction too short")
	}
	dec := bin.NewBinDecoder(data)
	disc, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return out, err
	}
	switch disc {
	case instrCreateAccount:
		lamports, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		space, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		owner, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		out.createAccount = &createAccountIx{Lamports: lamports, Space: space, Owner: owner}
	case instrAssign:
		owner, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		out.assign = &assignIx{Owner: owner}
	case instrTransfer:
		lamports, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		out.transfer = &transferIx{Lamports: lamports}
	case instrCreateAccountWithSeed:
		base, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		seed, err := readSeedString(dec)
		if err != nil {
			return out, err
		}
		lamports, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		space, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		owner, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		out.createAccountWithSeed = &createAccountWithSeedIx{Base: base, Seed: seed, Lamports: lamports, Space: space, Owner: owner}
	case instrAllocate:
		space, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		out.allocate = &allocateIx{Space: space}
	case instrAllocateWithSeed:
		base, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		seed, err := readSeedString(dec)
		if err != nil {
			return out, err
		}
		space, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		owner, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		out.allocateWithSeed = &allocateWithSeedIx{Base: base, Seed: seed, Space: space, Owner: owner}
	case instrAssignWithSeed:
		base, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		seed, err := readSeedString(dec)
		if err != nil {
			return out, err
		}
		owner, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		out.assignWithSeed = &assignWithSeedIx{Base: base, Seed: seed, Owner: owner}
	case instrTransferWithSeed:
		lamports, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return out, err
		}
		fromSeed, err := readSeedString(dec)
		if err != nil {
			return out, err
		}
		fromOwner, err := readPubkey(dec)
		if err != nil {
			return out, err
		}
		out.transferWithSeed = &transferWithSeedIx{Lamports: lamports, FromSeed: fromSeed, FromOwner: fromOwner}
	default:
		return out, errUnimplementedInstruction
	}
	return out, nil
}

func readPubkey(dec *bin.Decoder) (sealevel.PublicKey, error) {
	var pk sealevel.PublicKey
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return pk, err
	}
	copy(pk[:], b)
	return pk, nil
}

func readSeedString(dec *bin.Decoder) (string, error) {
	n, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return "", err
	}
	b, err := dec.ReadNBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
