package ledger

import (
	"encoding/binary"

	bin "github.com/gagliardetto/binary"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

// loaderPubkey stands in for the original's "debuggable program loader"
// owner: the synthetic owner attached to the loader-stub account ReadAccount
// returns for any registered program id.
var loaderPubkey = sealevel.PublicKey{0xde, 0xb1}

func encodeAccount(acc sealevel.Account) ([]byte, error) {
	enc, buf := newEncoder()
	if err := enc.WriteUint64(acc.Lamports, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(uint64(len(acc.Data)), binary.LittleEndian); err != nil {
		return nil, err
	}
	if len(acc.Data) > 0 {
		if err := enc.WriteBytes(acc.Data, false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteBytes(acc.Owner[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(acc.Executable); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(acc.RentEpoch, binary.LittleEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAccount(raw []byte) (sealevel.Account, error) {
	dec := bin.NewBinDecoder(raw)
	lamports, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return sealevel.Account{}, err
	}
	dataLen, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return sealevel.Account{}, err
	}
	var data []byte
	if dataLen > 0 {
		data, err = dec.ReadNBytes(int(dataLen))
		if err != nil {
			return sealevel.Account{}, err
		}
	}
	ownerBytes, err := dec.ReadNBytes(32)
	if err != nil {
		return sealevel.Account{}, err
	}
	var owner sealevel.PublicKey
	copy(owner[:], ownerBytes)
	executable, err := dec.ReadBool()
	if err != nil {
		return sealevel.Account{}, err
	}
	rentEpoch, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return sealevel.Account{}, err
	}
	return sealevel.Account{
		Lamports:   lamports,
		Data:       data,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  rentEpoch,
	}, nil
}
