package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

// PublicKey aliases sealevel's so callers of this package never need to
// import gagliardetto/solana-go directly.
type PublicKey = sealevel.PublicKey

// Handshake is the very first child->validator frame on a new connection:
// the raw 32-byte program id the child implements (spec §6 "Handshake").
// It carries no discriminant.
func EncodeHandshake(programID PublicKey) []byte {
	out := make([]byte, 32)
	copy(out, programID[:])
	return out
}

func DecodeHandshake(payload []byte) (PublicKey, error) {
	var pk PublicKey
	if len(payload) != 32 {
		return pk, fmt.Errorf("wire: handshake payload must be 32 bytes, got %d", len(payload))
	}
	copy(pk[:], payload)
	return pk, nil
}

// Child -> validator message kinds.
const (
	childKindLog uint8 = iota
	childKindExecuted
	childKindCrossProgramInvoke
)

// Validator -> child message kinds.
const (
	validatorKindInvoke uint8 = iota
	validatorKindCrossProgramInvokeResult
)

// ReturnCodePanicked is the return code synthesized when a child's
// entrypoint panics (spec's Executed{return_code = Custom(0)}). It is
// deliberately not 1, the generic failure code a program's own non-zero
// return maps to: a panic and a legitimate program failure are distinct
// conditions and must stay distinguishable on the wire (spec §9's
// resolution against folding every failure into one code).
const ReturnCodePanicked uint64 = 1 << 32

// LogMsg carries one log line produced during the execution of Nonce.
type LogMsg struct {
	Nonce   uint64
	Message string
}

// ExecutedMsg reports that the invocation for Nonce finished.
type ExecutedMsg struct {
	Nonce        uint64
	ReturnCode   uint64
	AccountDatas map[PublicKey]sealevel.Account
}

// CrossProgramInvokeMsg is a child's request to invoke another program.
type CrossProgramInvokeMsg struct {
	Nonce        uint64
	ProgramID    PublicKey
	Instruction  []byte
	AccountMetas []sealevel.AccountMeta
	AccountDatas map[PublicKey]sealevel.Account
	CallDepth    uint8
}

// InvokeMsg asks a child to run an instruction against the given accounts.
type InvokeMsg struct {
	Nonce        uint64
	ProgramID    PublicKey
	Instruction  []byte
	AccountMetas []sealevel.AccountMeta
	AccountDatas map[PublicKey]sealevel.Account
	CallDepth    uint8
}

// CrossProgramInvokeResultMsg answers a CrossProgramInvokeMsg with the
// sub-call's outcome.
type CrossProgramInvokeResultMsg struct {
	Nonce        uint64
	ReturnCode   uint64
	AccountDatas map[PublicKey]sealevel.Account
}

// ChildMessage is the tagged union of frames a child sends the validator.
type ChildMessage struct {
	Log *LogMsg
	Executed *ExecutedMsg
	CPI      *CrossProgramInvokeMsg
}

// ValidatorMessage is the tagged union of frames the validator sends a
// child.
type ValidatorMessage struct {
	Invoke    *InvokeMsg
	CPIResult *CrossProgramInvokeResultMsg
}

func EncodeChildMessage(msg ChildMessage) ([]byte, error) {
	enc, buf := newEncoder()
	switch {
	case msg.Log != nil:
		if err := enc.WriteUint8(childKindLog); err != nil {
			return nil, err
		}
		if err := writeLog(enc, msg.Log); err != nil {
			return nil, err
		}
	case msg.Executed != nil:
		if err := enc.WriteUint8(childKindExecuted); err != nil {
			return nil, err
		}
		if err := writeExecuted(enc, msg.Executed); err != nil {
			return nil, err
		}
	case msg.CPI != nil:
		if err := enc.WriteUint8(childKindCrossProgramInvoke); err != nil {
			return nil, err
		}
		if err := writeCPI(enc, msg.CPI); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wire: empty ChildMessage")
	}
	return buf.Bytes(), nil
}

func DecodeChildMessage(payload []byte) (ChildMessage, error) {
	dec := bin.NewBinDecoder(payload)
	kind, err := dec.ReadUint8()
	if err != nil {
		return ChildMessage{}, err
	}
	switch kind {
	case childKindLog:
		m, err := readLog(dec)
		return ChildMessage{Log: m}, err
	case childKindExecuted:
		m, err := readExecuted(dec)
		return ChildMessage{Executed: m}, err
	case childKindCrossProgramInvoke:
		m, err := readCPI(dec)
		return ChildMessage{CPI: m}, err
	default:
		return ChildMessage{}, fmt.Errorf("wire: unknown child message kind %d", kind)
	}
}

func EncodeValidatorMessage(msg ValidatorMessage) ([]byte, error) {
	enc, buf := newEncoder()
	switch {
	case msg.Invoke != nil:
		if err := enc.WriteUint8(validatorKindInvoke); err != nil {
			return nil, err
		}
		if err := writeInvoke(enc, msg.Invoke); err != nil {
			return nil, err
		}
	case msg.CPIResult != nil:
		if err := enc.WriteUint8(validatorKindCrossProgramInvokeResult); err != nil {
			return nil, err
		}
		if err := writeCPIResult(enc, msg.CPIResult); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wire: empty ValidatorMessage")
	}
	return buf.Bytes(), nil
}

func DecodeValidatorMessage(payload []byte) (ValidatorMessage, error) {
	dec := bin.NewBinDecoder(payload)
	kind, err := dec.ReadUint8()
	if err != nil {
		return ValidatorMessage{}, err
	}
	switch kind {
	case validatorKindInvoke:
		m, err := readInvoke(dec)
		return ValidatorMessage{Invoke: m}, err
	case validatorKindCrossProgramInvokeResult:
		m, err := readCPIResult(dec)
		return ValidatorMessage{CPIResult: m}, err
	default:
		return ValidatorMessage{}, fmt.Errorf("wire: unknown validator message kind %d", kind)
	}
}

func newEncoder() (*bin.Encoder, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return bin.NewBinEncoder(buf), buf
}

func writeLog(enc *bin.Encoder, m *LogMsg) error {
	if err := enc.WriteUint64(m.Nonce, binary.LittleEndian); err != nil {
		return err
	}
	return writeString(enc, m.Message)
}

func readLog(dec *bin.Decoder) (*LogMsg, error) {
	nonce, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	msg, err := readString(dec)
	if err != nil {
		return nil, err
	}
	return &LogMsg{Nonce: nonce, Message: msg}, nil
}

func writeExecuted(enc *bin.Encoder, m *ExecutedMsg) error {
	if err := enc.WriteUint64(m.Nonce, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint64(m.ReturnCode, binary.LittleEndian); err != nil {
		return err
	}
	return writeAccountsMap(enc, m.AccountDatas)
}

func readExecuted(dec *bin.Decoder) (*ExecutedMsg, error) {
	nonce, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	code, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	accs, err := readAccountsMap(dec)
	if err != nil {
		return nil, err
	}
	return &ExecutedMsg{Nonce: nonce, ReturnCode: code, AccountDatas: accs}, nil
}

func writeCPI(enc *bin.Encoder, m *CrossProgramInvokeMsg) error {
	if err := enc.WriteUint64(m.Nonce, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteBytes(m.ProgramID[:], false); err != nil {
		return err
	}
	if err := writeBytes(enc, m.Instruction); err != nil {
		return err
	}
	if err := writeMetas(enc, m.AccountMetas); err != nil {
		return err
	}
	if err := writeAccountsMap(enc, m.AccountDatas); err != nil {
		return err
	}
	return enc.WriteUint8(m.CallDepth)
}

func readCPI(dec *bin.Decoder) (*CrossProgramInvokeMsg, error) {
	nonce, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	programID, err := readPubkey(dec)
	if err != nil {
		return nil, err
	}
	instr, err := readBytes(dec)
	if err != nil {
		return nil, err
	}
	metas, err := readMetas(dec)
	if err != nil {
		return nil, err
	}
	accs, err := readAccountsMap(dec)
	if err != nil {
		return nil, err
	}
	depth, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	return &CrossProgramInvokeMsg{
		Nonce:        nonce,
		ProgramID:    programID,
		Instruction:  instr,
		AccountMetas: metas,
		AccountDatas: accs,
		CallDepth:    depth,
	}, nil
}

func writeInvoke(enc *bin.Encoder, m *InvokeMsg) error {
	if err := enc.WriteUint64(m.Nonce, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteBytes(m.ProgramID[:], false); err != nil {
		return err
	}
	if err := writeBytes(enc, m.Instruction); err != nil {
		return err
	}
	if err := writeMetas(enc, m.AccountMetas); err != nil {
		return err
	}
	if err := writeAccountsMap(enc, m.AccountDatas); err != nil {
		return err
	}
	return enc.WriteUint8(m.CallDepth)
}

func readInvoke(dec *bin.Decoder) (*InvokeMsg, error) {
	nonce, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	programID, err := readPubkey(dec)
	if err != nil {
		return nil, err
	}
	instr, err := readBytes(dec)
	if err != nil {
		return nil, err
	}
	metas, err := readMetas(dec)
	if err != nil {
		return nil, err
	}
	accs, err := readAccountsMap(dec)
	if err != nil {
		return nil, err
	}
	depth, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	return &InvokeMsg{
		Nonce:        nonce,
		ProgramID:    programID,
		Instruction:  instr,
		AccountMetas: metas,
		AccountDatas: accs,
		CallDepth:    depth,
	}, nil
}

func writeCPIResult(enc *bin.Encoder, m *CrossProgramInvokeResultMsg) error {
	if err := enc.WriteUint64(m.Nonce, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint64(m.ReturnCode, binary.LittleEndian); err != nil {
		return err
	}
	return writeAccountsMap(enc, m.AccountDatas)
}

func readCPIResult(dec *bin.Decoder) (*CrossProgramInvokeResultMsg, error) {
	nonce, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	code, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	accs, err := readAccountsMap(dec)
	if err != nil {
		return nil, err
	}
	return &CrossProgramInvokeResultMsg{Nonce: nonce, ReturnCode: code, AccountDatas: accs}, nil
}

func writeString(enc *bin.Encoder, s string) error {
	return writeBytes(enc, []byte(s))
}

func readString(dec *bin.Decoder) (string, error) {
	b, err := readBytes(dec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(enc *bin.Encoder, b []byte) error {
	if err := enc.WriteUint64(uint64(len(b)), binary.LittleEndian); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return enc.WriteBytes(b, false)
}

func readBytes(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return dec.ReadNBytes(int(n))
}

func readPubkey(dec *bin.Decoder) (PublicKey, error) {
	var pk PublicKey
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return pk, err
	}
	copy(pk[:], b)
	return pk, nil
}

func writeMetas(enc *bin.Encoder, metas []sealevel.AccountMeta) error {
	if err := enc.WriteUint64(uint64(len(metas)), binary.LittleEndian); err != nil {
		return err
	}
	for _, m := range metas {
		if err := enc.WriteBytes(m.PublicKey[:], false); err != nil {
			return err
		}
		if err := enc.WriteBool(m.IsSigner); err != nil {
			return err
		}
		if err := enc.WriteBool(m.IsWritable); err != nil {
			return err
		}
	}
	return nil
}

func readMetas(dec *bin.Decoder) ([]sealevel.AccountMeta, error) {
	n, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]sealevel.AccountMeta, 0, n)
	for i := uint64(0); i < n; i++ {
		pk, err := readPubkey(dec)
		if err != nil {
			return nil, err
		}
		signer, err := dec.ReadBool()
		if err != nil {
			return nil, err
		}
		writable, err := dec.ReadBool()
		if err != nil {
			return nil, err
		}
		out = append(out, sealevel.AccountMeta{PublicKey: pk, IsSigner: signer, IsWritable: writable})
	}
	return out, nil
}

func writeAccountsMap(enc *bin.Encoder, accs map[PublicKey]sealevel.Account) error {
	if err := enc.WriteUint64(uint64(len(accs)), binary.LittleEndian); err != nil {
		return err
	}
	for pk, acc := range accs {
		if err := enc.WriteBytes(pk[:], false); err != nil {
			return err
		}
		if err := enc.WriteUint64(acc.Lamports, binary.LittleEndian); err != nil {
			return err
		}
		if err := writeBytes(enc, acc.Data); err != nil {
			return err
		}
		if err := enc.WriteBytes(acc.Owner[:], false); err != nil {
			return err
		}
		if err := enc.WriteBool(acc.Executable); err != nil {
			return err
		}
		if err := enc.WriteUint64(acc.RentEpoch, binary.LittleEndian); err != nil {
			return err
		}
	}
	return nil
}

func readAccountsMap(dec *bin.Decoder) (map[PublicKey]sealevel.Account, error) {
	n, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	out := make(map[PublicKey]sealevel.Account, n)
	for i := uint64(0); i < n; i++ {
		pk, err := readPubkey(dec)
		if err != nil {
			return nil, err
		}
		lamports, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		data, err := readBytes(dec)
		if err != nil {
			return nil, err
		}
		owner, err := readPubkey(dec)
		if err != nil {
			return nil, err
		}
		executable, err := dec.ReadBool()
		if err != nil {
			return nil, err
		}
		rentEpoch, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		out[pk] = sealevel.Account{
			Lamports:   lamports,
			Data:       data,
			Owner:      owner,
			Executable: executable,
			RentEpoch:  rentEpoch,
		}
	}
	return out, nil
}
