package ledger

import (
	"encoding/binary"
	"math"

	"go.sealevel.dev/emulator/pkg/sealevel"
)

// Clock is the minimal subset of the real clock sysvar's fields this
// emulator synthesizes: enough for a program to read its own notion of
// "now" without a real slot/epoch schedule behind it.
type Clock struct {
	Slot                 uint64
	EpochStartTimestamp  int64
	Epoch                uint64
	LeaderScheduleEpoch  uint64
	UnixTimestamp        int64
}

func (c Clock) encode() []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint64(buf[0:8], c.Slot)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.EpochStartTimestamp))
	binary.LittleEndian.PutUint64(buf[16:24], c.Epoch)
	binary.LittleEndian.PutUint64(buf[24:32], c.LeaderScheduleEpoch)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(c.UnixTimestamp))
	return buf
}

// Rent is the minimal rent sysvar: this emulator never actually
// collects rent (spec Non-goals), but programs commonly read its
// exemption threshold fields.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  float64
	BurnPercent         uint8
}

func (r Rent) encode() []byte {
	buf := make([]byte, 17)
	binary.LittleEndian.PutUint64(buf[0:8], r.LamportsPerByteYear)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(r.ExemptionThreshold))
	buf[16] = r.BurnPercent
	return buf
}

// Sysvars synthesizes the clock and rent accounts for the current slot,
// keyed by their well-known pubkeys, for injection into an instruction's
// account set (spec §4.7 step 2/4a).
func (l *Ledger) Sysvars() map[sealevel.PublicKey]sealevel.Account {
	clock := Clock{Slot: l.slot.Load(), UnixTimestamp: 0}
	rent := Rent{LamportsPerByteYear: rentPerByteYear, ExemptionThreshold: 2.0, BurnPercent: 50}
	return map[sealevel.PublicKey]sealevel.Account{
		ClockPubkey: {Lamports: 1, Data: clock.encode(), Owner: sysvarOwner, Executable: false},
		RentPubkey:  {Lamports: 1, Data: rent.encode(), Owner: sysvarOwner, Executable: false},
	}
}

var sysvarOwner = sealevel.PublicKey{0x06, 0xa1}
