package emulator

import (
	"sort"
)

// pidEncoder renders one mode 01 PID from an engine sample. Formulas are the
// SAE J1979 inverses.
type pidEncoder func(s Snapshot) []byte

var mode01 = map[byte]pidEncoder{
	0x04: func(s Snapshot) []byte { return []byte{byte(s.LoadPct * 255 / 100)} },
	0x05: func(s Snapshot) []byte { return []byte{byte(s.CoolantC + 40)} },
	0x0B: func(s Snapshot) []byte { return []byte{byte(clamp(s.MAPkPa, 0, 255))} },
	0x0C: func(s Snapshot) []byte {
		v := uint16(s.RPM * 4)
		return []byte{byte(v >> 8), byte(v)}
	},
	0x0D: func(s Snapshot) []byte { return []byte{byte(clamp(s.SpeedKph, 0, 255))} },
	0x0E: func(s Snapshot) []byte { return []byte{byte((s.AdvanceDg + 64) * 2)} },
	0x0F: func(s Snapshot) []byte { return []byte{byte(s.IATC + 40)} },
	0x11: func(s Snapshot) []byte { return []byte{byte(s.TPS * 255 / 100)} },
	0x42: func(s Snapshot) []byte {
		v := uint16(s.BatteryV * 1000)
		return []byte{byte(v >> 8), byte(v)}
	},
}

// supportedBitmap answers the "PIDs supported [base+1, base+0x20]" request.
// Bit 0 of the last byte is set when a later range has entries.
func supportedBitmap(pids []byte, base byte) []byte {
	var bits uint32
	more := false
	for _, p := range pids {
		switch {
		case p > base && int(p) <= int(base)+0x20:
			bits |= 1 << (32 - uint(p-base))
		case int(p) > int(base)+0x20:
			more = true
		}
	}
	if more {
		bits |= 1
	}
	return []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

func mode01PIDs() []byte {
	pids := make([]byte, 0, len(mode01))
	for p := range mode01 {
		pids = append(pids, p)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// encodeDTC packs "P0301" style codes into two bytes.
func encodeDTC(code string) ([]byte, bool) {
	if len(code) != 5 {
		return nil, false
	}
	var sys byte
	switch code[0] {
	case 'P':
		sys = 0
	case 'C':
		sys = 1
	case 'B':
		sys = 2
	case 'U':
		sys = 3
	default:
		return nil, false
	}
	var digits [4]byte
	for i := 0; i < 4; i++ {
		c := code[i+1]
		switch {
		case c >= '0' && c <= '9':
			digits[i] = c - '0'
		case c >= 'A' && c <= 'F':
			digits[i] = c - 'A' + 10
		default:
			return nil, false
		}
	}
	if digits[0] > 3 {
		return nil, false
	}
	return []byte{sys<<6 | digits[0]<<4 | digits[1], digits[2]<<4 | digits[3]}, true
}
