package heartrate

import "encoding/binary"

// Encode is the inverse of Decode. A value above 255 is always written as
// uint16 regardless of m.Format. RR intervals are flagged whenever
// m.RRIntervals is non-nil, so an empty non-nil slice encodes the flag with
// no intervals.
func Encode(m Measurement) []byte {
	var flags byte
	wide := m.Format == FormatUint16 || m.HeartRate > 0xff
	if wide {
		flags |= FlagValueUint16
	}
	switch m.Contact {
	case ContactNotDetected:
		flags |= 0x04
	case ContactDetected:
		flags |= 0x06
	}
	if m.EnergyExpended != nil {
		flags |= FlagEnergyExpended
	}
	if m.RRIntervals != nil {
		flags |= FlagRRIntervals
	}

	buf := make([]byte, 0, ExpectedLength(flags, len(m.RRIntervals)))
	buf = append(buf, flags)
	if wide {
		buf = binary.LittleEndian.AppendUint16(buf, m.HeartRate)
	} else {
		buf = append(buf, byte(m.HeartRate))
	}
	if m.EnergyExpended != nil {
		buf = binary.LittleEndian.AppendUint16(buf, *m.EnergyExpended)
	}
	for _, rr := range m.RRIntervals {
		buf = binary.LittleEndian.AppendUint16(buf, rr)
	}
	return buf
}
