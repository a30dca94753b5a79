package heartrate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched by errors.Is against a *DecodeError.
var (
	ErrTruncated      = errors.New("heartrate: truncated measurement")
	ErrLengthMismatch = errors.New("heartrate: length mismatch")
)

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Kind   error // ErrTruncated or ErrLengthMismatch
	Field  string
	Length int // payload length
	Offset int // offset at which decoding stopped
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: field %s at offset %d of %d bytes", e.Kind, e.Field, e.Offset, e.Length)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

// Decode parses a Heart Rate Measurement payload. at is the receipt time
// assigned by the caller; the device does not transmit one.
//
// Every flagged field must be present in full and nothing may follow the
// last one. A payload that cannot be decoded yields a *DecodeError and a
// zero Measurement, never a partially populated one.
func Decode(data []byte, at time.Time) (Measurement, error) {
	if len(data) == 0 {
		return Measurement{}, &DecodeError{Kind: ErrTruncated, Field: "flags", Length: 0}
	}

	flags := data[0]
	off := 1
	m := Measurement{Timestamp: at}

	// Heart-rate value
	if flags&FlagValueUint16 != 0 {
		if len(data)-off < 2 {
			return Measurement{}, &DecodeError{Kind: ErrTruncated, Field: "heart_rate", Length: len(data), Offset: off}
		}
		m.HeartRate = binary.LittleEndian.Uint16(data[off:])
		m.Format = FormatUint16
		off += 2
	} else {
		if len(data)-off < 1 {
			return Measurement{}, &DecodeError{Kind: ErrTruncated, Field: "heart_rate", Length: len(data), Offset: off}
		}
		m.HeartRate = uint16(data[off])
		m.Format = FormatUint8
		off++
	}

	switch (flags & FlagContactBits) >> 1 {
	case 0x02:
		m.Contact = ContactNotDetected
	case 0x03:
		m.Contact = ContactDetected
	default:
		m.Contact = ContactNotSupported
	}

	if flags&FlagEnergyExpended != 0 {
		if len(data)-off < 2 {
			return Measurement{}, &DecodeError{Kind: ErrLengthMismatch, Field: "energy_expended", Length: len(data), Offset: off}
		}
		ee := binary.LittleEndian.Uint16(data[off:])
		m.EnergyExpended = &ee
		off += 2
	}

	if flags&FlagRRIntervals != 0 {
		rest := len(data) - off
		if rest%2 != 0 {
			return Measurement{}, &DecodeError{Kind: ErrLengthMismatch, Field: "rr_intervals", Length: len(data), Offset: off}
		}
		if rest > 0 {
			m.RRIntervals = make([]uint16, 0, rest/2)
			for ; off < len(data); off += 2 {
				m.RRIntervals = append(m.RRIntervals, binary.LittleEndian.Uint16(data[off:]))
			}
		}
	}

	if off != len(data) {
		return Measurement{}, &DecodeError{Kind: ErrLengthMismatch, Field: "trailing", Length: len(data), Offset: off}
	}
	return m, nil
}

// ExpectedLength returns the payload length implied by flags for a given
// number of RR intervals.
func ExpectedLength(flags byte, rrCount int) int {
	n := 2
	if flags&FlagValueUint16 != 0 {
		n = 3
	}
	if flags&FlagEnergyExpended != 0 {
		n += 2
	}
	if flags&FlagRRIntervals != 0 {
		n += 2 * rrCount
	}
	return n
}
