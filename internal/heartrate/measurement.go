// Package heartrate decodes and encodes the Bluetooth SIG Heart Rate
// Measurement characteristic (0x2A37).
//
// Layout, byte 0 is a flags bitfield:
//
//	bit 0    value format (0 = uint8, 1 = uint16 LE)
//	bit 1-2  sensor contact (00/01 not supported, 10 not detected, 11 detected)
//	bit 3    energy expended present (uint16 LE, cumulative kJ)
//	bit 4    RR intervals present (uint16 LE each, 1/1024 s, rest of payload)
package heartrate

import "time"

// Flag bits of byte 0.
const (
	FlagValueUint16    byte = 0x01
	FlagContactBits    byte = 0x06
	FlagEnergyExpended byte = 0x08
	FlagRRIntervals    byte = 0x10
)

// RRUnitsPerSecond is the resolution of an RR interval.
const RRUnitsPerSecond = 1024

// ValueFormat is the width of the heart-rate value on the wire.
type ValueFormat uint8

const (
	FormatUint8 ValueFormat = iota
	FormatUint16
)

func (f ValueFormat) String() string {
	if f == FormatUint16 {
		return "uint16"
	}
	return "uint8"
}

// ContactStatus is the tri-state sensor contact field.
type ContactStatus uint8

const (
	ContactNotSupported ContactStatus = iota
	ContactNotDetected
	ContactDetected
)

func (c ContactStatus) String() string {
	switch c {
	case ContactNotDetected:
		return "not_detected"
	case ContactDetected:
		return "detected"
	default:
		return "not_supported"
	}
}

// Measurement is one decoded notification. It is never mutated after Decode
// returns it.
type Measurement struct {
	Timestamp      time.Time
	HeartRate      uint16
	Format         ValueFormat
	Contact        ContactStatus
	EnergyExpended *uint16
	RRIntervals    []uint16

	// Segment numbers the connected period the notification arrived in.
	// Decode leaves it zero; the session controller stamps it.
	Segment int
}

// ContactDetected reports whether the sensor confirmed skin contact.
func (m Measurement) ContactDetected() bool {
	return m.Contact == ContactDetected
}

// MeanRRMillis returns the mean RR interval of m in milliseconds.
func (m Measurement) MeanRRMillis() (float64, bool) {
	return MeanRRMillis(m.RRIntervals)
}

// RRMillis converts one RR interval from 1/1024 s units to milliseconds.
func RRMillis(rr uint16) float64 {
	return float64(rr) * 1000 / RRUnitsPerSecond
}

// MeanRRMillis is the arithmetic mean of rr converted to milliseconds.
// It returns false for an empty slice.
func MeanRRMillis(rr []uint16) (float64, bool) {
	if len(rr) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range rr {
		sum += RRMillis(v)
	}
	return sum / float64(len(rr)), true
}
