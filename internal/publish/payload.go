// Package publish fans live measurements out to MQTT and Redis Streams.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

// Encoding names a payload wire format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("publish: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("publish: cbor decoder: " + err.Error())
	}
}

// Payload is the published form of one measurement.
type Payload struct {
	Session        string    `json:"session" cbor:"session"`
	Segment        int       `json:"segment" cbor:"segment"`
	Timestamp      time.Time `json:"timestamp" cbor:"timestamp"`
	HeartRate      uint16    `json:"heart_rate_bpm" cbor:"heart_rate_bpm"`
	Contact        string    `json:"contact" cbor:"contact"`
	EnergyExpended *uint16   `json:"energy_expended,omitempty" cbor:"energy_expended,omitempty"`
	RRIntervals    []uint16  `json:"rr_intervals,omitempty" cbor:"rr_intervals,omitempty"`
	MeanRRMillis   *float64  `json:"mean_rr_interval_ms,omitempty" cbor:"mean_rr_interval_ms,omitempty"`
	Count          uint64    `json:"count" cbor:"count"`
	Average        float64   `json:"average_bpm" cbor:"average_bpm"`
}

// NewPayload builds the payload for m within session.
func NewPayload(session string, m heartrate.Measurement, stats recorder.Stats) Payload {
	p := Payload{
		Session:        session,
		Segment:        m.Segment,
		Timestamp:      m.Timestamp.UTC(),
		HeartRate:      m.HeartRate,
		Contact:        m.Contact.String(),
		EnergyExpended: m.EnergyExpended,
		RRIntervals:    m.RRIntervals,
		Count:          stats.Count,
		Average:        stats.Average(),
	}
	if mean, ok := m.MeanRRMillis(); ok {
		p.MeanRRMillis = &mean
	}
	return p
}

// Marshal encodes v in enc.
func Marshal(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(v)
	case EncodingCBOR:
		return encMode.Marshal(v)
	default:
		return nil, fmt.Errorf("publish: unknown encoding %q", enc)
	}
}

// Unmarshal decodes data written by Marshal.
func Unmarshal(enc Encoding, data []byte, v any) error {
	switch enc {
	case EncodingJSON, "":
		return json.Unmarshal(data, v)
	case EncodingCBOR:
		return decMode.Unmarshal(data, v)
	default:
		return fmt.Errorf("publish: unknown encoding %q", enc)
	}
}
