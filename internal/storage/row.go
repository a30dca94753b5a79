package storage

import (
	"time"

	"github.com/chaz8081/hrmon/internal/heartrate"
)

// Row is the persisted schema of one measurement.
type Row struct {
	Timestamp             time.Time `parquet:"timestamp,timestamp(millisecond)"`
	Segment               int32     `parquet:"segment"`
	HeartRateBPM          int32     `parquet:"heart_rate_bpm"`
	SensorContactDetected bool      `parquet:"sensor_contact_detected"`
	EnergyExpended        *int32    `parquet:"energy_expended,optional"`
	RRIntervals           []int32   `parquet:"rr_intervals,list"`
	MeanRRIntervalMS      *float64  `parquet:"mean_rr_interval_ms,optional"`
}

// NewRow converts m to its persisted form. Timestamps are stored in UTC;
// a measurement without RR intervals has an empty list and no mean.
func NewRow(m heartrate.Measurement) Row {
	r := Row{
		Timestamp:             m.Timestamp.UTC(),
		Segment:               int32(m.Segment),
		HeartRateBPM:          int32(m.HeartRate),
		SensorContactDetected: m.ContactDetected(),
		RRIntervals:           make([]int32, len(m.RRIntervals)),
	}
	if m.EnergyExpended != nil {
		ee := int32(*m.EnergyExpended)
		r.EnergyExpended = &ee
	}
	for i, rr := range m.RRIntervals {
		r.RRIntervals[i] = int32(rr)
	}
	if mean, ok := m.MeanRRMillis(); ok {
		r.MeanRRIntervalMS = &mean
	}
	return r
}

// NewRows converts a batch.
func NewRows(batch []heartrate.Measurement) []Row {
	rows := make([]Row, len(batch))
	for i, m := range batch {
		rows[i] = NewRow(m)
	}
	return rows
}
