package heartrate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)

func u16(v uint16) *uint16 { return &v }

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Measurement
	}{
		{
			name: "uint8 no contact support",
			data: []byte{0x00, 72},
			want: Measurement{HeartRate: 72, Format: FormatUint8, Contact: ContactNotSupported},
		},
		{
			name: "uint8 contact bit 1 only is not supported",
			data: []byte{0x02, 72},
			want: Measurement{HeartRate: 72, Format: FormatUint8, Contact: ContactNotSupported},
		},
		{
			name: "uint8 contact not detected",
			data: []byte{0x04, 65},
			want: Measurement{HeartRate: 65, Format: FormatUint8, Contact: ContactNotDetected},
		},
		{
			name: "uint16 contact detected",
			data: []byte{0x07, 0x2c, 0x01},
			want: Measurement{HeartRate: 300, Format: FormatUint16, Contact: ContactDetected},
		},
		{
			name: "energy expended",
			data: []byte{0x08, 90, 0x10, 0x27},
			want: Measurement{HeartRate: 90, Format: FormatUint8, EnergyExpended: u16(10000)},
		},
		{
			name: "rr intervals",
			data: []byte{0x14, 60, 0x84, 0x03, 0x70, 0x03},
			want: Measurement{HeartRate: 60, Format: FormatUint8, Contact: ContactNotDetected, RRIntervals: []uint16{900, 880}},
		},
		{
			name: "rr flag with no intervals",
			data: []byte{0x10, 60},
			want: Measurement{HeartRate: 60, Format: FormatUint8},
		},
		{
			name: "all fields",
			data: []byte{0x1f, 0x50, 0x00, 0x01, 0x00, 0x00, 0x04},
			want: Measurement{HeartRate: 80, Format: FormatUint16, Contact: ContactDetected, EnergyExpended: u16(1), RRIntervals: []uint16{1024}},
		},
		{
			name: "reserved bits ignored",
			data: []byte{0xe0, 55},
			want: Measurement{HeartRate: 55, Format: FormatUint8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.data, at)
			require.NoError(t, err)
			tt.want.Timestamp = at
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind error
	}{
		{"empty", nil, ErrTruncated},
		{"flags only uint8", []byte{0x00}, ErrTruncated},
		{"uint16 one byte", []byte{0x01, 0x50}, ErrTruncated},
		{"energy short", []byte{0x08, 90, 0x10}, ErrLengthMismatch},
		{"odd rr remainder", []byte{0x10, 60, 0x84, 0x03, 0x70}, ErrLengthMismatch},
		{"trailing bytes", []byte{0x00, 60, 0x01}, ErrLengthMismatch},
		{"uint16 trailing", []byte{0x01, 60, 0x00, 0x00}, ErrLengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.data, at)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "error %v is not %v", err, tt.kind)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, len(tt.data), de.Length)
			assert.Equal(t, Measurement{}, got)
		})
	}
}

func TestDecodeOneByteShortNeverPartial(t *testing.T) {
	flagSets := []byte{0x00, 0x01, 0x06, 0x08, 0x09, 0x0e, 0x0f}
	for _, flags := range flagSets {
		full := make([]byte, ExpectedLength(flags, 0))
		full[0] = flags
		_, err := Decode(full, at)
		require.NoError(t, err, "flags 0x%02x full length", flags)

		got, err := Decode(full[:len(full)-1], at)
		require.Error(t, err, "flags 0x%02x short", flags)
		assert.True(t, errors.Is(err, ErrTruncated) || errors.Is(err, ErrLengthMismatch))
		assert.Equal(t, Measurement{}, got)
	}
}

func TestDecodeSixByteRRRemainder(t *testing.T) {
	data := []byte{0x10, 70, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00}
	got, err := Decode(data, at)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, got.RRIntervals)
}

func TestEncodePreservesFormat(t *testing.T) {
	payloads := [][]byte{
		{0x00, 72},
		{0x01, 72, 0x00},
		{0x06, 100},
		{0x0f, 0x2c, 0x01, 0x05, 0x00},
		{0x11, 0x50, 0x00, 0x84, 0x03},
		{0x1e, 61, 0x10, 0x27, 0x84, 0x03, 0x70, 0x03},
	}
	for _, p := range payloads {
		m, err := Decode(p, at)
		require.NoError(t, err)
		enc := Encode(m)
		assert.Equal(t, p, enc)
		assert.Equal(t, p[0]&FlagValueUint16, enc[0]&FlagValueUint16)
	}
}

func TestEncodeWidensLargeValue(t *testing.T) {
	enc := Encode(Measurement{HeartRate: 256, Format: FormatUint8})
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, enc)
}

func TestMeanRRMillis(t *testing.T) {
	got, ok := MeanRRMillis([]uint16{900, 880})
	require.True(t, ok)
	assert.InDelta(t, 869.14, got, 0.01)

	_, ok = MeanRRMillis(nil)
	assert.False(t, ok)

	assert.InDelta(t, 1000.0, RRMillis(1024), 1e-9)
}
