package publish

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

var at = time.Date(2026, 3, 1, 7, 30, 0, 123_000_000, time.UTC)

func sample() (heartrate.Measurement, recorder.Stats) {
	m := heartrate.Measurement{
		Timestamp:   at,
		HeartRate:   72,
		Contact:     heartrate.ContactDetected,
		RRIntervals: []uint16{900, 880},
		Segment:     2,
	}
	return m, recorder.Stats{Count: 4, Sum: 280, SumSquares: 66*66 + 70*70 + 70*70 + 74*74, Min: 66, Max: 74, Last: 74}
}

func TestNewSummary(t *testing.T) {
	_, stats := sample()
	s := NewSummary("s1", stats, 90*time.Second)
	assert.Equal(t, 90.0, s.Duration)
	assert.Equal(t, uint16(74), s.Last)
	assert.Equal(t, uint16(66), s.Min)
	assert.Equal(t, 70.0, s.Average)
	// deviations -4, 0, 0, 4: 32/3
	assert.InDelta(t, 3.266, s.StdDev, 1e-3)
}

func TestNewPayload(t *testing.T) {
	m, stats := sample()
	p := NewPayload("s1", m, stats)
	assert.Equal(t, "detected", p.Contact)
	assert.Equal(t, 2, p.Segment)
	assert.Equal(t, 70.0, p.Average)
	require.NotNil(t, p.MeanRRMillis)
	assert.InDelta(t, 869.14, *p.MeanRRMillis, 0.01)
	assert.Nil(t, p.EnergyExpended)
}

func TestEncodingsPreservePayload(t *testing.T) {
	m, stats := sample()
	want := NewPayload("s1", m, stats)

	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			data, err := Marshal(enc, want)
			require.NoError(t, err)

			var got Payload
			require.NoError(t, Unmarshal(enc, data, &got))
			assert.True(t, want.Timestamp.Equal(got.Timestamp))
			got.Timestamp = want.Timestamp
			assert.Equal(t, want, got)
		})
	}

	_, err := Marshal("xml", want)
	assert.Error(t, err)
}

func TestCBORIsDeterministic(t *testing.T) {
	m, stats := sample()
	a, err := Marshal(EncodingCBOR, NewPayload("s1", m, stats))
	require.NoError(t, err)
	b, err := Marshal(EncodingCBOR, NewPayload("s1", m, stats))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "gym/abc/measurement", Topic("gym", "abc", "measurement"))
	assert.Equal(t, "hrmon/abc/summary", Topic("", "abc", "summary"))
}

func TestRedisStreamAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	r, err := NewRedisStream(ctx, RedisConfig{
		Addr:     mr.Addr(),
		Encoding: EncodingCBOR,
		Session:  "s1",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "hrmon:s1", r.Stream())

	m, stats := sample()
	r.Show(m, stats)
	r.Show(m, stats)

	entries, err := r.client.XRange(ctx, "hrmon:s1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "72", entries[0].Values["bpm"])
	assert.Equal(t, "cbor", entries[0].Values["encoding"])

	var got Payload
	require.NoError(t, Unmarshal(EncodingCBOR, []byte(entries[0].Values["payload"].(string)), &got))
	assert.Equal(t, uint16(72), got.HeartRate)
}

func TestRedisStreamUnreachable(t *testing.T) {
	_, err := NewRedisStream(context.Background(), RedisConfig{
		Addr:    "127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
		Logger:  zerolog.Nop(),
	})
	assert.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{ID: "t", Type: "tcp", Address: addr})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return "tcp://" + addr
}

func TestMQTTPublishesMeasurementAndSummary(t *testing.T) {
	broker := startBroker(t)

	subOpts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("watcher")
	sub := mqtt.NewClient(subOpts)
	tok := sub.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	defer sub.Disconnect(100)

	received := make(chan mqtt.Message, 4)
	tok = sub.Subscribe("gym/s1/#", 1, func(_ mqtt.Client, msg mqtt.Message) { received <- msg })
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	pub, err := NewMQTT(MQTTConfig{
		Broker:      broker,
		TopicPrefix: "gym",
		QoS:         1,
		Encoding:    EncodingJSON,
		Session:     "s1",
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer pub.Close()

	m, stats := sample()
	pub.Show(m, stats)

	select {
	case msg := <-received:
		assert.Equal(t, "gym/s1/measurement", msg.Topic())
		var got Payload
		require.NoError(t, Unmarshal(EncodingJSON, msg.Payload(), &got))
		assert.Equal(t, uint16(72), got.HeartRate)
	case <-time.After(5 * time.Second):
		t.Fatal("no measurement published")
	}

	require.NoError(t, pub.PublishSummary(stats, 95*time.Second))
	select {
	case msg := <-received:
		assert.Equal(t, "gym/s1/summary", msg.Topic())
		var got Summary
		require.NoError(t, Unmarshal(EncodingJSON, msg.Payload(), &got))
		assert.Equal(t, uint64(4), got.Count)
		assert.Equal(t, uint16(74), got.Last)
		assert.InDelta(t, 95.0, got.Duration, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no summary published")
	}
}
