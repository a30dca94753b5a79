package publish

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

// MQTTConfig configures an MQTT publisher.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
	Encoding    Encoding
	Session     string
	Logger      zerolog.Logger
}

// MQTT publishes each measurement to <prefix>/<session>/measurement.
type MQTT struct {
	client mqtt.Client
	cfg    MQTTConfig
	topic  string
}

// NewMQTT connects to cfg.Broker.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hrmon-" + cfg.Session
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.Timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("publish: connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("publish: connect to %s: %w", cfg.Broker, err)
	}

	cfg.Logger.Info().Str("broker", cfg.Broker).Msg("[PUBLISH] mqtt connected")
	return &MQTT{client: client, cfg: cfg, topic: Topic(cfg.TopicPrefix, cfg.Session, "measurement")}, nil
}

// Topic joins the MQTT topic levels for a session.
func Topic(prefix, session, leaf string) string {
	if prefix == "" {
		prefix = "hrmon"
	}
	return prefix + "/" + session + "/" + leaf
}

func (p *MQTT) Show(m heartrate.Measurement, stats recorder.Stats) {
	if err := p.publish(p.topic, NewPayload(p.cfg.Session, m, stats)); err != nil {
		p.cfg.Logger.Warn().Err(err).Msg("[PUBLISH] mqtt publish failed")
	}
}

// PublishSummary sends the final statistics and the session duration,
// retained, to <prefix>/<session>/summary.
func (p *MQTT) PublishSummary(stats recorder.Stats, duration time.Duration) error {
	summary := NewSummary(p.cfg.Session, stats, duration)
	return p.publishRetained(Topic(p.cfg.TopicPrefix, p.cfg.Session, "summary"), summary, true)
}

func (p *MQTT) publish(topic string, v any) error {
	return p.publishRetained(topic, v, false)
}

func (p *MQTT) publishRetained(topic string, v any, retained bool) error {
	data, err := Marshal(p.cfg.Encoding, v)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, p.cfg.QoS, retained, data)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish: %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *MQTT) Close() {
	p.client.Disconnect(250)
}

// Summary is the published end-of-session record.
type Summary struct {
	Session  string    `json:"session" cbor:"session"`
	Started  time.Time `json:"started" cbor:"started"`
	Duration float64   `json:"duration_s" cbor:"duration_s"`
	Count    uint64    `json:"count" cbor:"count"`
	Average  float64   `json:"average_bpm" cbor:"average_bpm"`
	StdDev   float64   `json:"std_bpm" cbor:"std_bpm"`
	Min      uint16    `json:"min_bpm" cbor:"min_bpm"`
	Max      uint16    `json:"max_bpm" cbor:"max_bpm"`
	Last     uint16    `json:"last_bpm" cbor:"last_bpm"`
	Dropped  uint64    `json:"dropped" cbor:"dropped"`
	Segments int       `json:"segments" cbor:"segments"`
}

// NewSummary converts stats; duration is reported in seconds.
func NewSummary(session string, stats recorder.Stats, duration time.Duration) Summary {
	return Summary{
		Session:  session,
		Started:  stats.Started.UTC(),
		Duration: duration.Seconds(),
		Count:    stats.Count,
		Average:  stats.Average(),
		StdDev:   stats.StdDev(),
		Min:      stats.Min,
		Max:      stats.Max,
		Last:     stats.Last,
		Dropped:  stats.Dropped,
		Segments: stats.Segments,
	}
}
