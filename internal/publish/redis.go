package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/chaz8081/hrmon/internal/heartrate"
	"github.com/chaz8081/hrmon/internal/recorder"
)

// RedisConfig configures a Redis Streams publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// StreamPrefix is joined with the session id as <prefix>:<session>.
	StreamPrefix string
	// MaxLen caps the stream approximately; zero means unbounded.
	MaxLen   int64
	Timeout  time.Duration
	Encoding Encoding
	Session  string
	Logger   zerolog.Logger
}

// RedisStream appends each measurement to a Redis stream.
type RedisStream struct {
	client *redis.Client
	cfg    RedisConfig
	stream string
}

// NewRedisStream connects and verifies the server with PING.
func NewRedisStream(ctx context.Context, cfg RedisConfig) (*RedisStream, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "hrmon"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("publish: redis %s: %w", cfg.Addr, err)
	}

	stream := cfg.StreamPrefix + ":" + cfg.Session
	cfg.Logger.Info().Str("addr", cfg.Addr).Str("stream", stream).Msg("[PUBLISH] redis connected")
	return &RedisStream{client: client, cfg: cfg, stream: stream}, nil
}

// Stream returns the stream key.
func (r *RedisStream) Stream() string { return r.stream }

func (r *RedisStream) Show(m heartrate.Measurement, stats recorder.Stats) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if _, err := r.Add(ctx, NewPayload(r.cfg.Session, m, stats)); err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("[PUBLISH] redis xadd failed")
	}
}

// Add appends p and returns the stream entry id.
func (r *RedisStream) Add(ctx context.Context, p Payload) (string, error) {
	data, err := Marshal(r.cfg.Encoding, p)
	if err != nil {
		return "", err
	}
	enc := r.cfg.Encoding
	if enc == "" {
		enc = EncodingJSON
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"bpm":      p.HeartRate,
			"encoding": string(enc),
			"payload":  data,
		},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish: xadd %s: %w", r.stream, err)
	}
	return id, nil
}

// Close closes the client.
func (r *RedisStream) Close() error {
	return r.client.Close()
}
