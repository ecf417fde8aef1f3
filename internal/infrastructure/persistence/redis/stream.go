package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// DefaultStreamMaxLen is the approximate number of entries kept in the stream.
const DefaultStreamMaxLen = 10000

// streamWriter is the part of the client the sink needs.
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamSink appends every event to a Redis stream as a JSON envelope.
// Consumers outside the process read the stream; nothing here reads it back.
type StreamSink struct {
	client  streamWriter
	stream  string
	maxLen  int64
	timeout time.Duration
	newID   func() string
	log     *logger.Logger
}

// NewStreamSink creates a sink writing to "<prefix>events".
func NewStreamSink(client streamWriter, cfg Config, log *logger.Logger) *StreamSink {
	if log == nil {
		log = logger.Nop()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &StreamSink{
		client:  client,
		stream:  cfg.KeyPrefix + "events",
		maxLen:  cfg.StreamMaxLen,
		timeout: timeout,
		newID:   func() string { return uuid.NewString() },
		log:     log.With(logger.Component("event_stream")),
	}
}

// Stream returns the stream key.
func (s *StreamSink) Stream() string {
	return s.stream
}

// Handle implements shared.EventHandler. It is meant to be subscribed to
// every event type on the bus.
func (s *StreamSink) Handle(event shared.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.Append(ctx, event)
	return err
}

// Append writes one envelope and returns the stream entry id.
func (s *StreamSink) Append(ctx context.Context, event shared.Event) (string, error) {
	env, err := shared.NewEventEnvelope(s.newID(), event)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":       env.ID,
			"type":     string(env.Type),
			"envelope": string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	entryID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	s.log.Debug("event appended",
		logger.EventType(string(env.Type)),
		logger.String("entry_id", entryID),
	)
	return entryID, nil
}
