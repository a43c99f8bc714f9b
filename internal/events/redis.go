package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream     = "switchboard:events"
	sinkBuffer        = 256
	sinkWriteDeadline = 5 * time.Second
)

// RedisSink mirrors bus events into a Redis stream so other processes
// can follow scheduler activity.
type RedisSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisSink creates a sink writing to stream. maxLen > 0 trims the
// stream approximately to that many entries.
func NewRedisSink(client redis.Cmdable, stream string, maxLen int64, logger *slog.Logger) *RedisSink {
	if stream == "" {
		stream = defaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With("component", "redis-sink"),
	}
}

// Stream returns the target stream key.
func (s *RedisSink) Stream() string {
	return s.stream
}

// Write appends one event to the stream.
func (s *RedisSink) Write(ctx context.Context, e Event) error {
	values := map[string]any{
		"type":      string(e.Type),
		"ticket_id": e.TicketID,
		"team":      e.Team,
		"agent":     e.Agent,
		"message":   e.Message,
		"time":      e.Time.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Data) > 0 {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		values["data"] = string(data)
	}

	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Run subscribes to bus and writes every event until ctx is cancelled.
// Write failures are logged and the event is skipped.
func (s *RedisSink) Run(ctx context.Context, bus *Bus) error {
	ch, unsubscribe := bus.Subscribe(sinkBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, sinkWriteDeadline)
			if err := s.Write(wctx, e); err != nil {
				s.logger.Warn("failed to forward event", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}
