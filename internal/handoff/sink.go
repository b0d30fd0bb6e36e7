package handoff

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmesh/orchestrator/internal/metrics"
)

// Sink receives emitted tickets. The default sink is the logger; a Redis
// Streams sink can be layered on for external consumers.
type Sink interface {
	Emit(ctx context.Context, ticket *Ticket) error
}

// LogSink writes each ticket's wire form to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs the default sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the ticket.
func (s *LogSink) Emit(_ context.Context, ticket *Ticket) error {
	s.logger.Info("Handoff ticket",
		zap.String("ticket_id", ticket.ID),
		zap.String("transition", ticket.Transition()),
		zap.String("reason", ticket.Reason),
		zap.String("expected_outcome", ticket.ExpectedOutcome),
		zap.Float64("confidence", ticket.Confidence),
		zap.Strings("payload_keys", ticket.PayloadKeys()),
	)
	metrics.HandoffsEmitted.WithLabelValues(ticket.Reason).Inc()
	return nil
}

// RedisSink appends tickets to a capped Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink constructs a sink writing to the named stream, trimmed
// approximately to maxLen entries.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = "agentmesh:handoffs"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Emit appends the ticket's wire JSON to the stream.
func (s *RedisSink) Emit(ctx context.Context, ticket *Ticket) error {
	raw, err := ticket.MarshalWire()
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"ticket":     string(raw),
			"transition": ticket.Transition(),
			"reason":     ticket.Reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append ticket to stream %s: %w", s.stream, err)
	}
	return nil
}

// MultiSink fans one ticket out to several sinks; the first error wins but
// all sinks are attempted.
type MultiSink []Sink

// Emit sends the ticket to every sink.
func (m MultiSink) Emit(ctx context.Context, ticket *Ticket) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Emit(ctx, ticket); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
