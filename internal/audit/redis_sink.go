package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStreamSink appends events to a Redis stream for the audit-log service
// to consume. Write failures are logged, never returned to the caller.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *zap.SugaredLogger
}

func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64, logger *zap.SugaredLogger) *RedisStreamSink {
	if stream == "" {
		stream = "security-events"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

func (s *RedisStreamSink) Emit(ctx context.Context, e Event) {
	if s == nil || s.client == nil {
		return
	}
	md := "{}"
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			md = string(raw)
		}
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":         e.ID,
			"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
			"type":       e.Type,
			"category":   e.Category,
			"severity":   string(e.Severity),
			"success":    e.Success,
			"account_id": e.AccountID,
			"actor_id":   e.ActorID,
			"actor_role": e.ActorRole,
			"ip":         e.IP,
			"user_agent": e.UserAgent,
			"reason":     e.Reason,
			"metadata":   md,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil && s.logger != nil {
		s.logger.Warnw("audit stream write failed", "stream", s.stream, "type", e.Type, "err", err)
	}
}
