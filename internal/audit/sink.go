package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ZapSink writes events to a structured logger.
type ZapSink struct {
	logger *zap.SugaredLogger
}

func NewZapSink(logger *zap.SugaredLogger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(_ context.Context, e Event) {
	if s == nil || s.logger == nil {
		return
	}
	kv := []any{
		"event_id", e.ID,
		"type", e.Type,
		"category", e.Category,
		"severity", string(e.Severity),
		"success", e.Success,
	}
	if e.AccountID != "" {
		kv = append(kv, "account_id", e.AccountID)
	}
	if e.ActorID != "" {
		kv = append(kv, "actor_id", e.ActorID, "actor_role", e.ActorRole)
	}
	if e.IP != "" {
		kv = append(kv, "ip", e.IP)
	}
	if e.Reason != "" {
		kv = append(kv, "reason", e.Reason)
	}
	for k, v := range e.Metadata {
		kv = append(kv, "md_"+k, v)
	}
	switch e.Severity {
	case SeverityError, SeverityCritical:
		s.logger.Errorw("security event", kv...)
	case SeverityWarning:
		s.logger.Warnw("security event", kv...)
	default:
		s.logger.Infow("security event", kv...)
	}
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// MemorySink keeps events in memory. Useful in tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Emit(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a snapshot of recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types in order.
func (m *MemorySink) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
