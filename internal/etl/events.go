package etl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BartekS5/syncflow/pkg/logger"
)

// EventKind names a run event.
type EventKind string

const (
	EventBatchStarted      EventKind = "batch_started"
	EventBatchCommitted    EventKind = "batch_committed"
	EventRetryScheduled    EventKind = "retry_scheduled"
	EventRecordQuarantined EventKind = "record_quarantined"
	EventRunCompleted      EventKind = "run_completed"
	EventRunFailed         EventKind = "run_failed"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is a structured run event. SourceID is empty for run-level events.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"runId"`
	SourceID  string         `json:"sourceId,omitempty"`
	Level     Level          `json:"level"`
	Kind      EventKind      `json:"kind"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// AlertEvent is an escalation for an external alert transport.
type AlertEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	RunID     string         `json:"runId"`
	SourceID  string         `json:"sourceId,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// EventSink consumes run events. Emit must not block the pipeline for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// AlertSink delivers escalations.
type AlertSink interface {
	Alert(ctx context.Context, alert AlertEvent) error
}

// LogSink renders events and alerts through pkg/logger.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, ev Event) {
	logger.L().LogAttrs(ctx, ev.Level.slog(), ev.Message, eventAttrs(ev.RunID, ev.SourceID, ev.Context,
		slog.String("kind", string(ev.Kind)))...)
}

func (LogSink) Alert(ctx context.Context, a AlertEvent) error {
	logger.L().LogAttrs(ctx, slog.LevelError, "ALERT: "+a.Message, eventAttrs(a.RunID, a.SourceID, a.Context,
		slog.String("alertLevel", string(a.Level)))...)
	return nil
}

func eventAttrs(runID, sourceID string, ctxFields map[string]any, extra ...slog.Attr) []slog.Attr {
	attrs := append([]slog.Attr{slog.String("runId", runID)}, extra...)
	if sourceID != "" {
		attrs = append(attrs, slog.String("sourceId", sourceID))
	}
	if len(ctxFields) > 0 {
		group := make([]any, 0, len(ctxFields))
		for k, v := range ctxFields {
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("context", group...))
	}
	return attrs
}

// MultiSink fans events and alerts out to several sinks. Alert returns the
// first delivery error after trying every sink.
type MultiSink struct {
	Events []EventSink
	Alerts []AlertSink
}

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m.Events {
		s.Emit(ctx, ev)
	}
}

func (m MultiSink) Alert(ctx context.Context, a AlertEvent) error {
	var first error
	for _, s := range m.Alerts {
		if err := s.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps every event and alert in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	alerts []AlertEvent
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Alert(_ context.Context, a AlertEvent) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsOf returns the recorded events of one kind.
func (r *Recorder) EventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Alerts() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}
