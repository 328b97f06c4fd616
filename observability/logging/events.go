package logging

import (
	"log/slog"
	"sort"

	"deedledger/core/events"
	"deedledger/observability"
)

// EventLogger writes every ledger event as one structured log line and counts
// it in the deed_events_emitted_total metric.
type EventLogger struct {
	Logger *slog.Logger
}

// Emit implements events.Emitter.
func (l EventLogger) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	rendered := payload.Event()
	if rendered == nil {
		return
	}
	observability.Events().RecordEvent(rendered.Type)
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := make([]string, 0, len(rendered.Attributes))
	for k := range rendered.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, rendered.Attributes[k]))
	}
	logger.Info("ledger event", slog.String("type", rendered.Type), slog.Group("attributes", attrs...))
}
