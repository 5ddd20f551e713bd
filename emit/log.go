package emit

import (
	"context"
	"log/slog"
)

// LogEmitter writes each hook event as a structured log/slog record. Grounded
// on the teacher's LogEmitter (graph/emit/log.go), rebuilt against log/slog
// per SPEC_FULL.md §10.1's ambient logging choice instead of the teacher's
// raw io.Writer text/JSON toggle.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter constructs a LogEmitter. A nil logger uses slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 2+2*len(event.Meta))
	attrs = append(attrs, "flow_id", event.FlowID, "kind", string(event.Kind))
	for k, v := range event.Meta {
		attrs = append(attrs, k, v)
	}
	e.logger.Info("flowspec hook", attrs...)
}

func (e *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		e.Emit(ev)
	}
	return nil
}

func (e *LogEmitter) Flush(context.Context) error { return nil }
