package events

import (
	"context"
	"log/slog"
)

// Log logs an event at INFO (kind, session or target, formats) and, for
// failed results, the error at DEBUG. Silent kinds such as cancellation are
// never logged as failures.
func Log(ev Event) {
	attrs := []any{"kind", string(ev.Kind)}
	if ev.Session != "" {
		attrs = append(attrs, "session", ev.Session)
	}
	if ev.Target != "" {
		attrs = append(attrs, "target", ev.Target)
	}
	if ev.State != "" {
		attrs = append(attrs, "state", ev.State)
	}
	if ev.Operation != "" {
		attrs = append(attrs, "op", ev.Operation)
	}
	if len(ev.Formats) > 0 {
		attrs = append(attrs, "formats", ev.Formats)
	}

	switch ev.Kind {
	case DragUpdate, TargetMove:
		// Pointer motion is too chatty for INFO.
		slog.Debug("transfer event", attrs...)
	default:
		slog.Info("transfer event", attrs...)
	}

	if ev.Result.OK() || !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if ev.Result.Kind.Silent() {
		slog.Debug("transfer ended quietly", "kind", string(ev.Result.Kind))
		return
	}
	slog.Debug("transfer error", "kind", string(ev.Result.Kind), "message", ev.Result.Message)
}
