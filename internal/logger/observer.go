package logger

import (
	"github.com/quarryhq/quarry/internal/gateway"
)

// GatewayObserver returns a gateway.Observer that writes every operation
// event as a structured log line. This is the system's sole telemetry sink;
// error text is redacted before it is written.
func GatewayObserver(l *Logger) gateway.Observer {
	return func(ev gateway.Event) {
		event := l.zlog.Info()
		if !ev.Success {
			event = l.zlog.Warn()
		}
		event = event.
			Str("op", ev.Op).
			Str("backend", string(ev.Backend)).
			Float64("duration_ms", float64(ev.Duration.Microseconds())/1000).
			Bool("success", ev.Success)
		if ev.Success {
			if ev.RowCount > 0 {
				event = event.Int64("rowcount", ev.RowCount)
			}
			if ev.Rows > 0 {
				event = event.Int("rows", ev.Rows)
			}
			if ev.Skipped != "" {
				event = event.Str("skipped", ev.Skipped)
			}
		} else {
			event = event.
				Str("error_class", ev.ErrorClass).
				Str("error_message", Redact(ev.ErrorMessage))
		}
		event.Msg("db operation")
	}
}
