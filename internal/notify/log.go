// Package notify dispatches session notifications. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"context"
	"log/slog"

	"atsflow/internal/ports"
)

// LogNotifier writes notifications to the log. It is the single-node
// default and the fallback while the broker is unavailable.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, recipient string, event ports.Event) {
	n.logger.InfoContext(ctx, "notification",
		"recipient", recipient,
		"type", string(event.Type),
		"session_code", event.SessionCode,
		"status", event.Status,
		"detail", event.Detail,
	)
}
