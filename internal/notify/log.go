package notify

import (
	"context"
	"log/slog"
)

// LogSender writes notifications to the structured log. It is always
// configured so triggers are visible without any external channel.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "alerts"))}
}

func (l *LogSender) Send(ctx context.Context, title, message string) error {
	l.logger.InfoContext(ctx, "alert",
		slog.String("title", title),
		slog.String("message", message),
	)
	return nil
}

func (l *LogSender) Name() string { return "log" }
