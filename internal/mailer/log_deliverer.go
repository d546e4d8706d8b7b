package mailer

import (
	"context"
	"log/slog"
)

// LogDeliverer writes messages to the log instead of a relay. Used when no
// SMTP relay is configured, so the pipeline stays exercisable in development.
type LogDeliverer struct {
	logger *slog.Logger
}

// NewLogDeliverer builds the logging transport.
func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger}
}

// Deliver logs the message and succeeds.
func (d *LogDeliverer) Deliver(_ context.Context, recipient, subject, body string) error {
	d.logger.Info("delivery (log transport)",
		"recipient", recipient,
		"subject", subject,
		"body_len", len(body),
	)
	return nil
}
