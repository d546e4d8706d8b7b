package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindRequestSent      Kind = "request.sent"
	KindRequestFailed    Kind = "request.failed"
	KindResponseReceived Kind = "response.received"
	KindSystemError      Kind = "system.error"
)

// Event is one lifecycle notification fanned out to sinks.
type Event struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink receives lifecycle events. Implementations must not block indefinitely;
// slow transports carry their own timeouts.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Notifier fans events out to registered sinks synchronously, in registration
// order. A sink failure is logged and swallowed; it never reaches the caller
// and never skips delivery to the remaining sinks.
type Notifier struct {
	logger *slog.Logger
	sinks  []Sink
}

// New builds a notifier with no sinks registered.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Register appends a sink. Not safe to call concurrently with Publish;
// registration happens during wiring, before the pipeline starts.
func (n *Notifier) Register(sink Sink) {
	n.sinks = append(n.sinks, sink)
}

// Publish delivers one event to every sink.
func (n *Notifier) Publish(ctx context.Context, kind Kind, message string, data map[string]any) {
	ev := Event{
		Kind:    kind,
		Message: message,
		Data:    data,
		At:      time.Now().UTC(),
	}
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			n.logger.Error("notifier sink failed",
				"sink", sink.Name(),
				"kind", string(kind),
				"err", err,
			)
		}
	}
}
