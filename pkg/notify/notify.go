// Package notify delivers structured reconciliation events to an external
// rendering layer (Discord embeds, ops channels).
//
// Delivery is fire-and-forget: the reconciliation engine emits after its
// transaction commits, and a sink failure is logged, never propagated.
package notify

import (
	"context"
	"time"

	"github.com/TrustInBlood/roster-control/internal/logger"
)

// Severity mirrors audit severities for message styling downstream.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Field is one key/value pair rendered in a notification body.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is a structured notification payload. The rendering layer decides
// how a category maps to a channel and message format.
type Event struct {
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Fields      []Field   `json:"fields,omitempty"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives events. Implementations must be safe for concurrent use
// and should not block longer than their own delivery timeout.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// Discard is a Sink that drops everything, for tests and disabled
// notification config.
type Discard struct{}

// Send implements Sink.
func (Discard) Send(context.Context, Event) error { return nil }

// LogSink writes events to the structured log. Used when no webhook is
// configured so whitelist changes still surface in the service log.
type LogSink struct{}

// Send implements Sink.
func (LogSink) Send(_ context.Context, event Event) error {
	args := []any{"category", event.Category, "title", event.Title, "severity", event.Severity}
	for _, f := range event.Fields {
		args = append(args, f.Name, f.Value)
	}
	switch event.Severity {
	case SeverityWarning:
		logger.Warn(event.Description, args...)
	case SeverityError:
		logger.Error(event.Description, args...)
	default:
		logger.Info(event.Description, args...)
	}
	return nil
}
