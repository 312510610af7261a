package events

import (
	"time"

	"github.com/vk74/admincore/internal/ids"
)

// SchemaVersion is stamped into every event so sinks can evolve.
const SchemaVersion = "1.0"

// Severity governs logging verbosity and payload richness. Info and above
// carry identifiers only; free internal detail is allowed at debug.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Type is the event category.
type Type string

const (
	TypeSecurity Type = "security"
	TypeSystem   Type = "system"
	TypeApp      Type = "app"
)

// Event is a single audit/observability record. Events are constructed at a
// decision point, handed to the Bus and discarded; publication outcome never
// feeds back into business control flow.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"event"`
	Source    string            `json:"source"`
	Type      Type              `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	ErrorData string            `json:"error,omitempty"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"ts"`
}

// New builds an event with id, timestamp and schema version filled in.
func New(name, source string, typ Type, severity Severity, message string, payload map[string]string) Event {
	return Event{
		ID:        ids.New(),
		Name:      name,
		Source:    source,
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Payload:   payload,
		Version:   SchemaVersion,
		Timestamp: time.Now().UTC(),
	}
}

// WithError attaches failure detail. Only failure events carry it.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.ErrorData = err.Error()
	}
	return e
}
