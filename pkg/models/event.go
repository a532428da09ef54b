package models

import "time"

// FailoverEventType classifies a health signal.
type FailoverEventType string

const (
	EventConnectionFailure  FailoverEventType = "connection_failure"
	EventConnectionRestored FailoverEventType = "connection_restored"
	EventServerDown         FailoverEventType = "server_down"
	EventServerUp           FailoverEventType = "server_up"
	EventManualTrigger      FailoverEventType = "manual_trigger"
)

// Severity is ordered from low to critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SourceManual is the event source used for operator triggered events.
const SourceManual = "manual"

// EventData carries optional details about a signal.
type EventData struct {
	RetryCount *int           `json:"retryCount,omitempty"`
	ErrorCode  *int           `json:"errorCode,omitempty"`
	URL        string         `json:"url,omitempty"`
	Message    string         `json:"message,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// IntPtr is a helper for filling EventData.
func IntPtr(v int) *int {
	return &v
}

// FailoverEvent is an immutable health signal recorded by the event bus.
type FailoverEvent struct {
	ID        string            `json:"id"`
	Type      FailoverEventType `json:"type"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  Severity          `json:"severity"`
	Data      EventData         `json:"data"`
}

// FailoverDecision is derived from the current event window. Only the latest one matters.
type FailoverDecision struct {
	ShouldFailover     bool            `json:"shouldFailover"`
	Reason             string          `json:"reason"`
	Confidence         float64         `json:"confidence"`
	ContributingEvents []FailoverEvent `json:"contributingEvents"`
	Timestamp          time.Time       `json:"timestamp"`
}
