package alarm

import (
	"time"

	"github.com/cockroachdb/errors"
)

// #region priority

// Priority orders alarms by urgency, lowest first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to its ordinal value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	case "emergency":
		return PriorityEmergency, nil
	}
	return PriorityLow, errors.Newf("alarm: unknown priority %q", s)
}

// #endregion priority

// #region state

// State is the lifecycle state of an alarm instance.
type State string

const (
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateCleared      State = "cleared"
	StateSuppressed   State = "suppressed"
)

// #endregion state

// #region instance

// Instance is one alarm occurrence. At most one live (non-cleared) instance
// exists per Key at any time.
type Instance struct {
	ID        string
	Key       string // stable alarm identity, e.g. "temperature" or "pressure/stale"
	Parameter string
	Priority  Priority
	State     State
	Message   string
	Value     float64 // parameter value when the alarm was raised

	CreatedAt      time.Time
	LastUpdated    time.Time
	AcknowledgedAt time.Time
	ClearedAt      time.Time

	AcknowledgedBy string
	SuppressedBy   string

	// EscalationLevel is monotone non-decreasing while the alarm is live;
	// it resets only by clearing and re-raising.
	EscalationLevel int
	Notifications   int

	// Clearable is set once the parameter is back inside the hysteresis band.
	Clearable bool

	// AllowSuppression mirrors the owning limit's suppression policy.
	AllowSuppression bool
}

// Live reports whether the instance still occupies its Key.
func (i Instance) Live() bool {
	return i.State != StateCleared
}

// #endregion instance

// #region event

// EventKind tags alarm lifecycle events published to external notifiers.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventAcknowledged EventKind = "acknowledged"
	EventCleared      EventKind = "cleared"
	EventEscalated    EventKind = "escalated"
	EventSuppressed   EventKind = "suppressed"
)

// Event is an alarm lifecycle notification carrying a snapshot of the
// instance at the time of the transition.
type Event struct {
	Kind  EventKind
	Alarm Instance
	At    time.Time
}

// #endregion event

// #region config

// Config holds registry tuning.
type Config struct {
	// EscalationTimeout is how long an alarm may stay unacknowledged before
	// its escalation level increments (once per elapsed interval).
	EscalationTimeout time.Duration

	// HistoryLimit caps the cleared-alarm history by count.
	HistoryLimit int

	// HistoryRetention caps the cleared-alarm history by age.
	HistoryRetention time.Duration

	// EventBuffer sizes the event channel; publishes to a full buffer are
	// dropped and counted rather than blocking the watchdog.
	EventBuffer int
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		EscalationTimeout: 15 * time.Minute,
		HistoryLimit:      1000,
		HistoryRetention:  24 * time.Hour,
		EventBuffer:       256,
	}
}

// #endregion config
