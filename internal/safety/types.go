package safety

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/reh3376/ignition-tools-sub003/internal/alarm"
)

// #region level

// Level is a Safety Integrity Level, SIL0 lowest to SIL4 highest.
type Level int

const (
	SIL0 Level = iota
	SIL1
	SIL2
	SIL3
	SIL4
)

func (l Level) String() string {
	switch l {
	case SIL0:
		return "SIL0"
	case SIL1:
		return "SIL1"
	case SIL2:
		return "SIL2"
	case SIL3:
		return "SIL3"
	case SIL4:
		return "SIL4"
	default:
		return "unknown"
	}
}

// ParseLevel converts "SIL0".."SIL4" to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "SIL0":
		return SIL0, nil
	case "SIL1":
		return SIL1, nil
	case "SIL2":
		return SIL2, nil
	case "SIL3":
		return SIL3, nil
	case "SIL4":
		return SIL4, nil
	}
	return SIL0, errors.Newf("safety: unknown level %q", s)
}

// #endregion level

// #region state

// State is the derived system safety state, ordered by severity.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateAlarm
	StateEmergency
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateAlarm:
		return "alarm"
	case StateEmergency:
		return "emergency"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// #endregion state

// #region limit

// Limit is the immutable configuration for one monitored parameter.
type Limit struct {
	Parameter string

	// Low and High are optional bounds; at least one must be set.
	Low  *float64
	High *float64

	Level    Level
	Priority alarm.Priority

	// TimeDelay debounces: the bound must be violated continuously for at
	// least this long before an alarm is raised.
	TimeDelay time.Duration

	// Hysteresis is the dead band inside the limit required before the
	// alarm becomes clearable.
	Hysteresis float64

	AllowSuppression bool
}

// Validate rejects malformed limits at construction time.
func (l Limit) Validate() error {
	if l.Parameter == "" {
		return errors.New("safety: limit parameter name is empty")
	}
	if l.Low == nil && l.High == nil {
		return errors.Newf("safety: limit %q has neither low nor high bound", l.Parameter)
	}
	if l.Low != nil && l.High != nil && *l.Low >= *l.High {
		return errors.Newf("safety: limit %q low %v >= high %v", l.Parameter, *l.Low, *l.High)
	}
	if l.TimeDelay < 0 {
		return errors.Newf("safety: limit %q negative time delay", l.Parameter)
	}
	if l.Hysteresis < 0 {
		return errors.Newf("safety: limit %q negative hysteresis", l.Parameter)
	}
	if l.Level < SIL0 || l.Level > SIL4 {
		return errors.Newf("safety: limit %q level %d out of range", l.Parameter, l.Level)
	}
	return nil
}

// #endregion limit

// #region check-result

// Violation identifies which bound a value crossed.
type Violation string

const (
	ViolationLow  Violation = "low"
	ViolationHigh Violation = "high"
)

// CheckResult is the outcome of a single parameter update.
type CheckResult struct {
	Safe      bool
	Violation Violation // empty when Safe
	AlarmID   string    // non-empty when this update confirmed a new alarm
}

// #endregion check-result

// #region derive

// DeriveState computes the system safety state as the maximum severity
// implied by live, non-suppressed alarms. It is a pure function of the
// alarm set: acknowledged alarms keep their severity, suppressed ones are
// excluded, and nothing else contributes.
func DeriveState(instances []alarm.Instance) State {
	state := StateNormal
	for _, inst := range instances {
		if inst.State != alarm.StateActive && inst.State != alarm.StateAcknowledged {
			continue
		}
		if s := priorityState(inst.Priority); s > state {
			state = s
		}
	}
	return state
}

func priorityState(p alarm.Priority) State {
	switch p {
	case alarm.PriorityLow, alarm.PriorityMedium:
		return StateWarning
	case alarm.PriorityHigh:
		return StateAlarm
	case alarm.PriorityCritical, alarm.PriorityEmergency:
		return StateEmergency
	default:
		return StateNormal
	}
}

// #endregion derive
