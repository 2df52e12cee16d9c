package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/reh3376/ignition-tools-sub003/internal/alarm"
)

// #region errors

// ErrEvaluationFailed wraps any internal fault during a watchdog pass.
// Such faults are promoted to EMERGENCY, never skipped.
var ErrEvaluationFailed = errors.New("safety: evaluation failure")

// ErrShutdown rejects parameter updates after the shutdown latch is set.
var ErrShutdown = errors.New("safety: monitor is shut down")

// #endregion errors

const (
	staleKeySuffix = "/stale"
	pruneInterval  = time.Minute
)

// #region config

// Config holds monitor-wide settings.
type Config struct {
	Limits []Limit

	// WatchdogInterval is the cadence of Evaluate; it is generally shorter
	// than the control loop's sample time.
	WatchdogInterval time.Duration

	// StalenessWindow bounds how old a parameter reading may be before a
	// dedicated stale-data alarm is raised instead of trusting it.
	StalenessWindow time.Duration
}

// DefaultConfig returns monitor defaults without any limits.
func DefaultConfig() Config {
	return Config{
		WatchdogInterval: 250 * time.Millisecond,
		StalenessWindow:  10 * time.Second,
	}
}

// Validate rejects malformed monitor configuration, including every limit.
func (c Config) Validate() error {
	if c.WatchdogInterval <= 0 {
		return errors.Newf("safety: watchdog interval %v must be > 0", c.WatchdogInterval)
	}
	if c.StalenessWindow <= 0 {
		return errors.Newf("safety: staleness window %v must be > 0", c.StalenessWindow)
	}
	seen := make(map[string]bool, len(c.Limits))
	for _, l := range c.Limits {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.Parameter] {
			return errors.Newf("safety: duplicate limit for parameter %q", l.Parameter)
		}
		seen[l.Parameter] = true
	}
	return nil
}

// #endregion config

// #region status

// Status is a consistent snapshot of the monitor for external pollers.
type Status struct {
	State           State
	EmergencyActive bool
	Shutdown        bool
	LiveAlarms      int
	LastEvaluation  time.Time
}

// #endregion status

// #region monitor

type reading struct {
	value float64
	at    time.Time
}

// Monitor independently evaluates raw measurements against configured
// limits and derives the system safety state. It runs concurrently with
// the control loop and never depends on controller results.
type Monitor struct {
	mu  sync.Mutex
	cfg Config

	limits   map[string]Limit
	registry *alarm.Registry

	readings map[string]reading
	pending  map[string]time.Time // violation start per parameter

	state           State
	emergencyActive bool // sticky until Reset
	shutdown        bool // terminal until Reset
	lastEval        time.Time
	lastPrune       time.Time

	// onEmergency fires exactly once per transition into EMERGENCY.
	// It must not block; heavy work belongs in the callee's goroutine.
	onEmergency func(reason string)

	clock func() time.Time
	log   *zap.SugaredLogger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithEmergencyHandler installs the edge-triggered emergency dispatcher.
func WithEmergencyHandler(fn func(reason string)) Option {
	return func(m *Monitor) { m.onEmergency = fn }
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithLogger injects a structured logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Monitor) { m.log = log }
}

// New validates the configuration and builds a monitor in NORMAL state.
func New(cfg Config, registry *alarm.Registry, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limits := make(map[string]Limit, len(cfg.Limits))
	for _, l := range cfg.Limits {
		limits[l.Parameter] = l
	}
	m := &Monitor{
		cfg:      cfg,
		limits:   limits,
		registry: registry,
		readings: make(map[string]reading),
		pending:  make(map[string]time.Time),
		clock:    time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// #endregion monitor

// #region update-parameter

// UpdateParameter records a fresh measurement and checks it against the
// parameter's limit. A violation sustained past the limit's time delay
// confirms an alarm; a value back inside the hysteresis band marks the
// live alarm clearable.
func (m *Monitor) UpdateParameter(name string, value float64) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return CheckResult{}, errors.Wrapf(ErrShutdown, "parameter %q", name)
	}

	now := m.clock()
	m.readings[name] = reading{value: value, at: now}

	// Fresh data retires any stale alarm for this parameter.
	m.registry.MarkClearable(name+staleKeySuffix, true)

	limit, ok := m.limits[name]
	if !ok {
		return CheckResult{Safe: true}, nil
	}

	viol := checkBounds(limit, value)
	if viol == "" {
		delete(m.pending, name)
		m.registry.MarkClearable(name, inHysteresisBand(limit, value))
		return CheckResult{Safe: true}, nil
	}

	m.registry.MarkClearable(name, false)
	started, pending := m.pending[name]
	if !pending {
		started = now
		m.pending[name] = started
	}
	result := CheckResult{Safe: false, Violation: viol}
	if now.Sub(started) >= limit.TimeDelay {
		if id := m.confirmAlarm(limit, viol, value, now); id != "" {
			result.AlarmID = id
		}
	}
	return result, nil
}

// confirmAlarm raises the limit alarm unless one is already live.
// Caller holds m.mu.
func (m *Monitor) confirmAlarm(limit Limit, viol Violation, value float64, now time.Time) string {
	if _, live := m.registry.LiveByKey(limit.Parameter); live {
		return ""
	}
	msg := fmt.Sprintf("%s %s limit violated: value %v", limit.Parameter, viol, value)
	inst, err := m.registry.Raise(limit.Parameter, limit.Parameter, limit.Priority, value, limit.AllowSuppression, msg)
	if err != nil {
		// Lost a race with another raise for the same key; the invariant
		// of one live instance per key still holds.
		m.log.Warnw("alarm raise rejected", "parameter", limit.Parameter, "error", err)
		return ""
	}
	m.log.Infow("alarm raised",
		"parameter", limit.Parameter,
		"violation", string(viol),
		"value", value,
		"priority", inst.Priority.String(),
	)
	return inst.ID
}

// #endregion update-parameter

// #region evaluate

// Evaluate runs one watchdog pass: debounce maturation, staleness checks,
// escalation, history pruning, and the derived-state recompute with the
// edge-triggered emergency dispatch. Any internal fault, including a panic
// in the pass itself, is promoted to EMERGENCY rather than skipped.
func (m *Monitor) Evaluate(now time.Time) (state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrEvaluationFailed, "watchdog panic: %v", r)
			m.failSafeLocked(fmt.Sprintf("safety evaluation panic: %v", r))
			state = m.state
		}
	}()

	m.lastEval = now

	for name, limit := range m.limits {
		rd, ok := m.readings[name]

		// Stale or missing data is never silently trusted.
		if !ok || now.Sub(rd.at) > m.cfg.StalenessWindow {
			m.raiseStaleLocked(name, rd, ok, now)
			continue
		}

		// Debounce maturation without a new measurement.
		if started, pending := m.pending[name]; pending && now.Sub(started) >= limit.TimeDelay {
			if viol := checkBounds(limit, rd.value); viol != "" {
				m.confirmAlarm(limit, viol, rd.value, now)
			}
		}
	}

	m.registry.Escalate(now)
	if m.lastPrune.IsZero() || now.Sub(m.lastPrune) >= pruneInterval {
		m.registry.PruneHistory(now)
		m.lastPrune = now
	}

	derived := DeriveState(m.registry.Snapshot())
	if derived >= StateEmergency && !m.emergencyActive {
		m.emergencyActive = true
		if m.onEmergency != nil {
			m.onEmergency(fmt.Sprintf("safety state reached %s", derived))
		}
	}
	m.state = m.effectiveStateLocked(derived)
	return m.state, nil
}

// raiseStaleLocked raises the dedicated stale-data alarm for a parameter.
func (m *Monitor) raiseStaleLocked(name string, rd reading, hadReading bool, now time.Time) {
	key := name + staleKeySuffix
	if _, live := m.registry.LiveByKey(key); live {
		m.registry.MarkClearable(key, false)
		return
	}
	age := "never reported"
	value := 0.0
	if hadReading {
		age = now.Sub(rd.at).String()
		value = rd.value
	}
	msg := fmt.Sprintf("%s data stale: %s", name, age)
	if _, err := m.registry.Raise(key, name, alarm.PriorityHigh, value, true, msg); err == nil {
		m.log.Warnw("stale data alarm raised", "parameter", name, "age", age)
	}
}

// effectiveStateLocked applies the sticky latches to the derived state.
func (m *Monitor) effectiveStateLocked(derived State) State {
	if m.shutdown {
		return StateShutdown
	}
	if m.emergencyActive && derived < StateEmergency {
		return StateEmergency
	}
	return derived
}

// #endregion evaluate

// #region fail-safe

// failSafeLocked latches the emergency state after an internal safety fault.
func (m *Monitor) failSafeLocked(reason string) {
	m.log.Errorw("safety evaluation failed, escalating to emergency", "reason", reason)
	if !m.emergencyActive {
		m.emergencyActive = true
		if m.onEmergency != nil {
			m.onEmergency(reason)
		}
	}
	m.state = m.effectiveStateLocked(StateEmergency)
}

// ReportEvaluationFailure promotes an external watchdog fault (e.g. the
// loop itself faulting) to EMERGENCY. Fail-safe: never a silent skip.
func (m *Monitor) ReportEvaluationFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSafeLocked(reason)
}

// ForceShutdown sets the terminal shutdown latch.
func (m *Monitor) ForceShutdown(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Errorw("shutdown latched", "reason", reason)
	m.shutdown = true
	m.state = StateShutdown
}

// Reset clears the emergency and shutdown latches after an explicit
// external reset. The next evaluation recomputes the state from the
// remaining alarm set.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyActive = false
	m.shutdown = false
	m.state = DeriveState(m.registry.Snapshot())
}

// #endregion fail-safe

// #region operator

// AcknowledgeAlarm marks an alarm acknowledged on behalf of an operator.
func (m *Monitor) AcknowledgeAlarm(id, user string) (alarm.Instance, error) {
	return m.registry.Acknowledge(id, user)
}

// ClearAlarm clears an alarm; legal only when the value is back within the
// hysteresis band unless force is set by an authorized override.
func (m *Monitor) ClearAlarm(id string, force bool) (alarm.Instance, error) {
	return m.registry.Clear(id, force)
}

// SuppressAlarm suppresses an alarm when its limit allows suppression.
func (m *Monitor) SuppressAlarm(id, user string) (alarm.Instance, error) {
	return m.registry.Suppress(id, user)
}

// #endregion operator

// #region reads

// CurrentState returns the last computed safety state.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EmergencyActive reports the sticky emergency latch.
func (m *Monitor) EmergencyActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyActive
}

// Status returns a consistent snapshot reflecting a complete evaluation
// pass, never a partially-updated alarm set.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:           m.state,
		EmergencyActive: m.emergencyActive,
		Shutdown:        m.shutdown,
		LiveAlarms:      len(m.registry.Snapshot()),
		LastEvaluation:  m.lastEval,
	}
}

// WatchdogInterval returns the configured evaluation cadence.
func (m *Monitor) WatchdogInterval() time.Duration {
	return m.cfg.WatchdogInterval
}

// #endregion reads

// #region bounds

func checkBounds(limit Limit, value float64) Violation {
	if limit.High != nil && value > *limit.High {
		return ViolationHigh
	}
	if limit.Low != nil && value < *limit.Low {
		return ViolationLow
	}
	return ""
}

func inHysteresisBand(limit Limit, value float64) bool {
	if limit.High != nil && value > *limit.High-limit.Hysteresis {
		return false
	}
	if limit.Low != nil && value < *limit.Low+limit.Hysteresis {
		return false
	}
	return true
}

// #endregion bounds
