package safety

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/reh3376/ignition-tools-sub003/internal/alarm"
)

func f64(v float64) *float64 { return &v }

func testClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func tempLimit() Limit {
	return Limit{
		Parameter:        "temperature",
		High:             f64(85.0),
		Level:            SIL2,
		Priority:         alarm.PriorityHigh,
		TimeDelay:        2 * time.Second,
		Hysteresis:       3.0,
		AllowSuppression: true,
	}
}

func newMonitor(t *testing.T, clock func() time.Time, limits ...Limit) (*Monitor, *alarm.Registry) {
	t.Helper()
	reg := alarm.NewRegistry(alarm.DefaultConfig(), alarm.WithClock(clock))
	cfg := DefaultConfig()
	cfg.Limits = limits
	cfg.StalenessWindow = 10 * time.Second
	m, err := New(cfg, reg, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reg
}

func TestLimitValidation(t *testing.T) {
	if err := (Limit{Parameter: "x"}).Validate(); err == nil {
		t.Fatal("limit without bounds must be rejected")
	}
	if err := (Limit{Parameter: "x", Low: f64(10), High: f64(5)}).Validate(); err == nil {
		t.Fatal("inverted bounds must be rejected")
	}
	if err := tempLimit().Validate(); err != nil {
		t.Fatalf("valid limit rejected: %v", err)
	}
}

func TestConfigRejectsDuplicateParameters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = []Limit{tempLimit(), tempLimit()}
	reg := alarm.NewRegistry(alarm.DefaultConfig())
	if _, err := New(cfg, reg); err == nil {
		t.Fatal("duplicate limits must be rejected")
	}
}

// Scenario B: 75 is safe, 90 past the time delay raises exactly one HIGH
// alarm, 80 (inside the 3.0 hysteresis band below 85) makes it clearable.
func TestHighLimitDebounceAndHysteresis(t *testing.T) {
	clock, advance := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, reg := newMonitor(t, clock, tempLimit())

	res, err := m.UpdateParameter("temperature", 75.0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Safe || res.AlarmID != "" {
		t.Fatalf("75.0 must be safe: %+v", res)
	}

	// First violating sample starts the debounce, no alarm yet.
	res, err = m.UpdateParameter("temperature", 90.0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Safe || res.Violation != ViolationHigh || res.AlarmID != "" {
		t.Fatalf("expected unconfirmed high violation: %+v", res)
	}

	advance(3 * time.Second)
	res, err = m.UpdateParameter("temperature", 90.0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.AlarmID == "" {
		t.Fatalf("violation past time delay must confirm an alarm: %+v", res)
	}

	inst, ok := reg.LiveByKey("temperature")
	if !ok || inst.Priority != alarm.PriorityHigh {
		t.Fatalf("expected one live HIGH alarm, got %+v", inst)
	}

	// Continued violation keeps the single instance.
	advance(time.Second)
	if _, err := m.UpdateParameter("temperature", 92.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := len(reg.Snapshot()); got != 1 {
		t.Fatalf("expected exactly one live alarm, got %d", got)
	}

	// 84 is below the limit but inside the hysteresis band: not clearable.
	if _, err := m.UpdateParameter("temperature", 84.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := m.ClearAlarm(inst.ID, false); !errors.Is(err, alarm.ErrNotClearable) {
		t.Fatalf("84.0 must not be clearable, got %v", err)
	}

	// 80 is outside the band: clearable.
	if _, err := m.UpdateParameter("temperature", 80.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := m.ClearAlarm(inst.ID, false); err != nil {
		t.Fatalf("80.0 must be clearable: %v", err)
	}
}

func TestDebounceMaturesInWatchdogPass(t *testing.T) {
	clock, advance := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, reg := newMonitor(t, clock, tempLimit())

	if _, err := m.UpdateParameter("temperature", 90.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := len(reg.Snapshot()); got != 0 {
		t.Fatalf("no alarm before time delay, got %d", got)
	}

	// No new measurement arrives, the watchdog confirms the pending violation.
	advance(3 * time.Second)
	if _, err := m.Evaluate(clock()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, ok := reg.LiveByKey("temperature"); !ok {
		t.Fatal("watchdog pass must confirm matured debounce")
	}
}

// Scenario C: HIGH and CRITICAL both violated derives EMERGENCY, and the
// emergency handler fires once per transition, not once per tick.
func TestEmergencyDispatchedOncePerTransition(t *testing.T) {
	clock, advance := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	pressure := Limit{
		Parameter: "pressure",
		High:      f64(200.0),
		Level:     SIL3,
		Priority:  alarm.PriorityCritical,
	}
	temp := tempLimit()
	temp.TimeDelay = 0

	reg := alarm.NewRegistry(alarm.DefaultConfig(), alarm.WithClock(clock))
	cfg := DefaultConfig()
	cfg.Limits = []Limit{temp, pressure}

	calls := 0
	m, err := New(cfg, reg,
		WithClock(clock),
		WithEmergencyHandler(func(reason string) { calls++ }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.UpdateParameter("temperature", 95.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := m.UpdateParameter("pressure", 250.0); err != nil {
		t.Fatalf("update: %v", err)
	}

	state, err := m.Evaluate(clock())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state != StateEmergency {
		t.Fatalf("expected emergency, got %s", state)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", calls)
	}

	// Staying in emergency across ticks does not re-dispatch.
	for i := 0; i < 5; i++ {
		advance(time.Second)
		m.UpdateParameter("temperature", 95.0)
		m.UpdateParameter("pressure", 250.0)
		if _, err := m.Evaluate(clock()); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("dispatch must be edge-triggered, got %d calls", calls)
	}
}

// Scenario D: a parameter that stops reporting raises a distinct HIGH
// stale-data alarm rather than silently trusting old data.
func TestStaleDataAlarm(t *testing.T) {
	clock, advance := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pressure := Limit{
		Parameter: "pressure",
		High:      f64(200.0),
		Level:     SIL2,
		Priority:  alarm.PriorityCritical,
	}
	m, reg := newMonitor(t, clock, pressure)

	if _, err := m.UpdateParameter("pressure", 150.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	advance(30 * time.Second)
	if _, err := m.Evaluate(clock()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	stale, ok := reg.LiveByKey("pressure/stale")
	if !ok {
		t.Fatal("expected stale-data alarm")
	}
	if stale.Priority != alarm.PriorityHigh {
		t.Fatalf("stale alarm priority: got %s want high", stale.Priority)
	}
	if _, ok := reg.LiveByKey("pressure"); ok {
		t.Fatal("stale alarm must be distinct from the limit alarm")
	}

	// Fresh data makes the stale alarm clearable.
	if _, err := m.UpdateParameter("pressure", 150.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := m.ClearAlarm(stale.ID, false); err != nil {
		t.Fatalf("stale alarm should clear after fresh data: %v", err)
	}
}

// Derived state is a pure function of the alarm set: max ordinal severity
// over active/acknowledged alarms, suppressed excluded.
func TestDeriveStateIsMaxSeverity(t *testing.T) {
	cases := []struct {
		name string
		in   []alarm.Instance
		want State
	}{
		{"empty", nil, StateNormal},
		{"low only", []alarm.Instance{
			{State: alarm.StateActive, Priority: alarm.PriorityLow},
		}, StateWarning},
		{"high beats medium", []alarm.Instance{
			{State: alarm.StateActive, Priority: alarm.PriorityMedium},
			{State: alarm.StateActive, Priority: alarm.PriorityHigh},
		}, StateAlarm},
		{"critical derives emergency", []alarm.Instance{
			{State: alarm.StateActive, Priority: alarm.PriorityHigh},
			{State: alarm.StateActive, Priority: alarm.PriorityCritical},
		}, StateEmergency},
		{"acknowledged keeps severity", []alarm.Instance{
			{State: alarm.StateAcknowledged, Priority: alarm.PriorityCritical},
		}, StateEmergency},
		{"suppressed excluded", []alarm.Instance{
			{State: alarm.StateSuppressed, Priority: alarm.PriorityCritical},
		}, StateNormal},
	}
	for _, tc := range cases {
		if got := DeriveState(tc.in); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestEvaluationPanicPromotesToEmergency(t *testing.T) {
	clock, _ := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, _ := newMonitor(t, clock, tempLimit())

	calls := 0
	m.onEmergency = func(reason string) { calls++ }
	// A nil registry access inside the pass would panic; simulate an
	// internal fault directly through the promotion path.
	m.ReportEvaluationFailure("watchdog task fault")

	if !m.EmergencyActive() {
		t.Fatal("evaluation failure must latch emergency")
	}
	if m.CurrentState() != StateEmergency {
		t.Fatalf("expected emergency, got %s", m.CurrentState())
	}
	if calls != 1 {
		t.Fatalf("expected one dispatch, got %d", calls)
	}
}

func TestShutdownLatchIsTerminalUntilReset(t *testing.T) {
	clock, _ := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m, _ := newMonitor(t, clock, tempLimit())

	m.ForceShutdown("last-resort")
	if m.CurrentState() != StateShutdown {
		t.Fatalf("expected shutdown, got %s", m.CurrentState())
	}
	if _, err := m.UpdateParameter("temperature", 50); !errors.Is(err, ErrShutdown) {
		t.Fatalf("updates must be rejected after shutdown, got %v", err)
	}
	if state, _ := m.Evaluate(clock()); state != StateShutdown {
		t.Fatalf("shutdown is sticky across evaluations, got %s", state)
	}

	m.Reset()
	if m.CurrentState() != StateNormal {
		t.Fatalf("reset should recompute from alarm set, got %s", m.CurrentState())
	}
}

func TestEmergencyLatchKeepsStateElevated(t *testing.T) {
	clock, _ := testClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	crit := Limit{Parameter: "pressure", High: f64(200.0), Priority: alarm.PriorityCritical, Level: SIL3}
	m, reg := newMonitor(t, clock, crit)

	if _, err := m.UpdateParameter("pressure", 300.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if state, _ := m.Evaluate(clock()); state != StateEmergency {
		t.Fatalf("expected emergency, got %s", state)
	}

	// Even after the alarm clears, the sticky latch holds emergency.
	inst, _ := reg.LiveByKey("pressure")
	if _, err := m.ClearAlarm(inst.ID, true); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := m.UpdateParameter("pressure", 100.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if state, _ := m.Evaluate(clock()); state != StateEmergency {
		t.Fatalf("latch must hold emergency until reset, got %s", state)
	}

	m.Reset()
	if state, _ := m.Evaluate(clock()); state != StateNormal {
		t.Fatalf("expected normal after reset, got %s", state)
	}
}
