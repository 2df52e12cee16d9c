package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/reh3376/ignition-tools-sub003/internal/alarm"
	"github.com/reh3376/ignition-tools-sub003/internal/config"
	"github.com/reh3376/ignition-tools-sub003/internal/controller"
	"github.com/reh3376/ignition-tools-sub003/internal/emergency"
	"github.com/reh3376/ignition-tools-sub003/internal/journal"
	"github.com/reh3376/ignition-tools-sub003/internal/safety"
)

// #region sink

// ControlSink receives the control action chosen each tick. Implementations
// talk to the actual actuator; the runtime never blocks on them holding its
// own lock.
type ControlSink interface {
	ApplyControl(value float64)
}

// nopSink discards control actions; used when no actuator is wired.
type nopSink struct{}

func (nopSink) ApplyControl(float64) {}

// #endregion sink

// #region deps

// Deps bundles the collaborators a Runtime drives. Config and Sink are
// required; the rest default to safe no-ops.
type Deps struct {
	Config config.File
	Sink   ControlSink

	// Runner and Verifier execute emergency procedure steps against the
	// plant. A nil Runner disables configured procedures and leaves only
	// the last-resort path.
	Runner   emergency.StepRunner
	Verifier emergency.Verifier

	Journal *journal.Store
	Log     *zap.SugaredLogger
}

// #endregion deps

// #region runtime

// Runtime owns the two concurrent loops: the control loop at the sample
// time and the safety watchdog at its own, shorter cadence. The safety
// side never depends on controller results; the only coupling is the
// forced-output override, which wins over every optimizer decision.
type Runtime struct {
	cfg config.File

	ctrl     *controller.Controller
	monitor  *safety.Monitor
	registry *alarm.Registry
	executor *emergency.Executor
	store    *journal.Store
	sink     ControlSink
	log      *zap.SugaredLogger

	mu          sync.Mutex
	setpoint    float64
	measurement float64
	hasReading  bool
	forced      bool
	forcedValue float64

	tick int64

	dispatches sync.WaitGroup // in-flight emergency executions
}

// New builds the full control core from a validated configuration.
func New(deps Deps) (*Runtime, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sink := deps.Sink
	if sink == nil {
		sink = nopSink{}
	}

	ctrlCfg, err := deps.Config.Controller.Build()
	if err != nil {
		return nil, err
	}
	mdl, err := deps.Config.Model.Build(ctrlCfg.SampleTime)
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(ctrlCfg, mdl, controller.WithLogger(log))
	if err != nil {
		return nil, err
	}

	regCfg, err := deps.Config.Safety.BuildRegistry()
	if err != nil {
		return nil, err
	}
	registry := alarm.NewRegistry(regCfg)

	r := &Runtime{
		cfg:      deps.Config,
		ctrl:     ctrl,
		registry: registry,
		store:    deps.Journal,
		sink:     sink,
		log:      log,
		setpoint: deps.Config.Runtime.Setpoint,
	}

	monCfg, err := deps.Config.Safety.BuildMonitor()
	if err != nil {
		return nil, err
	}
	monitor, err := safety.New(monCfg, registry,
		safety.WithLogger(log),
		safety.WithEmergencyHandler(r.handleEmergency),
	)
	if err != nil {
		return nil, err
	}
	r.monitor = monitor

	procs, err := deps.Config.Emergency.BuildProcedures()
	if err != nil {
		return nil, err
	}
	runner := deps.Runner
	if runner == nil {
		procs = nil // no way to act on the plant; last resort only
	}
	executor, err := emergency.NewExecutor(procs, emergency.Deps{
		Runner:     orNopRunner(runner),
		Verifier:   deps.Verifier,
		Actuator:   r,
		Notifier:   r,
		SafeOutput: deps.Config.Emergency.SafeOutputValue,
		OnShutdown: monitor.ForceShutdown,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}
	r.executor = executor
	return r, nil
}

type nopRunner struct{}

func (nopRunner) RunStep(context.Context, string, emergency.Step) error { return nil }

func orNopRunner(r emergency.StepRunner) emergency.StepRunner {
	if r == nil {
		return nopRunner{}
	}
	return r
}

// #endregion runtime

// #region ingest

// Ingest records a raw measurement for the safety monitor and, when it is
// the controlled parameter, for the next control tick. Measurements are
// checked by the monitor immediately rather than waiting for the watchdog.
func (r *Runtime) Ingest(name string, value float64) error {
	if name == r.cfg.Runtime.ControlledParameter {
		r.mu.Lock()
		r.measurement = value
		r.hasReading = true
		r.mu.Unlock()
	}
	res, err := r.monitor.UpdateParameter(name, value)
	if err != nil {
		return err
	}
	if !res.Safe {
		r.log.Debugw("measurement outside limits", "parameter", name, "value", value, "violation", string(res.Violation))
	}
	return nil
}

// SetSetpoint changes the tracking target for subsequent ticks.
func (r *Runtime) SetSetpoint(v float64) {
	r.mu.Lock()
	r.setpoint = v
	r.mu.Unlock()
}

// Setpoint returns the current tracking target.
func (r *Runtime) Setpoint() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setpoint
}

// #endregion ingest

// #region run

// Run starts the control loop, the safety watchdog, and the alarm event
// pump, and blocks until ctx is cancelled and all three have drained.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		r.controlLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.watchdogLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.eventPump(ctx)
	}()

	wg.Wait()
	r.dispatches.Wait()
	return r.ctrl.Close()
}

func (r *Runtime) controlLoop(ctx context.Context) {
	period := time.Duration(r.cfg.Controller.SampleTimeSeconds * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.controlTick(ctx)
		}
	}
}

func (r *Runtime) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(r.monitor.WatchdogInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.monitor.Evaluate(now); err != nil {
				r.log.Errorw("watchdog evaluation failed", "error", err)
			}
		}
	}
}

// eventPump forwards alarm lifecycle events to the journal and log. The
// registry drops events rather than blocking, so this loop just keeps up.
func (r *Runtime) eventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.registry.Events():
			r.log.Infow("alarm event",
				"kind", string(ev.Kind),
				"key", ev.Alarm.Key,
				"priority", ev.Alarm.Priority.String(),
				"state", string(ev.Alarm.State),
			)
			if r.store != nil {
				if err := r.store.LogAlarmEvent(ev); err != nil {
					r.log.Warnw("journal alarm event failed", "error", err)
				}
			}
		}
	}
}

// #endregion run

// #region control-tick

// controlTick runs one control step. The forced-output latch and the
// shutdown state both bypass the optimizer entirely.
func (r *Runtime) controlTick(ctx context.Context) {
	r.mu.Lock()
	forced, forcedValue := r.forced, r.forcedValue
	output, ok := r.measurement, r.hasReading
	setpoint := r.setpoint
	r.mu.Unlock()

	tick := atomic.AddInt64(&r.tick, 1)

	if forced || r.monitor.Status().Shutdown {
		r.sink.ApplyControl(forcedValue)
		return
	}
	if !ok {
		return // nothing measured yet
	}

	start := time.Now()
	control, err := r.ctrl.ComputeControl(ctx, output, setpoint)
	if err != nil {
		if errors.Is(err, controller.ErrNotReady) {
			return
		}
		// Classified failure: the returned value is the fallback.
		r.log.Warnw("control tick degraded", "tick", tick, "error", err)
	}
	r.sink.ApplyControl(control)

	if r.store != nil {
		kind := ""
		var cerr *controller.ControlError
		if errors.As(err, &cerr) {
			kind = string(cerr.Kind)
		}
		logErr := r.store.LogControlDecision(journal.ControlDecision{
			Tick:      tick,
			Setpoint:  setpoint,
			Output:    output,
			Control:   control,
			Fallback:  err != nil,
			ErrorKind: kind,
			ElapsedMS: time.Since(start).Milliseconds(),
		})
		if logErr != nil {
			r.log.Warnw("journal control decision failed", "error", logErr)
		}
	}
}

// #endregion control-tick

// #region emergency

// handleEmergency is the monitor's edge-triggered dispatch. The executor
// runs in its own goroutine: its shutdown path re-enters the monitor, and
// the monitor invokes this handler under its lock.
func (r *Runtime) handleEmergency(reason string) {
	r.dispatches.Add(1)
	go func() {
		defer r.dispatches.Done()
		level := r.currentLevel()
		report := r.executor.Execute(context.Background(), reason, level)
		r.log.Errorw("emergency response finished",
			"reason", reason,
			"matched", report.Matched,
			"last_resort", report.LastResort,
		)
	}()
}

// currentLevel derives the integrity level of the emergency from the live
// alarm set. An emergency without an attributable alarm (an internal fault
// promotion) is treated at the highest level so every procedure may run.
func (r *Runtime) currentLevel() safety.Level {
	limits := make(map[string]safety.Level, len(r.cfg.Safety.Limits))
	for _, ls := range r.cfg.Safety.Limits {
		if lvl, err := safety.ParseLevel(ls.Level); err == nil {
			limits[ls.Parameter] = lvl
		}
	}
	found := false
	level := safety.SIL0
	for _, inst := range r.registry.Snapshot() {
		if lvl, ok := limits[inst.Parameter]; ok {
			found = true
			if lvl > level {
				level = lvl
			}
		}
	}
	if !found {
		return safety.SIL4
	}
	return level
}

// ForceOutput latches the safe control value; every subsequent tick applies
// it regardless of the optimizer. Implements emergency.Actuator.
func (r *Runtime) ForceOutput(value float64) {
	r.mu.Lock()
	r.forced = true
	r.forcedValue = value
	r.mu.Unlock()
	r.sink.ApplyControl(value)
	r.log.Errorw("control output forced to safe value", "value", value)
}

// EmergencyNotice records the dispatch for external pagers. Implements
// emergency.Notifier.
func (r *Runtime) EmergencyNotice(reason string) {
	if r.store != nil {
		if err := r.store.LogEmergencyNotice(reason, true, time.Now()); err != nil {
			r.log.Warnw("journal emergency notice failed", "error", err)
		}
	}
}

// Reset clears the safety latches and the forced-output override after an
// explicit operator reset.
func (r *Runtime) Reset() {
	r.monitor.Reset()
	r.mu.Lock()
	r.forced = false
	r.mu.Unlock()
	r.log.Infow("safety latches reset")
}

// #endregion emergency

// #region operator

// AcknowledgeAlarm marks an alarm acknowledged on behalf of an operator.
func (r *Runtime) AcknowledgeAlarm(id, user string) (alarm.Instance, error) {
	return r.monitor.AcknowledgeAlarm(id, user)
}

// ClearAlarm clears an alarm, forced only by authorized override.
func (r *Runtime) ClearAlarm(id string, force bool) (alarm.Instance, error) {
	return r.monitor.ClearAlarm(id, force)
}

// SuppressAlarm suppresses an alarm when its limit allows it.
func (r *Runtime) SuppressAlarm(id, user string) (alarm.Instance, error) {
	return r.monitor.SuppressAlarm(id, user)
}

// #endregion operator

// #region reads

// ControllerStatus returns the control-loop snapshot.
func (r *Runtime) ControllerStatus() controller.Status {
	return r.ctrl.Status()
}

// SafetyStatus returns the safety-side snapshot.
func (r *Runtime) SafetyStatus() safety.Status {
	return r.monitor.Status()
}

// Forced reports whether the safe-output override is latched.
func (r *Runtime) Forced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forced
}

// Ticks returns the number of control ticks attempted.
func (r *Runtime) Ticks() int64 {
	return atomic.LoadInt64(&r.tick)
}

// Monitor exposes the safety monitor for tooling.
func (r *Runtime) Monitor() *safety.Monitor {
	return r.monitor
}

// Registry exposes the alarm registry for tooling.
func (r *Runtime) Registry() *alarm.Registry {
	return r.registry
}

// Controller exposes the control loop for tooling.
func (r *Runtime) Controller() *controller.Controller {
	return r.ctrl
}

// #endregion reads
