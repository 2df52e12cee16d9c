package emergency

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/reh3376/ignition-tools-sub003/internal/safety"
)

// #region errors

// ErrStepTimeout marks a step that exceeded its procedure's timeout.
var ErrStepTimeout = errors.New("emergency: step timed out")

// ErrVerificationFailed marks a step whose confirmation failed.
var ErrVerificationFailed = errors.New("emergency: step verification failed")

// #endregion errors

// #region procedure

// Step is one ordered action inside a procedure.
type Step struct {
	Name   string
	Action string
}

// Procedure is an immutable emergency response definition. Execution is
// transient per invocation; nothing about a run is persisted here.
type Procedure struct {
	ID string

	// TriggerTags match against the trigger reason; "*" matches anything.
	TriggerTags []string

	// RequiredLevel gates the procedure: it runs only when the system
	// safety level is at or above this.
	RequiredLevel safety.Level

	Timeout              time.Duration
	Steps                []Step
	VerificationRequired bool
}

// Validate rejects malformed procedures at configuration time.
func (p Procedure) Validate() error {
	if p.ID == "" {
		return errors.New("emergency: procedure id is empty")
	}
	if p.Timeout <= 0 {
		return errors.Newf("emergency: procedure %q timeout %v must be > 0", p.ID, p.Timeout)
	}
	if len(p.Steps) == 0 {
		return errors.Newf("emergency: procedure %q has no steps", p.ID)
	}
	return nil
}

// matches reports whether any trigger tag applies to the reason.
func (p Procedure) matches(reason string) bool {
	lower := strings.ToLower(reason)
	for _, tag := range p.TriggerTags {
		if tag == "*" || strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

// #endregion procedure

// #region interfaces

// StepRunner executes one procedure step against the plant.
type StepRunner interface {
	RunStep(ctx context.Context, procedureID string, step Step) error
}

// Verifier confirms a completed step before the next may begin.
type Verifier interface {
	VerifyStep(ctx context.Context, procedureID string, step Step) error
}

// Actuator forces the control output to a safe value, bypassing the
// optimizer entirely.
type Actuator interface {
	ForceOutput(value float64)
}

// Notifier delivers the emergency notice to external paging/logging.
type Notifier interface {
	EmergencyNotice(reason string)
}

// #endregion interfaces

// #region results

// ProcedureResult is the per-procedure outcome of one execution.
type ProcedureResult struct {
	ProcedureID string
	Completed   bool
	StepsRun    int
	Err         error
	Elapsed     time.Duration
}

// Report summarizes one executor invocation.
type Report struct {
	Reason     string
	Matched    int
	Results    []ProcedureResult
	LastResort bool
}

// #endregion results

// #region executor

// Executor selects and runs emergency procedures when the safety state
// reaches EMERGENCY. If every matched procedure fails, or none match, it
// falls through to the unconditional last-resort shutdown.
type Executor struct {
	procedures []Procedure
	runner     StepRunner
	verifier   Verifier
	actuator   Actuator
	notifier   Notifier

	safeOutput float64
	onShutdown func(reason string)
	log        *zap.SugaredLogger
}

// Deps bundles the collaborators an Executor drives.
type Deps struct {
	Runner   StepRunner
	Verifier Verifier // required only when a procedure sets VerificationRequired
	Actuator Actuator
	Notifier Notifier

	// SafeOutput is the control value forced by the last-resort path.
	SafeOutput float64

	// OnShutdown latches the system shutdown state.
	OnShutdown func(reason string)

	Log *zap.SugaredLogger
}

// NewExecutor validates every procedure and wires the executor.
func NewExecutor(procedures []Procedure, deps Deps) (*Executor, error) {
	for _, p := range procedures {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.VerificationRequired && deps.Verifier == nil {
			return nil, errors.Newf("emergency: procedure %q requires verification but no verifier is wired", p.ID)
		}
	}
	if deps.Runner == nil || deps.Actuator == nil {
		return nil, errors.New("emergency: runner and actuator are required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{
		procedures: procedures,
		runner:     deps.Runner,
		verifier:   deps.Verifier,
		actuator:   deps.Actuator,
		notifier:   deps.Notifier,
		safeOutput: deps.SafeOutput,
		onShutdown: deps.OnShutdown,
		log:        log,
	}, nil
}

// #endregion executor

// #region execute

// Execute runs all procedures matching the trigger reason whose required
// level is at or below the current system level, each under its own
// timeout. A failed procedure never prevents the others from running. The
// last-resort shutdown runs unconditionally when nothing matched or
// everything failed.
func (e *Executor) Execute(ctx context.Context, reason string, level safety.Level) Report {
	report := Report{Reason: reason}

	for _, p := range e.procedures {
		if !p.matches(reason) || p.RequiredLevel > level {
			continue
		}
		report.Matched++
		result := e.runProcedure(ctx, p, reason)
		report.Results = append(report.Results, result)
		if result.Err != nil {
			e.log.Errorw("emergency procedure failed",
				"procedure", p.ID,
				"steps_run", result.StepsRun,
				"error", result.Err,
			)
		} else {
			e.log.Infow("emergency procedure completed",
				"procedure", p.ID,
				"steps_run", result.StepsRun,
				"elapsed", result.Elapsed,
			)
		}
	}

	anyCompleted := false
	for _, r := range report.Results {
		if r.Completed {
			anyCompleted = true
			break
		}
	}
	if !anyCompleted {
		e.lastResort(reason)
		report.LastResort = true
	}
	return report
}

// runProcedure executes steps strictly in order under the procedure's own
// timeout, recovering a panicking runner into a procedure failure.
func (e *Executor) runProcedure(ctx context.Context, p Procedure, reason string) (result ProcedureResult) {
	start := time.Now()
	result = ProcedureResult{ProcedureID: p.ID}
	defer func() {
		result.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			result.Completed = false
			result.Err = errors.Newf("emergency: procedure %q panicked: %v", p.ID, r)
		}
	}()

	procCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	for _, step := range p.Steps {
		if procCtx.Err() != nil {
			result.Err = errors.Wrapf(ErrStepTimeout, "procedure %q before step %q", p.ID, step.Name)
			return result
		}
		if err := e.runner.RunStep(procCtx, p.ID, step); err != nil {
			if procCtx.Err() != nil {
				result.Err = errors.Wrapf(ErrStepTimeout, "procedure %q step %q", p.ID, step.Name)
			} else {
				result.Err = errors.Wrapf(err, "procedure %q step %q", p.ID, step.Name)
			}
			return result
		}
		if p.VerificationRequired {
			if err := e.verifier.VerifyStep(procCtx, p.ID, step); err != nil {
				result.Err = errors.Wrapf(ErrVerificationFailed, "procedure %q step %q: %v", p.ID, step.Name, err)
				return result
			}
		}
		result.StepsRun++
	}
	result.Completed = true
	return result
}

// lastResort is the unconditional fallback: force the safe output, latch
// shutdown, notify. It must not depend on any previous step having
// succeeded and is therefore built from direct calls only.
func (e *Executor) lastResort(reason string) {
	e.log.Errorw("last-resort shutdown", "reason", reason, "safe_output", e.safeOutput)
	e.actuator.ForceOutput(e.safeOutput)
	if e.onShutdown != nil {
		e.onShutdown(reason)
	}
	if e.notifier != nil {
		e.notifier.EmergencyNotice(reason)
	}
}

// #endregion execute
