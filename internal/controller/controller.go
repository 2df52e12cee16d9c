package controller

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/reh3376/ignition-tools-sub003/internal/estimator"
	"github.com/reh3376/ignition-tools-sub003/internal/model"
	"github.com/reh3376/ignition-tools-sub003/internal/optimizer"
)

// #region controller-struct

// Controller runs the receding-horizon control loop for one controlled
// variable: estimator update, bounded optimization, first-move application,
// history and counters. Ticks are strictly sequential per instance; the
// controller never reads or writes safety state.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	mdl   *model.Model
	est   *estimator.Estimator
	phase Phase

	lastControl float64
	hist        *history

	computations int64
	failures     int64
	totalTime    time.Duration
	lastErr      string

	log *zap.SugaredLogger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger injects a structured logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = log }
}

// #endregion controller-struct

// #region constructor

// New validates the configuration, builds the estimator, and returns a
// READY controller. A validation or model error leaves nothing constructed;
// there is no implicit retry.
func New(cfg Config, mdl *model.Model, opts ...Option) (*Controller, error) {
	c := &Controller{phase: PhaseInitializing, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(c)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	est, err := estimator.New(mdl, cfg.ProcessNoise, cfg.MeasurementNoise)
	if err != nil {
		return nil, err
	}

	c.cfg = cfg
	c.mdl = mdl
	c.est = est
	c.hist = newHistory(cfg.HistoryCapacity)
	c.phase = PhaseReady
	return c, nil
}

// #endregion constructor

// #region compute-control

// ComputeControl runs one control tick and returns the control action to
// apply. On optimizer failure or a singular estimator update it returns the
// last applied control together with a classified *ControlError; the caller
// always gets a usable value and an unambiguous previous action. History
// and counters are mutated only after the result is definitive.
func (c *Controller) ComputeControl(ctx context.Context, currentOutput, setpoint float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseReady {
		return 0, errors.Wrapf(ErrNotReady, "phase %s", c.phase)
	}

	start := time.Now()

	if _, err := c.est.Update(currentOutput, c.lastControl); err != nil {
		kind := KindSingular
		if errors.Is(err, estimator.ErrBadMeasurement) {
			kind = KindDiverged
		}
		return c.failTick(start, currentOutput, setpoint, &ControlError{Kind: kind, Err: err})
	}

	solveCtx, cancel := context.WithTimeout(ctx, c.cfg.OptimizationTimeout)
	res, err := optimizer.Solve(solveCtx, c.mdl, c.est.State(), setpoint, c.lastControl, optimizer.Config{
		PredictionHorizon: c.cfg.PredictionHorizon,
		ControlHorizon:    c.cfg.ControlHorizon,
		OutputWeight:      c.cfg.OutputWeight,
		ControlWeight:     c.cfg.ControlWeight,
		MoveWeight:        c.cfg.MoveWeight,
		InputMin:          c.cfg.InputMin,
		InputMax:          c.cfg.InputMax,
		RateLimit:         c.cfg.RateLimit,
		OutputMin:         c.cfg.OutputMin,
		OutputMax:         c.cfg.OutputMax,
		MaxIterations:     c.cfg.MaxIterations,
		Tolerance:         c.cfg.ConvergenceTolerance,
		Timeout:           c.cfg.OptimizationTimeout,
	})
	cancel()
	if err != nil {
		return c.failTick(start, currentOutput, setpoint, classifySolve(err))
	}

	// Receding horizon: apply only the first optimized move.
	control := res.Sequence[0]
	elapsed := time.Since(start)

	c.lastControl = control
	c.hist.push(Sample{Control: control, Output: currentOutput, Setpoint: setpoint, At: start})
	c.computations++
	c.totalTime += elapsed
	c.lastErr = ""

	c.log.Debugw("control tick",
		"output", currentOutput,
		"setpoint", setpoint,
		"control", control,
		"iterations", res.Iterations,
		"elapsed", elapsed,
	)
	return control, nil
}

// failTick applies the fallback policy: keep the last control, count the
// failure, record history so the tick stays observable.
func (c *Controller) failTick(start time.Time, output, setpoint float64, cerr *ControlError) (float64, error) {
	elapsed := time.Since(start)
	fallback := c.lastControl

	c.hist.push(Sample{Control: fallback, Output: output, Setpoint: setpoint, At: start})
	c.computations++
	c.failures++
	c.totalTime += elapsed
	c.lastErr = cerr.Error()

	c.log.Warnw("control tick failed, applying fallback",
		"kind", string(cerr.Kind),
		"fallback", fallback,
		"error", cerr.Err,
	)
	return fallback, cerr
}

func classifySolve(err error) *ControlError {
	var se *optimizer.SolveError
	if errors.As(err, &se) {
		switch se.Kind {
		case optimizer.KindInfeasible:
			return &ControlError{Kind: KindInfeasible, Err: err}
		case optimizer.KindTimeout:
			return &ControlError{Kind: KindTimeout, Err: err}
		case optimizer.KindSingular:
			return &ControlError{Kind: KindSingular, Err: err}
		}
	}
	return &ControlError{Kind: KindDiverged, Err: err}
}

// #endregion compute-control

// #region reads

// Status returns a consistent controller snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	mean := time.Duration(0)
	if c.computations > 0 {
		mean = c.totalTime / time.Duration(c.computations)
	}
	return Status{
		Phase:           c.phase,
		LastControl:     c.lastControl,
		Computations:    c.computations,
		Failures:        c.failures,
		MeanComputeTime: mean,
		LastError:       c.lastErr,
	}
}

// History returns the recorded tick history, oldest first.
func (c *Controller) History() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hist.samples()
}

// Config returns the immutable configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// #endregion reads

// #region teardown

// Close tears the controller down to UNINITIALIZED. Further ticks are
// rejected; a new instance must be constructed explicitly.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseUninitialized
	c.est = nil
	c.hist = nil
	return nil
}

// #endregion teardown
