package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/reh3376/ignition-tools-sub003/internal/model"
)

// #region failure

// FailureKind classifies why a solve did not produce a converged sequence.
type FailureKind string

const (
	KindInfeasible FailureKind = "infeasible"
	KindTimeout    FailureKind = "timeout"
	KindSingular   FailureKind = "singular"
	KindDiverged   FailureKind = "diverged"
)

// SolveError reports a classified optimization failure. The accompanying
// Result still carries the best sequence found so far.
type SolveError struct {
	Kind       FailureKind
	Iterations int
	Reason     string
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("optimizer: %s after %d iterations: %s", e.Kind, e.Iterations, e.Reason)
}

// #endregion failure

// #region config

// Config holds the finite-horizon problem definition and solver caps.
type Config struct {
	PredictionHorizon int
	ControlHorizon    int

	OutputWeight  float64 // tracking error weight (Q)
	ControlWeight float64 // control effort weight (R)
	MoveWeight    float64 // control move (delta-u) weight

	InputMin  float64
	InputMax  float64
	RateLimit float64 // max |delta-u| per step, 0 disables

	OutputMin *float64 // optional output bounds, enforced as penalties
	OutputMax *float64

	MaxIterations int
	Tolerance     float64
	Timeout       time.Duration
}

// #endregion config

// #region result

// Result is the outcome of one finite-horizon solve.
type Result struct {
	Sequence   []float64 // optimized control moves, length ControlHorizon
	Iterations int
	Converged  bool
	Cost       float64
}

// #endregion result

const (
	divergeCap      = 1e12
	boundPenalty    = 1e6
	backtrackLimit  = 24
	initialStepFrac = 0.25
)

// #region solve

// Solve minimizes the tracking-plus-effort objective over the control horizon
// using projected gradient descent with backtracking line search, bounded by
// MaxIterations, Tolerance, the wall-clock Timeout, and ctx cancellation.
// Deterministic for identical inputs. On failure the best sequence found so
// far is still returned alongside a classified *SolveError.
func Solve(ctx context.Context, mdl *model.Model, x0 *mat.VecDense, setpoint, prevControl float64, cfg Config) (Result, error) {
	nc := cfg.ControlHorizon
	if cfg.InputMin > cfg.InputMax {
		return Result{}, &SolveError{Kind: KindInfeasible, Reason: fmt.Sprintf("input bounds inverted: [%v, %v]", cfg.InputMin, cfg.InputMax)}
	}
	if nc < 1 || cfg.PredictionHorizon < nc {
		return Result{}, &SolveError{Kind: KindInfeasible, Reason: fmt.Sprintf("horizons (%d, %d) invalid", cfg.PredictionHorizon, nc)}
	}
	for i := 0; i < x0.Len(); i++ {
		if v := x0.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, &SolveError{Kind: KindSingular, Reason: "non-finite state estimate"}
		}
	}

	deadline := time.Now().Add(cfg.Timeout)

	u := make([]float64, nc)
	for i := range u {
		u[i] = prevControl
	}
	project(u, prevControl, cfg)

	best := objective(mdl, x0, setpoint, prevControl, u, cfg)
	if !finite(best) {
		return Result{Sequence: u, Cost: best}, &SolveError{Kind: KindDiverged, Reason: "objective non-finite at start"}
	}

	span := cfg.InputMax - cfg.InputMin
	if span <= 0 || math.IsInf(span, 0) {
		span = 1
	}
	alpha := initialStepFrac * span

	grad := make([]float64, nc)
	cand := make([]float64, nc)
	iterations := 0

	for iterations < cfg.MaxIterations {
		if err := ctx.Err(); err != nil || time.Now().After(deadline) {
			return Result{Sequence: u, Iterations: iterations, Cost: best},
				&SolveError{Kind: KindTimeout, Iterations: iterations, Reason: "optimization deadline exceeded"}
		}
		iterations++

		gradNorm := gradient(mdl, x0, setpoint, prevControl, u, cfg, best, grad)
		if gradNorm < cfg.Tolerance {
			return Result{Sequence: u, Iterations: iterations, Converged: true, Cost: best}, nil
		}

		improved := false
		step := alpha
		for t := 0; t < backtrackLimit; t++ {
			for j := range u {
				cand[j] = u[j] - step*grad[j]
			}
			project(cand, prevControl, cfg)
			c := objective(mdl, x0, setpoint, prevControl, cand, cfg)
			if finite(c) && c < best-1e-15 {
				delta := best - c
				copy(u, cand)
				best = c
				alpha = step * 1.5
				improved = true
				if delta < cfg.Tolerance {
					return Result{Sequence: u, Iterations: iterations, Converged: true, Cost: best}, nil
				}
				break
			}
			step *= 0.5
		}
		if !improved {
			// No descent direction within the projection: local optimum.
			return Result{Sequence: u, Iterations: iterations, Converged: true, Cost: best}, nil
		}
		if best > divergeCap {
			return Result{Sequence: u, Iterations: iterations, Cost: best},
				&SolveError{Kind: KindDiverged, Iterations: iterations, Reason: fmt.Sprintf("objective %v exceeds divergence cap", best)}
		}
	}

	return Result{Sequence: u, Iterations: iterations, Cost: best},
		&SolveError{Kind: KindDiverged, Iterations: iterations, Reason: "iteration cap reached without convergence"}
}

// #endregion solve

// #region objective

// objective simulates the model over the prediction horizon under the
// candidate sequence, holding the last move beyond the control horizon.
func objective(mdl *model.Model, x0 *mat.VecDense, setpoint, prevControl float64, u []float64, cfg Config) float64 {
	x := mat.NewVecDense(x0.Len(), nil)
	x.CopyVec(x0)

	cost := 0.0
	prev := prevControl
	for k := 0; k < cfg.PredictionHorizon; k++ {
		uk := u[min(k, len(u)-1)]
		y := mdl.Output(x, uk)

		trackErr := setpoint - y
		du := uk - prev
		cost += cfg.OutputWeight*trackErr*trackErr + cfg.ControlWeight*uk*uk + cfg.MoveWeight*du*du

		if cfg.OutputMin != nil && y < *cfg.OutputMin {
			v := *cfg.OutputMin - y
			cost += boundPenalty * v * v
		}
		if cfg.OutputMax != nil && y > *cfg.OutputMax {
			v := y - *cfg.OutputMax
			cost += boundPenalty * v * v
		}

		prev = uk
		x = mdl.Predict(x, uk)
	}
	return cost
}

// gradient fills grad with a forward-difference estimate and returns its norm.
func gradient(mdl *model.Model, x0 *mat.VecDense, setpoint, prevControl float64, u []float64, cfg Config, base float64, grad []float64) float64 {
	sumSq := 0.0
	for j := range u {
		h := 1e-6 * (1 + math.Abs(u[j]))
		orig := u[j]
		u[j] = orig + h
		grad[j] = (objective(mdl, x0, setpoint, prevControl, u, cfg) - base) / h
		u[j] = orig
		sumSq += grad[j] * grad[j]
	}
	return math.Sqrt(sumSq)
}

// #endregion objective

// #region project

// project clamps the sequence to input bounds and, when a rate limit is set,
// chains each move to within RateLimit of its predecessor.
func project(u []float64, prevControl float64, cfg Config) {
	prev := prevControl
	for i := range u {
		v := u[i]
		if cfg.RateLimit > 0 {
			if v > prev+cfg.RateLimit {
				v = prev + cfg.RateLimit
			} else if v < prev-cfg.RateLimit {
				v = prev - cfg.RateLimit
			}
		}
		if v < cfg.InputMin {
			v = cfg.InputMin
		} else if v > cfg.InputMax {
			v = cfg.InputMax
		}
		u[i] = v
		prev = v
	}
}

// #endregion project

// #region helpers

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// #endregion helpers
