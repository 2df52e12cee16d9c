package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/reh3376/ignition-tools-sub003/internal/model"
)

func testConfig() Config {
	return Config{
		PredictionHorizon: 5,
		ControlHorizon:    2,
		OutputWeight:      1.0,
		ControlWeight:     0.01,
		MoveWeight:        0.1,
		InputMin:          -10,
		InputMax:          10,
		MaxIterations:     200,
		Tolerance:         1e-6,
		Timeout:           500 * time.Millisecond,
	}
}

func fopdt(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.FromFOPDT(1.5, 3.0, 0.5, 0.5)
	if err != nil {
		t.Fatalf("FromFOPDT: %v", err)
	}
	return m
}

func TestSolveProducesBoundedSequence(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)

	res, err := Solve(context.Background(), mdl, x0, 2.0, 0, testConfig())
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(res.Sequence) != 2 {
		t.Fatalf("sequence length: got %d want 2", len(res.Sequence))
	}
	for i, u := range res.Sequence {
		if math.IsNaN(u) || u < -10 || u > 10 {
			t.Fatalf("u[%d]=%v out of bounds", i, u)
		}
	}
	// Positive setpoint from zero state needs positive control.
	if res.Sequence[0] <= 0 {
		t.Fatalf("expected positive first move, got %v", res.Sequence[0])
	}
}

func TestSolveRespectsRateLimit(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)

	cfg := testConfig()
	cfg.RateLimit = 0.5
	res, err := Solve(context.Background(), mdl, x0, 5.0, 0, cfg)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if math.Abs(res.Sequence[0]-0) > 0.5+1e-9 {
		t.Fatalf("first move %v violates rate limit from 0", res.Sequence[0])
	}
	if math.Abs(res.Sequence[1]-res.Sequence[0]) > 0.5+1e-9 {
		t.Fatalf("second move %v violates rate limit from %v", res.Sequence[1], res.Sequence[0])
	}
}

func TestSolveInfeasibleBounds(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)

	cfg := testConfig()
	cfg.InputMin = 5
	cfg.InputMax = -5
	_, err := Solve(context.Background(), mdl, x0, 2.0, 0, cfg)
	se, ok := err.(*SolveError)
	if !ok || se.Kind != KindInfeasible {
		t.Fatalf("expected infeasible, got %v", err)
	}
}

func TestSolveSingularState(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)
	x0.SetVec(0, math.NaN())

	_, err := Solve(context.Background(), mdl, x0, 2.0, 0, testConfig())
	se, ok := err.(*SolveError)
	if !ok || se.Kind != KindSingular {
		t.Fatalf("expected singular, got %v", err)
	}
}

func TestSolveTimeoutReturnsPromptly(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)

	cfg := testConfig()
	cfg.Timeout = 0 // already expired
	cfg.Tolerance = 0
	cfg.MaxIterations = 1 << 30

	start := time.Now()
	res, err := Solve(context.Background(), mdl, x0, 2.0, 0, cfg)
	elapsed := time.Since(start)

	se, ok := err.(*SolveError)
	if !ok || se.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("timeout return took %v", elapsed)
	}
	if res.Sequence == nil {
		t.Fatal("timeout must still return best-so-far sequence")
	}
}

func TestSolveHonorsContextCancellation(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.Tolerance = 0
	_, err := Solve(ctx, mdl, x0, 2.0, 0, cfg)
	se, ok := err.(*SolveError)
	if !ok || se.Kind != KindTimeout {
		t.Fatalf("expected timeout classification on cancelled ctx, got %v", err)
	}
}

func TestSolveDeterministic(t *testing.T) {
	mdl := fopdt(t)
	x0 := mat.NewVecDense(mdl.StateDim(), nil)
	x0.SetVec(0, 0.7)

	a, err := Solve(context.Background(), mdl, x0, 2.0, 0.3, testConfig())
	if err != nil {
		t.Fatalf("solve a: %v", err)
	}
	b, err := Solve(context.Background(), mdl, x0, 2.0, 0.3, testConfig())
	if err != nil {
		t.Fatalf("solve b: %v", err)
	}
	for i := range a.Sequence {
		if a.Sequence[i] != b.Sequence[i] {
			t.Fatalf("solve not deterministic at %d: %v vs %v", i, a.Sequence[i], b.Sequence[i])
		}
	}
}

func TestSolveReducesTrackingErrorOverTicks(t *testing.T) {
	mdl := fopdt(t)
	x := mat.NewVecDense(mdl.StateDim(), nil)

	prev := 0.0
	firstErr := math.Abs(2.0 - mdl.Output(x, prev))
	for i := 0; i < 20; i++ {
		res, err := Solve(context.Background(), mdl, x, 2.0, prev, testConfig())
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		prev = res.Sequence[0]
		x = mdl.Predict(x, prev)
	}
	lastErr := math.Abs(2.0 - mdl.Output(x, prev))
	if lastErr >= firstErr/2 {
		t.Fatalf("tracking error did not shrink: first=%v last=%v", firstErr, lastErr)
	}
}
