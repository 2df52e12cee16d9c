package model

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"
)

func TestNewRejectsNonSquareA(t *testing.T) {
	a := mat.NewDense(2, 3, nil)
	b := mat.NewDense(2, 1, nil)
	c := mat.NewDense(1, 2, nil)
	d := mat.NewDense(1, 1, nil)

	_, err := New(a, b, c, d, 1.0)
	if !errors.Is(err, ErrBadDimensions) {
		t.Fatalf("expected ErrBadDimensions, got %v", err)
	}
}

func TestNewRejectsNonPositiveSampleTime(t *testing.T) {
	a := mat.NewDense(1, 1, []float64{0.9})
	b := mat.NewDense(1, 1, []float64{0.1})
	c := mat.NewDense(1, 1, []float64{1})
	d := mat.NewDense(1, 1, []float64{0})

	_, err := New(a, b, c, d, 0)
	if !errors.Is(err, ErrBadParameter) {
		t.Fatalf("expected ErrBadParameter, got %v", err)
	}
}

func TestFromFOPDTNoDeadTime(t *testing.T) {
	m, err := FromFOPDT(1.5, 3.0, 0, 1.0)
	if err != nil {
		t.Fatalf("FromFOPDT: %v", err)
	}
	if m.StateDim() != 1 {
		t.Fatalf("expected 1 state, got %d", m.StateDim())
	}

	pole := math.Exp(-1.0 / 3.0)
	if got := m.A().At(0, 0); math.Abs(got-pole) > 1e-12 {
		t.Fatalf("pole: got %v want %v", got, pole)
	}
	if got := m.B().At(0, 0); math.Abs(got-1.5*(1-pole)) > 1e-12 {
		t.Fatalf("input gain: got %v want %v", got, 1.5*(1-pole))
	}
}

func TestFromFOPDTDeadTimeAddsDelayStates(t *testing.T) {
	m, err := FromFOPDT(1.5, 3.0, 0.5, 0.5)
	if err != nil {
		t.Fatalf("FromFOPDT: %v", err)
	}
	if m.StateDim() != 2 {
		t.Fatalf("expected 2 states (1 pole + 1 delay), got %d", m.StateDim())
	}
}

func TestFromFOPDTRejectsBadTimeConstant(t *testing.T) {
	if _, err := FromFOPDT(1.0, 0, 0, 1.0); !errors.Is(err, ErrBadParameter) {
		t.Fatalf("expected ErrBadParameter, got %v", err)
	}
}

// Step response of the discretized FOPDT must converge to the static gain.
func TestFOPDTStepResponseConvergesToGain(t *testing.T) {
	m, err := FromFOPDT(1.5, 3.0, 0.5, 0.5)
	if err != nil {
		t.Fatalf("FromFOPDT: %v", err)
	}

	x := mat.NewVecDense(m.StateDim(), nil)
	for i := 0; i < 200; i++ {
		x = m.Predict(x, 1.0)
	}
	y := m.Output(x, 1.0)
	if math.Abs(y-1.5) > 1e-6 {
		t.Fatalf("steady state output: got %v want 1.5", y)
	}
}

// The delay chain must hold the input back by exactly the dead time.
func TestFOPDTDeadTimeDelaysResponse(t *testing.T) {
	m, err := FromFOPDT(1.0, 2.0, 1.0, 0.5)
	if err != nil {
		t.Fatalf("FromFOPDT: %v", err)
	}

	x := mat.NewVecDense(m.StateDim(), nil)
	// Two ticks of dead time (1.0s / 0.5s): output stays at zero.
	x = m.Predict(x, 1.0)
	if y := m.Output(x, 1.0); y != 0 {
		t.Fatalf("output moved during dead time: %v", y)
	}
	x = m.Predict(x, 1.0)
	if y := m.Output(x, 1.0); y != 0 {
		t.Fatalf("output moved during dead time: %v", y)
	}
	x = m.Predict(x, 1.0)
	if y := m.Output(x, 1.0); y <= 0 {
		t.Fatalf("output should respond after dead time, got %v", y)
	}
}
