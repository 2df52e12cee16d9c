package model

import (
	"math"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"
)

// #region errors

// ErrBadDimensions indicates state-space matrices with inconsistent shapes.
var ErrBadDimensions = errors.New("model: inconsistent matrix dimensions")

// ErrBadParameter indicates an invalid parametric model value.
var ErrBadParameter = errors.New("model: invalid parameter")

// #endregion errors

// #region model-struct

// Model is an immutable discrete-time state-space process description:
//
//	x(k+1) = A x(k) + B u(k)
//	y(k)   = C x(k) + D u(k)
//
// Built once (directly or from FOPDT parameters) and owned by a single
// controller instance. Accessors return the internal matrices; callers
// must not mutate them.
type Model struct {
	a, b, c, d *mat.Dense
	sampleTime float64
	n, m, p    int
}

// #endregion model-struct

// #region constructor

// New builds a Model from explicit state-space matrices, rejecting shape
// mismatches and a non-positive sample time.
func New(a, b, c, d *mat.Dense, sampleTime float64) (*Model, error) {
	if sampleTime <= 0 {
		return nil, errors.Wrapf(ErrBadParameter, "sample time %v must be > 0", sampleTime)
	}
	an, ac := a.Dims()
	bn, bm := b.Dims()
	cp, cn := c.Dims()
	dp, dm := d.Dims()
	if an != ac {
		return nil, errors.Wrapf(ErrBadDimensions, "A is %dx%d, want square", an, ac)
	}
	if bn != an {
		return nil, errors.Wrapf(ErrBadDimensions, "B has %d rows, want %d", bn, an)
	}
	if cn != an {
		return nil, errors.Wrapf(ErrBadDimensions, "C has %d cols, want %d", cn, an)
	}
	if dp != cp || dm != bm {
		return nil, errors.Wrapf(ErrBadDimensions, "D is %dx%d, want %dx%d", dp, dm, cp, bm)
	}
	return &Model{a: a, b: b, c: c, d: d, sampleTime: sampleTime, n: an, m: bm, p: cp}, nil
}

// #endregion constructor

// #region fopdt

// FromFOPDT discretizes a first-order-plus-dead-time process
//
//	G(s) = gain * exp(-deadTime*s) / (timeConstant*s + 1)
//
// at the given sample time. Dead time is realized as a shift register of
// ceil(deadTime/sampleTime) delayed-input states appended to the first-order
// state, so the returned model is exact at the sampling instants for
// dead times that are integer multiples of the sample time.
func FromFOPDT(gain, timeConstant, deadTime, sampleTime float64) (*Model, error) {
	if sampleTime <= 0 {
		return nil, errors.Wrapf(ErrBadParameter, "sample time %v must be > 0", sampleTime)
	}
	if timeConstant <= 0 {
		return nil, errors.Wrapf(ErrBadParameter, "time constant %v must be > 0", timeConstant)
	}
	if deadTime < 0 {
		return nil, errors.Wrapf(ErrBadParameter, "dead time %v must be >= 0", deadTime)
	}

	pole := math.Exp(-sampleTime / timeConstant)
	gainTerm := gain * (1 - pole)
	delay := int(math.Ceil(deadTime/sampleTime - 1e-9))
	if deadTime == 0 {
		delay = 0
	}
	n := 1 + delay

	a := mat.NewDense(n, n, nil)
	b := mat.NewDense(n, 1, nil)
	c := mat.NewDense(1, n, nil)
	d := mat.NewDense(1, 1, nil)

	a.Set(0, 0, pole)
	if delay == 0 {
		b.Set(0, 0, gainTerm)
	} else {
		// x0 is fed by the oldest delayed input; the chain shifts each step.
		a.Set(0, delay, gainTerm)
		b.Set(1, 0, 1)
		for i := 2; i <= delay; i++ {
			a.Set(i, i-1, 1)
		}
	}
	c.Set(0, 0, 1)

	return New(a, b, c, d, sampleTime)
}

// #endregion fopdt

// #region accessors

// StateDim returns n, the number of internal states.
func (m *Model) StateDim() int { return m.n }

// InputDim returns the number of control inputs.
func (m *Model) InputDim() int { return m.m }

// OutputDim returns the number of measured outputs.
func (m *Model) OutputDim() int { return m.p }

// SampleTime returns the discretization period in seconds.
func (m *Model) SampleTime() float64 { return m.sampleTime }

// A returns the state transition matrix. Read-only.
func (m *Model) A() *mat.Dense { return m.a }

// B returns the input matrix. Read-only.
func (m *Model) B() *mat.Dense { return m.b }

// C returns the output matrix. Read-only.
func (m *Model) C() *mat.Dense { return m.c }

// D returns the feedthrough matrix. Read-only.
func (m *Model) D() *mat.Dense { return m.d }

// #endregion accessors

// #region simulate

// Predict returns the next state A x + B u for a scalar control input.
func (m *Model) Predict(x *mat.VecDense, u float64) *mat.VecDense {
	next := mat.NewVecDense(m.n, nil)
	next.MulVec(m.a, x)
	for i := 0; i < m.n; i++ {
		next.SetVec(i, next.AtVec(i)+m.b.At(i, 0)*u)
	}
	return next
}

// Output returns the first measured output C x + D u for a scalar input.
func (m *Model) Output(x *mat.VecDense, u float64) float64 {
	y := 0.0
	for j := 0; j < m.n; j++ {
		y += m.c.At(0, j) * x.AtVec(j)
	}
	return y + m.d.At(0, 0)*u
}

// #endregion simulate
