package estimator

import (
	"math"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/reh3376/ignition-tools-sub003/internal/model"
)

// #region errors

// ErrSingularInnovation indicates a near-zero innovation covariance; the
// estimate is left untouched rather than letting NaN/Inf enter the state.
var ErrSingularInnovation = errors.New("estimator: singular innovation covariance")

// ErrBadMeasurement indicates a NaN or Inf measurement.
var ErrBadMeasurement = errors.New("estimator: non-finite measurement")

// ErrBadNoise indicates non-positive noise variances at construction.
var ErrBadNoise = errors.New("estimator: noise variances must be > 0")

// #endregion errors

const singularEps = 1e-12

// #region estimator-struct

// Estimator is a recursive Kalman-style filter over the process model.
// It maintains the state estimate x and covariance P, updated once per
// control tick from the latest output measurement.
type Estimator struct {
	mdl *model.Model

	x *mat.VecDense // state estimate
	p *mat.Dense    // covariance

	processNoise float64 // diagonal process noise variance (Q)
	measNoise    float64 // scalar measurement noise variance (R)
}

// #endregion estimator-struct

// #region constructor

// New creates an estimator with a zero initial state and identity covariance.
func New(mdl *model.Model, processNoise, measNoise float64) (*Estimator, error) {
	if processNoise <= 0 || measNoise <= 0 {
		return nil, errors.Wrapf(ErrBadNoise, "process=%v measurement=%v", processNoise, measNoise)
	}
	n := mdl.StateDim()
	p := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		p.Set(i, i, 1)
	}
	return &Estimator{
		mdl:          mdl,
		x:            mat.NewVecDense(n, nil),
		p:            p,
		processNoise: processNoise,
		measNoise:    measNoise,
	}, nil
}

// #endregion constructor

// #region update

// Update runs one predict/correct cycle against a scalar output measurement
// and the last applied control, returning the corrected state estimate.
// On a singular innovation covariance the previous x and P are kept and an
// error is returned; the filter never commits a partial update.
func (e *Estimator) Update(measurement, control float64) ([]float64, error) {
	if math.IsNaN(measurement) || math.IsInf(measurement, 0) {
		return nil, errors.Wrapf(ErrBadMeasurement, "value %v", measurement)
	}

	n := e.mdl.StateDim()
	a := e.mdl.A()
	c := e.mdl.C()

	// Predict: x' = A x + B u, P' = A P At + Q.
	xPred := e.mdl.Predict(e.x, control)

	ap := mat.NewDense(n, n, nil)
	ap.Mul(a, e.p)
	pPred := mat.NewDense(n, n, nil)
	pPred.Mul(ap, a.T())
	for i := 0; i < n; i++ {
		pPred.Set(i, i, pPred.At(i, i)+e.processNoise)
	}

	// Innovation e = z - (C x')[0] and its covariance S = C P' Ct + R.
	innovation := measurement - e.mdl.Output(xPred, control)

	cp := mat.NewDense(1, n, nil)
	cp.Mul(c, pPred)
	sMat := mat.NewDense(1, 1, nil)
	sMat.Mul(cp, c.T())
	s := sMat.At(0, 0) + e.measNoise
	if math.Abs(s) < singularEps || math.IsNaN(s) {
		return nil, errors.Wrapf(ErrSingularInnovation, "covariance %v", s)
	}

	// Gain K = P' Ct / S.
	k := mat.NewDense(n, 1, nil)
	k.Mul(pPred, c.T())
	k.Scale(1/s, k)

	// Correct: x = x' + K e, P = (I - K C) P'.
	xNew := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		xNew.SetVec(i, xPred.AtVec(i)+k.At(i, 0)*innovation)
	}

	kc := mat.NewDense(n, n, nil)
	kc.Mul(k, c)
	ikc := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -kc.At(i, j)
			if i == j {
				v += 1
			}
			ikc.Set(i, j, v)
		}
	}
	pNew := mat.NewDense(n, n, nil)
	pNew.Mul(ikc, pPred)

	e.x = xNew
	e.p = pNew

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = xNew.AtVec(i)
	}
	return out, nil
}

// #endregion update

// #region accessors

// State returns a copy of the current state estimate.
func (e *Estimator) State() *mat.VecDense {
	cp := mat.NewVecDense(e.mdl.StateDim(), nil)
	cp.CopyVec(e.x)
	return cp
}

// Covariance returns a copy of the current covariance matrix.
func (e *Estimator) Covariance() *mat.Dense {
	n := e.mdl.StateDim()
	cp := mat.NewDense(n, n, nil)
	cp.Copy(e.p)
	return cp
}

// #endregion accessors
