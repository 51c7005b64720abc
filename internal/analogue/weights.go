package analogue

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const (
	lassoMaxIter = 1000
	lassoTol     = 1e-8
)

// SolveOptions configures the weight regression.
type SolveOptions struct {
	Penalty      Penalty
	Lambda       float64 // regularization strength for l1/l2
	Jitter       bool
	JitterThresh float64
	Transform    Transform
	Rand         *rand.Rand // jitter noise source; required when Jitter is set
}

// SolveWeights fits one scalar weight per analogue by no-intercept
// least squares: the flattened target field is the response and each
// flattened analogue field is one regressor column.
//
// Missing cells are filled with zero on both sides. That neutralizes
// rather than excludes them, a known simplification carried over
// from the reference method.
func SolveWeights(target []float64, set Set, opts SolveOptions) (Weights, error) {
	k := len(set.Analogues)
	if k == 0 {
		return Weights{}, fmt.Errorf("empty analogue set")
	}
	nc := len(target)
	for _, a := range set.Analogues {
		if len(a.Data) != nc {
			return Weights{}, fmt.Errorf("analogue field length %d does not match target length %d", len(a.Data), nc)
		}
	}
	if err := opts.Penalty.Validate(); err != nil {
		return Weights{}, err
	}
	if opts.Jitter && opts.Rand == nil {
		return Weights{}, fmt.Errorf("jitter requested without a noise source")
	}

	y := prep(target, opts)
	x := mat.NewDense(nc, k, nil)
	for j, a := range set.Analogues {
		col := prep(a.Data, opts)
		for i := 0; i < nc; i++ {
			x.Set(i, j, col[i])
		}
	}
	yv := mat.NewVecDense(nc, y)

	coef := make([]float64, k)
	switch opts.Penalty {
	case PenaltyNone:
		var beta mat.VecDense
		if err := beta.SolveVec(x, yv); err != nil {
			return Weights{}, fmt.Errorf("least squares solve: %w", err)
		}
		for j := 0; j < k; j++ {
			coef[j] = beta.AtVec(j)
		}
	case PenaltyL2:
		var xtx mat.Dense
		xtx.Mul(x.T(), x)
		for j := 0; j < k; j++ {
			xtx.Set(j, j, xtx.At(j, j)+opts.Lambda)
		}
		var xty mat.VecDense
		xty.MulVec(x.T(), yv)
		var beta mat.VecDense
		if err := beta.SolveVec(&xtx, &xty); err != nil {
			return Weights{}, fmt.Errorf("ridge solve: %w", err)
		}
		for j := 0; j < k; j++ {
			coef[j] = beta.AtVec(j)
		}
	case PenaltyL1:
		coef = lasso(x, y, opts.Lambda)
	}

	return Weights{Times: set.Times(), Coef: coef}, nil
}

// prep copies a flattened field and applies the pre-regression
// pipeline: zero-fill missing, jitter sub-threshold magnitudes, then
// the transform.
func prep(data []float64, opts SolveOptions) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		if math.IsNaN(v) {
			v = 0
		}
		if opts.Jitter && math.Abs(v) < opts.JitterThresh {
			v = opts.Rand.Float64() * opts.JitterThresh
		}
		out[i] = opts.Transform.Forward(v)
	}
	return out
}

// lasso solves the l1-penalized no-intercept least squares problem
// by cyclic coordinate descent with soft thresholding.
func lasso(x *mat.Dense, y []float64, lambda float64) []float64 {
	nc, k := x.Dims()
	beta := make([]float64, k)
	resid := append([]float64(nil), y...)

	colSS := make([]float64, k)
	for j := 0; j < k; j++ {
		for i := 0; i < nc; i++ {
			v := x.At(i, j)
			colSS[j] += v * v
		}
	}

	for iter := 0; iter < lassoMaxIter; iter++ {
		var maxDelta float64
		for j := 0; j < k; j++ {
			if colSS[j] == 0 {
				continue
			}
			var rho float64
			for i := 0; i < nc; i++ {
				rho += x.At(i, j) * resid[i]
			}
			rho += colSS[j] * beta[j]

			next := softThreshold(rho, lambda) / colSS[j]
			if next != beta[j] {
				d := beta[j] - next
				for i := 0; i < nc; i++ {
					resid[i] += x.At(i, j) * d
				}
				if ad := math.Abs(d); ad > maxDelta {
					maxDelta = ad
				}
				beta[j] = next
			}
		}
		if maxDelta < lassoTol {
			break
		}
	}
	return beta
}

func softThreshold(v, lambda float64) float64 {
	switch {
	case v > lambda:
		return v - lambda
	case v < -lambda:
		return v + lambda
	}
	return 0
}
