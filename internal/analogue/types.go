// Package analogue implements the constructed-analogues core: for a
// single coarse model field, find the best-matching observed days,
// fit regression weights expressing the field as a linear
// combination of them, and apply those weights to high-resolution
// observations to synthesize the downscaled field.
package analogue

import (
	"fmt"
	"math"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
)

// Metric selects the similarity measure used to rank candidate
// analogues.
type Metric string

const MetricRMSE Metric = "rmse"

func (m Metric) Validate() error {
	if m != MetricRMSE {
		return fmt.Errorf("unsupported similarity metric %q", m)
	}
	return nil
}

// Penalty selects the regularization applied when solving for
// analogue weights.
type Penalty string

const (
	PenaltyNone Penalty = "none"
	PenaltyL1   Penalty = "l1"
	PenaltyL2   Penalty = "l2"
)

func (p Penalty) Validate() error {
	switch p {
	case PenaltyNone, PenaltyL1, PenaltyL2:
		return nil
	}
	return fmt.Errorf("unsupported penalty %q", p)
}

// Transform is an optional elementwise monotonic transform applied
// before selection and regression. The square-root transform keeps
// reconstructed values of intrinsically non-negative quantities
// (precipitation) from going negative.
type Transform string

const (
	TransformNone Transform = "none"
	TransformSqrt Transform = "sqrt"
)

func (tr Transform) Validate() error {
	switch tr {
	case TransformNone, TransformSqrt:
		return nil
	}
	return fmt.Errorf("unsupported transform %q", tr)
}

// Forward applies the transform to a single value.
func (tr Transform) Forward(v float64) float64 {
	if tr == TransformSqrt {
		return math.Sqrt(v)
	}
	return v
}

// Inverse undoes the transform. For sqrt this is squaring, which is
// what guarantees a non-negative reconstruction.
func (tr Transform) Inverse(v float64) float64 {
	if tr == TransformSqrt {
		return v * v
	}
	return v
}

// Policy decides what happens when the candidate pool holds fewer
// days than requested.
type Policy string

const (
	// TruncateAnalogues returns every available candidate without
	// complaint. This mirrors the historical behaviour of the method.
	TruncateAnalogues Policy = "truncate"
	// ErrorOnShortfall fails the timestep instead.
	ErrorOnShortfall Policy = "error"
)

func (p Policy) Validate() error {
	switch p {
	case TruncateAnalogues, ErrorOnShortfall:
		return nil
	}
	return fmt.Errorf("unsupported analogue policy %q", p)
}

// ErrInsufficientAnalogues is returned under ErrorOnShortfall when
// the window holds fewer candidates than requested.
type ErrInsufficientAnalogues struct {
	Requested int
	Available int
	At        time.Time
}

func (e ErrInsufficientAnalogues) Error() string {
	return fmt.Sprintf("insufficient analogue candidates at %s: requested %d, found %d",
		e.At.Format("2006-01-02"), e.Requested, e.Available)
}

// Analogue is one selected observed day: its timestamp and its
// coarse-resolution field, untransformed.
type Analogue struct {
	Time time.Time
	Data []float64
}

// Set is an ordered-by-similarity selection of analogues for one
// target timestep.
type Set struct {
	Grid      grid.Grid
	Analogues []Analogue
}

// Times returns the analogue timestamps in similarity order.
func (s Set) Times() []time.Time {
	out := make([]time.Time, len(s.Analogues))
	for i, a := range s.Analogues {
		out[i] = a.Time
	}
	return out
}

// Weights holds one regression coefficient per analogue, keyed by
// the analogue's timestamp. Coefficients are unconstrained: they may
// be negative and need not sum to one.
type Weights struct {
	Times []time.Time
	Coef  []float64
}
