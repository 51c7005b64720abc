// Package biascorrect implements quantile-mapping bias correction
// with a train/adjust contract: fit an adjustment between a
// reference (observations) and a model's historical simulation, then
// apply the same trained adjustment to any series on the same grid.
// Adjustments are fit per calendar-month group and per grid cell.
package biascorrect

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
)

// Method selects the quantile-mapping variant.
type Method string

const (
	// MethodDQM is detrended quantile mapping: the long-term group
	// mean change is removed before mapping and restored after, so
	// the modeled trend survives the correction.
	MethodDQM Method = "DQM"
	// MethodQDM is quantile delta mapping: each value is adjusted by
	// the ref/hist delta at the value's own quantile in the series
	// being adjusted.
	MethodQDM Method = "QDM"
	// MethodEQM is plain empirical quantile mapping against the
	// historical distribution.
	MethodEQM Method = "EQM"
)

func (m Method) Validate() error {
	switch m {
	case MethodDQM, MethodQDM, MethodEQM:
		return nil
	}
	return fmt.Errorf("unsupported bias-correction method %q", m)
}

// Kind is the adjustment arithmetic: additive for unbounded
// quantities like temperature, multiplicative for ratio quantities
// like precipitation.
type Kind string

const (
	Additive       Kind = "+"
	Multiplicative Kind = "*"
)

func (k Kind) Validate() error {
	switch k {
	case Additive, Multiplicative:
		return nil
	}
	return fmt.Errorf("unsupported adjustment kind %q", k)
}

// Grouping partitions the time axis before fitting. Only monthly
// grouping is implemented.
type Grouping string

const GroupMonthly Grouping = "time.month"

func (g Grouping) Validate() error {
	if g != GroupMonthly {
		return fmt.Errorf("unsupported grouping %q", g)
	}
	return nil
}

const (
	DefaultNQuantiles = 20
	nGroups           = 12
)

// Options configures Train.
type Options struct {
	Method     Method
	Kind       Kind
	Group      Grouping
	NQuantiles int // 0 means DefaultNQuantiles
}

func (o Options) Validate() error {
	if err := o.Method.Validate(); err != nil {
		return err
	}
	if err := o.Kind.Validate(); err != nil {
		return err
	}
	if err := o.Group.Validate(); err != nil {
		return err
	}
	if o.NQuantiles < 0 {
		return fmt.Errorf("quantile count must be non-negative, got %d", o.NQuantiles)
	}
	return nil
}

// Trained is a fitted adjustment, reusable across series on the
// same grid.
type Trained struct {
	opts  Options
	g     grid.Grid
	units string
	probs []float64
	// refQ[group][cell] and histQ[group][cell] hold the per-group,
	// per-cell quantile curves; histMean holds per-group, per-cell
	// historical means for DQM detrending. Cells with no valid
	// samples hold nil curves.
	refQ     [nGroups][][]float64
	histQ    [nGroups][][]float64
	histMean [nGroups][]float64
}

// Train fits the adjustment of hist toward ref. Both series must
// share grid and units.
func Train(ref, hist *grid.Series, opts Options) (*Trained, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := ref.CheckAligned(hist); err != nil {
		return nil, fmt.Errorf("ref vs hist: %w", err)
	}
	if err := ref.CheckUnits(hist); err != nil {
		return nil, fmt.Errorf("ref vs hist: %w", err)
	}
	nq := opts.NQuantiles
	if nq == 0 {
		nq = DefaultNQuantiles
	}

	t := &Trained{opts: opts, g: ref.Grid, units: ref.Units, probs: quantileProbs(nq)}
	for g := 0; g < nGroups; g++ {
		t.refQ[g] = groupQuantiles(ref, time.Month(g+1), t.probs)
		t.histQ[g] = groupQuantiles(hist, time.Month(g+1), t.probs)
		t.histMean[g] = groupMeans(hist, time.Month(g+1))
	}
	return t, nil
}

// Adjust applies the trained adjustment to a series on the training
// grid and returns a new series; the input is not modified.
func (t *Trained) Adjust(s *grid.Series) (*grid.Series, error) {
	if !s.Grid.Equal(t.g) {
		return nil, fmt.Errorf("series is not on the training grid")
	}
	if s.Units != t.units {
		return nil, fmt.Errorf("unit mismatch: trained on %q, series has %q", t.units, s.Units)
	}

	out := s.Copy()

	// QDM ranks values within the adjusted series itself; DQM removes
	// the group-mean trend of the adjusted series. Both need the
	// target's own per-group statistics.
	var targetQ [nGroups][][]float64
	var targetMean [nGroups][]float64
	for g := 0; g < nGroups; g++ {
		switch t.opts.Method {
		case MethodQDM:
			targetQ[g] = groupQuantiles(s, time.Month(g+1), t.probs)
		case MethodDQM:
			targetMean[g] = groupMeans(s, time.Month(g+1))
		}
	}

	nc := s.Grid.NCells()
	for ti := range out.Data {
		g := int(out.Times[ti].Month()) - 1
		for c := 0; c < nc; c++ {
			v := out.Data[ti][c]
			if math.IsNaN(v) {
				continue
			}
			refQ, histQ := t.refQ[g][c], t.histQ[g][c]
			if refQ == nil || histQ == nil {
				continue
			}
			switch t.opts.Method {
			case MethodEQM:
				out.Data[ti][c] = t.mapValue(v, histQ, refQ)
			case MethodQDM:
				tau := invQuantile(t.probs, targetQ[g][c], v)
				out.Data[ti][c] = t.applyDelta(v, tau, histQ, refQ)
			case MethodDQM:
				out.Data[ti][c] = t.adjustDetrended(v, targetMean[g][c], t.histMean[g][c], histQ, refQ)
			}
		}
	}
	return out, nil
}

// mapValue performs plain quantile mapping: locate v's quantile in
// the historical distribution, then move it by the ref/hist delta at
// that quantile.
func (t *Trained) mapValue(v float64, histQ, refQ []float64) float64 {
	tau := invQuantile(t.probs, histQ, v)
	return t.applyDelta(v, tau, histQ, refQ)
}

func (t *Trained) applyDelta(v, tau float64, histQ, refQ []float64) float64 {
	rq := interpQuantile(t.probs, refQ, tau)
	hq := interpQuantile(t.probs, histQ, tau)
	if t.opts.Kind == Multiplicative {
		if hq == 0 {
			return v
		}
		return v * rq / hq
	}
	return v + rq - hq
}

// adjustDetrended removes the target-vs-hist group mean change
// before mapping and restores it after, so the correction targets
// the distribution shape rather than the trend.
func (t *Trained) adjustDetrended(v, targetMean, histMean float64, histQ, refQ []float64) float64 {
	if math.IsNaN(targetMean) || math.IsNaN(histMean) {
		return t.mapValue(v, histQ, refQ)
	}
	if t.opts.Kind == Multiplicative {
		if histMean == 0 || targetMean == 0 {
			return t.mapValue(v, histQ, refQ)
		}
		ratio := targetMean / histMean
		return t.mapValue(v/ratio, histQ, refQ) * ratio
	}
	delta := targetMean - histMean
	return t.mapValue(v-delta, histQ, refQ) + delta
}

// quantileProbs returns the nq probe probabilities (k+0.5)/nq.
func quantileProbs(nq int) []float64 {
	out := make([]float64, nq)
	for k := range out {
		out[k] = (float64(k) + 0.5) / float64(nq)
	}
	return out
}

// groupQuantiles computes, for every cell, the empirical quantile
// curve of the series values falling in the given calendar month.
func groupQuantiles(s *grid.Series, m time.Month, probs []float64) [][]float64 {
	nc := s.Grid.NCells()
	samples := make([][]float64, nc)
	for ti, t := range s.Times {
		if t.Month() != m {
			continue
		}
		for c := 0; c < nc; c++ {
			if v := s.Data[ti][c]; !math.IsNaN(v) {
				samples[c] = append(samples[c], v)
			}
		}
	}
	out := make([][]float64, nc)
	for c := 0; c < nc; c++ {
		if len(samples[c]) == 0 {
			continue
		}
		sort.Float64s(samples[c])
		q := make([]float64, len(probs))
		for k, p := range probs {
			q[k] = sortedQuantile(samples[c], p)
		}
		out[c] = q
	}
	return out
}

func groupMeans(s *grid.Series, m time.Month) []float64 {
	nc := s.Grid.NCells()
	sum := make([]float64, nc)
	n := make([]int, nc)
	for ti, t := range s.Times {
		if t.Month() != m {
			continue
		}
		for c := 0; c < nc; c++ {
			if v := s.Data[ti][c]; !math.IsNaN(v) {
				sum[c] += v
				n[c]++
			}
		}
	}
	out := make([]float64, nc)
	for c := 0; c < nc; c++ {
		if n[c] == 0 {
			out[c] = math.NaN()
			continue
		}
		out[c] = sum[c] / float64(n[c])
	}
	return out
}

// sortedQuantile linearly interpolates the p-quantile of sorted data.
func sortedQuantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// interpQuantile evaluates a quantile curve at probability tau,
// clamping beyond the probe range.
func interpQuantile(probs, q []float64, tau float64) float64 {
	n := len(probs)
	if tau <= probs[0] {
		return q[0]
	}
	if tau >= probs[n-1] {
		return q[n-1]
	}
	for k := 1; k < n; k++ {
		if tau <= probs[k] {
			frac := (tau - probs[k-1]) / (probs[k] - probs[k-1])
			return q[k-1] + frac*(q[k]-q[k-1])
		}
	}
	return q[n-1]
}

// invQuantile finds the probability at which a quantile curve takes
// value v, clamping outside the curve's range. Flat stretches of the
// curve map to their left edge.
func invQuantile(probs, q []float64, v float64) float64 {
	n := len(q)
	if v <= q[0] {
		return probs[0]
	}
	if v >= q[n-1] {
		return probs[n-1]
	}
	for k := 1; k < n; k++ {
		if v <= q[k] {
			if q[k] == q[k-1] {
				return probs[k-1]
			}
			frac := (v - q[k-1]) / (q[k] - q[k-1])
			return probs[k-1] + frac*(probs[k]-probs[k-1])
		}
	}
	return probs[n-1]
}
