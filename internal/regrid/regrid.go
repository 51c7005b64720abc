// Package regrid resamples fields between rectangular lat/lon grids.
// A Regridder is built once for a source/destination grid pair and
// reused across fields to amortize the weight computation.
package regrid

import (
	"fmt"
	"math"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
)

// Method names a regridding scheme. The full set of recognized names
// matches the usual regridding vocabulary; only bilinear and
// nearest-source-to-destination are implemented here, the rest
// return ErrUnimplementedMethod from New.
type Method string

const (
	Bilinear               Method = "bilinear"
	Conservative           Method = "conservative"
	ConservativeNormalized Method = "conservative_normed"
	Patch                  Method = "patch"
	NearestSourceToDest    Method = "nearest_s2d"
	NearestDestToSource    Method = "nearest_d2s"
)

func (m Method) Validate() error {
	switch m {
	case Bilinear, Conservative, ConservativeNormalized, Patch, NearestSourceToDest, NearestDestToSource:
		return nil
	}
	return fmt.Errorf("unknown regrid method %q", m)
}

// ErrUnimplementedMethod is returned for recognized methods that
// this package does not implement.
type ErrUnimplementedMethod struct {
	Method Method
}

func (e ErrUnimplementedMethod) Error() string {
	return fmt.Sprintf("regrid method %q is recognized but not implemented", e.Method)
}

// cellWeights maps one destination cell to up to four source cells.
type cellWeights struct {
	src [4]int
	w   [4]float64
	n   int
}

// Regridder maps fields from a source grid onto a destination grid.
type Regridder struct {
	src    grid.Grid
	dst    grid.Grid
	method Method
	cells  []cellWeights
}

// New builds a Regridder for the grid pair. Source coordinates must
// be strictly increasing along both axes.
func New(src, dst grid.Grid, method Method) (*Regridder, error) {
	if err := method.Validate(); err != nil {
		return nil, err
	}
	switch method {
	case Bilinear, NearestSourceToDest:
	default:
		return nil, ErrUnimplementedMethod{Method: method}
	}
	if err := checkIncreasing(src.Lats); err != nil {
		return nil, fmt.Errorf("source latitudes: %w", err)
	}
	if err := checkIncreasing(src.Lons); err != nil {
		return nil, fmt.Errorf("source longitudes: %w", err)
	}

	r := &Regridder{src: src, dst: dst, method: method, cells: make([]cellWeights, dst.NCells())}
	for i, lat := range dst.Lats {
		for j, lon := range dst.Lons {
			c := i*dst.NLon() + j
			switch method {
			case Bilinear:
				r.cells[c] = bilinearWeights(src, lat, lon)
			case NearestSourceToDest:
				r.cells[c] = nearestWeights(src, lat, lon)
			}
		}
	}
	return r, nil
}

// Apply resamples one field onto the destination grid. A destination
// cell is missing if any contributing source cell is missing.
func (r *Regridder) Apply(f grid.Field) (grid.Field, error) {
	if !f.Grid.Equal(r.src) {
		return grid.Field{}, fmt.Errorf("field is not on the regridder's source grid")
	}
	out := grid.NewField(r.dst)
	for c := range out.Data {
		cw := r.cells[c]
		var v float64
		for k := 0; k < cw.n; k++ {
			s := f.Data[cw.src[k]]
			if math.IsNaN(s) {
				v = math.NaN()
				break
			}
			v += cw.w[k] * s
		}
		out.Data[c] = v
	}
	return out, nil
}

// ApplySeries resamples every timestep of a series. Unit and
// calendar metadata is not carried across the regridding boundary;
// callers re-attach it.
func (r *Regridder) ApplySeries(s *grid.Series) (*grid.Series, error) {
	out := grid.NewSeries(s.Name, r.dst, append([]time.Time(nil), s.Times...))
	out.Calendar = s.Calendar
	for t := range s.Data {
		f, err := r.Apply(s.FieldAt(t))
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}
		out.Data[t] = f.Data
	}
	return out, nil
}

func checkIncreasing(v []float64) error {
	if len(v) == 0 {
		return fmt.Errorf("empty coordinate axis")
	}
	for i := 1; i < len(v); i++ {
		if v[i] <= v[i-1] {
			return fmt.Errorf("coordinates not strictly increasing at index %d", i)
		}
	}
	return nil
}

// bracket returns the index i such that axis[i] <= x <= axis[i+1],
// clamping outside the axis to the nearest edge interval.
func bracket(axis []float64, x float64) (int, float64) {
	if x <= axis[0] {
		return 0, 0
	}
	n := len(axis)
	if x >= axis[n-1] {
		if n == 1 {
			return 0, 0
		}
		return n - 2, 1
	}
	lo := 0
	for lo < n-2 && axis[lo+1] < x {
		lo++
	}
	frac := (x - axis[lo]) / (axis[lo+1] - axis[lo])
	return lo, frac
}

func bilinearWeights(src grid.Grid, lat, lon float64) cellWeights {
	if src.NLat() == 1 && src.NLon() == 1 {
		return cellWeights{src: [4]int{0}, w: [4]float64{1}, n: 1}
	}
	i, fy := bracket(src.Lats, lat)
	j, fx := bracket(src.Lons, lon)
	nlon := src.NLon()

	i2, j2 := i+1, j+1
	if src.NLat() == 1 {
		i2, fy = i, 0
	}
	if src.NLon() == 1 {
		j2, fx = j, 0
	}
	return cellWeights{
		src: [4]int{i*nlon + j, i*nlon + j2, i2*nlon + j, i2*nlon + j2},
		w: [4]float64{
			(1 - fy) * (1 - fx),
			(1 - fy) * fx,
			fy * (1 - fx),
			fy * fx,
		},
		n: 4,
	}
}

func nearestWeights(src grid.Grid, lat, lon float64) cellWeights {
	bi, bj := 0, 0
	best := math.Inf(1)
	for i, slat := range src.Lats {
		d := math.Abs(slat - lat)
		if d < best {
			best, bi = d, i
		}
	}
	best = math.Inf(1)
	for j, slon := range src.Lons {
		d := math.Abs(slon - lon)
		if d < best {
			best, bj = d, j
		}
	}
	return cellWeights{src: [4]int{bi*src.NLon() + bj}, w: [4]float64{1}, n: 1}
}
