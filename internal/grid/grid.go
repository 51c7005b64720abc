// Package grid holds the core gridded data types: a rectangular
// lat/lon grid, a single-timestep field on that grid, and a gridded
// time series. Missing data is represented as NaN throughout.
package grid

import (
	"fmt"
	"math"
)

// Grid is a rectangular spatial domain defined by ordered latitude
// and longitude values. Two grids are compatible iff they are
// elementwise equal.
type Grid struct {
	Lats []float64
	Lons []float64
}

func NewGrid(lats, lons []float64) Grid {
	return Grid{Lats: lats, Lons: lons}
}

func (g Grid) NLat() int { return len(g.Lats) }

func (g Grid) NLon() int { return len(g.Lons) }

// NCells is the number of grid cells, i.e. the length of a flattened field.
func (g Grid) NCells() int { return len(g.Lats) * len(g.Lons) }

// Equal reports whether two grids are elementwise identical.
func (g Grid) Equal(o Grid) bool {
	if len(g.Lats) != len(o.Lats) || len(g.Lons) != len(o.Lons) {
		return false
	}
	for i := range g.Lats {
		if g.Lats[i] != o.Lats[i] {
			return false
		}
	}
	for i := range g.Lons {
		if g.Lons[i] != o.Lons[i] {
			return false
		}
	}
	return true
}

// Field is a single-timestep spatial field. Data is row-major with
// latitude varying slowest: Data[i*NLon+j] is the value at
// (Lats[i], Lons[j]).
type Field struct {
	Grid Grid
	Data []float64
}

func NewField(g Grid) Field {
	return Field{Grid: g, Data: make([]float64, g.NCells())}
}

func (f Field) At(i, j int) float64 {
	return f.Data[i*f.Grid.NLon()+j]
}

func (f Field) Set(i, j int, v float64) {
	f.Data[i*f.Grid.NLon()+j] = v
}

// Copy returns a deep copy of the field sharing the grid.
func (f Field) Copy() Field {
	out := Field{Grid: f.Grid, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// IsMissing reports whether the flattened cell c holds missing data.
func (f Field) IsMissing(c int) bool {
	return math.IsNaN(f.Data[c])
}

// CheckAligned returns an error unless the two fields share an
// identical grid. Elementwise operations must call this first; there
// is no implicit coordinate alignment.
func (f Field) CheckAligned(o Field) error {
	if !f.Grid.Equal(o.Grid) {
		return fmt.Errorf("grid mismatch: %dx%d vs %dx%d",
			f.Grid.NLat(), f.Grid.NLon(), o.Grid.NLat(), o.Grid.NLon())
	}
	return nil
}
