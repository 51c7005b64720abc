package grid

import (
	"fmt"
	"math"
	"time"
)

// Series is a gridded time series: one spatial field per timestep,
// tagged with a variable name, physical units and a calendar.
type Series struct {
	Name     string
	Units    string
	Calendar Calendar
	Grid     Grid
	Times    []time.Time
	Data     [][]float64 // Data[t] is a flattened row-major field
}

func NewSeries(name string, g Grid, times []time.Time) *Series {
	data := make([][]float64, len(times))
	for t := range data {
		data[t] = make([]float64, g.NCells())
	}
	return &Series{
		Name:     name,
		Calendar: CalendarStandard,
		Grid:     g,
		Times:    times,
		Data:     data,
	}
}

func (s *Series) Len() int { return len(s.Times) }

// FieldAt returns the field for timestep t. The returned field
// shares backing storage with the series.
func (s *Series) FieldAt(t int) Field {
	return Field{Grid: s.Grid, Data: s.Data[t]}
}

// Copy returns a deep copy of the series.
func (s *Series) Copy() *Series {
	out := &Series{
		Name:     s.Name,
		Units:    s.Units,
		Calendar: s.Calendar,
		Grid:     s.Grid,
		Times:    append([]time.Time(nil), s.Times...),
		Data:     make([][]float64, len(s.Data)),
	}
	for t := range s.Data {
		out.Data[t] = append([]float64(nil), s.Data[t]...)
	}
	return out
}

// SelectTimes returns a new series containing only the given
// timestep indices, in the given order. Field data is copied.
func (s *Series) SelectTimes(idx []int) *Series {
	out := &Series{
		Name:     s.Name,
		Units:    s.Units,
		Calendar: s.Calendar,
		Grid:     s.Grid,
		Times:    make([]time.Time, len(idx)),
		Data:     make([][]float64, len(idx)),
	}
	for k, t := range idx {
		out.Times[k] = s.Times[t]
		out.Data[k] = append([]float64(nil), s.Data[t]...)
	}
	return out
}

// IndexOfTime returns the first timestep whose timestamp equals t,
// or -1 if absent.
func (s *Series) IndexOfTime(t time.Time) int {
	for i, st := range s.Times {
		if st.Equal(t) {
			return i
		}
	}
	return -1
}

// CheckAligned returns an error unless the two series share an
// identical grid.
func (s *Series) CheckAligned(o *Series) error {
	if !s.Grid.Equal(o.Grid) {
		return fmt.Errorf("grid mismatch: %dx%d vs %dx%d",
			s.Grid.NLat(), s.Grid.NLon(), o.Grid.NLat(), o.Grid.NLon())
	}
	return nil
}

// CheckUnits returns an error unless the two series carry the same
// unit tag. Series with an empty unit tag never match a non-empty one.
func (s *Series) CheckUnits(o *Series) error {
	if s.Units != o.Units {
		return fmt.Errorf("unit mismatch: %q vs %q", s.Units, o.Units)
	}
	return nil
}

// MaskWhereMissing sets every timestep's value to NaN at cells where
// mask is missing. The mask is static: one field applied across the
// whole time axis.
func (s *Series) MaskWhereMissing(mask Field) error {
	if !s.Grid.Equal(mask.Grid) {
		return fmt.Errorf("mask grid mismatch: %dx%d vs %dx%d",
			s.Grid.NLat(), s.Grid.NLon(), mask.Grid.NLat(), mask.Grid.NLon())
	}
	for t := range s.Data {
		for c := range s.Data[t] {
			if math.IsNaN(mask.Data[c]) {
				s.Data[t][c] = math.NaN()
			}
		}
	}
	return nil
}

// Concat appends another series along the time axis. Grids and units
// must match.
func (s *Series) Concat(o *Series) error {
	if err := s.CheckAligned(o); err != nil {
		return err
	}
	if err := s.CheckUnits(o); err != nil {
		return err
	}
	s.Times = append(s.Times, o.Times...)
	s.Data = append(s.Data, o.Data...)
	return nil
}
