// Package window precomputes the day-of-year candidate windows used
// during analogue selection. The table is built once per run and
// queried per timestep, keeping the modular day arithmetic out of
// the hot loop.
package window

import (
	"fmt"
	"sort"
)

const daysPerYear = 365

// Unit is the time unit of the window half-width. Only days are
// supported.
type Unit string

const UnitDays Unit = "days"

// ErrUnsupportedUnit is returned by Build for any unit other than days.
type ErrUnsupportedUnit struct {
	Unit Unit
}

func (e ErrUnsupportedUnit) Error() string {
	return fmt.Sprintf("unsupported window unit %q (only %q is implemented)", e.Unit, UnitDays)
}

// Map holds, for each day-of-year 1..365 (no-leap convention), the
// set of day-of-year values within the window. Immutable once built.
type Map struct {
	size int
	sets [daysPerYear + 1]map[int]struct{}
}

// Build constructs the window table for the inclusive range
// [d-size, d+size] around each day d, wrapping at the year boundary.
func Build(size int, unit Unit) (*Map, error) {
	if unit != UnitDays {
		return nil, ErrUnsupportedUnit{Unit: unit}
	}
	if size < 0 {
		return nil, fmt.Errorf("window size must be non-negative, got %d", size)
	}

	m := &Map{size: size}
	for day := 1; day <= daysPerYear; day++ {
		set := make(map[int]struct{}, 2*size+1)
		for off := -size; off <= size; off++ {
			d := (day+off-1)%daysPerYear + daysPerYear
			set[d%daysPerYear+1] = struct{}{}
		}
		m.sets[day] = set
	}
	return m, nil
}

// Size returns the window half-width the map was built with.
func (m *Map) Size() int { return m.size }

// Contains reports whether candidate day-of-year cand falls inside
// the window centred on day.
func (m *Map) Contains(day, cand int) bool {
	if day < 1 || day > daysPerYear {
		return false
	}
	_, ok := m.sets[day][cand]
	return ok
}

// Days returns the sorted day-of-year values in the window centred
// on day. Mostly useful for tests and diagnostics; the per-timestep
// path uses Contains.
func (m *Map) Days(day int) []int {
	if day < 1 || day > daysPerYear {
		return nil
	}
	out := make([]int, 0, len(m.sets[day]))
	for d := range m.sets[day] {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}
