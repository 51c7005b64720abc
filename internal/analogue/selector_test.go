package analogue

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/window"
)

func coarseGrid() grid.Grid {
	return grid.NewGrid([]float64{40, 45}, []float64{-80, -75})
}

// dailyArchive builds years complete years of daily data starting
// 2000-01-01, skipping Feb 29, with fill(dayIndex) populating each field.
func dailyArchive(t *testing.T, years int, fill func(day int, data []float64)) *grid.Series {
	t.Helper()
	g := coarseGrid()
	var times []time.Time
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	d := start
	for len(times) < years*365 {
		if !(d.Month() == time.February && d.Day() == 29) {
			times = append(times, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	s := grid.NewSeries("pr", g, times)
	s.Units = "mm/day"
	s.Calendar = grid.CalendarNoLeap
	for i := range s.Data {
		fill(i, s.Data[i])
	}
	return s
}

func mustWindow(t *testing.T, size int) *window.Map {
	t.Helper()
	m, err := window.Build(size, window.UnitDays)
	if err != nil {
		t.Fatalf("window.Build: %v", err)
	}
	return m
}

func TestSelectRanksByRMSE(t *testing.T) {
	archive := dailyArchive(t, 1, func(day int, data []float64) {
		for c := range data {
			data[c] = float64(day)
		}
	})
	win := mustWindow(t, 5)

	target := grid.NewField(coarseGrid())
	for c := range target.Data {
		target.Data[c] = 10 // exactly matches day index 10 (Jan 11)
	}
	at := time.Date(2000, 1, 11, 0, 0, 0, 0, time.UTC)

	set, err := Select(target, at, archive, win, 3, MetricRMSE, TransformNone, TruncateAnalogues)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(set.Analogues) != 3 {
		t.Fatalf("got %d analogues, want 3", len(set.Analogues))
	}
	if !set.Analogues[0].Time.Equal(at) {
		t.Errorf("best analogue = %v, want exact match %v", set.Analogues[0].Time, at)
	}
	// Next best are the neighbouring days, equally distant; stable
	// sort keeps archive order (day 9 before day 11).
	if set.Analogues[1].Time.Day() != 10 || set.Analogues[2].Time.Day() != 12 {
		t.Errorf("tie order = %v, %v; want Jan 10 then Jan 12",
			set.Analogues[1].Time, set.Analogues[2].Time)
	}
}

func TestSelectIsIdempotent(t *testing.T) {
	archive := dailyArchive(t, 2, func(day int, data []float64) {
		for c := range data {
			data[c] = float64((day*7)%13) + float64(c)
		}
	})
	win := mustWindow(t, 15)
	target := grid.NewField(coarseGrid())
	for c := range target.Data {
		target.Data[c] = 5
	}
	at := time.Date(2000, 6, 15, 0, 0, 0, 0, time.UTC)

	a, err := Select(target, at, archive, win, 10, MetricRMSE, TransformNone, TruncateAnalogues)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	b, err := Select(target, at, archive, win, 10, MetricRMSE, TransformNone, TruncateAnalogues)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(a.Analogues) != len(b.Analogues) {
		t.Fatalf("lengths differ: %d vs %d", len(a.Analogues), len(b.Analogues))
	}
	for i := range a.Analogues {
		if !a.Analogues[i].Time.Equal(b.Analogues[i].Time) {
			t.Errorf("analogue %d: %v vs %v", i, a.Analogues[i].Time, b.Analogues[i].Time)
		}
	}
}

func TestSelectWindowRestrictsCandidates(t *testing.T) {
	archive := dailyArchive(t, 1, func(day int, data []float64) {
		for c := range data {
			data[c] = 0
		}
	})
	win := mustWindow(t, 2)
	target := grid.NewField(coarseGrid())
	at := time.Date(2000, 7, 1, 0, 0, 0, 0, time.UTC)
	doy := grid.DayOfYearNoLeap(at)

	set, err := Select(target, at, archive, win, 100, MetricRMSE, TransformNone, TruncateAnalogues)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(set.Analogues) != 5 {
		t.Fatalf("got %d analogues, want the 5 window days", len(set.Analogues))
	}
	for _, a := range set.Analogues {
		d := grid.DayOfYearNoLeap(a.Time)
		if d < doy-2 || d > doy+2 {
			t.Errorf("analogue day-of-year %d outside window around %d", d, doy)
		}
	}
}

func TestSelectShortfallPolicies(t *testing.T) {
	archive := dailyArchive(t, 1, func(day int, data []float64) {})
	win := mustWindow(t, 1)
	target := grid.NewField(coarseGrid())
	at := time.Date(2000, 3, 10, 0, 0, 0, 0, time.UTC)

	set, err := Select(target, at, archive, win, 30, MetricRMSE, TransformNone, TruncateAnalogues)
	if err != nil {
		t.Fatalf("truncate policy: %v", err)
	}
	if len(set.Analogues) != 3 {
		t.Errorf("truncate policy returned %d analogues, want 3", len(set.Analogues))
	}

	_, err = Select(target, at, archive, win, 30, MetricRMSE, TransformNone, ErrorOnShortfall)
	var ierr ErrInsufficientAnalogues
	if !errors.As(err, &ierr) {
		t.Fatalf("err = %v, want ErrInsufficientAnalogues", err)
	}
	if ierr.Requested != 30 || ierr.Available != 3 {
		t.Errorf("shortfall detail = %+v", ierr)
	}
}

func TestSelectSkipsMissingCellsInScore(t *testing.T) {
	archive := dailyArchive(t, 1, func(day int, data []float64) {
		for c := range data {
			data[c] = float64(day)
		}
	})
	win := mustWindow(t, 3)
	target := grid.NewField(coarseGrid())
	target.Data[0] = math.NaN()
	for c := 1; c < len(target.Data); c++ {
		target.Data[c] = 50
	}
	at := time.Date(2000, 2, 20, 0, 0, 0, 0, time.UTC) // day index 50

	set, err := Select(target, at, archive, win, 1, MetricRMSE, TransformNone, TruncateAnalogues)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !set.Analogues[0].Time.Equal(at) {
		t.Errorf("best analogue = %v, want %v despite masked cell", set.Analogues[0].Time, at)
	}
}

func TestSelectRejectsBadInputs(t *testing.T) {
	archive := dailyArchive(t, 1, func(day int, data []float64) {})
	win := mustWindow(t, 3)
	target := grid.NewField(coarseGrid())
	at := archive.Times[0]

	if _, err := Select(target, at, archive, win, 5, Metric("mae"), TransformNone, TruncateAnalogues); err == nil {
		t.Error("unsupported metric should error")
	}
	if _, err := Select(target, at, archive, win, 0, MetricRMSE, TransformNone, TruncateAnalogues); err == nil {
		t.Error("non-positive n_analogues should error")
	}
	small := grid.NewField(grid.NewGrid([]float64{0}, []float64{0}))
	if _, err := Select(small, at, archive, win, 5, MetricRMSE, TransformNone, TruncateAnalogues); err == nil {
		t.Error("grid mismatch should error")
	}
}
