package biascorrect

import (
	"math"
	"testing"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
)

// oneCellSeries builds a single-cell daily series for January of as
// many years as needed to hold vals, cycling vals across days.
func oneCellSeries(vals []float64) *grid.Series {
	g := grid.NewGrid([]float64{45}, []float64{-75})
	times := make([]time.Time, len(vals))
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	year := 0
	day := 0
	for i := range vals {
		if day == 31 {
			year++
			day = 0
		}
		times[i] = start.AddDate(year, 0, day)
		day++
	}
	s := grid.NewSeries("tas", g, times)
	s.Units = "degC"
	for i, v := range vals {
		s.Data[i][0] = v
	}
	return s
}

func ramp(n int, lo, hi float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}

func TestEQMRemovesConstantBias(t *testing.T) {
	ref := oneCellSeries(ramp(62, 0, 10))
	hist := oneCellSeries(ramp(62, 3, 13)) // ref + 3 everywhere

	tr, err := Train(ref, hist, Options{Method: MethodEQM, Kind: Additive, Group: GroupMonthly})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	got, err := tr.Adjust(hist)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	for i := range got.Data {
		want := hist.Data[i][0] - 3
		if math.Abs(got.Data[i][0]-want) > 0.3 {
			t.Errorf("step %d: adjusted = %v, want ~%v", i, got.Data[i][0], want)
		}
	}
	// Input untouched.
	if hist.Data[0][0] != 3 {
		t.Error("Adjust must not modify its input")
	}
}

func TestEQMMultiplicative(t *testing.T) {
	ref := oneCellSeries(ramp(62, 1, 11))
	hist := oneCellSeries(ramp(62, 2, 22)) // ref * 2

	tr, err := Train(ref, hist, Options{Method: MethodEQM, Kind: Multiplicative, Group: GroupMonthly})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	got, err := tr.Adjust(hist)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	mid := 31
	want := hist.Data[mid][0] / 2
	if math.Abs(got.Data[mid][0]-want) > 0.5 {
		t.Errorf("adjusted = %v, want ~%v", got.Data[mid][0], want)
	}
}

func TestQDMPreservesFutureDelta(t *testing.T) {
	ref := oneCellSeries(ramp(62, 0, 10))
	hist := oneCellSeries(ramp(62, 3, 13))
	// Future is hist shifted by +5: a warming signal on top of the
	// same +3 bias. QDM should keep the +5 while removing the +3.
	future := oneCellSeries(ramp(62, 8, 18))

	tr, err := Train(ref, hist, Options{Method: MethodQDM, Kind: Additive, Group: GroupMonthly})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	got, err := tr.Adjust(future)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	mid := 31
	want := future.Data[mid][0] - 3
	if math.Abs(got.Data[mid][0]-want) > 0.3 {
		t.Errorf("adjusted = %v, want ~%v", got.Data[mid][0], want)
	}
}

func TestDQMPreservesMeanTrend(t *testing.T) {
	ref := oneCellSeries(ramp(62, 0, 10))
	hist := oneCellSeries(ramp(62, 3, 13))
	future := oneCellSeries(ramp(62, 10, 20)) // +7 mean shift vs hist

	tr, err := Train(ref, hist, Options{Method: MethodDQM, Kind: Additive, Group: GroupMonthly})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	got, err := tr.Adjust(future)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}

	var mean float64
	for i := range got.Data {
		mean += got.Data[i][0]
	}
	mean /= float64(got.Len())
	// Corrected future mean should sit near ref mean + the modeled
	// +7 trend: 5 + 7 = 12.
	if math.Abs(mean-12) > 0.5 {
		t.Errorf("corrected future mean = %v, want ~12", mean)
	}
}

func TestAdjustSkipsMissing(t *testing.T) {
	ref := oneCellSeries(ramp(62, 0, 10))
	hist := oneCellSeries(ramp(62, 3, 13))
	tr, err := Train(ref, hist, Options{Method: MethodEQM, Kind: Additive, Group: GroupMonthly})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	target := hist.Copy()
	target.Data[5][0] = math.NaN()
	got, err := tr.Adjust(target)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if !math.IsNaN(got.Data[5][0]) {
		t.Errorf("missing input = %v, want NaN", got.Data[5][0])
	}
}

func TestTrainValidation(t *testing.T) {
	ref := oneCellSeries(ramp(40, 0, 10))
	hist := oneCellSeries(ramp(40, 3, 13))

	tests := []struct {
		name string
		opts Options
	}{
		{"bad method", Options{Method: "scaling", Kind: Additive, Group: GroupMonthly}},
		{"bad kind", Options{Method: MethodEQM, Kind: "-", Group: GroupMonthly}},
		{"bad grouping", Options{Method: MethodEQM, Kind: Additive, Group: "time.season"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Train(ref, hist, tt.opts); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}

	other := oneCellSeries(ramp(40, 3, 13))
	other.Units = "K"
	if _, err := Train(ref, other, Options{Method: MethodEQM, Kind: Additive, Group: GroupMonthly}); err == nil {
		t.Error("unit mismatch should error")
	}
}
