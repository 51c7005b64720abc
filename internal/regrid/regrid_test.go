package regrid

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
)

func TestNewRejectsBadMethods(t *testing.T) {
	src := grid.NewGrid([]float64{0, 1}, []float64{0, 1})
	dst := grid.NewGrid([]float64{0.5}, []float64{0.5})

	if _, err := New(src, dst, Method("cubic")); err == nil {
		t.Error("unknown method should error")
	}

	_, err := New(src, dst, Conservative)
	var uerr ErrUnimplementedMethod
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want ErrUnimplementedMethod", err)
	}

	desc := grid.NewGrid([]float64{1, 0}, []float64{0, 1})
	if _, err := New(desc, dst, Bilinear); err == nil {
		t.Error("non-increasing source latitudes should error")
	}
}

func TestBilinearInterpolatesLinearField(t *testing.T) {
	src := grid.NewGrid([]float64{0, 1, 2}, []float64{0, 1, 2})
	dst := grid.NewGrid([]float64{0.5, 1.5}, []float64{0.25, 1.75})
	r, err := New(src, dst, Bilinear)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// f(lat, lon) = 2*lat + 3*lon is reproduced exactly by bilinear.
	f := grid.NewField(src)
	for i, lat := range src.Lats {
		for j, lon := range src.Lons {
			f.Set(i, j, 2*lat+3*lon)
		}
	}
	out, err := r.Apply(f)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i, lat := range dst.Lats {
		for j, lon := range dst.Lons {
			want := 2*lat + 3*lon
			if got := out.At(i, j); math.Abs(got-want) > 1e-12 {
				t.Errorf("dst(%v,%v) = %v, want %v", lat, lon, got, want)
			}
		}
	}
}

func TestBilinearPropagatesMissing(t *testing.T) {
	src := grid.NewGrid([]float64{0, 1}, []float64{0, 1})
	dst := grid.NewGrid([]float64{0.5}, []float64{0.5})
	r, err := New(src, dst, Bilinear)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f := grid.NewField(src)
	f.Data[0] = math.NaN()
	out, err := r.Apply(f)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !math.IsNaN(out.Data[0]) {
		t.Errorf("destination cell = %v, want NaN when a source corner is missing", out.Data[0])
	}
}

func TestNearestSourceToDest(t *testing.T) {
	src := grid.NewGrid([]float64{0, 10}, []float64{0, 10})
	dst := grid.NewGrid([]float64{1, 9}, []float64{2, 8})
	r, err := New(src, dst, NearestSourceToDest)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f := grid.NewField(src)
	for c := range f.Data {
		f.Data[c] = float64(c)
	}
	out, err := r.Apply(f)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []float64{0, 1, 2, 3}
	for c := range want {
		if out.Data[c] != want[c] {
			t.Errorf("cell %d = %v, want %v", c, out.Data[c], want[c])
		}
	}
}

func TestApplySeriesKeepsTimeAxis(t *testing.T) {
	src := grid.NewGrid([]float64{0, 1}, []float64{0, 1})
	dst := grid.NewGrid([]float64{0.5}, []float64{0.5})
	r, err := New(src, dst, Bilinear)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	times := []time.Time{
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	s := grid.NewSeries("pr", src, times)
	s.Units = "mm/day"
	for ti := range s.Data {
		for c := range s.Data[ti] {
			s.Data[ti][c] = float64(ti + 1)
		}
	}

	out, err := r.ApplySeries(s)
	if err != nil {
		t.Fatalf("ApplySeries: %v", err)
	}
	if out.Len() != 2 || !out.Times[1].Equal(times[1]) {
		t.Errorf("time axis not preserved: %v", out.Times)
	}
	if out.Data[0][0] != 1 || out.Data[1][0] != 2 {
		t.Errorf("values = %v, %v; want 1, 2", out.Data[0][0], out.Data[1][0])
	}
	if out.Units != "" {
		t.Errorf("units should not survive regridding, got %q", out.Units)
	}
}

func TestApplyRejectsWrongGrid(t *testing.T) {
	src := grid.NewGrid([]float64{0, 1}, []float64{0, 1})
	dst := grid.NewGrid([]float64{0.5}, []float64{0.5})
	r, err := New(src, dst, Bilinear)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := grid.NewField(dst)
	if _, err := r.Apply(f); err == nil {
		t.Error("field on the wrong grid should error")
	}
}
