package ncio

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikemorris12/downscale/internal/grid"
)

func sampleSeries(cal grid.Calendar) *grid.Series {
	g := grid.NewGrid([]float64{40, 45}, []float64{-80, -75, -70})
	times := []time.Time{
		time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1995, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(1995, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	s := grid.NewSeries("pr", g, times)
	s.Units = "mm/day"
	s.Calendar = cal
	for t := range s.Data {
		for c := range s.Data[t] {
			s.Data[t][c] = float64(t*10 + c)
		}
	}
	s.Data[1][2] = math.NaN()
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, cal := range []grid.Calendar{grid.CalendarStandard, grid.CalendarNoLeap} {
		t.Run(string(cal), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pr.nc")
			s := sampleSeries(cal)

			var sink Sink
			require.NoError(t, sink.WriteSeries(path, s))

			got, err := sink.ReadSeries(path, "pr")
			require.NoError(t, err)

			assert.Equal(t, s.Name, got.Name)
			assert.Equal(t, s.Units, got.Units)
			assert.Equal(t, cal, got.Calendar)
			require.True(t, got.Grid.Equal(s.Grid), "grid should round-trip")
			require.Equal(t, s.Len(), got.Len())
			for i := range s.Times {
				assert.True(t, got.Times[i].Equal(s.Times[i]), "time %d: %v vs %v", i, got.Times[i], s.Times[i])
			}
			for ti := range s.Data {
				for c := range s.Data[ti] {
					if math.IsNaN(s.Data[ti][c]) {
						assert.True(t, math.IsNaN(got.Data[ti][c]))
					} else {
						assert.Equal(t, s.Data[ti][c], got.Data[ti][c])
					}
				}
			}
		})
	}
}

func TestReadMissingVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pr.nc")
	var sink Sink
	require.NoError(t, sink.WriteSeries(path, sampleSeries(grid.CalendarStandard)))

	_, err := sink.ReadSeries(path, "tas")
	assert.Error(t, err)
}

func TestTimeEncoding(t *testing.T) {
	tests := []struct {
		name string
		cal  grid.Calendar
		date time.Time
		want float64
	}{
		{"standard epoch", grid.CalendarStandard, time.Date(1850, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{"standard day two", grid.CalendarStandard, time.Date(1850, 1, 2, 0, 0, 0, 0, time.UTC), 1},
		{"noleap epoch", grid.CalendarNoLeap, time.Date(1850, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{"noleap skips leap days", grid.CalendarNoLeap, time.Date(1851, 1, 1, 0, 0, 0, 0, time.UTC), 365},
		{"noleap mar 1", grid.CalendarNoLeap, time.Date(1850, 3, 1, 0, 0, 0, 0, time.UTC), 59},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := encodeTime(tt.date, tt.cal)
			assert.Equal(t, tt.want, got)
			back := decodeTime(got, tt.cal)
			assert.True(t, back.Equal(tt.date), "decode(%v) = %v, want %v", got, back, tt.date)
		})
	}
}
