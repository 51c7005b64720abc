package analogue

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/window"
)

// Select finds the best-matching observed days for one coarse model
// field. Candidates are archive timesteps whose no-leap day-of-year
// falls in the window around the target's day-of-year, drawn from
// every year of the archive. The optional transform is applied to
// both sides before scoring; the returned analogue fields are
// untransformed.
//
// Ties in the similarity score keep original archive order (stable
// sort), so identical inputs always yield an identical set.
func Select(field grid.Field, at time.Time, archive *grid.Series, win *window.Map,
	n int, metric Metric, tr Transform, policy Policy) (Set, error) {

	if err := metric.Validate(); err != nil {
		return Set{}, err
	}
	if err := field.CheckAligned(archive.FieldAt(0)); err != nil {
		return Set{}, fmt.Errorf("archive not on target grid: %w", err)
	}
	if n <= 0 {
		return Set{}, fmt.Errorf("n_analogues must be positive, got %d", n)
	}

	doy := grid.DayOfYearNoLeap(at)
	var cand []int
	for i, t := range archive.Times {
		if win.Contains(doy, grid.DayOfYearNoLeap(t)) {
			cand = append(cand, i)
		}
	}
	if len(cand) < n && policy == ErrorOnShortfall {
		return Set{}, ErrInsufficientAnalogues{Requested: n, Available: len(cand), At: at}
	}

	scores := make([]float64, len(cand))
	for k, i := range cand {
		scores[k] = rmse(field.Data, archive.Data[i], tr)
	}

	order := make([]int, len(cand))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	if len(order) > n {
		order = order[:n]
	}
	set := Set{Grid: archive.Grid, Analogues: make([]Analogue, len(order))}
	for k, o := range order {
		i := cand[o]
		set.Analogues[k] = Analogue{
			Time: archive.Times[i],
			Data: append([]float64(nil), archive.Data[i]...),
		}
	}
	return set, nil
}

// rmse is the root-mean-squared difference over the spatial domain,
// with the transform applied to both sides. Cells missing on either
// side are skipped; a fully-missing pair scores +Inf so it sorts last.
func rmse(a, b []float64, tr Transform) float64 {
	var sum float64
	var n int
	for i := range a {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		d := tr.Forward(a[i]) - tr.Forward(b[i])
		sum += d * d
		n++
	}
	if n == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(sum / float64(n))
}
