package analogue

import (
	"fmt"
	"math"

	"github.com/mikemorris12/downscale/internal/grid"
)

// Reconstruct applies the analogue weights to the fine-resolution
// observation fields, producing one downscaled field. fine must be
// restricted to the analogue timestamps, in weight order.
//
// The combination is a weighted sum, not a weighted average: the
// weights need not sum to one. Missing contributions are skipped,
// then the output is re-masked wherever the first analogue's fine
// field is missing — missingness is assumed static across the
// observation record.
func Reconstruct(fine *grid.Series, w Weights, tr Transform) (grid.Field, error) {
	if fine.Len() != len(w.Coef) {
		return grid.Field{}, fmt.Errorf("have %d fine fields for %d weights", fine.Len(), len(w.Coef))
	}
	for i, t := range w.Times {
		if !fine.Times[i].Equal(t) {
			return grid.Field{}, fmt.Errorf("fine field %d is %s, weight is for %s",
				i, fine.Times[i].Format("2006-01-02"), t.Format("2006-01-02"))
		}
	}

	out := grid.NewField(fine.Grid)
	first := fine.Data[0]
	for c := range out.Data {
		var sum float64
		for k := range w.Coef {
			v := fine.Data[k][c]
			if math.IsNaN(v) {
				continue
			}
			sum += w.Coef[k] * tr.Forward(v)
		}
		sum = tr.Inverse(sum)
		if math.IsNaN(first[c]) {
			sum = math.NaN()
		}
		out.Data[c] = sum
	}
	return out, nil
}
