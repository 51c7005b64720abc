// Package render draws quick-look PNG maps of gridded fields for
// eyeballing downscaling output. One pixel block per grid cell, a
// blue-to-red colour ramp, grey for missing data, and a small label
// with the value range.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mikemorris12/downscale/internal/grid"
)

const (
	cellPx   = 12
	labelPad = 16
)

var missingGrey = color.NRGBA{R: 200, G: 200, B: 200, A: 255}

// Field writes a PNG rendering of f to w. label is drawn under the
// map alongside the value range; empty is fine.
func Field(w io.Writer, f grid.Field, label string) error {
	nlat, nlon := f.Grid.NLat(), f.Grid.NLon()
	if nlat == 0 || nlon == 0 {
		return fmt.Errorf("empty grid")
	}

	lo, hi, any := valueRange(f.Data)
	img := image.NewNRGBA(image.Rect(0, 0, nlon*cellPx, nlat*cellPx+labelPad))

	for i := 0; i < nlat; i++ {
		for j := 0; j < nlon; j++ {
			v := f.At(i, j)
			var c color.NRGBA
			if math.IsNaN(v) {
				c = missingGrey
			} else {
				c = ramp(normalize(v, lo, hi))
			}
			// Latitude increases upward; image rows grow downward.
			fillCell(img, (nlat-1-i)*cellPx, j*cellPx, c)
		}
	}

	text := label
	if any {
		if text != "" {
			text += "  "
		}
		text += fmt.Sprintf("[%.3g, %.3g]", lo, hi)
	}
	drawLabel(img, text, nlat*cellPx+labelPad-4)

	return png.Encode(w, img)
}

func valueRange(data []float64) (lo, hi float64, any bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		any = true
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, any
}

func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 0.5
	}
	return (v - lo) / (hi - lo)
}

// ramp maps 0..1 to a blue-white-red diverging ramp.
func ramp(t float64) color.NRGBA {
	t = math.Max(0, math.Min(1, t))
	var r, g, b float64
	if t < 0.5 {
		u := t * 2
		r, g, b = u, u, 1
	} else {
		u := (1 - t) * 2
		r, g, b = 1, u, u
	}
	return color.NRGBA{
		R: uint8(r * 255),
		G: uint8(g * 255),
		B: uint8(b * 255),
		A: 255,
	}
}

func fillCell(img *image.NRGBA, y0, x0 int, c color.NRGBA) {
	for y := y0; y < y0+cellPx; y++ {
		for x := x0; x < x0+cellPx; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

func drawLabel(img *image.NRGBA, text string, baseline int) {
	if text == "" {
		return
	}
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(2, baseline),
	}
	d.DrawString(text)
}
