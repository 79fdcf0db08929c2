package utils

import (
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/regionbyol/mask"
)

type weightedColor struct {
	Col    colorful.Color
	Weight float64
}

// SortPaletteByBrightness orders colors from darkest to brightest.
func SortPaletteByBrightness(palette []colorful.Color) {
	slices.SortFunc(palette, func(a, b colorful.Color) int {
		return cmpFloat(luminance(a), luminance(b))
	})
}

func luminance(c colorful.Color) float64 {
	r, g, b := c.LinearRgb()
	return 0.2126*r + 0.7152*g + 0.0722*b
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// RegionPalette returns k mutually distinct colours for painting region
// ids, drawn from the dominant colours of img and topped up with evenly
// spread hues when the image has too few.
func RegionPalette(img image.Image, k int) []colorful.Color {
	if k <= 0 {
		return nil
	}
	var cands []weightedColor
	for _, c := range dominantcolor.FindWeight(img, max(24, k*2)) {
		col, _ := colorful.MakeColor(c.RGBA)
		cands = append(cands, weightedColor{Col: col.Clamped(), Weight: max(c.Weight, 1e-6)})
	}
	out := selectDiverse(cands, k)
	if len(out) < k {
		out = append(out, colorful.FastHappyPalette(k-len(out))...)
	}
	return out
}

// selectDiverse picks up to k candidates by farthest-point sampling in Lab,
// starting from the heaviest and favouring heavy candidates among far ones.
func selectDiverse(cands []weightedColor, k int) []colorful.Color {
	if len(cands) == 0 {
		return nil
	}
	k = min(k, len(cands))
	labs := make([][3]float64, len(cands))
	maxW, seed := 0.0, 0
	for i, c := range cands {
		l, a, b := c.Col.Lab()
		labs[i] = [3]float64{l, a, b}
		if c.Weight > maxW {
			maxW, seed = c.Weight, i
		}
	}
	picked := []int{seed}
	used := make([]bool, len(cands))
	used[seed] = true
	for len(picked) < k {
		best, bestScore := -1, -1.0
		for i := range cands {
			if used[i] {
				continue
			}
			nearest := math.MaxFloat64
			for _, s := range picked {
				d0, d1, d2 := labs[i][0]-labs[s][0], labs[i][1]-labs[s][1], labs[i][2]-labs[s][2]
				nearest = min(nearest, d0*d0+d1*d1+d2*d2)
			}
			score := math.Sqrt(nearest) * (0.55 + 0.45*math.Sqrt(cands[i].Weight/maxW))
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, best)
	}
	out := make([]colorful.Color, len(picked))
	for i, p := range picked {
		out[i] = cands[p].Col
	}
	return out
}

// ColorizeLabels paints channel c of m, id i taking palette[i mod len].
// Negative ids stay black.
func ColorizeLabels(m *mask.Label, c int, palette []colorful.Color) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.W, m.H))
	if len(palette) == 0 {
		return out
	}
	for y := range m.H {
		for x := range m.W {
			id := int(m.At(c, y, x))
			if id < 0 {
				out.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			r, g, b := palette[id%len(palette)].RGB255()
			out.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}

// MeanColors paints every region of channel c with the mean colour of its
// pixels in img, which must have the size of m.
func MeanColors(img *image.RGBA, m *mask.Label, c int) *image.RGBA {
	type acc struct{ r, g, b, n int }
	sums := map[int32]*acc{}
	for y := range m.H {
		for x := range m.W {
			id := m.At(c, y, x)
			a, ok := sums[id]
			if !ok {
				a = &acc{}
				sums[id] = a
			}
			p := img.RGBAAt(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			a.r += int(p.R)
			a.g += int(p.G)
			a.b += int(p.B)
			a.n++
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, m.W, m.H))
	for y := range m.H {
		for x := range m.W {
			a := sums[m.At(c, y, x)]
			out.SetRGBA(x, y, color.RGBA{R: uint8(a.r / a.n), G: uint8(a.g / a.n), B: uint8(a.b / a.n), A: 255})
		}
	}
	return out
}
