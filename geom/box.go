package geom

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Box is a crop window in source pixels: Top/Left offset plus Height/Width.
type Box struct {
	Top, Left     int
	Height, Width int
}

var (
	// DefaultScale is the area fraction range of the random resized crop.
	DefaultScale = [2]float64{0.08, 1.0}
	// DefaultRatio is the aspect ratio range of the random resized crop.
	DefaultRatio = [2]float64{3.0 / 4.0, 4.0 / 3.0}
)

const cropAttempts = 10

func Full(w, h int) Box {
	return Box{Top: 0, Left: 0, Height: h, Width: w}
}

func (b Box) Bottom() int { return b.Top + b.Height }
func (b Box) Right() int  { return b.Left + b.Width }

func (b Box) Area() int {
	if b.Height <= 0 || b.Width <= 0 {
		return 0
	}
	return b.Height * b.Width
}

func (b Box) Empty() bool {
	return b.Height <= 0 || b.Width <= 0
}

// Rect returns the box as an image rectangle (x = column, y = row).
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right(), b.Bottom())
}

// Inside reports whether the box is non-empty and fits in a w×h source.
func (b Box) Inside(w, h int) bool {
	return b.Top >= 0 && b.Left >= 0 && b.Height > 0 && b.Width > 0 &&
		b.Bottom() <= h && b.Right() <= w
}

func (b Box) String() string {
	return fmt.Sprintf("(i=%d j=%d h=%d w=%d)", b.Top, b.Left, b.Height, b.Width)
}

// SampleCrop draws a random resized crop box for a w×h source. The area
// fraction is uniform in scale and the aspect ratio is log-uniform in ratio.
// After cropAttempts rejected draws it falls back to a centre crop whose
// aspect ratio is clamped into ratio.
func SampleCrop(rng *rand.Rand, w, h int, scale, ratio [2]float64) Box {
	area := float64(w * h)
	areaDist := distuv.Uniform{Min: scale[0], Max: scale[1], Src: rng}
	logRatio := distuv.Uniform{Min: math.Log(ratio[0]), Max: math.Log(ratio[1]), Src: rng}

	for range cropAttempts {
		targetArea := area * areaDist.Rand()
		aspect := math.Exp(logRatio.Rand())
		cw := int(math.Round(math.Sqrt(targetArea * aspect)))
		ch := int(math.Round(math.Sqrt(targetArea / aspect)))
		if cw > 0 && cw <= w && ch > 0 && ch <= h {
			return Box{
				Top:    rng.IntN(h - ch + 1),
				Left:   rng.IntN(w - cw + 1),
				Height: ch,
				Width:  cw,
			}
		}
	}

	inRatio := float64(w) / float64(h)
	cw, ch := w, h
	if inRatio < min(ratio[0], ratio[1]) {
		ch = int(math.Round(float64(cw) / min(ratio[0], ratio[1])))
	} else if inRatio > max(ratio[0], ratio[1]) {
		cw = int(math.Round(float64(ch) * max(ratio[0], ratio[1])))
	}
	return Box{Top: (h - ch) / 2, Left: (w - cw) / 2, Height: ch, Width: cw}
}

// Intersect returns the rectangular intersection of a and b in source
// coordinates. ok is false (and the box empty) when they do not overlap.
func Intersect(a, b Box) (Box, bool) {
	iMin := max(a.Top, b.Top)
	iMax := min(a.Bottom(), b.Bottom())
	jMin := max(a.Left, b.Left)
	jMax := min(a.Right(), b.Right())
	hh := iMax - iMin
	ww := jMax - jMin
	if hh <= 0 || ww <= 0 {
		return Box{Top: iMin, Left: jMin}, false
	}
	return Box{Top: iMin, Left: jMin, Height: hh, Width: ww}, true
}

// OverlapArea is the intersection area of a and b, never negative.
func OverlapArea(a, b Box) int {
	ov, ok := Intersect(a, b)
	if !ok {
		return 0
	}
	return ov.Area()
}
