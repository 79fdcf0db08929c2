package augment

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/transform"
	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/mask"
	"golang.org/x/image/draw"
)

// ToRGBA returns img as an *image.RGBA anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// resizeShorter computes the output size of a resize that maps the shorter
// side to size, capping the longer side at maxSize when maxSize > 0.
func resizeShorter(w, h, size, maxSize int) (nw, nh int) {
	short, long := w, h
	if w > h {
		short, long = h, w
	}
	newShort, newLong := size, int(float64(size)*float64(long)/float64(short))
	if maxSize > 0 && newLong > maxSize {
		newShort, newLong = int(float64(maxSize)*float64(newShort)/float64(newLong)), maxSize
	}
	if w <= h {
		return newShort, newLong
	}
	return newLong, newShort
}

// cropResize cuts box out of img and scales it to size×size with bicubic
// interpolation; the mask goes through the same crop with nearest sampling.
// With keepAspect the crop keeps its aspect ratio (shorter side size-1, longer
// side at most size) and is zero-padded at the bottom and right to size×size.
func cropResize(img *image.RGBA, m *mask.Label, box geom.Box, size int, keepAspect bool) (*image.RGBA, *mask.Label) {
	nw, nh := size, size
	if keepAspect {
		nw, nh = resizeShorter(box.Width, box.Height, size-1, size)
	}
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	src := box.Rect().Add(img.Rect.Min)
	draw.CatmullRom.Scale(out, image.Rect(0, 0, nw, nh), img, src, draw.Src, nil)

	lm := m.Crop(box).ResizeNearest(nh, nw)
	if nh < size || nw < size {
		lm = lm.Pad(size-nh, size-nw)
	}
	return out, lm
}

func flip(img *image.RGBA, m *mask.Label) (*image.RGBA, *mask.Label) {
	return transform.FlipH(img), m.FlipH()
}

// resizeTo scales the shorter side to size with bilinear interpolation.
func resizeTo(img *image.RGBA, m *mask.Label, size int) (*image.RGBA, *mask.Label) {
	b := img.Bounds()
	nw, nh := resizeShorter(b.Dx(), b.Dy(), size, 0)
	out := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out, m.ResizeNearest(nh, nw)
}

// centerBox is the size×size window centred in a w×h frame. It reaches
// outside the frame when the frame is smaller, which crops as zero padding.
func centerBox(w, h, size int) geom.Box {
	off := func(n int) int {
		if n >= size {
			return int(math.Round(float64(n-size) / 2))
		}
		return -((size - n) / 2)
	}
	return geom.Box{Top: off(h), Left: off(w), Height: size, Width: size}
}

func centerCrop(img *image.RGBA, m *mask.Label, size int) (*image.RGBA, *mask.Label) {
	b := img.Bounds()
	box := centerBox(b.Dx(), b.Dy(), size)
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), img, b.Min.Add(image.Pt(box.Left, box.Top)), draw.Src)
	return out, m.Crop(box)
}

// evalBox maps the resize-then-centre-crop of the test stage back to the
// source window it shows, so test-stage views still carry a faithful record.
func evalBox(w, h, resize, size int) geom.Box {
	nw, nh := resizeShorter(w, h, resize, 0)
	c := centerBox(nw, nh, size)
	sx := float64(w) / float64(nw)
	sy := float64(h) / float64(nh)
	return geom.Box{
		Top:    int(math.Round(float64(c.Top) * sy)),
		Left:   int(math.Round(float64(c.Left) * sx)),
		Height: int(math.Round(float64(c.Height) * sy)),
		Width:  int(math.Round(float64(c.Width) * sx)),
	}
}
