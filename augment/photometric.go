package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/convolution"
	"github.com/anthonynsimon/bild/effect"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/stat/distuv"
)

// PhotometricFunc changes pixel values only, never geometry, so it can run
// after the mask has been transformed.
type PhotometricFunc func(rng *rand.Rand, img *image.RGBA) *image.RGBA

const blurKernelSize = 23

var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ColorJitter perturbs brightness, contrast, saturation and hue by factors
// drawn uniformly around 1 (hue: around 0, as a fraction of a full turn).
// The four adjustments run in a random order.
type ColorJitter struct {
	Brightness, Contrast, Saturation, Hue float64
}

func (j ColorJitter) Apply(rng *rand.Rand, img *image.RGBA) *image.RGBA {
	factor := func(amount float64) float64 {
		return distuv.Uniform{Min: max(0, 1-amount), Max: 1 + amount, Src: rng}.Rand()
	}
	out := img
	for _, op := range rng.Perm(4) {
		switch op {
		case 0:
			if j.Brightness > 0 {
				out = adjust.Brightness(out, factor(j.Brightness)-1)
			}
		case 1:
			if j.Contrast > 0 {
				out = contrast(out, factor(j.Contrast))
			}
		case 2:
			if j.Saturation > 0 {
				out = adjust.Saturation(out, factor(j.Saturation)-1)
			}
		case 3:
			if j.Hue > 0 {
				shift := distuv.Uniform{Min: -j.Hue, Max: j.Hue, Src: rng}.Rand()
				out = shiftHue(out, shift)
			}
		}
	}
	return out
}

// contrast blends every channel with the mean luma of the image:
// out = f*c + (1-f)*mean.
func contrast(img *image.RGBA, f float64) *image.RGBA {
	b := img.Rect
	sum := 0.0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			sum += 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		}
	}
	mean := sum / float64(max(b.Dx()*b.Dy(), 1))
	blend := func(v uint8) uint8 {
		return uint8(min(max(math.Round(f*float64(v)+(1-f)*mean), 0), 255))
	}
	return adjust.Apply(img, func(c color.RGBA) color.RGBA {
		return color.RGBA{blend(c.R), blend(c.G), blend(c.B), c.A}
	})
}

// shiftHue rotates the HSV hue of every pixel by shift turns.
func shiftHue(img *image.RGBA, shift float64) *image.RGBA {
	return adjust.Apply(img, func(c color.RGBA) color.RGBA {
		col := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
		h, s, v := col.Hsv()
		h = math.Mod(h+shift*360+360, 360)
		r, g, b := colorful.Hsv(h, s, v).Clamped().RGB255()
		return color.RGBA{r, g, b, c.A}
	})
}

// Grayscale replaces the image by its luma, kept as three equal channels.
func Grayscale(_ *rand.Rand, img *image.RGBA) *image.RGBA {
	return effect.GrayscaleWithWeights(img, 0.299, 0.587, 0.114)
}

// GaussianBlur convolves with a separable 23-tap Gaussian whose sigma is
// drawn from [0.1, 2.0].
func GaussianBlur(rng *rand.Rand, img *image.RGBA) *image.RGBA {
	sigma := distuv.Uniform{Min: 0.1, Max: 2.0, Src: rng}.Rand()
	k := gaussianKernel(blurKernelSize, sigma).Normalized()
	opts := &convolution.Options{Bias: 0, Wrap: false, KeepAlpha: true}
	out := convolution.Convolve(img, k, opts)
	return convolution.Convolve(out, k.Transposed(), opts)
}

func gaussianKernel(size int, sigma float64) *convolution.Kernel {
	k := convolution.NewKernel(size, 1)
	half := size / 2
	for i := range size {
		x := float64(i - half)
		k.Matrix[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	return k
}

// Solarize inverts every channel value at or above 128.
func Solarize(_ *rand.Rand, img *image.RGBA) *image.RGBA {
	var lut [256]uint8
	for i := range lut {
		if i < 128 {
			lut[i] = uint8(i)
		} else {
			lut[i] = uint8(255 - i)
		}
	}
	return adjust.Apply(img, func(c color.RGBA) color.RGBA {
		return color.RGBA{lut[c.R], lut[c.G], lut[c.B], c.A}
	})
}

// ToTensor converts img to a CHW float tensor scaled to [0,1] and
// standardised with the ImageNet channel statistics.
func ToTensor(img *image.RGBA) *tensor.Planes {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := tensor.New(3, h, w)
	for y := range h {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := range w {
			for c := range 3 {
				v := float32(row[x*4+c]) / 255
				out.Data[(c*h+y)*w+x] = (v - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}
	return out
}

// ToImage inverts ToTensor, clamping to the 8-bit range.
func ToImage(t *tensor.Planes) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	for y := range t.H {
		for x := range t.W {
			p := img.PixOffset(x, y)
			for c := range 3 {
				v := (t.At(c, y, x)*imageNetStd[c] + imageNetMean[c]) * 255
				img.Pix[p+c] = uint8(max(0, min(255, v+0.5)))
			}
			img.Pix[p+3] = 255
		}
	}
	return img
}
