package augment

import (
	"errors"
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/segment"
	"github.com/setanarut/regionbyol/tensor"
)

// CanonicalView is the index of the un-augmented third view.
const CanonicalView = 2

// MultiView turns one image and its label mask into two augmented views plus
// a canonical full-frame view, tracking the crop window and flip of each.
type MultiView struct {
	Stage       Stage
	Size        int
	FlipProb    float64
	Scale       [2]float64
	Ratio       [2]float64
	OverlapMask bool
	SLIC        bool
	Segments    int
	Compactness float64

	views     [2]*PairedTransform
	canonical *PairedTransform
}

// Views is one sample after augmentation. Index 0 and 1 are the augmented
// views, CanonicalView is the whole image resized without flip.
type Views struct {
	Images  [3]*tensor.Planes
	Masks   [3]*mask.Label
	Records [3]geom.Record
	Boxes   [3]geom.Box
	// Overlap holds, per augmented view, the crop intersection transformed
	// into that view's pixel frame. Nil unless overlap masking is on.
	Overlap     [2]*mask.Label
	OverlapArea int
	// Canonical is the 8-bit canonical image the superpixels were computed on.
	Canonical     *image.RGBA
	Width, Height int
}

func NewMultiView(cfg *config.Config) (*MultiView, error) {
	stage, err := ParseStage(cfg.Data.Stage)
	if err != nil {
		return nil, err
	}
	d := cfg.Data
	mv := &MultiView{
		Stage:       stage,
		Size:        d.CropSize,
		FlipProb:    d.FlipProb,
		Scale:       geom.DefaultScale,
		Ratio:       geom.DefaultRatio,
		OverlapMask: d.OverlapMask,
		SLIC:        d.SLIC,
		Segments:    d.SLICSegments,
		Compactness: d.SLICCompact,
	}
	for i := range mv.views {
		v := d.Views[i]
		mv.views[i] = ForStage(stage, d.CropSize, ViewProfile{BlurProb: v.BlurProb, SolarizeProb: v.SolarizeProb}, d.RawAspect)
	}
	mv.canonical = ForStage(StageRaw, d.CropSize, ViewProfile{}, false)
	return mv, nil
}

// Apply augments img. A nil m stands for an all-zero (unlabelled) mask; a
// mask whose size differs from the image is an error.
func (mv *MultiView) Apply(rng *rand.Rand, img image.Image, m *mask.Label) (*Views, error) {
	src := ToRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("empty image")
	}
	if m == nil {
		m = mask.New(1, h, w)
	}
	if m.H != h || m.W != w {
		return nil, fmt.Errorf("mask %v does not match image %dx%d", m, w, h)
	}

	out := &Views{Width: w, Height: h}
	var flips [3]bool
	for i, t := range mv.views {
		if t.Deterministic() {
			out.Boxes[i] = evalBox(w, h, mv.Size*8/7, mv.Size)
			continue
		}
		out.Boxes[i] = geom.SampleCrop(rng, w, h, mv.Scale, mv.Ratio)
		flips[i] = t.Flips() && rng.Float64() < mv.FlipProb
	}
	out.Boxes[CanonicalView] = geom.Full(w, h)

	ov, _ := geom.Intersect(out.Boxes[0], out.Boxes[1])
	out.OverlapArea = ov.Area()

	viewMask, canonMask := m, m
	if mv.OverlapMask {
		canonMask = mask.RestrictToOverlap(m, out.Boxes[0], out.Boxes[1])
		viewMask = canonMask.Append(mask.Indicator(h, w, ov))
	}
	for i, t := range mv.views {
		res := t.Run(rng, src, viewMask, out.Boxes[i], flips[i])
		lm := res.Mask
		if mv.OverlapMask {
			out.Overlap[i] = lm.Channel(m.C)
			lm = lm.Channels(0, m.C)
		}
		out.Images[i] = res.Tensor
		out.Masks[i] = lm.Append(mask.Ones(1, lm.H, lm.W))
	}

	// The superpixel channel is computed on the whole frame; only the labels
	// are restricted.
	res := mv.canonical.Run(rng, src, canonMask, out.Boxes[CanonicalView], false)
	var sp *mask.Label
	if mv.SLIC {
		sp = segment.SLIC(res.Image, mv.Segments, mv.Compactness)
	} else {
		sp = mask.Ones(1, res.Mask.H, res.Mask.W)
	}
	out.Images[CanonicalView] = res.Tensor
	out.Masks[CanonicalView] = res.Mask.Append(sp)
	out.Canonical = res.Image

	for i := range out.Records {
		out.Records[i] = geom.NewRecord(out.Boxes[i], flips[i], w, h)
	}
	return out, nil
}
