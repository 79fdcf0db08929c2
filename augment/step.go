package augment

import (
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/tensor"
)

type StepKind int

const (
	// StepCrop cuts the caller-supplied box and resizes it to Size.
	StepCrop StepKind = iota
	// StepFlip mirrors image and mask when the caller's flip decision says so.
	StepFlip
	// StepResize scales the shorter side to Size.
	StepResize
	// StepCenterCrop cuts a centred Size×Size window.
	StepCenterCrop
	// StepPhotometric applies Op with probability Prob to the image only.
	StepPhotometric
)

func (k StepKind) String() string {
	switch k {
	case StepCrop:
		return "crop"
	case StepFlip:
		return "flip"
	case StepResize:
		return "resize"
	case StepCenterCrop:
		return "center_crop"
	case StepPhotometric:
		return "photometric"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Step is one stage of a paired transform. Geometric kinds move image and
// mask together; photometric kinds touch the image alone.
type Step struct {
	Kind       StepKind
	Name       string
	Size       int
	KeepAspect bool
	Prob       float64
	Op         PhotometricFunc
}

func (s Step) geometric() bool {
	return s.Kind != StepPhotometric
}

// PairedTransform runs image and label mask through identical geometry. The
// crop box and flip decision are inputs so that the caller can record them.
type PairedTransform struct {
	Steps []Step
}

// Output is the transformed view: the normalised tensor, the mask in the
// same pixel frame, and the final 8-bit image.
type Output struct {
	Tensor *tensor.Planes
	Mask   *mask.Label
	Image  *image.RGBA
}

// Apply transforms img and m. The mask must have the image's spatial size;
// a mismatch is a programming error and panics.
func (p *PairedTransform) Apply(rng *rand.Rand, img *image.RGBA, m *mask.Label, box geom.Box, doFlip bool) (*tensor.Planes, *mask.Label) {
	out := p.Run(rng, img, m, box, doFlip)
	return out.Tensor, out.Mask
}

func (p *PairedTransform) Run(rng *rand.Rand, img *image.RGBA, m *mask.Label, box geom.Box, doFlip bool) *Output {
	b := img.Bounds()
	if m.H != b.Dy() || m.W != b.Dx() {
		panic(fmt.Sprintf("augment: mask %v does not match image %dx%d", m, b.Dx(), b.Dy()))
	}
	cur, lm := img, m
	for _, s := range p.Steps {
		if !s.geometric() {
			continue
		}
		switch s.Kind {
		case StepCrop:
			cur, lm = cropResize(cur, lm, box, s.Size, s.KeepAspect)
		case StepFlip:
			if doFlip {
				cur, lm = flip(cur, lm)
			}
		case StepResize:
			cur, lm = resizeTo(cur, lm, s.Size)
		case StepCenterCrop:
			cur, lm = centerCrop(cur, lm, s.Size)
		}
	}
	for _, s := range p.Steps {
		if s.Kind != StepPhotometric {
			continue
		}
		if rng.Float64() < s.Prob {
			cur = s.Op(rng, cur)
		}
	}
	return &Output{Tensor: ToTensor(cur), Mask: lm, Image: cur}
}

// Flips reports whether the transform contains a flip step.
func (p *PairedTransform) Flips() bool {
	for _, s := range p.Steps {
		if s.Kind == StepFlip {
			return true
		}
	}
	return false
}

// Deterministic reports whether the output window is fixed by the image size
// alone (resize + centre crop) rather than by a sampled box.
func (p *PairedTransform) Deterministic() bool {
	for _, s := range p.Steps {
		if s.Kind == StepCrop {
			return false
		}
	}
	return true
}

func (p *PairedTransform) String() string {
	s := "PairedTransform["
	for i, st := range p.Steps {
		if i > 0 {
			s += " "
		}
		s += st.Kind.String()
		if st.Name != "" {
			s += ":" + st.Name
		}
	}
	return s + "]"
}
