package model

import (
	"math/rand/v2"

	"github.com/setanarut/regionbyol/region"
	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/mat"
)

// Dims fixes the shapes of an encoder.
type Dims struct {
	Grid       int // mid-level map resolution, shared with the clustering grid
	Pool       int // region pooling resolution
	Mid        int
	Feature    int
	Hidden     int
	Projection int
}

// Encoder is the reference backbone plus projector. The backbone averages
// the image down to Grid×Grid, runs a 3×3 convolution (the mid-level map),
// pools to Pool×Pool and maps each cell with a 1×1 convolution.
type Encoder struct {
	Params    *Params
	Dims      Dims
	conv      Linear
	head      Linear
	projector MLP
}

func NewEncoder(rng *rand.Rand, d Dims) *Encoder {
	p := NewParams()
	return &Encoder{
		Params:    p,
		Dims:      d,
		conv:      newLinear(p, rng, "backbone.conv", 27, d.Mid),
		head:      newLinear(p, rng, "backbone.head", d.Mid, d.Feature),
		projector: newMLP(p, rng, "projector", d.Feature, d.Hidden, d.Projection),
	}
}

// Clone returns an encoder with an independent copy of the parameters.
func (e *Encoder) Clone() *Encoder {
	p := e.Params.Clone()
	return &Encoder{
		Params:    p,
		Dims:      e.Dims,
		conv:      e.conv.bind(p, "backbone.conv"),
		head:      e.head.bind(p, "backbone.head"),
		projector: e.projector.bind(p, "projector"),
	}
}

// Mid returns the Mid×Grid×Grid feature map of a 3×S×S image.
func (e *Encoder) Mid(img *tensor.Planes) *tensor.Planes {
	g := e.Dims.Grid
	x := img.AdaptiveAvgPool(g, g)
	return planes(relu(e.conv.Forward(im2col(x))), g, g)
}

// Features returns the Feature×Pool×Pool map used for region pooling.
func (e *Encoder) Features(mid *tensor.Planes) *tensor.Planes {
	p := e.Dims.Pool
	x := mid.AdaptiveAvgPool(p, p)
	return planes(relu(e.head.Forward(pixels(x))), p, p)
}

// Encode pools the features of img under the selected region masks and
// projects them, one row per entry of regions.
func (e *Encoder) Encode(img, masks *tensor.Planes, regions []int) *mat.Dense {
	pooled := region.Pool(e.Features(e.Mid(img)), masks)
	_, d := pooled.Dims()
	sel := mat.NewDense(len(regions), d, nil)
	for i, r := range regions {
		sel.SetRow(i, pooled.RawRowView(r))
	}
	return e.projector.Forward(sel)
}
