package region

import (
	"fmt"

	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/mat"
)

const poolEpsilon = 1e-6

// OverlapWeights downsamples a view-frame overlap indicator to out×out; each
// cell holds the fraction of it covered by the crop intersection.
func OverlapWeights(ov *mask.Label, out int) *tensor.Planes {
	return ov.Float(0).AdaptiveAvgPool(out, out)
}

// Weight multiplies every region mask by the overlap weights in place.
// A nil weight leaves the masks unchanged.
func Weight(masks *tensor.Planes, w *tensor.Planes) {
	if w == nil {
		return
	}
	masks.MulBroadcast(w)
}

// Pool returns one row per region: the mask-weighted mean of the feature map
// (D×h×w) under each of the K masks (K×h×w).
func Pool(features, masks *tensor.Planes) *mat.Dense {
	if features.H != masks.H || features.W != masks.W {
		panic(fmt.Sprintf("region: pool %v with masks %v", features, masks))
	}
	out := mat.NewDense(masks.C, features.C, nil)
	areas := masks.ChannelSum()
	for k := range masks.C {
		m := masks.Plane(k)
		row := out.RawRowView(k)
		for d := range features.C {
			f := features.Plane(d)
			s := float32(0)
			for i, w := range m {
				s += w * f[i]
			}
			row[d] = float64(s / (areas[k] + poolEpsilon))
		}
	}
	return out
}

// Valid reports which regions have non-zero area in both views.
func Valid(a1, a2 *tensor.Planes) []bool {
	s1, s2 := a1.ChannelSum(), a2.ChannelSum()
	out := make([]bool, len(s1))
	for k := range out {
		out[k] = s1[k] > 0 && s2[k] > 0
	}
	return out
}
