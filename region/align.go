package region

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/tensor"
)

// ROIAlign samples the window box = (x1, y1, x2, y2), given in p's own pixel
// units, into an out×out grid for every channel. Each output bin averages
// ceil(roi/out)² bilinear samples; window corners are not pixel-centre
// shifted and windows narrower than one pixel are widened to one.
func ROIAlign(p *tensor.Planes, box [4]float32, out int) *tensor.Planes {
	x1, y1, x2, y2 := box[0], box[1], box[2], box[3]
	roiW := max(x2-x1, 1)
	roiH := max(y2-y1, 1)
	binW := roiW / float32(out)
	binH := roiH / float32(out)
	gridW := max(int(math32.Ceil(roiW/float32(out))), 1)
	gridH := max(int(math32.Ceil(roiH/float32(out))), 1)
	count := float32(gridW * gridH)

	res := tensor.New(p.C, out, out)
	for c := range p.C {
		plane := p.Plane(c)
		for ph := range out {
			for pw := range out {
				sum := float32(0)
				for iy := range gridH {
					y := y1 + float32(ph)*binH + (float32(iy)+0.5)*binH/float32(gridH)
					for ix := range gridW {
						x := x1 + float32(pw)*binW + (float32(ix)+0.5)*binW/float32(gridW)
						sum += bilinear(plane, p.H, p.W, y, x)
					}
				}
				res.Set(c, ph, pw, sum/count)
			}
		}
	}
	return res
}

func bilinear(plane []float32, h, w int, y, x float32) float32 {
	if y < -1 || y > float32(h) || x < -1 || x > float32(w) {
		return 0
	}
	y = max(y, 0)
	x = max(x, 0)
	yl, xl := int(y), int(x)
	var yh, xh int
	if yl >= h-1 {
		yl, yh = h-1, h-1
		y = float32(yl)
	} else {
		yh = yl + 1
	}
	if xl >= w-1 {
		xl, xh = w-1, w-1
		x = float32(xl)
	} else {
		xh = xl + 1
	}
	ly, lx := y-float32(yl), x-float32(xl)
	hy, hx := 1-ly, 1-lx
	return hy*hx*plane[yl*w+xl] + hy*lx*plane[yl*w+xh] +
		ly*hx*plane[yh*w+xl] + ly*lx*plane[yh*w+xh]
}

// Align extracts the part of the canonical-frame masks b (K×G×G) that a view
// with record rec sees, at out×out. Flipped views get the pooled result
// mirrored, so it lines up with the flipped view features.
func Align(b *tensor.Planes, rec geom.Record, out int) *tensor.Planes {
	if b.H != b.W {
		panic(fmt.Sprintf("region: canonical masks must be square, got %v", b))
	}
	a := ROIAlign(b, rec.GridBox(b.H), out)
	if rec.Flip {
		a = a.FlipH()
	}
	return a
}

// Realign maps canonical-frame region masks into the frames of both views.
func Realign(b *tensor.Planes, rec1, rec2 geom.Record, out int) (a1, a2 *tensor.Planes) {
	return Align(b, rec1, out), Align(b, rec2, out)
}

// RealignBatch applies Realign per sample; each sample has its own records.
func RealignBatch(bs []*tensor.Planes, rec1, rec2 []geom.Record, out int) (a1, a2 []*tensor.Planes) {
	if len(bs) != len(rec1) || len(bs) != len(rec2) {
		panic(fmt.Sprintf("region: %d masks for %d/%d records", len(bs), len(rec1), len(rec2)))
	}
	a1 = make([]*tensor.Planes, len(bs))
	a2 = make([]*tensor.Planes, len(bs))
	for i, b := range bs {
		a1[i], a2[i] = Realign(b, rec1[i], rec2[i], out)
	}
	return a1, a2
}
