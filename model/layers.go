package model

import (
	"math/rand/v2"

	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/mat"
)

// Linear is y = x·Wᵀ + b over row vectors.
type Linear struct {
	W *mat.Dense // out × in
	B *mat.Dense // 1 × out
}

func newLinear(p *Params, rng *rand.Rand, name string, in, out int) Linear {
	l := Linear{W: p.Add(name+".weight", out, in), B: p.Add(name+".bias", 1, out)}
	heInit(rng, l.W)
	return l
}

// bind looks the layer up again in p, which may be a clone.
func (l Linear) bind(p *Params, name string) Linear {
	return Linear{W: p.Get(name + ".weight"), B: p.Get(name + ".bias")}
}

func (l Linear) Forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	_, out := l.B.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.W.T())
	bias := l.B.RawRowView(0)
	for i := range r {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return y
}

func relu(m *mat.Dense) *mat.Dense {
	m.Apply(func(_, _ int, v float64) float64 { return max(v, 0) }, m)
	return m
}

// MLP is Linear → ReLU → Linear, the projector and predictor head shape.
type MLP struct {
	FC1, FC2 Linear
}

func newMLP(p *Params, rng *rand.Rand, name string, in, hidden, out int) MLP {
	return MLP{
		FC1: newLinear(p, rng, name+".fc1", in, hidden),
		FC2: newLinear(p, rng, name+".fc2", hidden, out),
	}
}

func (m MLP) bind(p *Params, name string) MLP {
	return MLP{FC1: m.FC1.bind(p, name+".fc1"), FC2: m.FC2.bind(p, name+".fc2")}
}

func (m MLP) Forward(x mat.Matrix) *mat.Dense {
	return m.FC2.Forward(relu(m.FC1.Forward(x)))
}

// pixels lays a C×H×W map out as an (H·W)×C matrix, one row per pixel.
func pixels(p *tensor.Planes) *mat.Dense {
	n := p.H * p.W
	out := mat.NewDense(n, p.C, nil)
	for c := range p.C {
		plane := p.Plane(c)
		for i := range n {
			out.Set(i, c, float64(plane[i]))
		}
	}
	return out
}

// planes is the inverse of pixels.
func planes(m *mat.Dense, h, w int) *tensor.Planes {
	n, c := m.Dims()
	out := tensor.New(c, h, w)
	for i := range n {
		row := m.RawRowView(i)
		for ch := range c {
			out.Data[ch*n+i] = float32(row[ch])
		}
	}
	return out
}

// im2col gathers the zero-padded 3×3 neighbourhood of every pixel into one
// row of length 9·C.
func im2col(p *tensor.Planes) *mat.Dense {
	out := mat.NewDense(p.H*p.W, 9*p.C, nil)
	for y := range p.H {
		for x := range p.W {
			row := out.RawRowView(y*p.W + x)
			for c := range p.C {
				for dy := -1; dy <= 1; dy++ {
					sy := y + dy
					if sy < 0 || sy >= p.H {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						sx := x + dx
						if sx < 0 || sx >= p.W {
							continue
						}
						row[c*9+(dy+1)*3+dx+1] = float64(p.At(c, sy, sx))
					}
				}
			}
		}
	}
	return out
}
