package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Planes is a channel-first (C, H, W) float32 buffer, used for normalised
// image tensors, feature maps and soft region masks.
type Planes struct {
	C, H, W int
	Data    []float32 // len = C*H*W
}

func New(c, h, w int) *Planes {
	return &Planes{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

func Ones(c, h, w int) *Planes {
	p := New(c, h, w)
	for i := range p.Data {
		p.Data[i] = 1
	}
	return p
}

func (p *Planes) Offset(c, y, x int) int {
	return (c*p.H+y)*p.W + x
}

func (p *Planes) At(c, y, x int) float32 {
	return p.Data[p.Offset(c, y, x)]
}

func (p *Planes) Set(c, y, x int, v float32) {
	p.Data[p.Offset(c, y, x)] = v
}

// Plane returns channel c as a row-major H*W slice sharing p's storage.
func (p *Planes) Plane(c int) []float32 {
	n := p.H * p.W
	return p.Data[c*n : (c+1)*n]
}

func (p *Planes) SameShape(o *Planes) bool {
	return p.C == o.C && p.H == o.H && p.W == o.W
}

func (p *Planes) String() string {
	return fmt.Sprintf("Planes[%d,%d,%d]", p.C, p.H, p.W)
}

func (p *Planes) Clone() *Planes {
	out := New(p.C, p.H, p.W)
	copy(out.Data, p.Data)
	return out
}

// FlipH mirrors every channel left to right.
func (p *Planes) FlipH() *Planes {
	out := New(p.C, p.H, p.W)
	for c := range p.C {
		for y := range p.H {
			src := p.Offset(c, y, 0)
			dst := out.Offset(c, y, 0)
			for x := range p.W {
				out.Data[dst+x] = p.Data[src+p.W-1-x]
			}
		}
	}
	return out
}

// AdaptiveAvgPool averages each channel into an oh×ow grid; output cell i
// covers input rows [floor(i*H/oh), ceil((i+1)*H/oh)).
func (p *Planes) AdaptiveAvgPool(oh, ow int) *Planes {
	out := New(p.C, oh, ow)
	for c := range p.C {
		for oy := range oh {
			y0 := (oy * p.H) / oh
			y1 := ((oy+1)*p.H + oh - 1) / oh
			for ox := range ow {
				x0 := (ox * p.W) / ow
				x1 := ((ox+1)*p.W + ow - 1) / ow
				sum := float32(0)
				for y := y0; y < y1; y++ {
					row := p.Offset(c, y, 0)
					for x := x0; x < x1; x++ {
						sum += p.Data[row+x]
					}
				}
				out.Set(c, oy, ox, sum/float32((y1-y0)*(x1-x0)))
			}
		}
	}
	return out
}

// MulBroadcast multiplies every channel of p by the single-channel w in place.
func (p *Planes) MulBroadcast(w *Planes) {
	if w.C != 1 || w.H != p.H || w.W != p.W {
		panic(fmt.Sprintf("tensor: cannot broadcast %v over %v", w, p))
	}
	n := p.H * p.W
	for c := range p.C {
		plane := p.Plane(c)
		for i := range n {
			plane[i] *= w.Data[i]
		}
	}
}

// ChannelSum returns the sum of each channel.
func (p *Planes) ChannelSum() []float32 {
	out := make([]float32, p.C)
	for c := range p.C {
		s := float32(0)
		for _, v := range p.Plane(c) {
			s += v
		}
		out[c] = s
	}
	return out
}

// Concat stacks the channels of ps, which must share H and W.
func Concat(ps ...*Planes) *Planes {
	if len(ps) == 0 {
		return New(0, 0, 0)
	}
	h, w := ps[0].H, ps[0].W
	c := 0
	for _, p := range ps {
		if p.H != h || p.W != w {
			panic(fmt.Sprintf("tensor: concat %v with %v", ps[0], p))
		}
		c += p.C
	}
	out := New(c, h, w)
	off := 0
	for _, p := range ps {
		copy(out.Data[off:], p.Data)
		off += len(p.Data)
	}
	return out
}

// Normalize2 scales v to unit L2 norm in place; zero vectors stay zero.
func Normalize2(v []float32) {
	s := float32(0)
	for _, x := range v {
		s += x * x
	}
	n := math32.Sqrt(s)
	if n < 1e-12 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}

// AllClose reports whether a and b have the same shape and element-wise
// differences within tol.
func AllClose(a, b *Planes, tol float32) bool {
	if !a.SameShape(b) {
		return false
	}
	for i := range a.Data {
		if math32.Abs(a.Data[i]-b.Data[i]) > tol {
			return false
		}
	}
	return true
}
