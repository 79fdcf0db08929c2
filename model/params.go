package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Params is an ordered set of named weight matrices. Two Params built by the
// same constructor have the same names and shapes, which is what Sync and EMA
// rely on.
type Params struct {
	names []string
	m     map[string]*mat.Dense
}

func NewParams() *Params {
	return &Params{m: map[string]*mat.Dense{}}
}

// Add registers a zero r×c matrix under name.
func (p *Params) Add(name string, r, c int) *mat.Dense {
	if _, ok := p.m[name]; ok {
		panic(fmt.Sprintf("model: duplicate parameter %v", name))
	}
	d := mat.NewDense(r, c, nil)
	p.names = append(p.names, name)
	p.m[name] = d
	return d
}

func (p *Params) Get(name string) *mat.Dense {
	d, ok := p.m[name]
	if !ok {
		panic(fmt.Sprintf("model: no parameter %v", name))
	}
	return d
}

func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// Count is the total number of scalar parameters.
func (p *Params) Count() int {
	n := 0
	for _, d := range p.m {
		r, c := d.Dims()
		n += r * c
	}
	return n
}

func (p *Params) Clone() *Params {
	out := NewParams()
	for _, name := range p.names {
		r, c := p.m[name].Dims()
		out.Add(name, r, c).Copy(p.m[name])
	}
	return out
}

// CopyFrom overwrites every parameter with the value from o.
func (p *Params) CopyFrom(o *Params) {
	p.each(o, func(dst, src []float64) {
		copy(dst, src)
	})
}

// EMAFrom moves every parameter towards o: p = mm*p + (1-mm)*o.
func (p *Params) EMAFrom(o *Params, mm float64) {
	p.each(o, func(dst, src []float64) {
		floats.Scale(mm, dst)
		floats.AddScaled(dst, 1-mm, src)
	})
}

func (p *Params) each(o *Params, fn func(dst, src []float64)) {
	if len(p.names) != len(o.names) {
		panic(fmt.Sprintf("model: parameter sets differ (%d vs %d)", len(p.names), len(o.names)))
	}
	for _, name := range p.names {
		dst, src := p.m[name], o.Get(name)
		dr, dc := dst.Dims()
		sr, sc := src.Dims()
		if dr != sr || dc != sc {
			panic(fmt.Sprintf("model: %v is %dx%d, source %dx%d", name, dr, dc, sr, sc))
		}
		fn(dst.RawMatrix().Data, src.RawMatrix().Data)
	}
}

// heInit fills w (fan-out × fan-in) from N(0, 2/fanIn).
func heInit(rng *rand.Rand, w *mat.Dense) {
	_, fanIn := w.Dims()
	n := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(fanIn)), Src: rng}
	data := w.RawMatrix().Data
	for i := range data {
		data[i] = n.Rand()
	}
}
