package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(c, h, w int) *Planes {
	p := New(c, h, w)
	for i := range p.Data {
		p.Data[i] = float32(i)
	}
	return p
}

func TestFlipHIsInvolution(t *testing.T) {
	p := ramp(2, 3, 5)
	f := p.FlipH()
	assert.Equal(t, float32(4), f.At(0, 0, 0))
	assert.Equal(t, float32(0), f.At(0, 0, 4))
	assert.Equal(t, p.Data, f.FlipH().Data)
}

func TestAdaptiveAvgPool(t *testing.T) {
	p := ramp(1, 4, 4)
	out := p.AdaptiveAvgPool(2, 2)
	// top-left block holds 0,1,4,5
	assert.InDelta(t, 2.5, out.At(0, 0, 0), 1e-6)
	assert.InDelta(t, 12.5, out.At(0, 1, 1), 1e-6)

	// non-divisible sizes keep a constant input constant
	c := Ones(3, 56, 56).AdaptiveAvgPool(7, 7)
	for _, v := range c.Data {
		assert.InDelta(t, 1, v, 1e-6)
	}
	u := Ones(1, 10, 10).AdaptiveAvgPool(7, 7)
	for _, v := range u.Data {
		assert.InDelta(t, 1, v, 1e-6)
	}
}

func TestConcatAndBroadcast(t *testing.T) {
	a := Ones(1, 2, 2)
	b := ramp(2, 2, 2)
	c := Concat(a, b)
	require.Equal(t, 3, c.C)
	assert.Equal(t, float32(1), c.At(0, 1, 1))
	assert.Equal(t, float32(7), c.At(2, 1, 1))

	w := New(1, 2, 2)
	w.Set(0, 0, 1, 0.5)
	c.MulBroadcast(w)
	assert.Equal(t, []float32{0, 0.5, 0, 0}, c.Plane(0))
	assert.Equal(t, []float32{0, 2.5, 0, 0}, c.Plane(2))
	assert.Equal(t, []float32{0.5, 0.5, 2.5}, c.ChannelSum())
	assert.Panics(t, func() { c.MulBroadcast(New(2, 2, 2)) })
}

func TestNormalize2(t *testing.T) {
	v := []float32{3, 4}
	Normalize2(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	z := []float32{0, 0}
	Normalize2(z)
	assert.Equal(t, []float32{0, 0}, z)
}
