package region

import (
	"math/rand/v2"
	"testing"

	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// leftHalf is a single 4×4 region mask covering columns 0 and 1.
func leftHalf() *tensor.Planes {
	p := tensor.New(1, 4, 4)
	for y := range 4 {
		p.Set(0, y, 0, 1)
		p.Set(0, y, 1, 1)
	}
	return p
}

func TestAlignHandComputed(t *testing.T) {
	full := geom.Record{Top: 0, Left: 0, Bottom: 1, Right: 1}

	a := Align(leftHalf(), full, 2)
	assert.InDeltaSlice(t, []float32{0.75, 0, 0.75, 0}, a.Data, 1e-6)

	full.Flip = true
	f := Align(leftHalf(), full, 2)
	assert.InDeltaSlice(t, []float32{0, 0.75, 0, 0.75}, f.Data, 1e-6)
}

func TestAlignSubWindow(t *testing.T) {
	// right half of the frame sees nothing of a left-half region
	rec := geom.Record{Top: 0, Left: 0.5, Bottom: 1, Right: 1}
	a := Align(leftHalf(), rec, 2)
	assert.InDelta(t, 0, a.At(0, 0, 1), 1e-6)
	assert.InDelta(t, 0, a.At(0, 1, 1), 1e-6)
	// its first column samples x=2.5, which blends nothing from column 1
	assert.InDelta(t, 0, a.At(0, 0, 0), 1e-6)
}

func TestFlipCommutesWithAlign(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	b := tensor.New(3, 56, 56)
	for i := range b.Data {
		b.Data[i] = rng.Float32()
	}
	for range 25 {
		box := geom.SampleCrop(rng, 256, 256, geom.DefaultScale, geom.DefaultRatio)
		plain := geom.NewRecord(box, false, 256, 256)
		flipped := geom.NewRecord(box, true, 256, 256)
		want := Align(b, plain, 7).FlipH()
		got := Align(b, flipped, 7)
		require.True(t, tensor.AllClose(want, got, 0))
	}
}

func TestConstantMaskStaysConstant(t *testing.T) {
	b := tensor.Ones(2, 56, 56)
	rec := geom.NewRecord(geom.Box{Top: 30, Left: 10, Height: 100, Width: 150}, true, 256, 256)
	a1, a2 := Realign(b, rec, geom.NewRecord(geom.Full(256, 256), false, 256, 256), 7)
	for _, v := range append(a1.Data, a2.Data...) {
		assert.InDelta(t, 1, v, 1e-5)
	}
}

func TestRealignBatchShapes(t *testing.T) {
	bs := []*tensor.Planes{tensor.Ones(4, 8, 8), tensor.Ones(2, 8, 8)}
	recs := []geom.Record{{Bottom: 1, Right: 1}, {Bottom: 0.5, Right: 0.5}}
	a1, a2 := RealignBatch(bs, recs, recs, 7)
	require.Len(t, a1, 2)
	assert.Equal(t, 4, a1[0].C)
	assert.Equal(t, 2, a2[1].C)
	assert.Equal(t, 7, a2[1].H)

	assert.Panics(t, func() { RealignBatch(bs, recs[:1], recs, 7) })
}

func TestOverlapWeights(t *testing.T) {
	ov := mask.Indicator(14, 14, geom.Box{Top: 0, Left: 0, Height: 14, Width: 7})
	w := OverlapWeights(ov, 7)
	assert.InDelta(t, 1, w.At(0, 3, 0), 1e-6)
	assert.InDelta(t, 0, w.At(0, 3, 6), 1e-6)

	masks := tensor.Ones(2, 7, 7)
	Weight(masks, w)
	sums := masks.ChannelSum()
	assert.InDelta(t, 24.5, sums[0], 1e-4)
	assert.InDelta(t, 24.5, sums[1], 1e-4)
}

func TestPoolAndValid(t *testing.T) {
	feat := tensor.New(2, 2, 2)
	copy(feat.Data, []float32{1, 1, 5, 5, 2, 2, 2, 2})
	masks := tensor.New(3, 2, 2)
	copy(masks.Plane(0), []float32{1, 1, 0, 0})
	copy(masks.Plane(1), []float32{0, 0, 1, 1})

	p := Pool(feat, masks)
	r, c := p.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 2, c)
	assert.InDelta(t, 1, p.At(0, 0), 1e-5)
	assert.InDelta(t, 5, p.At(1, 0), 1e-5)
	assert.InDelta(t, 2, p.At(1, 1), 1e-5)
	assert.Equal(t, 0.0, p.At(2, 0))

	other := tensor.Ones(3, 2, 2)
	assert.Equal(t, []bool{true, true, false}, Valid(masks, other))
}
