package model

import (
	"context"
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/augment"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/region"
	"github.com/setanarut/regionbyol/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func testDims() Dims {
	return Dims{Grid: 8, Pool: 4, Mid: 4, Feature: 6, Hidden: 12, Projection: 5}
}

func TestMomentumUpdate(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	pair := NewMomentumPair(rng, testDims())
	for _, name := range pair.Online.Params.Names() {
		assert.True(t, mat.Equal(pair.Online.Params.Get(name), pair.Target.Params.Get(name)), name)
	}

	// Move the online weights away from the target.
	for _, name := range pair.Online.Params.Names() {
		d := pair.Online.Params.Get(name).RawMatrix().Data
		for i := range d {
			d[i] += 1
		}
	}
	before := pair.Target.Params.Clone()

	pair.Update(1)
	for _, name := range before.Names() {
		assert.True(t, mat.Equal(before.Get(name), pair.Target.Params.Get(name)), name)
	}

	pair.Update(0.5)
	for _, name := range before.Names() {
		want := mat.DenseCopyOf(before.Get(name))
		want.Apply(func(_, _ int, v float64) float64 { return v + 0.5 }, want)
		assert.True(t, mat.EqualApprox(want, pair.Target.Params.Get(name), 1e-12), name)
	}

	pair.Update(0)
	for _, name := range before.Names() {
		assert.True(t, mat.Equal(pair.Online.Params.Get(name), pair.Target.Params.Get(name)), name)
	}

	pair.Online.Params.Get("backbone.conv.bias").Set(0, 0, 42)
	pair.Sync()
	assert.Equal(t, 42.0, pair.Target.Params.Get("backbone.conv.bias").At(0, 0))
}

func TestCloneIsIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	e := NewEncoder(rng, testDims())
	c := e.Clone()
	e.Params.Get("projector.fc1.weight").Set(0, 0, 7)
	assert.NotEqual(t, 7.0, c.Params.Get("projector.fc1.weight").At(0, 0))
	assert.Equal(t, e.Params.Names(), c.Params.Names())
	assert.Equal(t, e.Params.Count(), c.Params.Count())
}

func TestQueueWraps(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	q := NewQueue(rng, 8, 2)
	for i := range q.Cap() {
		assert.Equal(t, -1, q.Labels[i])
		assert.InDelta(t, 1, floats.Norm(q.Embeddings.RawRowView(i), 2), 1e-9)
	}
	for i := range 10 {
		q.Enqueue(mat.NewDense(1, 2, []float64{float64(i), 0}), []int{i})
	}
	assert.Equal(t, []int{8, 9, 2, 3, 4, 5, 6, 7}, q.Labels)
	for i, want := range []float64{8, 9, 2, 3, 4, 5, 6, 7} {
		assert.Equal(t, want, q.Embeddings.At(i, 0))
	}
	assert.Equal(t, 2, q.Ptr())

	assert.Panics(t, func() { q.Enqueue(mat.NewDense(1, 3, nil), []int{0}) })
	assert.Panics(t, func() { q.Enqueue(mat.NewDense(2, 2, nil), []int{0}) })
}

func TestQueueNearest(t *testing.T) {
	q := NewQueue(rand.New(rand.NewPCG(7, 8)), 3, 2)
	q.Enqueue(mat.NewDense(3, 2, []float64{1, 0, 0, 1, -1, 0}), []int{10, 11, 12})
	nn, idx := q.Nearest(mat.NewDense(2, 2, []float64{0.1, 0.9, -0.8, 0.2}))
	assert.Equal(t, []int{1, 2}, idx)
	assert.Equal(t, []float64{0, 1}, nn.RawRowView(0))
	assert.Equal(t, []float64{-1, 0}, nn.RawRowView(1))
}

func TestMomentumSchedule(t *testing.T) {
	assert.InDelta(t, 0.99, Momentum(0.99, 1, 0, 100), 1e-12)
	assert.InDelta(t, 0.995, Momentum(0.99, 1, 50, 100), 1e-12)
	assert.InDelta(t, 1, Momentum(0.99, 1, 100, 100), 1e-12)
	assert.InDelta(t, 1, Momentum(0.99, 1, 500, 100), 1e-12)
	assert.Equal(t, 1.0, Momentum(0.99, 1, 3, 0))
}

func TestRegressionLoss(t *testing.T) {
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 2})
	assert.InDelta(t, 0, RegressionLoss(q, mat.NewDense(2, 2, []float64{3, 0, 0, 1})), 1e-12)
	assert.InDelta(t, 4, RegressionLoss(q, mat.NewDense(2, 2, []float64{-1, 0, 0, -1})), 1e-12)
	assert.InDelta(t, 2, RegressionLoss(q, mat.NewDense(2, 2, []float64{-1, 0, 0, 1})), 1e-12)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WorldSize = 1
	cfg.Seed = 11
	cfg.Data.Stage = "test"
	cfg.Data.CropSize = 32
	cfg.Data.SLICSegments = 9
	cfg.Model = config.ModelConfig{
		MidDim:     4,
		FeatureDim: 6,
		Projection: config.ProjectionConfig{HiddenDim: 12, OutputDim: 5},
		Predictor:  config.ProjectionConfig{HiddenDim: 12},
		MemorySize: 16,
		MaskNetDim: 3,
	}
	cfg.Cluster.GridSize = 8
	cfg.Cluster.NKMeans = 3
	cfg.Cluster.MaxClusters = 4
	cfg.Loss = config.LossConfig{PoolSize: 4, NumRegions: 3}
	return cfg
}

func quadrants(w, h int) (*image.RGBA, *mask.Label) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	m := mask.New(1, h, w)
	colors := []color.RGBA{{220, 30, 30, 255}, {30, 200, 40, 255}, {20, 40, 210, 255}, {230, 230, 40, 255}}
	for y := range h {
		for x := range w {
			q := 0
			if x >= w/2 {
				q++
			}
			if y >= h/2 {
				q += 2
			}
			img.SetRGBA(x, y, colors[q])
			m.Set(0, y, x, int32(q+1))
		}
	}
	return img, m
}

func testBatch(t *testing.T, cfg *config.Config, n int) *Batch {
	mv, err := augment.NewMultiView(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(9, 10))
	b := &Batch{}
	for range n {
		img, m := quadrants(48, 40)
		v, err := mv.Apply(rng, img, m)
		require.NoError(t, err)
		b.Views = append(b.Views, v)
	}
	return b
}

func TestForwardModes(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*config.Config)
	}{
		{"none", func(c *config.Config) {
			c.Data.MaskMode = config.MaskNone
		}},
		{"none-train", func(c *config.Config) {
			c.Data.MaskMode = config.MaskNone
			c.Data.Stage = "train"
			c.Data.OverlapMask = false
		}},
		{"slic-kmeans", func(c *config.Config) {}},
		{"slic-kmeans-masknet", func(c *config.Config) {
			c.Model.MaskNet = true
		}},
		{"slic-direct", func(c *config.Config) {
			c.Cluster.NKMeans = config.InfiniteClusters
		}},
		{"slic-agglomerative", func(c *config.Config) {
			c.Cluster.Policy = config.PolicyAgglomerative
			c.Model.MaskNet = true
		}},
		{"shared-kmeans", func(c *config.Config) {
			c.Data.MaskMode = config.MaskShared
		}},
		{"shared-ground-truth", func(c *config.Config) {
			c.Data.MaskMode = config.MaskShared
			c.Cluster.NKMeans = config.GroundTruthClusters
		}},
		{"nearest-neighbor", func(c *config.Config) {
			c.Model.NearestNeighbor = true
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.setup(cfg)
			m, err := New(cfg, logs.NewTestingLog(t), nil)
			require.NoError(t, err)

			out, err := m.Forward(context.Background(), testBatch(t, cfg, 2), 0.9)
			require.NoError(t, err)
			assert.Equal(t, 0, out.Skipped)
			require.Len(t, out.Online, 2)
			assert.GreaterOrEqual(t, out.Loss, 0.0)
			assert.LessOrEqual(t, out.Loss, 8.0)
			for i := range out.Online {
				r, c := out.Online[i].Dims()
				assert.Equal(t, 2*cfg.Loss.NumRegions, r)
				assert.Equal(t, cfg.Model.Projection.OutputDim, c)
				r, _ = out.Target[i].Dims()
				assert.Equal(t, 2*cfg.Loss.NumRegions, r)
				assert.Len(t, out.Regions[i], cfg.Loss.NumRegions)
				if cfg.Features().GroundTruth {
					assert.NotContains(t, out.Regions[i], 0)
				}
			}
			if m.clustered() {
				assert.Len(t, out.Clusters, 2)
			} else {
				assert.Nil(t, out.Clusters)
			}
			assert.Equal(t, 4*cfg.Loss.NumRegions%cfg.Model.MemorySize, m.Queue.Ptr())

			// No optimiser ran, so the target still matches the online weights.
			for _, name := range m.Pair.Online.Params.Names() {
				assert.True(t, mat.EqualApprox(m.Pair.Online.Params.Get(name), m.Pair.Target.Params.Get(name), 1e-12), name)
			}
		})
	}
}

func TestForwardEmptyBatch(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg, logs.NewTestingLog(t), nil)
	require.NoError(t, err)
	_, err = m.Forward(context.Background(), &Batch{}, 0.99)
	assert.Error(t, err)
}

// overlapBatch augments quadrant images of size w×h until it has n samples
// whose crop overlap satisfies keep.
func overlapBatch(t *testing.T, cfg *config.Config, n, w, h int, keep func(v *augment.Views) bool) *Batch {
	mv, err := augment.NewMultiView(cfg)
	require.NoError(t, err)
	b := &Batch{}
	for seed := range uint64(500) {
		img, m := quadrants(w, h)
		v, err := mv.Apply(rand.New(rand.NewPCG(seed, 21)), img, m)
		require.NoError(t, err)
		if keep(v) {
			b.Views = append(b.Views, v)
		}
		if len(b.Views) == n {
			return b
		}
	}
	require.FailNow(t, "not enough samples with the requested overlap")
	return nil
}

// partialOverlap keeps samples whose crops share at most 90% of the smaller
// crop, so part of every view falls outside the intersection.
func partialOverlap(v *augment.Views) bool {
	return v.OverlapArea > 0 && 10*v.OverlapArea <= 9*min(v.Boxes[0].Area(), v.Boxes[1].Area())
}

func TestForwardDisjointCropsIsNotAnError(t *testing.T) {
	cfg := testConfig()
	cfg.Data.Stage = "train"
	cfg.Data.OverlapMask = true
	cfg.Data.MaskMode = config.MaskNone
	m, err := New(cfg, logs.NewTestingLog(t), nil)
	require.NoError(t, err)
	batch := overlapBatch(t, cfg, 1, 600, 40, func(v *augment.Views) bool { return v.OverlapArea == 0 })

	// Move the online weights so the EMA step is observable.
	for _, name := range m.Pair.Online.Params.Names() {
		d := m.Pair.Online.Params.Get(name).RawMatrix().Data
		for i := range d {
			d[i] += 1
		}
	}
	before := m.Pair.Target.Params.Clone()

	out, err := m.Forward(context.Background(), batch, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Loss)
	assert.Equal(t, 1, out.Skipped)
	assert.Empty(t, out.Online)
	assert.Equal(t, 0, m.Queue.Ptr())
	for _, name := range before.Names() {
		want := mat.DenseCopyOf(before.Get(name))
		want.Apply(func(_, _ int, v float64) float64 { return v + 0.5 }, want)
		assert.True(t, mat.EqualApprox(want, m.Pair.Target.Params.Get(name), 1e-12), name)
	}
}

func TestForwardPartialOverlap(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*config.Config)
	}{
		{"slic-kmeans", func(c *config.Config) {}},
		{"shared-ground-truth", func(c *config.Config) {
			c.Data.MaskMode = config.MaskShared
			c.Cluster.NKMeans = config.GroundTruthClusters
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Data.Stage = "train"
			cfg.Data.OverlapMask = true
			tc.setup(cfg)
			m, err := New(cfg, logs.NewTestingLog(t), nil)
			require.NoError(t, err)
			batch := overlapBatch(t, cfg, 2, 48, 40, partialOverlap)

			b1, b2, _, err := m.regionMasks(context.Background(), batch)
			require.NoError(t, err)
			p := cfg.Loss.PoolSize
			for i, v := range batch.Views {
				raw := []*tensor.Planes{b1[i].Clone(), b2[i].Clone()}
				m.weightByOverlap(v, b1[i], b2[i])
				for j, got := range []*tensor.Planes{b1[i], b2[i]} {
					w := region.OverlapWeights(v.Overlap[j], p)
					partial := false
					for cell, wv := range w.Data {
						if wv < 1-1e-6 {
							partial = true
						}
						for k := range got.C {
							o := k*p*p + cell
							assert.InDelta(t, raw[j].Data[o]*wv, got.Data[o], 1e-6)
							assert.LessOrEqual(t, got.Data[o], wv+1e-6, "view %d region %d cell %d", j, k, cell)
						}
					}
					assert.True(t, partial, "view %d of sample %d is fully covered by the overlap", j, i)
				}
			}

			out, err := m.Forward(context.Background(), batch, 0.9)
			require.NoError(t, err)
			assert.Equal(t, len(batch.Views), len(out.Online)+out.Skipped)
			for _, regions := range out.Regions {
				if cfg.Features().GroundTruth {
					assert.NotContains(t, regions, 0)
				}
			}
		})
	}
}
