package model

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/augment"
	"github.com/setanarut/regionbyol/cluster"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/region"
	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/mat"
)

// MomentumPair holds the online encoder and its slow-moving target copy.
// The target never receives gradients; it only follows the online weights.
type MomentumPair struct {
	Online *Encoder
	Target *Encoder
}

func NewMomentumPair(rng *rand.Rand, d Dims) *MomentumPair {
	online := NewEncoder(rng, d)
	return &MomentumPair{Online: online, Target: online.Clone()}
}

// Sync makes the target an exact copy of the online encoder.
func (p *MomentumPair) Sync() {
	p.Target.Params.CopyFrom(p.Online.Params)
}

// Update moves the target towards the online encoder:
// target = mm*target + (1-mm)*online.
func (p *MomentumPair) Update(mm float64) {
	p.Target.Params.EMAFrom(p.Online.Params, mm)
}

// Batch is the augmented output of the data loader for one step.
type Batch struct {
	Views []*augment.Views
}

// Output is the result of one forward pass. Online and Target hold, per
// sample that produced at least one shared region, the predictor outputs and
// the normalised target embeddings of both view orderings, stacked
// (view 1 regions first).
type Output struct {
	Loss     float64
	Online   []*mat.Dense
	Target   []*mat.Dense
	Regions  [][]int
	Clusters []*cluster.Result
	Skipped  int
}

// Model ties the momentum pair, predictor, mask net and queue to the region
// pipeline selected by the configuration. It is not safe for concurrent use.
type Model struct {
	Pair      *MomentumPair
	Heads     *Params
	Predictor MLP
	// MaskNet maps mid-level features to per-pixel clustering embeddings.
	MaskNet *Linear
	Queue   *Queue

	features  config.Features
	cfg       *config.Config
	clusterer cluster.Clusterer
	log       logs.Log
	rng       *rand.Rand
}

func New(cfg *config.Config, log logs.Log, g cluster.Gatherer) (*Model, error) {
	f := cfg.Features()
	m := &Model{
		Heads:    NewParams(),
		features: f,
		cfg:      cfg,
		log:      log,
		rng:      rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.Rank))),
	}
	mc := cfg.Model
	m.Pair = NewMomentumPair(m.rng, Dims{
		Grid:       cfg.Cluster.GridSize,
		Pool:       cfg.Loss.PoolSize,
		Mid:        mc.MidDim,
		Feature:    mc.FeatureDim,
		Hidden:     mc.Projection.HiddenDim,
		Projection: mc.Projection.OutputDim,
	})
	m.Predictor = newMLP(m.Heads, m.rng, "predictor", mc.Projection.OutputDim, mc.Predictor.HiddenDim, mc.Projection.OutputDim)
	if f.MaskNet {
		l := newLinear(m.Heads, m.rng, "masknet", mc.MidDim, mc.MaskNetDim)
		m.MaskNet = &l
	}
	if mc.MemorySize > 0 {
		m.Queue = NewQueue(m.rng, mc.MemorySize, mc.Projection.OutputDim)
	}
	if m.clustered() {
		c, err := cluster.New(cfg, log, g)
		if err != nil {
			return nil, err
		}
		m.clusterer = c
	}
	log.Infof("model: %v online parameters, %v head parameters, mask mode %v, policy %v",
		m.Pair.Online.Params.Count(), m.Heads.Count(), f.MaskMode, f.ClusterPolicy)
	return m, nil
}

// clustered reports whether region identities come from the clusterer rather
// than a ground-truth mask or the whole image.
func (m *Model) clustered() bool {
	switch m.features.MaskMode {
	case config.MaskNone:
		return false
	case config.MaskShared, config.MaskCOCO:
		return !m.features.GroundTruth
	}
	return true
}

// Forward runs both encoders over the batch and returns the symmetric
// regression loss. The target is moved by mm after the online pass and
// before the target pass. Samples without a region visible in both views
// are skipped; a batch of only such samples has zero loss.
func (m *Model) Forward(ctx context.Context, batch *Batch, mm float64) (*Output, error) {
	if len(batch.Views) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	b1, b2, results, err := m.regionMasks(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := &Output{Clusters: results}

	type pass struct {
		v      *augment.Views
		m1, m2 *tensor.Planes
		sel    []int
		q      *mat.Dense
	}
	var passes []*pass
	for i, v := range batch.Views {
		if m.features.OverlapMask {
			m.weightByOverlap(v, b1[i], b2[i])
		}
		sel := m.selectRegions(region.Valid(b1[i], b2[i]))
		if len(sel) == 0 {
			m.log.Debugf("model: sample %v has no region visible in both views", i)
			out.Skipped++
			continue
		}
		ps := &pass{v: v, m1: b1[i], m2: b2[i], sel: sel}
		online := m.Pair.Online
		ps.q = stack(
			m.Predictor.Forward(online.Encode(v.Images[0], ps.m1, sel)),
			m.Predictor.Forward(online.Encode(v.Images[1], ps.m2, sel)),
		)
		passes = append(passes, ps)
	}
	m.Pair.Update(mm)
	if len(passes) == 0 {
		// Disjoint crops carry no regression signal; the step still counts.
		m.log.Debugf("model: no sample in the batch has a region visible in both views")
		return out, nil
	}

	total := 0.0
	for _, ps := range passes {
		target := m.Pair.Target
		z := normalizeRows(stack(
			target.Encode(ps.v.Images[1], ps.m2, ps.sel),
			target.Encode(ps.v.Images[0], ps.m1, ps.sel),
		))
		labels := append(append([]int(nil), ps.sel...), ps.sel...)
		if m.Queue != nil {
			if m.cfg.Model.NearestNeighbor {
				nn, _ := m.Queue.Nearest(z)
				m.Queue.Enqueue(z, labels)
				z = nn
			} else {
				m.Queue.Enqueue(z, labels)
			}
		}
		total += RegressionLoss(ps.q, z)
		out.Online = append(out.Online, ps.q)
		out.Target = append(out.Target, z)
		out.Regions = append(out.Regions, ps.sel)
	}
	// Each view ordering contributes its own mean.
	out.Loss = 2 * total / float64(len(passes))
	return out, nil
}

// weightByOverlap scales the region masks of both views by the fraction of
// each cell covered by the crop intersection.
func (m *Model) weightByOverlap(v *augment.Views, b1, b2 *tensor.Planes) {
	p := m.cfg.Loss.PoolSize
	for j, bm := range []*tensor.Planes{b1, b2} {
		if v.Overlap[j] != nil {
			region.Weight(bm, region.OverlapWeights(v.Overlap[j], p))
		}
	}
}

// regionMasks builds the K×P×P region masks of both views for every sample.
func (m *Model) regionMasks(ctx context.Context, batch *Batch) (b1, b2 []*tensor.Planes, results []*cluster.Result, err error) {
	p := m.cfg.Loss.PoolSize
	n := len(batch.Views)
	b1, b2 = make([]*tensor.Planes, n), make([]*tensor.Planes, n)

	switch {
	case m.features.MaskMode == config.MaskNone:
		for i := range n {
			b1[i], b2[i] = tensor.Ones(1, p, p), tensor.Ones(1, p, p)
		}
		return b1, b2, nil, nil

	case m.features.GroundTruth:
		for i, v := range batch.Views {
			k := int(max(v.Masks[0].Channel(0).MaxID(), v.Masks[1].Channel(0).MaxID())) + 1
			b1[i] = mask.PooledBinary(v.Masks[0], 0, k, p)
			b2[i] = mask.PooledBinary(v.Masks[1], 0, k, p)
			// id 0 is background
			clear(b1[i].Plane(0))
			clear(b2[i].Plane(0))
		}
		return b1, b2, nil, nil
	}

	g := m.cfg.Cluster.GridSize
	in := make([]cluster.Input, n)
	for i, v := range batch.Views {
		canon := v.Masks[augment.CanonicalView]
		c := 0
		if m.features.MaskMode == config.MaskSLICCluster {
			c = canon.C - 1
		}
		mid := m.Pair.Online.Mid(v.Images[augment.CanonicalView])
		in[i] = cluster.Input{Superpixels: mask.Identity(canon, c, g), Features: mid}
		if m.MaskNet != nil {
			in[i].Embeddings = planes(m.MaskNet.Forward(pixels(mid)), g, g)
		}
	}
	results, err = m.clusterer.Cluster(ctx, in)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cluster regions: %w", err)
	}
	binaries := make([]*tensor.Planes, n)
	rec1, rec2 := make([]geom.Record, n), make([]geom.Record, n)
	for i, r := range results {
		binaries[i] = r.Binary()
		rec1[i], rec2[i] = batch.Views[i].Records[0], batch.Views[i].Records[1]
	}
	b1, b2 = region.RealignBatch(binaries, rec1, rec2, p)
	return b1, b2, results, nil
}

// selectRegions draws NumRegions region ids from the valid ones in random
// order, cycling when fewer are valid.
func (m *Model) selectRegions(valid []bool) []int {
	var ids []int
	for k, ok := range valid {
		if ok {
			ids = append(ids, k)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	perm := m.rng.Perm(len(ids))
	out := make([]int, m.cfg.Loss.NumRegions)
	for i := range out {
		out[i] = ids[perm[i%len(perm)]]
	}
	return out
}

func stack(a, b *mat.Dense) *mat.Dense {
	ar, c := a.Dims()
	br, _ := b.Dims()
	out := mat.NewDense(ar+br, c, nil)
	out.Slice(0, ar, 0, c).(*mat.Dense).Copy(a)
	out.Slice(ar, ar+br, 0, c).(*mat.Dense).Copy(b)
	return out
}
