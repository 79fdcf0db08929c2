package cluster

import (
	"context"
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/floats"
)

// Input is one sample as seen by a clustering policy, everything on the
// same G×G grid.
type Input struct {
	// Superpixels is the 1×G×G superpixel id map of the canonical view.
	Superpixels *mask.Label
	// Features is the D×G×G mid-level feature map of the canonical view.
	Features *tensor.Planes
	// Embeddings is the E×G×G per-pixel mask-net output, nil without a mask net.
	Embeddings *tensor.Planes
}

// Result assigns every grid cell a region id in [0,K).
type Result struct {
	Identity *mask.Label
	K        int
	// Refined is the mask-net clustering snapped to superpixels, when a mask
	// net runs alongside k-means. Consumers prefer it over Identity.
	Refined  *mask.Label
	RefinedK int
}

// Regions returns the identity map to use downstream and its region count.
func (r *Result) Regions() (*mask.Label, int) {
	if r.Refined != nil {
		return r.Refined, r.RefinedK
	}
	return r.Identity, r.K
}

// Binary one-hot encodes the regions into a K×G×G mask.
func (r *Result) Binary() *tensor.Planes {
	id, k := r.Regions()
	return mask.OneHot(id, 0, k)
}

type Clusterer interface {
	Cluster(ctx context.Context, batch []Input) ([]*Result, error)
}

// New picks the clustering policy the configuration asks for.
func New(cfg *config.Config, log logs.Log, g Gatherer) (Clusterer, error) {
	f := cfg.Features()
	c := cfg.Cluster
	switch f.ClusterPolicy {
	case config.PolicyDirect:
		return Direct{}, nil
	case config.PolicyKMeans:
		km := NewKMeans(log, c.NKMeans, nil)
		if c.Gather {
			km.Gather = g
		}
		if f.MaskNet {
			km.Refine = NewAgglomerative(c.DistanceThreshold, c.MaxClusters, log)
		}
		return km, nil
	case config.PolicyAgglomerative:
		return NewAgglomerative(c.DistanceThreshold, c.MaxClusters, log), nil
	}
	return nil, config.Errorf("unsupported cluster policy %v", f.ClusterPolicy)
}

// Direct uses superpixel ids as region ids, renumbered to be consecutive.
type Direct struct{}

func (Direct) Cluster(_ context.Context, batch []Input) ([]*Result, error) {
	out := make([]*Result, len(batch))
	for i, in := range batch {
		id, k := Relabel(in.Superpixels)
		out[i] = &Result{Identity: id, K: k}
	}
	return out, nil
}

// Relabel renumbers the ids of a single-channel mask to 0..k-1 in order of
// first appearance in row-major order.
func Relabel(m *mask.Label) (*mask.Label, int) {
	out := mask.New(1, m.H, m.W)
	next := map[int32]int32{}
	for i, v := range m.IDs[:m.H*m.W] {
		id, ok := next[v]
		if !ok {
			id = int32(len(next))
			next[v] = id
		}
		out.IDs[i] = id
	}
	return out, len(next)
}

// PoolSuperpixels mean-pools the feature map under every superpixel and L2
// normalises the result. ids lists the superpixel of each row.
func PoolSuperpixels(features *tensor.Planes, sp *mask.Label) (rows [][]float64, ids []int32) {
	if features.H != sp.H || features.W != sp.W {
		panic(fmt.Sprintf("cluster: features %v over superpixels %v", features, sp))
	}
	index := map[int32]int{}
	var counts []int
	n := sp.H * sp.W
	for p, id := range sp.IDs[:n] {
		r, ok := index[id]
		if !ok {
			r = len(rows)
			index[id] = r
			rows = append(rows, make([]float64, features.C))
			ids = append(ids, id)
			counts = append(counts, 0)
		}
		counts[r]++
		for d := range features.C {
			rows[r][d] += float64(features.Data[d*n+p])
		}
	}
	for r, row := range rows {
		floats.Scale(1/float64(counts[r]), row)
		if norm := floats.Norm(row, 2); norm > 1e-12 {
			floats.Scale(1/norm, row)
		}
	}
	return rows, ids
}

// Snap replaces every superpixel by the majority region id of its cells;
// ties go to the smaller id. The result is renumbered consecutively.
func Snap(regions, sp *mask.Label) (*mask.Label, int) {
	n := sp.H * sp.W
	votes := map[int32]map[int32]int{}
	for p, s := range sp.IDs[:n] {
		v, ok := votes[s]
		if !ok {
			v = map[int32]int{}
			votes[s] = v
		}
		v[regions.IDs[p]]++
	}
	winner := make(map[int32]int32, len(votes))
	for s, v := range votes {
		best, bestN := int32(-1), -1
		for id, c := range v {
			if c > bestN || (c == bestN && id < best) {
				best, bestN = id, c
			}
		}
		winner[s] = best
	}
	out := mask.New(1, sp.H, sp.W)
	for p, s := range sp.IDs[:n] {
		out.IDs[p] = winner[s]
	}
	return Relabel(out)
}
