package cluster

import (
	"context"
	"math"
	"slices"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/tensor"
	"gonum.org/v1/gonum/floats"
)

// Agglomerative clusters the per-pixel embeddings of one sample with average
// linkage over cosine distance. Merging stops at Threshold; if that leaves
// more than MaxClusters the tree is cut at exactly MaxClusters instead.
type Agglomerative struct {
	Threshold   float64
	MaxClusters int
	log         logs.Log
}

func NewAgglomerative(threshold float64, maxClusters int, log logs.Log) *Agglomerative {
	return &Agglomerative{Threshold: threshold, MaxClusters: maxClusters, log: log}
}

func (a *Agglomerative) Cluster(ctx context.Context, batch []Input) ([]*Result, error) {
	out := make([]*Result, len(batch))
	for i, in := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, k := a.Labels(in.Embeddings)
		out[i] = &Result{Identity: id, K: k}
	}
	return out, nil
}

// Labels clusters the cells of an E×H×W embedding map and returns the 1×H×W
// label map with ids numbered by first appearance.
func (a *Agglomerative) Labels(emb *tensor.Planes) (*mask.Label, int) {
	n := emb.H * emb.W
	points := make([][]float64, n)
	for p := range n {
		v := make([]float64, emb.C)
		for c := range emb.C {
			v[c] = float64(emb.Data[c*n+p])
		}
		if norm := floats.Norm(v, 2); norm > 1e-12 {
			floats.Scale(1/norm, v)
		}
		points[p] = v
	}
	merges := averageLinkage(points)

	applied := 0
	for applied < len(merges) && merges[applied].dist < a.Threshold {
		applied++
	}
	if n-applied > a.MaxClusters {
		if a.log != nil {
			a.log.Warnf("agglomerative: %v clusters above threshold %v, cutting at %v", n-applied, a.Threshold, a.MaxClusters)
		}
		applied = max(n-a.MaxClusters, 0)
	}
	labels := cut(merges[:applied], n)
	return Relabel(mask.FromSlice(emb.H, emb.W, labels))
}

type merge struct {
	a, b int
	dist float64
}

// condensed indexes the upper triangle of an n×n symmetric matrix.
func condensed(n, i, j int) int {
	if i > j {
		i, j = j, i
	}
	return n*i - i*(i+1)/2 + j - i - 1
}

// averageLinkage builds the full average-linkage dendrogram with the
// nearest-neighbour chain algorithm. Merges are returned sorted by distance;
// cluster slots are named after a member point.
func averageLinkage(points [][]float64) []merge {
	n := len(points)
	if n < 2 {
		return nil
	}
	d := make([]float32, n*(n-1)/2)
	for i := range n {
		for j := i + 1; j < n; j++ {
			d[condensed(n, i, j)] = float32(1 - floats.Dot(points[i], points[j]))
		}
	}
	size := make([]int, n)
	active := make([]bool, n)
	for i := range n {
		size[i] = 1
		active[i] = true
	}

	merges := make([]merge, 0, n-1)
	chain := make([]int, 0, n)
	for len(merges) < n-1 {
		if len(chain) == 0 {
			for i := range n {
				if active[i] {
					chain = append(chain, i)
					break
				}
			}
		}
		var x, y int
		var best float32
		for {
			x = chain[len(chain)-1]
			y = -1
			best = float32(math.Inf(1))
			if len(chain) > 1 {
				y = chain[len(chain)-2]
				best = d[condensed(n, x, y)]
			}
			for j := range n {
				if !active[j] || j == x {
					continue
				}
				if dj := d[condensed(n, x, j)]; dj < best {
					best, y = dj, j
				}
			}
			if len(chain) > 1 && y == chain[len(chain)-2] {
				break
			}
			chain = append(chain, y)
		}
		chain = chain[:len(chain)-2]

		merges = append(merges, merge{a: x, b: y, dist: float64(best)})
		sx, sy := float32(size[x]), float32(size[y])
		for k := range n {
			if !active[k] || k == x || k == y {
				continue
			}
			ky := condensed(n, k, y)
			d[ky] = (sx*d[condensed(n, k, x)] + sy*d[ky]) / (sx + sy)
		}
		active[x] = false
		size[y] += size[x]
	}
	slices.SortStableFunc(merges, func(p, q merge) int {
		switch {
		case p.dist < q.dist:
			return -1
		case p.dist > q.dist:
			return 1
		}
		return 0
	})
	return merges
}

// cut applies merges with a union-find and returns each point's root.
func cut(merges []merge, n int) []int32 {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for _, m := range merges {
		ra, rb := find(m.a), find(m.b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(find(i))
	}
	return out
}
