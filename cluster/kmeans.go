package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/setanarut/regionbyol/mask"
)

// KMeans clusters L2-normalised superpixel embeddings of the whole batch
// (optionally gathered from every worker) into K groups and paints each
// superpixel with its group id.
type KMeans struct {
	Gather Gatherer
	// Refine, when set, clusters the mask-net embeddings of each sample and
	// snaps the result to superpixels.
	Refine *Agglomerative

	log logs.Log

	mu        sync.Mutex
	k         int
	fittedK   int
	centroids clusters.Clusters
}

func NewKMeans(log logs.Log, k int, g Gatherer) *KMeans {
	return &KMeans{log: log, k: k, Gather: g}
}

// SetK changes the cluster count. The next call re-initialises the centroids.
func (c *KMeans) SetK(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.k = k
}

func (c *KMeans) K() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.k
}

// Centroids returns the centroids of the last fit.
func (c *KMeans) Centroids() [][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]float64, len(c.centroids))
	for i, cl := range c.centroids {
		out[i] = append([]float64(nil), cl.Center...)
	}
	return out
}

func (c *KMeans) Cluster(ctx context.Context, batch []Input) ([]*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var local [][]float64
	spans := make([][2]int, len(batch))
	ids := make([][]int32, len(batch))
	for i, in := range batch {
		rows, sp := PoolSuperpixels(in.Features, in.Superpixels)
		spans[i] = [2]int{len(local), len(local) + len(rows)}
		ids[i] = sp
		local = append(local, rows...)
	}
	if len(local) == 0 {
		return nil, fmt.Errorf("k-means over an empty batch")
	}

	fit := local
	if c.Gather != nil {
		all, err := c.Gather.AllGather(ctx, local)
		if err != nil {
			return nil, fmt.Errorf("gather embeddings: %w", err)
		}
		fit = all
	}

	if err := c.fit(fit); err != nil {
		return nil, err
	}

	out := make([]*Result, len(batch))
	for i, in := range batch {
		assign := map[int32]int32{}
		for r := spans[i][0]; r < spans[i][1]; r++ {
			assign[ids[i][r-spans[i][0]]] = int32(c.centroids.Nearest(clusters.Coordinates(local[r])))
		}
		id := mask.New(1, in.Superpixels.H, in.Superpixels.W)
		for p, s := range in.Superpixels.IDs[:len(id.IDs)] {
			id.IDs[p] = assign[s]
		}
		out[i] = &Result{Identity: id, K: c.k}
	}

	if c.Refine != nil {
		for i, in := range batch {
			if in.Embeddings == nil {
				return nil, fmt.Errorf("sample %d has no mask-net embeddings to refine", i)
			}
			labels, _ := c.Refine.Labels(in.Embeddings)
			out[i].Refined, out[i].RefinedK = Snap(labels, in.Superpixels)
		}
	}
	return out, nil
}

// fit partitions the observations into k clusters. k is capped by the number
// of distinct observations; ids still range over [0, c.k).
func (c *KMeans) fit(rows [][]float64) error {
	if c.fittedK != c.k && c.fittedK != 0 {
		c.log.Warnf("k-means cluster count changed from %v to %v, re-initialising", c.fittedK, c.k)
		c.centroids = nil
	}
	k := c.k
	if d := distinct(rows); d < k {
		c.log.Warnf("k-means: only %v distinct embeddings for k=%v", d, k)
		k = d
	}
	obs := make(clusters.Observations, len(rows))
	for i, r := range rows {
		obs[i] = clusters.Coordinates(r)
	}
	cc, err := kmeans.New().Partition(obs, k)
	if err != nil {
		return fmt.Errorf("k-means partition: %w", err)
	}
	c.centroids = cc
	c.fittedK = c.k
	return nil
}

func distinct(rows [][]float64) int {
	seen := map[string]struct{}{}
	for _, r := range rows {
		seen[fmt.Sprint(r)] = struct{}{}
	}
	return len(seen)
}
