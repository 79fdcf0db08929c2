package dataset

import (
	"context"
	"math/rand/v2"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/augment"
	"golang.org/x/sync/errgroup"
)

// Batch is one step's worth of augmented samples. Incomplete trailing
// batches are dropped.
type Batch struct {
	Indices []int
	Paths   []string
	Views   []*augment.Views
}

// Loader fetches and augments samples in parallel. Each sample draws from
// its own generator seeded by (seed, epoch, index), so results do not
// depend on worker scheduling.
type Loader struct {
	Dataset   Dataset
	Sampler   *Sampler
	MultiView *augment.MultiView
	BatchSize int
	Workers   int
	Seed      uint64

	log logs.Log
}

func NewLoader(log logs.Log, ds Dataset, sampler *Sampler, mv *augment.MultiView, batchSize, workers int, seed uint64) *Loader {
	return &Loader{
		Dataset:   ds,
		Sampler:   sampler,
		MultiView: mv,
		BatchSize: batchSize,
		Workers:   max(workers, 1),
		Seed:      seed,
		log:       log,
	}
}

// Steps is the number of full batches per epoch.
func (l *Loader) Steps() int {
	return l.Sampler.PerReplica() / l.BatchSize
}

// Epoch calls fn with every batch of the epoch in order. The first fetch
// error cancels the remaining fetches and is returned.
func (l *Loader) Epoch(ctx context.Context, epoch int, fn func(step int, b *Batch) error) error {
	l.Sampler.SetEpoch(epoch)
	indices := l.Sampler.Indices()
	for step := range len(indices) / l.BatchSize {
		ids := indices[step*l.BatchSize : (step+1)*l.BatchSize]
		b, err := l.fetch(ctx, epoch, ids)
		if err != nil {
			return err
		}
		if err := fn(step, b); err != nil {
			return err
		}
	}
	return nil
}

// Sample fetches and augments a single index.
func (l *Loader) Sample(epoch, index int) (*augment.Views, error) {
	item, err := l.Dataset.Get(index)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(l.Seed^uint64(epoch), uint64(index)))
	v, err := l.MultiView.Apply(rng, item.Image, item.Mask)
	if err != nil {
		return nil, &FetchError{Index: index, Path: item.Path, Err: err}
	}
	return v, nil
}

func (l *Loader) fetch(ctx context.Context, epoch int, ids []int) (*Batch, error) {
	b := &Batch{
		Indices: ids,
		Paths:   make([]string, len(ids)),
		Views:   make([]*augment.Views, len(ids)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.Workers)
	for i, idx := range ids {
		b.Paths[i] = l.Dataset.Path(idx)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := l.Sample(epoch, idx)
			if err != nil {
				l.log.Errorf("fetch %v: %v", b.Paths[i], err)
				return err
			}
			b.Views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}
