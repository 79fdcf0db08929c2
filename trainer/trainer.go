// Package trainer runs the self-supervised training loop.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/augment"
	"github.com/setanarut/regionbyol/cluster"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/dataset"
	"github.com/setanarut/regionbyol/model"
)

// Optimizer applies one gradient step to the online network and heads.
// Gradient computation lives outside this module; the hook receives the
// forward output it would differentiate.
type Optimizer interface {
	Step(m *model.Model, out *model.Output) error
}

// NoOptimizer leaves the weights untouched.
type NoOptimizer struct{}

func (NoOptimizer) Step(*model.Model, *model.Output) error { return nil }

type Trainer struct {
	Model     *model.Model
	Loader    *dataset.Loader
	Optimizer Optimizer
	// EpochLoss is the mean loss of every finished epoch.
	EpochLoss []float64

	cfg  *config.Config
	log  logs.Log
	step int
}

// New opens the configured dataset and builds the model.
func New(cfg *config.Config, log logs.Log, g cluster.Gatherer) (*Trainer, error) {
	ds, err := dataset.New(cfg, cfg.Data.Stage)
	if err != nil {
		return nil, err
	}
	return NewWithDataset(cfg, log, g, ds)
}

func NewWithDataset(cfg *config.Config, log logs.Log, g cluster.Gatherer, ds dataset.Dataset) (*Trainer, error) {
	mv, err := augment.NewMultiView(cfg)
	if err != nil {
		return nil, err
	}
	m, err := model.New(cfg, log, g)
	if err != nil {
		return nil, err
	}
	shuffle := cfg.Data.Stage != "val" && cfg.Data.Stage != "test"
	sampler := dataset.NewSampler(ds.Len(), cfg.WorldSize, cfg.Rank, shuffle, cfg.Seed)
	loader := dataset.NewLoader(log, ds, sampler, mv, cfg.Data.TrainBatchSize, cfg.Data.DataWorkers, cfg.Seed)
	if loader.Steps() == 0 {
		return nil, fmt.Errorf("%d samples on rank %d do not fill one batch of %d", sampler.PerReplica(), cfg.Rank, cfg.Data.TrainBatchSize)
	}
	log.Infof("trainer: %v samples, %v steps per epoch, %v epochs", ds.Len(), loader.Steps(), cfg.Trainer.TotalEpochs)
	return &Trainer{
		Model:     m,
		Loader:    loader,
		Optimizer: NoOptimizer{},
		cfg:       cfg,
		log:       log,
	}, nil
}

// StepsPerEpoch is the loader's batch count, capped by the configured limit.
func (t *Trainer) StepsPerEpoch() int {
	n := t.Loader.Steps()
	if lim := t.cfg.Trainer.StepsPerEpoch; lim > 0 {
		n = min(n, lim)
	}
	return n
}

func (t *Trainer) Step() int {
	return t.step
}

// Run trains for the configured number of epochs.
func (t *Trainer) Run(ctx context.Context) error {
	for epoch := range t.cfg.Trainer.TotalEpochs {
		if err := t.Epoch(ctx, epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	return nil
}

// errEpochDone ends an epoch early once the step limit is reached.
var errEpochDone = errors.New("epoch done")

func (t *Trainer) Epoch(ctx context.Context, epoch int) error {
	mc := t.cfg.Model
	total := t.cfg.Trainer.TotalEpochs * t.StepsPerEpoch()
	limit := t.StepsPerEpoch()
	start := time.Now()
	sum, n := 0.0, 0
	err := t.Loader.Epoch(ctx, epoch, func(step int, b *dataset.Batch) error {
		if step >= limit {
			return errEpochDone
		}
		mm := model.Momentum(mc.BaseMomentum, mc.FinalMomentum, t.step, total)
		out, err := t.Model.Forward(ctx, &model.Batch{Views: b.Views}, mm)
		if err != nil {
			return fmt.Errorf("step %d: %w", t.step, err)
		}
		if err := t.Optimizer.Step(t.Model, out); err != nil {
			return fmt.Errorf("optimizer step %d: %w", t.step, err)
		}
		sum += out.Loss
		n++
		if iv := t.cfg.Trainer.LogInterval; iv > 0 && step%iv == 0 {
			t.log.Infof("epoch %v step %v/%v loss %.4f mm %.5f skipped %v", epoch, step, limit, out.Loss, mm, out.Skipped)
		}
		t.step++
		return nil
	})
	if err != nil && !errors.Is(err, errEpochDone) {
		return err
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	t.EpochLoss = append(t.EpochLoss, mean)
	t.log.Infof("epoch %v done in %v, mean loss %.4f", epoch, time.Since(start).Round(time.Millisecond), mean)
	return nil
}
