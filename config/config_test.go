package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(string) string { return "" }))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.WorldSize)
}

func TestParseYAML(t *testing.T) {
	raw := []byte(`
seed: 42
data:
  image_dir: /data/imagenet
  mask_mode: shared
  resize_size: 96
  overlap_mask: false
  views:
    - {blur_prob: 1.0, solarize_prob: 0.0}
    - {blur_prob: 0.1, solarize_prob: 0.2}
cluster:
  policy: direct
  n_kmeans: 1
model:
  memory_size: 8
  nearest_neighbor: true
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, MaskShared, cfg.Data.MaskMode)
	assert.Equal(t, 96, cfg.Data.CropSize)
	assert.Equal(t, PolicyDirect, cfg.Cluster.Policy)
	assert.Equal(t, 0.2, cfg.Data.Views[1].SolarizeProb)

	f := cfg.Features()
	assert.False(t, f.OverlapMask)
	assert.True(t, f.GroundTruth)
}

func TestConfigErrorsFailFast(t *testing.T) {
	cases := map[string]string{
		"mask mode":   "data: {mask_mode: polygons}",
		"subset":      "data: {subset: imagenet5}",
		"stage":       "data: {stage: warmup}",
		"policy":      "cluster: {policy: spectral}",
		"dataset":     "data: {dataset: voc}",
		"coco mode":   "data: {coco_mask_mode: panoptic}",
		"coco masks":  "data: {mask_mode: coco}",
		"agglo":       "cluster: {policy: agglomerative}",
		"views":       "data: {views: [{blur_prob: 1}]}",
		"probability": "data: {flip_prob: 1.5}",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestInfiniteClustersMeansDirect(t *testing.T) {
	cfg := Default()
	cfg.Cluster.NKMeans = InfiniteClusters
	assert.Equal(t, PolicyDirect, cfg.Features().ClusterPolicy)
	cfg.Cluster.NKMeans = 8
	assert.Equal(t, PolicyKMeans, cfg.Features().ClusterPolicy)
	assert.False(t, cfg.Features().GroundTruth)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{"WORLD_SIZE": "4", "RANK": "2"}
	cfg := Default()
	cfg.Distributed = true
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, 4, cfg.WorldSize)
	assert.Equal(t, 2, cfg.Rank)
	assert.Equal(t, 0, cfg.LocalRank)
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Distributed = true
	err := cfg.ApplyEnv(func(string) string { return "" })
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trainer: {total_epochs: 3}\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Trainer.TotalEpochs)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
