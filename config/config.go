package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks every configuration error. They are fatal and reported
// before any data is loaded.
var ErrConfig = errors.New("configuration error")

func Errorf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, a...))
}

type Config struct {
	Seed        uint64 `yaml:"seed"`
	Distributed bool   `yaml:"distributed"`
	WorldSize   int    `yaml:"world_size"`
	Rank        int    `yaml:"rank"`
	LocalRank   int    `yaml:"local_rank"`

	Data    DataConfig    `yaml:"data"`
	Model   ModelConfig   `yaml:"model"`
	Cluster ClusterConfig `yaml:"cluster"`
	Loss    LossConfig    `yaml:"loss"`
	Trainer TrainerConfig `yaml:"trainer"`
}

type ViewConfig struct {
	BlurProb     float64 `yaml:"blur_prob"`
	SolarizeProb float64 `yaml:"solarize_prob"`
}

type DataConfig struct {
	// Dataset is "imagenet" (image folder + optional pickled masks) or "coco".
	Dataset        string       `yaml:"dataset"`
	ImageDir       string       `yaml:"image_dir"`
	MaskDir        string       `yaml:"mask_dir"`
	MaskType       string       `yaml:"mask_type"`
	Subset         string       `yaml:"subset"`
	SubsetFile     string       `yaml:"subset_file"`
	Specific       string       `yaml:"specific"`
	Stage          string       `yaml:"stage"`
	MaskMode       MaskMode     `yaml:"mask_mode"`
	CocoMaskMode   CocoMaskMode `yaml:"coco_mask_mode"`
	CropSize       int          `yaml:"resize_size"`
	RawAspect      bool         `yaml:"raw_aspect"`
	FlipProb       float64      `yaml:"flip_prob"`
	OverlapMask    bool         `yaml:"overlap_mask"`
	SLIC           bool         `yaml:"slic"`
	SLICSegments   int          `yaml:"slic_segments"`
	SLICCompact    float64      `yaml:"slic_compactness"`
	Views          []ViewConfig `yaml:"views"`
	DataWorkers    int          `yaml:"data_workers"`
	TrainBatchSize int          `yaml:"train_batch_size"`
}

type ProjectionConfig struct {
	HiddenDim int `yaml:"hidden_dim"`
	OutputDim int `yaml:"output_dim"`
}

type ModelConfig struct {
	MidDim          int              `yaml:"mid_dim"`
	FeatureDim      int              `yaml:"feature_dim"`
	Projection      ProjectionConfig `yaml:"projection"`
	Predictor       ProjectionConfig `yaml:"predictor"`
	MemorySize      int              `yaml:"memory_size"`
	NearestNeighbor bool             `yaml:"nearest_neighbor"`
	MaskNet         bool             `yaml:"masknet"`
	MaskNetDim      int              `yaml:"masknet_dim"`
	BaseMomentum    float64          `yaml:"base_momentum"`
	FinalMomentum   float64          `yaml:"final_momentum"`
}

type ClusterConfig struct {
	Policy            ClusterPolicy `yaml:"policy"`
	NKMeans           int           `yaml:"n_kmeans"`
	GridSize          int           `yaml:"grid_size"`
	Gather            bool          `yaml:"gather"`
	DistanceThreshold float64       `yaml:"distance_threshold"`
	MaxClusters       int           `yaml:"max_clusters"`
}

type LossConfig struct {
	PoolSize   int `yaml:"pool_size"`
	NumRegions int `yaml:"num_regions"`
}

type TrainerConfig struct {
	TotalEpochs   int `yaml:"total_epochs"`
	LogInterval   int `yaml:"log_interval"`
	StepsPerEpoch int `yaml:"steps_per_epoch"`
}

// Features is the switch set that selects one behaviour of the unified
// augmentation and region pipeline.
type Features struct {
	OverlapMask   bool
	MaskMode      MaskMode
	ClusterPolicy ClusterPolicy
	MaskNet       bool
	GroundTruth   bool
}

func Default() *Config {
	return &Config{
		Seed: 0,
		Data: DataConfig{
			Dataset:        "imagenet",
			MaskType:       "fh",
			Stage:          "train",
			MaskMode:       MaskSLICCluster,
			CocoMaskMode:   CocoClass,
			CropSize:       224,
			FlipProb:       0.5,
			OverlapMask:    true,
			SLIC:           true,
			SLICSegments:   100,
			SLICCompact:    10,
			Views:          []ViewConfig{{BlurProb: 1.0, SolarizeProb: 0.0}, {BlurProb: 0.1, SolarizeProb: 0.2}},
			DataWorkers:    4,
			TrainBatchSize: 32,
		},
		Model: ModelConfig{
			MidDim:        64,
			FeatureDim:    128,
			Projection:    ProjectionConfig{HiddenDim: 256, OutputDim: 64},
			Predictor:     ProjectionConfig{HiddenDim: 256, OutputDim: 64},
			MemorySize:    4096,
			MaskNetDim:    32,
			BaseMomentum:  0.99,
			FinalMomentum: 1.0,
		},
		Cluster: ClusterConfig{
			Policy:            PolicyKMeans,
			NKMeans:           16,
			GridSize:          56,
			DistanceThreshold: 0.2,
			MaxClusters:       16,
		},
		Loss: LossConfig{
			PoolSize:   7,
			NumRegions: 16,
		},
		Trainer: TrainerConfig{
			TotalEpochs: 300,
			LogInterval: 50,
		},
	}
}

// Load reads a YAML file over Default, applies the distributed environment
// and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %v: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills world size and ranks from WORLD_SIZE, RANK and LOCAL_RANK
// when running distributed; otherwise the process is rank 0 of 1.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if !c.Distributed {
		c.WorldSize, c.Rank, c.LocalRank = 1, 0, 0
		return nil
	}
	var err error
	if c.WorldSize, err = envInt(getenv, "WORLD_SIZE", ""); err != nil {
		return err
	}
	if c.Rank, err = envInt(getenv, "RANK", ""); err != nil {
		return err
	}
	if c.LocalRank, err = envInt(getenv, "LOCAL_RANK", "0"); err != nil {
		return err
	}
	return nil
}

func envInt(getenv func(string) string, name, def string) (int, error) {
	s := getenv(name)
	if s == "" {
		s = def
	}
	if s == "" {
		return 0, Errorf("distributed run requires %v", name)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, Errorf("invalid %v %q", name, s)
	}
	return n, nil
}

func (c *Config) Validate() error {
	d := &c.Data
	switch d.Dataset {
	case "imagenet", "coco":
	default:
		return Errorf("unsupported dataset %q", d.Dataset)
	}
	switch d.Subset {
	case "", "imagenet1p", "imagenet100":
	default:
		return Errorf("unsupported subset %q", d.Subset)
	}
	switch d.Stage {
	case "train", "val", "ft", "test", "raw":
	default:
		return Errorf("unsupported stage %q", d.Stage)
	}
	if d.CropSize < 8 {
		return Errorf("resize_size %d too small", d.CropSize)
	}
	if len(d.Views) != 2 {
		return Errorf("exactly two view augmentation profiles are required, got %d", len(d.Views))
	}
	for i, v := range d.Views {
		if !validProb(v.BlurProb) || !validProb(v.SolarizeProb) {
			return Errorf("view %d probabilities out of [0,1]", i)
		}
	}
	if !validProb(d.FlipProb) {
		return Errorf("flip_prob %v out of [0,1]", d.FlipProb)
	}
	if d.DataWorkers < 1 || d.TrainBatchSize < 1 {
		return Errorf("data_workers and train_batch_size must be positive")
	}
	if d.MaskMode == MaskSLICCluster && (!d.SLIC || d.SLICSegments < 1) {
		return Errorf("mask_mode %v requires slic with slic_segments > 0", d.MaskMode)
	}
	if d.MaskMode == MaskCOCO && d.Dataset != "coco" {
		return Errorf("mask_mode coco requires the coco dataset")
	}
	m := &c.Model
	if m.MidDim < 1 || m.FeatureDim < 1 || m.Projection.OutputDim < 1 || m.Projection.HiddenDim < 1 ||
		m.Predictor.HiddenDim < 1 {
		return Errorf("model dimensions must be positive")
	}
	if m.Predictor.OutputDim != 0 && m.Predictor.OutputDim != m.Projection.OutputDim {
		return Errorf("predictor output_dim must match projection output_dim")
	}
	if m.MemorySize < 0 || (m.NearestNeighbor && m.MemorySize == 0) {
		return Errorf("nearest_neighbor requires memory_size > 0")
	}
	if m.MaskNet && m.MaskNetDim < 1 {
		return Errorf("masknet_dim must be positive")
	}
	if m.BaseMomentum < 0 || m.BaseMomentum > 1 || m.FinalMomentum < m.BaseMomentum || m.FinalMomentum > 1 {
		return Errorf("momentum schedule must satisfy 0 <= base <= final <= 1")
	}
	k := &c.Cluster
	if k.GridSize < 1 {
		return Errorf("cluster grid_size must be positive")
	}
	if k.Policy == PolicyKMeans && k.NKMeans < 1 {
		return Errorf("n_kmeans must be positive")
	}
	if k.MaxClusters < 1 {
		return Errorf("max_clusters must be positive")
	}
	if k.Policy == PolicyAgglomerative && !m.MaskNet {
		return Errorf("agglomerative clustering needs masknet embeddings")
	}
	if c.Loss.PoolSize < 1 || c.Loss.NumRegions < 1 {
		return Errorf("loss pool_size and num_regions must be positive")
	}
	if c.WorldSize < 1 || c.Rank < 0 || c.Rank >= c.WorldSize {
		return Errorf("rank %d outside world size %d", c.Rank, c.WorldSize)
	}
	if c.Trainer.TotalEpochs < 1 {
		return Errorf("total_epochs must be positive")
	}
	return nil
}

// Features derives the pipeline switches. n_kmeans at or above
// InfiniteClusters means "no clustering, use superpixel ids"; n_kmeans of
// GroundTruthClusters with a dataset-native mask bypasses clustering.
func (c *Config) Features() Features {
	f := Features{
		OverlapMask:   c.Data.OverlapMask,
		MaskMode:      c.Data.MaskMode,
		ClusterPolicy: c.Cluster.Policy,
		MaskNet:       c.Model.MaskNet,
	}
	if c.Cluster.NKMeans >= InfiniteClusters {
		f.ClusterPolicy = PolicyDirect
	}
	if c.Cluster.NKMeans == GroundTruthClusters && (f.MaskMode == MaskShared || f.MaskMode == MaskCOCO) {
		f.GroundTruth = true
	}
	return f
}

func validProb(p float64) bool {
	return p >= 0 && p <= 1
}
