package augment

import (
	"github.com/setanarut/regionbyol/config"
)

type Stage int

const (
	StageTrain Stage = iota
	StageVal
	StageFinetune
	StageTest
	StageRaw
)

var stageNames = map[Stage]string{
	StageTrain:    "train",
	StageVal:      "val",
	StageFinetune: "ft",
	StageTest:     "test",
	StageRaw:      "raw",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseStage(s string) (Stage, error) {
	for k, v := range stageNames {
		if v == s {
			return k, nil
		}
	}
	return 0, config.Errorf("unsupported stage %q", s)
}

// ViewProfile holds the per-view photometric probabilities.
type ViewProfile struct {
	BlurProb     float64
	SolarizeProb float64
}

// DefaultJitter is the colour jitter used by the train and val stages.
var DefaultJitter = ColorJitter{Brightness: 0.4, Contrast: 0.4, Saturation: 0.2, Hue: 0.1}

const (
	jitterProb    = 0.8
	grayscaleProb = 0.2
)

// ForStage builds the paired transform of one view for a stage.
//
//	train, val: crop, flip, jitter, grayscale, blur, solarize
//	ft:         crop, flip
//	test:       resize to size*8/7, centre crop
//	raw:        crop
//
// keepAspect selects the padded aspect-preserving crop resize for train/val.
func ForStage(stage Stage, size int, view ViewProfile, keepAspect bool) *PairedTransform {
	crop := Step{Kind: StepCrop, Size: size}
	flip := Step{Kind: StepFlip}
	switch stage {
	case StageTrain, StageVal:
		crop.KeepAspect = keepAspect
		return &PairedTransform{Steps: []Step{
			crop,
			flip,
			{Kind: StepPhotometric, Name: "color_jitter", Prob: jitterProb, Op: DefaultJitter.Apply},
			{Kind: StepPhotometric, Name: "grayscale", Prob: grayscaleProb, Op: Grayscale},
			{Kind: StepPhotometric, Name: "blur", Prob: view.BlurProb, Op: GaussianBlur},
			{Kind: StepPhotometric, Name: "solarize", Prob: view.SolarizeProb, Op: Solarize},
		}}
	case StageFinetune:
		return &PairedTransform{Steps: []Step{crop, flip}}
	case StageTest:
		return &PairedTransform{Steps: []Step{
			{Kind: StepResize, Size: size * 8 / 7},
			{Kind: StepCenterCrop, Size: size},
		}}
	default:
		return &PairedTransform{Steps: []Step{crop}}
	}
}
