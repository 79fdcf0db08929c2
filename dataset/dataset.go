// Package dataset lists training images, loads their label masks and feeds
// augmented batches to the trainer.
package dataset

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/mask"
)

// ErrSampleFetch marks a failure to read or decode one sample. It stops the
// run; samples are never skipped.
var ErrSampleFetch = errors.New("sample fetch failed")

// FetchError names the file behind a failed sample.
type FetchError struct {
	Index int
	Path  string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("sample %d (%v): %v", e.Index, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrSampleFetch
}

// Item is one raw sample. Mask is a 1×H×W label map; nil means unlabelled.
type Item struct {
	Path  string
	Image image.Image
	Mask  *mask.Label
}

// Dataset is a random-access list of samples. Get is safe for concurrent use.
type Dataset interface {
	Len() int
	Path(i int) string
	Get(i int) (*Item, error)
}

// New opens the dataset for a stage. The train and ft stages read the
// training split; every other stage reads the validation split.
func New(cfg *config.Config, stage string) (Dataset, error) {
	d := cfg.Data
	train := stage == "train" || stage == "ft"
	switch d.Dataset {
	case "imagenet":
		split := "val"
		if train {
			split = "train"
		}
		root := filepath.Join(d.ImageDir, "images", split)
		f, err := NewImageFolder(root, d.Subset, d.SubsetFile, d.Specific)
		if err != nil {
			return nil, err
		}
		if d.MaskDir != "" {
			index := filepath.Join(d.ImageDir, "masks", stage+"_tf_img_to_"+d.MaskType+".pkl")
			if err := f.AttachMasks(index, d.MaskDir); err != nil {
				return nil, err
			}
		}
		return f, nil
	case "coco":
		split := "val2017"
		if train {
			split = "train2017"
		}
		ann := filepath.Join(d.ImageDir, "annotations", "instances_"+split+".json")
		return NewCOCO(filepath.Join(d.ImageDir, split), ann, d.CocoMaskMode)
	}
	return nil, config.Errorf("unsupported dataset %q", d.Dataset)
}
