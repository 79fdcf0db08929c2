package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/setanarut/regionbyol/augment"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 20), uint8(y * 30), 90, 255})
		}
	}
	require.NoError(t, utils.SaveImage(img, path))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestImageFolderSubsets(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "n02", "n02_7.png"), 4, 4)
	writeImage(t, filepath.Join(root, "n01", "n01_2.png"), 4, 4)
	writeImage(t, filepath.Join(root, "n01", "n01_1.png"), 4, 4)
	writeFile(t, filepath.Join(root, "n01", "notes.txt"), "skip me")

	f, err := NewImageFolder(root, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "n01", "n01_1.png"),
		filepath.Join(root, "n01", "n01_2.png"),
		filepath.Join(root, "n02", "n02_7.png"),
	}, f.Paths)

	f, err = NewImageFolder(root, "", "", "n02")
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())

	list := filepath.Join(root, "1p.txt")
	writeFile(t, list, "n02_7.png\n\n n01_1.png\n")
	f, err = NewImageFolder(root, "imagenet1p", list, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "n01", "n01_1.png"), filepath.Join(root, "n02", "n02_7.png")}, f.Paths)

	classes := filepath.Join(root, "100.txt")
	writeFile(t, classes, "n01\nn02\n")
	_, err = NewImageFolder(root, "imagenet100", classes, "")
	assert.ErrorIs(t, err, config.ErrConfig)

	_, err = NewImageFolder(root, "imagenet5", "", "")
	assert.ErrorIs(t, err, config.ErrConfig)

	_, err = NewImageFolder(filepath.Join(root, "n01", "nothing"), "", "", "")
	assert.Error(t, err)
}

func TestMaskIndex(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.pkl")
	writeFile(t, list, "(lp0\nVm/a.pkl\np1\naVm/b.pkl\np2\na.")
	names, err := LoadMaskIndex(list)
	require.NoError(t, err)
	assert.Equal(t, []string{"m/a.pkl", "m/b.pkl"}, names)

	dict := filepath.Join(dir, "dict.pkl")
	writeFile(t, dict, "(dp0\nI1\nVb.pkl\np1\nsI0\nVa.pkl\np2\ns.")
	names, err = LoadMaskIndex(dict)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pkl", "b.pkl"}, names)

	gap := filepath.Join(dir, "gap.pkl")
	writeFile(t, gap, "(dp0\nI0\nVa.pkl\np1\nsI2\nVc.pkl\np2\ns.")
	_, err = LoadMaskIndex(gap)
	assert.Error(t, err)

	_, err = LoadMaskIndex(filepath.Join(dir, "missing.pkl"))
	assert.Error(t, err)
}

func TestImageFolderMasks(t *testing.T) {
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "images", "train", "c", "x.png"), 3, 2)
	writeFile(t, filepath.Join(root, "masks", "train_tf_img_to_fh.pkl"), "(lp0\nVsomewhere/x.pkl\np1\na.")
	maskDir := filepath.Join(root, "fh")
	writeFile(t, filepath.Join(maskDir, "x.pkl"), "(lp0\n(lp1\nI0\naI1\naI1\naa(lp2\nI2\naI2\naI0\naa.")

	cfg := config.Default()
	cfg.Data.ImageDir = root
	cfg.Data.MaskDir = maskDir
	ds, err := New(cfg, "train")
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())

	item, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 2, 3, 3, 1}, item.Mask.IDs)

	// Without a mask directory samples are unlabelled.
	cfg.Data.MaskDir = ""
	ds, err = New(cfg, "train")
	require.NoError(t, err)
	item, err = ds.Get(0)
	require.NoError(t, err)
	assert.Nil(t, item.Mask)

	// A mask whose size disagrees with the image is a fetch error.
	writeFile(t, filepath.Join(maskDir, "x.pkl"), "(lp0\n(lp1\nI0\naa.")
	cfg.Data.MaskDir = maskDir
	ds, err = New(cfg, "train")
	require.NoError(t, err)
	_, err = ds.Get(0)
	assert.ErrorIs(t, err, ErrSampleFetch)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, filepath.Join(maskDir, "x.pkl"), fe.Path)
}

const cocoJSON = `{
  "images": [
    {"id": 9, "file_name": "b.png", "width": 8, "height": 6},
    {"id": 4, "file_name": "a.png", "width": 8, "height": 6},
    {"id": 7, "file_name": "empty.png", "width": 8, "height": 6}
  ],
  "annotations": [
    {"id": 1, "image_id": 4, "category_id": 3, "segmentation": [[1, 1, 5, 1, 5, 4, 1, 4]], "iscrowd": 0},
    {"id": 2, "image_id": 4, "category_id": 5, "segmentation": {"size": [6, 8], "counts": [24, 12, 12]}, "iscrowd": 1},
    {"id": 3, "image_id": 9, "category_id": 2, "segmentation": {"size": [6, 8], "counts": "0T3b1dj2eN"}, "iscrowd": 1}
  ]
}`

func TestCOCO(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "annotations", "instances_val2017.json"), cocoJSON)
	writeImage(t, filepath.Join(root, "val2017", "a.png"), 8, 6)
	writeImage(t, filepath.Join(root, "val2017", "b.png"), 8, 6)

	cfg := config.Default()
	cfg.Data.Dataset = "coco"
	cfg.Data.ImageDir = root
	ds, err := New(cfg, "val")
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, filepath.Join(root, "val2017", "a.png"), ds.Path(0))

	item, err := ds.Get(0)
	require.NoError(t, err)
	m := item.Mask
	assert.Equal(t, int32(0), m.At(0, 0, 0))
	assert.Equal(t, int32(3), m.At(0, 2, 2))
	assert.Equal(t, int32(5), m.At(0, 2, 4), "overlap keeps the larger id")
	assert.Equal(t, int32(5), m.At(0, 0, 5))
	assert.Equal(t, int32(0), m.At(0, 5, 7))

	c := ds.(*COCO)
	c.Mode = config.CocoInstance
	m, err = c.Mask(4, 8, 6)
	require.NoError(t, err)
	assert.Equal(t, int32(1), m.At(0, 2, 2))
	assert.Equal(t, int32(2), m.At(0, 2, 4))

	// The compressed counts of image 9 overrun an 8×6 frame.
	_, err = ds.Get(1)
	assert.ErrorIs(t, err, ErrSampleFetch)
}

func TestDecodeCounts(t *testing.T) {
	assert.Equal(t, []int{2, 3, 1, 4, 6}, decodeCounts("23115"))
	assert.Equal(t, []int{0, 100, 50, 3000, 7}, decodeCounts("0T3b1dj2eN"))
}

func TestDecodeRLE(t *testing.T) {
	bin, err := decodeRLE([]int{1, 2, 3}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true, false, false}, bin)

	_, err = decodeRLE([]int{4, 4}, 3, 2)
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	want := [][]int{{0, 3, 6, 9}, {1, 4, 7, 0}, {2, 5, 8, 1}}
	for rank := range 3 {
		s := NewSampler(10, 3, rank, false, 0)
		assert.Equal(t, 4, s.PerReplica())
		assert.Equal(t, want[rank], s.Indices())
	}

	var seen []int
	for rank := range 3 {
		s := NewSampler(10, 3, rank, true, 5)
		s.SetEpoch(2)
		seen = append(seen, s.Indices()...)
	}
	slices.Sort(seen)
	seen = slices.Compact(seen)
	assert.Len(t, seen, 10)

	s := NewSampler(50, 1, 0, true, 5)
	s.SetEpoch(0)
	a := s.Indices()
	s.SetEpoch(1)
	assert.NotEqual(t, a, s.Indices())
	s.SetEpoch(0)
	assert.Equal(t, a, s.Indices())
}

type memDataset struct {
	n     int
	fail  int
	calls atomic.Int32
}

func (d *memDataset) Len() int { return d.n }

func (d *memDataset) Path(i int) string { return fmt.Sprintf("mem/%d.png", i) }

func (d *memDataset) Get(i int) (*Item, error) {
	d.calls.Add(1)
	if i == d.fail {
		return nil, &FetchError{Index: i, Path: d.Path(i), Err: errors.New("corrupt")}
	}
	img := image.NewRGBA(image.Rect(0, 0, 40+i, 30))
	for p := range img.Pix {
		img.Pix[p] = uint8(p * (i + 1))
	}
	return &Item{Path: d.Path(i), Image: img}, nil
}

func testMultiView(t *testing.T) *augment.MultiView {
	cfg := config.Default()
	cfg.Data.CropSize = 16
	cfg.Data.SLICSegments = 4
	mv, err := augment.NewMultiView(cfg)
	require.NoError(t, err)
	return mv
}

func TestLoaderEpoch(t *testing.T) {
	mv := testMultiView(t)
	run := func(workers int) [][]int {
		ds := &memDataset{n: 7, fail: -1}
		l := NewLoader(logs.NewTestingLog(t), ds, NewSampler(ds.n, 1, 0, true, 3), mv, 3, workers, 3)
		assert.Equal(t, 2, l.Steps())
		var boxes [][]int
		err := l.Epoch(context.Background(), 1, func(step int, b *Batch) error {
			require.Len(t, b.Views, 3)
			for i, v := range b.Views {
				require.NotNil(t, v)
				assert.Equal(t, ds.Path(b.Indices[i]), b.Paths[i])
				boxes = append(boxes, []int{b.Indices[i], v.Boxes[0].Left, v.Boxes[0].Top, v.Boxes[1].Width})
			}
			return nil
		})
		require.NoError(t, err)
		return boxes
	}
	one := run(1)
	assert.Len(t, one, 6)
	assert.Equal(t, one, run(4))
}

func TestLoaderStopsOnFetchError(t *testing.T) {
	ds := &memDataset{n: 6, fail: 4}
	l := NewLoader(logs.NewTestingLog(t), ds, NewSampler(ds.n, 1, 0, false, 0), testMultiView(t), 2, 2, 0)
	var steps []int
	err := l.Epoch(context.Background(), 0, func(step int, b *Batch) error {
		steps = append(steps, step)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSampleFetch)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "mem/4.png", fe.Path)
	assert.Equal(t, []int{0, 1}, steps)

	stop := errors.New("stop")
	err = l.Epoch(context.Background(), 0, func(int, *Batch) error { return stop })
	assert.ErrorIs(t, err, stop)
}
