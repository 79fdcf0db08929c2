package dataset

import (
	"cmp"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"

	"github.com/fogleman/gg"
	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/mask"
	"github.com/setanarut/regionbyol/utils"
)

type cocoImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ID           int64           `json:"id"`
	ImageID      int64           `json:"image_id"`
	CategoryID   int             `json:"category_id"`
	Segmentation json.RawMessage `json:"segmentation"`
	IsCrowd      int             `json:"iscrowd"`
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
}

// rle is a run-length encoded binary mask in column-major order, starting
// with a run of zeros. Counts is either a list of ints or the compressed
// string form.
type rle struct {
	Size   [2]int          `json:"size"` // h, w
	Counts json.RawMessage `json:"counts"`
}

// COCO serves the images of a COCO split that carry at least one
// annotation, in ascending image id order. Masks combine all annotations by
// per-pixel max of the class id (or annotation index + 1 in instance mode).
type COCO struct {
	Root   string
	Mode   config.CocoMaskMode
	images []cocoImage
	anns   map[int64][]cocoAnnotation
}

func NewCOCO(root, annFile string, mode config.CocoMaskMode) (*COCO, error) {
	raw, err := os.ReadFile(annFile)
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	var f cocoFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %v: %w", annFile, err)
	}
	c := &COCO{Root: root, Mode: mode, anns: map[int64][]cocoAnnotation{}}
	for _, a := range f.Annotations {
		c.anns[a.ImageID] = append(c.anns[a.ImageID], a)
	}
	for _, img := range f.Images {
		if len(c.anns[img.ID]) > 0 {
			c.images = append(c.images, img)
		}
	}
	slices.SortFunc(c.images, func(a, b cocoImage) int {
		return cmp.Compare(a.ID, b.ID)
	})
	if len(c.images) == 0 {
		return nil, fmt.Errorf("no annotated images in %v", annFile)
	}
	return c, nil
}

func (c *COCO) Len() int {
	return len(c.images)
}

func (c *COCO) Path(i int) string {
	return filepath.Join(c.Root, c.images[i].FileName)
}

func (c *COCO) Get(i int) (*Item, error) {
	info := c.images[i]
	path := c.Path(i)
	img, err := utils.ReadImage(path)
	if err != nil {
		return nil, &FetchError{Index: i, Path: path, Err: err}
	}
	b := img.Bounds()
	m, err := c.Mask(info.ID, b.Dx(), b.Dy())
	if err != nil {
		return nil, &FetchError{Index: i, Path: path, Err: err}
	}
	return &Item{Path: path, Image: img, Mask: m}, nil
}

// Mask rasterises the annotations of one image into a 1×h×w label map.
func (c *COCO) Mask(imageID int64, w, h int) (*mask.Label, error) {
	out := mask.New(1, h, w)
	for idx, a := range c.anns[imageID] {
		bin, err := annotationMask(a.Segmentation, w, h)
		if err != nil {
			return nil, fmt.Errorf("annotation %d: %w", a.ID, err)
		}
		v := int32(a.CategoryID)
		if c.Mode == config.CocoInstance {
			v = int32(idx + 1)
		}
		for p, on := range bin {
			if on && v > out.IDs[p] {
				out.IDs[p] = v
			}
		}
	}
	return out, nil
}

// annotationMask returns a row-major h×w binary mask.
func annotationMask(seg json.RawMessage, w, h int) ([]bool, error) {
	var polys [][]float64
	if err := json.Unmarshal(seg, &polys); err == nil {
		return rasterPolygons(polys, w, h), nil
	}
	var r rle
	if err := json.Unmarshal(seg, &r); err != nil {
		return nil, fmt.Errorf("unrecognised segmentation: %w", err)
	}
	var counts []int
	if err := json.Unmarshal(r.Counts, &counts); err != nil {
		var s string
		if err := json.Unmarshal(r.Counts, &s); err != nil {
			return nil, fmt.Errorf("unrecognised rle counts: %w", err)
		}
		counts = decodeCounts(s)
	}
	if r.Size[0] != h || r.Size[1] != w {
		return nil, fmt.Errorf("rle size %v does not match image %dx%d", r.Size, w, h)
	}
	return decodeRLE(counts, w, h)
}

func rasterPolygons(polys [][]float64, w, h int) []bool {
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	for _, p := range polys {
		if len(p) < 6 {
			continue
		}
		dc.NewSubPath()
		dc.MoveTo(p[0], p[1])
		for i := 2; i+1 < len(p); i += 2 {
			dc.LineTo(p[i], p[i+1])
		}
		dc.ClosePath()
	}
	dc.Fill()
	img := dc.Image().(*image.RGBA)
	out := make([]bool, w*h)
	for y := range h {
		for x := range w {
			out[y*w+x] = img.Pix[img.PixOffset(x, y)+3] >= 128
		}
	}
	return out
}

func decodeRLE(counts []int, w, h int) ([]bool, error) {
	out := make([]bool, w*h)
	p, on := 0, false
	for _, n := range counts {
		if p+n > w*h {
			return nil, fmt.Errorf("rle runs exceed %dx%d", w, h)
		}
		if on {
			for i := p; i < p+n; i++ {
				// column-major to row-major
				out[(i%h)*w+i/h] = true
			}
		}
		p += n
		on = !on
	}
	return out, nil
}

// decodeCounts expands the compressed RLE string: 5 bits per character with
// a continuation bit, and counts after the second stored as deltas.
func decodeCounts(s string) []int {
	var counts []int
	for p := 0; p < len(s); {
		x, k, more := 0, 0, true
		for more && p < len(s) {
			c := int(s[p]) - 48
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		if len(counts) > 2 {
			x += counts[len(counts)-2]
		}
		counts = append(counts, x)
	}
	return counts
}

var _ Dataset = (*COCO)(nil)
