package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/setanarut/regionbyol/config"
	"github.com/setanarut/regionbyol/utils"
)

// ImageNet100Classes is the size of the imagenet100 class list.
const ImageNet100Classes = 100

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".ppm", ".bmp", ".pgm", ".tif", ".tiff", ".webp"}

// ImageFolder is a class-per-directory image tree, optionally paired with
// per-image label masks.
type ImageFolder struct {
	Root  string
	Paths []string

	// maskFiles[i] is the mask of Paths[i]; nil without masks.
	maskFiles []string
}

// NewImageFolder lists root. With specific set only root/specific is read.
// Otherwise subset "" walks every class folder, "imagenet1p" reads the
// image names in listFile (default 1percent.txt) and "imagenet100" the
// class names in listFile (default imagenet100.txt), which must name
// exactly 100 classes.
func NewImageFolder(root, subset, listFile, specific string) (*ImageFolder, error) {
	f := &ImageFolder{Root: root}
	var err error
	switch {
	case specific != "":
		f.Paths, err = listImages(filepath.Join(root, specific))
	case subset == "":
		f.Paths, err = walkClasses(root, nil)
	case subset == "imagenet1p":
		f.Paths, err = onePercent(root, orDefault(listFile, "1percent.txt"))
	case subset == "imagenet100":
		var classes []string
		classes, err = readLines(orDefault(listFile, "imagenet100.txt"))
		if err == nil && len(classes) != ImageNet100Classes {
			return nil, config.Errorf("imagenet100 list names %d classes, want %d", len(classes), ImageNet100Classes)
		}
		if err == nil {
			f.Paths, err = walkClasses(root, classes)
		}
	default:
		return nil, config.Errorf("unsupported subset %q", subset)
	}
	if err != nil {
		return nil, err
	}
	if len(f.Paths) == 0 {
		return nil, fmt.Errorf("no images under %v", root)
	}
	return f, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (f *ImageFolder) Len() int {
	return len(f.Paths)
}

func (f *ImageFolder) Path(i int) string {
	return f.Paths[i]
}

// AttachMasks reads the pickled sample-index → mask-filename table and
// resolves every mask file name against maskDir.
func (f *ImageFolder) AttachMasks(indexFile, maskDir string) error {
	names, err := LoadMaskIndex(indexFile)
	if err != nil {
		return err
	}
	if len(names) < len(f.Paths) {
		return fmt.Errorf("mask index %v has %d entries for %d images", indexFile, len(names), len(f.Paths))
	}
	f.maskFiles = make([]string, len(f.Paths))
	for i := range f.Paths {
		f.maskFiles[i] = filepath.Join(maskDir, filepath.Base(names[i]))
	}
	return nil
}

// Get decodes image i and its mask. Stored mask ids are shifted by one so
// that 0 stays reserved for "no region".
func (f *ImageFolder) Get(i int) (*Item, error) {
	path := f.Paths[i]
	img, err := utils.ReadImage(path)
	if err != nil {
		return nil, &FetchError{Index: i, Path: path, Err: err}
	}
	item := &Item{Path: path, Image: img}
	if f.maskFiles == nil {
		return item, nil
	}
	m, err := LoadMask(f.maskFiles[i])
	if err != nil {
		return nil, &FetchError{Index: i, Path: f.maskFiles[i], Err: err}
	}
	b := img.Bounds()
	if m.H != b.Dy() || m.W != b.Dx() {
		return nil, &FetchError{Index: i, Path: f.maskFiles[i],
			Err: fmt.Errorf("mask %v does not match image %dx%d", m, b.Dx(), b.Dy())}
	}
	item.Mask = m.Shift(1)
	return item, nil
}

func isImage(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && isImage(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// walkClasses lists the images of every class folder in sorted order.
// classes restricts and orders the folders; nil means all of them.
func walkClasses(root string, classes []string) ([]string, error) {
	if classes == nil {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				classes = append(classes, e.Name())
			}
		}
	}
	var out []string
	for _, c := range classes {
		err := filepath.WalkDir(filepath.Join(root, c), func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isImage(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// onePercent resolves names like n01440764_10026.JPEG to their class folder.
func onePercent(root, listFile string) ([]string, error) {
	names, err := readLines(listFile)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		class, _, _ := strings.Cut(n, "_")
		out = append(out, filepath.Join(root, class, n))
	}
	slices.Sort(out)
	return out, nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var out []string
	s := bufio.NewScanner(file)
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, s.Err()
}

var _ Dataset = (*ImageFolder)(nil)
