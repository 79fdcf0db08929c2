package dataset

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/setanarut/regionbyol/mask"
)

// LoadMaskIndex reads the pickled table that maps a sample index to its
// mask file. Both a plain list of names and a dict keyed by index are
// accepted.
func LoadMaskIndex(path string) ([]string, error) {
	v, err := pickle.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read mask index %v: %w", path, err)
	}
	switch t := v.(type) {
	case *types.List:
		out := make([]string, t.Len())
		for i := range out {
			s, ok := t.Get(i).(string)
			if !ok {
				return nil, fmt.Errorf("mask index %v: entry %d is %T, not a file name", path, i, t.Get(i))
			}
			out[i] = s
		}
		return out, nil
	case *types.Dict:
		keys := make([]int, 0, t.Len())
		for _, k := range t.Keys() {
			i, ok := k.(int)
			if !ok {
				return nil, fmt.Errorf("mask index %v: key %v is not a sample index", path, k)
			}
			keys = append(keys, i)
		}
		slices.Sort(keys)
		out := make([]string, len(keys))
		for i, k := range keys {
			if k != i {
				return nil, fmt.Errorf("mask index %v: sample %d missing", path, i)
			}
			v, _ := t.Get(k)
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("mask index %v: entry %d is %T, not a file name", path, k, v)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("mask index %v: unexpected %T", path, v)
}

// LoadMask reads one H×W label mask. Files written by torch.save hold an
// integer tensor; plain pickles hold a list of rows.
func LoadMask(path string) (*mask.Label, error) {
	if v, err := pytorch.Load(path); err == nil {
		if t, ok := v.(*pytorch.Tensor); ok {
			return tensorMask(t)
		}
		return nil, fmt.Errorf("mask %v: unexpected %T", path, v)
	}
	v, err := pickle.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read mask %v: %w", path, err)
	}
	rows, ok := v.(*types.List)
	if !ok {
		return nil, fmt.Errorf("mask %v: unexpected %T", path, v)
	}
	return listMask(rows)
}

func tensorMask(t *pytorch.Tensor) (*mask.Label, error) {
	size, stride := t.Size, t.Stride
	// A leading channel of one is dropped.
	if len(size) == 3 && size[0] == 1 {
		size, stride = size[1:], stride[1:]
	}
	if len(size) != 2 {
		return nil, fmt.Errorf("mask tensor has shape %v, want H×W", t.Size)
	}
	var at func(i int) int32
	switch s := t.Source.(type) {
	case *pytorch.LongStorage:
		at = func(i int) int32 { return int32(s.Data[i]) }
	case *pytorch.IntStorage:
		at = func(i int) int32 { return s.Data[i] }
	case *pytorch.ShortStorage:
		at = func(i int) int32 { return int32(s.Data[i]) }
	case *pytorch.ByteStorage:
		at = func(i int) int32 { return int32(s.Data[i]) }
	case *pytorch.CharStorage:
		at = func(i int) int32 { return int32(s.Data[i]) }
	case *pytorch.BoolStorage:
		at = func(i int) int32 {
			if s.Data[i] {
				return 1
			}
			return 0
		}
	default:
		return nil, fmt.Errorf("mask tensor storage %T is not integral", t.Source)
	}
	h, w := size[0], size[1]
	m := mask.New(1, h, w)
	for y := range h {
		for x := range w {
			m.Set(0, y, x, at(t.StorageOffset+y*stride[0]+x*stride[1]))
		}
	}
	return m, nil
}

func listMask(rows *types.List) (*mask.Label, error) {
	h := rows.Len()
	if h == 0 {
		return nil, fmt.Errorf("empty mask")
	}
	var m *mask.Label
	for y := range h {
		row, ok := rows.Get(y).(*types.List)
		if !ok {
			return nil, fmt.Errorf("mask row %d is %T", y, rows.Get(y))
		}
		if m == nil {
			m = mask.New(1, h, row.Len())
		}
		if row.Len() != m.W {
			return nil, fmt.Errorf("mask row %d has %d columns, want %d", y, row.Len(), m.W)
		}
		for x := range m.W {
			id, ok := row.Get(x).(int)
			if !ok {
				return nil, fmt.Errorf("mask value at %d,%d is %T", y, x, row.Get(x))
			}
			m.Set(0, y, x, int32(id))
		}
	}
	return m, nil
}
