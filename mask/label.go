package mask

import (
	"fmt"
	"slices"

	"github.com/setanarut/regionbyol/geom"
	"github.com/setanarut/regionbyol/tensor"
)

// Label is a channel-first integer label mask. Values are region ids and 0
// means "no label" for externally supplied masks. Every operation returns a
// new mask; none mutate the receiver.
type Label struct {
	C, H, W int
	IDs     []int32 // len = C*H*W
}

func New(c, h, w int) *Label {
	return &Label{C: c, H: h, W: w, IDs: make([]int32, c*h*w)}
}

// Ones is a mask whose every pixel belongs to region 1 (the whole image).
func Ones(c, h, w int) *Label {
	m := New(c, h, w)
	for i := range m.IDs {
		m.IDs[i] = 1
	}
	return m
}

// FromSlice wraps ids as a single-channel h×w mask.
func FromSlice(h, w int, ids []int32) *Label {
	if len(ids) != h*w {
		panic(fmt.Sprintf("mask: %d ids for %dx%d", len(ids), h, w))
	}
	return &Label{C: 1, H: h, W: w, IDs: ids}
}

func (m *Label) Offset(c, y, x int) int {
	return (c*m.H+y)*m.W + x
}

func (m *Label) At(c, y, x int) int32 {
	return m.IDs[m.Offset(c, y, x)]
}

func (m *Label) Set(c, y, x int, v int32) {
	m.IDs[m.Offset(c, y, x)] = v
}

func (m *Label) String() string {
	return fmt.Sprintf("Label[%d,%d,%d]", m.C, m.H, m.W)
}

func (m *Label) Clone() *Label {
	out := New(m.C, m.H, m.W)
	copy(out.IDs, m.IDs)
	return out
}

// Channel copies channel c into a single-channel mask.
func (m *Label) Channel(c int) *Label {
	n := m.H * m.W
	out := New(1, m.H, m.W)
	copy(out.IDs, m.IDs[c*n:(c+1)*n])
	return out
}

// Channels copies channels [from, to) into a new mask.
func (m *Label) Channels(from, to int) *Label {
	n := m.H * m.W
	out := New(to-from, m.H, m.W)
	copy(out.IDs, m.IDs[from*n:to*n])
	return out
}

// Append stacks the channels of o after those of m.
func (m *Label) Append(o *Label) *Label {
	if o.H != m.H || o.W != m.W {
		panic(fmt.Sprintf("mask: append %v to %v", o, m))
	}
	out := New(m.C+o.C, m.H, m.W)
	copy(out.IDs, m.IDs)
	copy(out.IDs[len(m.IDs):], o.IDs)
	return out
}

// Shift adds delta to every id. Externally loaded masks are shifted by +1
// so that 0 stays reserved for "unlabelled".
func (m *Label) Shift(delta int32) *Label {
	out := m.Clone()
	for i := range out.IDs {
		out.IDs[i] += delta
	}
	return out
}

func (m *Label) MaxID() int32 {
	mx := int32(0)
	for _, v := range m.IDs {
		mx = max(mx, v)
	}
	return mx
}

// Unique returns the sorted distinct ids of channel c.
func (m *Label) Unique(c int) []int32 {
	n := m.H * m.W
	seen := make(map[int32]struct{})
	for _, v := range m.IDs[c*n : (c+1)*n] {
		seen[v] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Crop cuts box b out of every channel. Pixels of b that fall outside the
// mask read as 0.
func (m *Label) Crop(b geom.Box) *Label {
	out := New(m.C, b.Height, b.Width)
	for c := range m.C {
		for y := range b.Height {
			sy := b.Top + y
			if sy < 0 || sy >= m.H {
				continue
			}
			for x := range b.Width {
				sx := b.Left + x
				if sx < 0 || sx >= m.W {
					continue
				}
				out.IDs[out.Offset(c, y, x)] = m.IDs[m.Offset(c, sy, sx)]
			}
		}
	}
	return out
}

// ResizeNearest scales to h×w with nearest-neighbour sampling
// (source index = floor(dst * in/out)), so ids are never blended.
func (m *Label) ResizeNearest(h, w int) *Label {
	out := New(m.C, h, w)
	sy := float64(m.H) / float64(h)
	sx := float64(m.W) / float64(w)
	xs := make([]int, w)
	for x := range w {
		xs[x] = min(int(float64(x)*sx), m.W-1)
	}
	for c := range m.C {
		for y := range h {
			srcY := min(int(float64(y)*sy), m.H-1)
			src := m.Offset(c, srcY, 0)
			dst := out.Offset(c, y, 0)
			for x := range w {
				out.IDs[dst+x] = m.IDs[src+xs[x]]
			}
		}
	}
	return out
}

// FlipH mirrors every channel left to right.
func (m *Label) FlipH() *Label {
	out := New(m.C, m.H, m.W)
	for c := range m.C {
		for y := range m.H {
			src := m.Offset(c, y, 0)
			dst := out.Offset(c, y, 0)
			for x := range m.W {
				out.IDs[dst+x] = m.IDs[src+m.W-1-x]
			}
		}
	}
	return out
}

// Pad adds zero rows at the bottom and zero columns at the right.
func (m *Label) Pad(bottom, right int) *Label {
	out := New(m.C, m.H+bottom, m.W+right)
	for c := range m.C {
		for y := range m.H {
			copy(out.IDs[out.Offset(c, y, 0):], m.IDs[m.Offset(c, y, 0):m.Offset(c, y, 0)+m.W])
		}
	}
	return out
}

// RestrictToOverlap zeroes every pixel outside the intersection of the two
// crop boxes. A zero-area intersection yields an all-zero mask.
func RestrictToOverlap(m *Label, a, b geom.Box) *Label {
	out := New(m.C, m.H, m.W)
	ov, ok := geom.Intersect(a, b)
	if !ok {
		return out
	}
	for c := range m.C {
		for y := max(ov.Top, 0); y < min(ov.Bottom(), m.H); y++ {
			for x := max(ov.Left, 0); x < min(ov.Right(), m.W); x++ {
				o := m.Offset(c, y, x)
				out.IDs[o] = m.IDs[o]
			}
		}
	}
	return out
}

// Indicator is a single-channel mask that is 1 inside box b and 0 elsewhere.
func Indicator(h, w int, b geom.Box) *Label {
	out := New(1, h, w)
	for y := max(b.Top, 0); y < min(b.Bottom(), h); y++ {
		for x := max(b.Left, 0); x < min(b.Right(), w); x++ {
			out.IDs[out.Offset(0, y, x)] = 1
		}
	}
	return out
}

// Float converts channel c to a single-channel float tensor.
func (m *Label) Float(c int) *tensor.Planes {
	out := tensor.New(1, m.H, m.W)
	n := m.H * m.W
	for i, v := range m.IDs[c*n : (c+1)*n] {
		out.Data[i] = float32(v)
	}
	return out
}
