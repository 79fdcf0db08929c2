package mask

import "github.com/setanarut/regionbyol/tensor"

// OneHot expands channel c of m into a k-channel binary region mask: channel
// id is 1 where the pixel carries that id. Ids outside [0,k) are dropped.
func OneHot(m *Label, c, k int) *tensor.Planes {
	out := tensor.New(k, m.H, m.W)
	n := m.H * m.W
	for i, id := range m.IDs[c*n : (c+1)*n] {
		if id < 0 || int(id) >= k {
			continue
		}
		out.Data[int(id)*n+i] = 1
	}
	return out
}

// PooledBinary one-hot encodes channel c with k regions and averages it down
// to a size×size grid, giving per-cell region coverage in [0,1].
func PooledBinary(m *Label, c, k, size int) *tensor.Planes {
	return OneHot(m, c, k).AdaptiveAvgPool(size, size)
}

// Identity returns the single-channel region map of channel c downsampled to
// a g×g grid.
func Identity(m *Label, c, g int) *Label {
	return m.Channel(c).ResizeNearest(g, g)
}
