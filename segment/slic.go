package segment

import (
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/regionbyol/mask"
)

const slicIterations = 10

// DefaultCompactness balances colour against spatial distance in Lab space.
const DefaultCompactness = 10.0

type lab32 struct {
	W, H int
	Pix  []float32 // Interleaved LAB, len = W*H*3
}

type center struct{ l, a, b, cx, cy float64 }

// CountForSize suggests a superpixel count for an image: one region per
// 32², 40² or 48² pixel cell depending on resolution, clamped to [150, 2000].
func CountForSize(size image.Point) int {
	if size.X <= 0 || size.Y <= 0 {
		return 150
	}
	pixels := size.X * size.Y
	step := 40.0
	if pixels <= 512*512 {
		step = 32.0
	} else if pixels > 1920*1080 {
		step = 48.0
	}
	return max(150, min(2000, int(float64(pixels)/(step*step))))
}

func pixOffset(w, x, y int) int {
	return (y*w + x) * 3
}

func labelOffset(w, x, y int) int {
	return y*w + x
}

// SLIC segments img into roughly n spatially coherent superpixels. Ids start
// at 0 and are consecutive; no id is reserved.
func SLIC(img image.Image, n int, compactness float64) *mask.Label {
	lab := toLab32(img)
	if lab.W == 0 || lab.H == 0 {
		return mask.New(1, lab.H, lab.W)
	}
	if compactness <= 0 {
		compactness = DefaultCompactness
	}
	labels := slic(lab, n, compactness)
	return mask.FromSlice(lab.H, lab.W, labels)
}

func toLab32(img image.Image) lab32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	lab := lab32{W: w, H: h, Pix: make([]float32, w*h*3)}
	for y := range h {
		for x := range w {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			c := colorful.Color{
				R: float64(r>>8) / 255.0,
				G: float64(g>>8) / 255.0,
				B: float64(b>>8) / 255.0,
			}
			l, a, bb := c.Lab()
			off := pixOffset(w, x, y)
			// colorful reports L in [0,1]; scale to the usual [0,100].
			lab.Pix[off] = float32(l * 100)
			lab.Pix[off+1] = float32(a * 100)
			lab.Pix[off+2] = float32(bb * 100)
		}
	}
	return lab
}

func seedCenters(lab lab32, step int) []center {
	w, h := lab.W, lab.H
	var centers []center
	for cy := step / 2; cy < h; cy += step {
		for cx := step / 2; cx < w; cx += step {
			// Move the seed to the lowest gradient position in its 3x3 neighbourhood.
			minGrad := math.MaxFloat64
			lx, ly := cx, cy
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := cx+dx, cy+dy
					if nx < 0 || nx >= w-1 || ny < 0 || ny >= h-1 {
						continue
					}
					i1 := float64(lab.Pix[pixOffset(w, nx, ny+1)])
					i2 := float64(lab.Pix[pixOffset(w, nx+1, ny)])
					i3 := float64(lab.Pix[pixOffset(w, nx, ny)])
					grad := math.Abs(i1-i3) + math.Abs(i2-i3)
					if grad < minGrad {
						minGrad = grad
						lx, ly = nx, ny
					}
				}
			}
			off := pixOffset(w, lx, ly)
			centers = append(centers, center{
				float64(lab.Pix[off]), float64(lab.Pix[off+1]), float64(lab.Pix[off+2]),
				float64(lx), float64(ly),
			})
		}
	}
	if len(centers) == 0 {
		cx, cy := w/2, h/2
		off := pixOffset(w, cx, cy)
		centers = append(centers, center{
			float64(lab.Pix[off]), float64(lab.Pix[off+1]), float64(lab.Pix[off+2]),
			float64(cx), float64(cy),
		})
	}
	return centers
}

func slic(lab lab32, n int, compactness float64) []int32 {
	h, w := lab.H, lab.W
	n = max(n, 1)
	step := max(int(math.Sqrt(float64(h*w)/float64(n))), 1)
	nc := compactness
	ns := float64(step)

	assign := make([]int, h*w)
	distances := make([]float64, h*w)
	for i := range assign {
		assign[i] = -1
	}

	centers := seedCenters(lab, step)
	for range slicIterations {
		for i := range distances {
			distances[i] = math.MaxFloat64
		}
		for ci, c := range centers {
			x0, x1 := max(int(c.cx)-step, 0), min(int(c.cx)+step+1, w)
			y0, y1 := max(int(c.cy)-step, 0), min(int(c.cy)+step+1, h)
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					off := pixOffset(w, x, y)
					dL := float64(lab.Pix[off]) - c.l
					dA := float64(lab.Pix[off+1]) - c.a
					dB := float64(lab.Pix[off+2]) - c.b
					dx := float64(x) - c.cx
					dy := float64(y) - c.cy
					dc := math.Sqrt(dL*dL + dA*dA + dB*dB)
					ds := math.Sqrt(dx*dx + dy*dy)
					d := math.Sqrt((dc/nc)*(dc/nc) + (ds/ns)*(ds/ns))
					p := labelOffset(w, x, y)
					if d < distances[p] {
						distances[p] = d
						assign[p] = ci
					}
				}
			}
		}

		type acc struct {
			l, a, b, sx, sy float64
			n               int
		}
		sums := make([]acc, len(centers))
		for y := range h {
			for x := range w {
				ci := assign[labelOffset(w, x, y)]
				if ci < 0 {
					continue
				}
				off := pixOffset(w, x, y)
				sums[ci].l += float64(lab.Pix[off])
				sums[ci].a += float64(lab.Pix[off+1])
				sums[ci].b += float64(lab.Pix[off+2])
				sums[ci].sx += float64(x)
				sums[ci].sy += float64(y)
				sums[ci].n++
			}
		}
		for ci := range centers {
			if sums[ci].n == 0 {
				continue
			}
			k := float64(sums[ci].n)
			centers[ci] = center{sums[ci].l / k, sums[ci].a / k, sums[ci].b / k, sums[ci].sx / k, sums[ci].sy / k}
		}
	}

	return enforceConnectivity(assign, w, h, len(centers))
}

// enforceConnectivity relabels 4-connected components with consecutive ids
// and folds fragments smaller than a quarter of the mean segment size into
// an adjacent segment.
func enforceConnectivity(assign []int, w, h, nCenters int) []int32 {
	limit := max((h*w)/max(nCenters, 1), 1)
	dx4 := []int{-1, 0, 1, 0}
	dy4 := []int{0, -1, 0, 1}
	out := make([]int32, h*w)
	for i := range out {
		out[i] = -1
	}
	label := int32(0)
	elems := make([]int, 0, 64)
	for y := range h {
		for x := range w {
			start := labelOffset(w, x, y)
			if out[start] != -1 {
				continue
			}
			elems = append(elems[:0], start)
			out[start] = label
			adj := label
			for k := range 4 {
				nx, ny := x+dx4[k], y+dy4[k]
				if nx >= 0 && nx < w && ny >= 0 && ny < h {
					if id := out[labelOffset(w, nx, ny)]; id >= 0 {
						adj = id
						break
					}
				}
			}
			for c := 0; c < len(elems); c++ {
				cur := elems[c]
				cx, cy := cur%w, cur/w
				for k := range 4 {
					nx, ny := cx+dx4[k], cy+dy4[k]
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					p := labelOffset(w, nx, ny)
					if out[p] == -1 && assign[cur] == assign[p] {
						out[p] = label
						elems = append(elems, p)
					}
				}
			}
			if len(elems) <= limit>>2 && adj != label {
				for _, e := range elems {
					out[e] = adj
				}
				continue
			}
			label++
		}
	}
	return out
}
