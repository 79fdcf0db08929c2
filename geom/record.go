package geom

// Record is the crop of one view expressed as fractions of the source image:
// rows are divided by the source height, columns by the source width.
type Record struct {
	Top, Left     float32
	Bottom, Right float32
	Flip          bool
}

func NewRecord(b Box, flip bool, w, h int) Record {
	return Record{
		Top:    float32(b.Top) / float32(h),
		Left:   float32(b.Left) / float32(w),
		Bottom: float32(b.Bottom()) / float32(h),
		Right:  float32(b.Right()) / float32(w),
		Flip:   flip,
	}
}

// GridBox scales the record to a g×g grid and returns it in
// (col_min, row_min, col_max, row_max) order, the [1,0,3,2] reordering of
// the stored (row, col, row, col) corners.
func (r Record) GridBox(g int) [4]float32 {
	s := float32(g)
	return [4]float32{r.Left * s, r.Top * s, r.Right * s, r.Bottom * s}
}
