package model

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Queue is a fixed-capacity ring of normalised target embeddings and their
// labels. It starts filled with random unit vectors labelled -1. There is a
// single writer; the pointer advances once per stored row and wraps.
type Queue struct {
	Embeddings *mat.Dense
	Labels     []int
	ptr        int
}

func NewQueue(rng *rand.Rand, size, dim int) *Queue {
	q := &Queue{Embeddings: mat.NewDense(size, dim, nil), Labels: make([]int, size)}
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for i := range size {
		row := q.Embeddings.RawRowView(i)
		for j := range row {
			row[j] = n.Rand()
		}
		normalize(row)
		q.Labels[i] = -1
	}
	return q
}

func (q *Queue) Cap() int {
	return len(q.Labels)
}

// Ptr is the slot the next row goes to.
func (q *Queue) Ptr() int {
	return q.ptr
}

// Enqueue stores each row of z with its label, overwriting the oldest slots.
func (q *Queue) Enqueue(z mat.Matrix, labels []int) {
	r, c := z.Dims()
	_, qc := q.Embeddings.Dims()
	if c != qc || len(labels) != r {
		panic(fmt.Sprintf("model: enqueue %dx%d with %d labels into queue of width %d", r, c, len(labels), qc))
	}
	for i := range r {
		mat.Row(q.Embeddings.RawRowView(q.ptr), i, z)
		q.Labels[q.ptr] = labels[i]
		q.ptr = (q.ptr + 1) % q.Cap()
	}
}

// Nearest returns, for each row of z, the queue entry with the highest dot
// product, and the index of that entry.
func (q *Queue) Nearest(z mat.Matrix) (*mat.Dense, []int) {
	r, c := z.Dims()
	sim := mat.NewDense(r, q.Cap(), nil)
	sim.Mul(z, q.Embeddings.T())
	out := mat.NewDense(r, c, nil)
	idx := make([]int, r)
	for i := range r {
		idx[i] = floats.MaxIdx(sim.RawRowView(i))
		out.SetRow(i, q.Embeddings.RawRowView(idx[i]))
	}
	return out, idx
}

func normalize(v []float64) {
	if n := floats.Norm(v, 2); n > 1e-12 {
		floats.Scale(1/n, v)
	}
}

func normalizeRows(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := range r {
		normalize(out.RawRowView(i))
	}
	return out
}
