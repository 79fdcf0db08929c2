package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Momentum anneals the EMA coefficient from base to final over total steps
// along a half cosine.
func Momentum(base, final float64, step, total int) float64 {
	if total <= 0 {
		return final
	}
	step = min(max(step, 0), total)
	return final - (final-base)*(math.Cos(math.Pi*float64(step)/float64(total))+1)/2
}

// RegressionLoss is the mean of 2 - 2·cos(q_i, z_i) over paired rows.
func RegressionLoss(q, z *mat.Dense) float64 {
	r, _ := q.Dims()
	if r == 0 {
		return 0
	}
	sum := 0.0
	for i := range r {
		a, b := q.RawRowView(i), z.RawRowView(i)
		na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
		cos := 0.0
		if na > 1e-12 && nb > 1e-12 {
			cos = floats.Dot(a, b) / (na * nb)
		}
		sum += 2 - 2*cos
	}
	return sum / float64(r)
}
