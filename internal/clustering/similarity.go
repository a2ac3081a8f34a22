package clustering

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CosineSimilarity returns the (ra x rb) matrix of row-wise cosine similarities between a and b.
// Rows with zero norm have similarity 0 with everything.
func CosineSimilarity(a, b mat.Matrix) *mat.Dense {
	na := rowNormalized(a)
	nb := rowNormalized(b)

	ra, _ := na.Dims()
	rb, _ := nb.Dims()
	sim := mat.NewDense(ra, rb, nil)
	sim.Mul(na, nb.T())
	return sim
}

// PairwiseCosine returns the symmetric (n x n) cosine similarity matrix of the rows of x.
func PairwiseCosine(x mat.Matrix) *mat.Dense {
	sim := CosineSimilarity(x, x)
	n, _ := sim.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := (sim.At(i, j) + sim.At(j, i)) / 2
			sim.Set(i, j, v)
			sim.Set(j, i, v)
		}
	}
	return sim
}

// DataDrivenMeasure turns a square proximity matrix pm into a dissimilarity matrix:
// dm[i,j] is the mean over k of |pm[i,k] - pm[j,k]|. With correction the two self
// terms k == i and k == j are excluded and the sum is divided by n-2, otherwise by n.
func DataDrivenMeasure(pm mat.Matrix, correction bool) *mat.Dense {
	n, _ := pm.Dims()
	dm := mat.NewDense(n, n, nil)

	denom := float64(n)
	if correction {
		denom = float64(n - 2)
	}
	if denom <= 0 {
		return dm
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				if correction && (k == i || k == j) {
					continue
				}
				sum += math.Abs(pm.At(i, k) - pm.At(j, k))
			}
			d := sum / denom
			dm.Set(i, j, d)
			dm.Set(j, i, d)
		}
	}
	return dm
}

func rowNormalized(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		norm := floats.Norm(row, 2)
		if norm == 0 {
			continue
		}
		floats.Scale(1/norm, row)
	}
	return out
}
