package clustering

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/fedgroup/pkg/errors"
)

// TruncatedSVD returns the rank-k projection U_k * Sigma_k of x (rows x k).
// Component signs are fixed so the largest-magnitude entry of each left singular
// vector is positive, making the result independent of the solver's sign choice.
// Components beyond the rank of x are zero columns.
func TruncatedSVD(x mat.Matrix, k int) (*mat.Dense, error) {
	r, c := x.Dims()
	if k <= 0 {
		return nil, errors.NewClusteringError(errors.CodeDecomposition, "number of components must be positive")
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, errors.NewClusteringError(errors.CodeDecomposition, "singular value decomposition failed to converge")
	}

	var u mat.Dense
	svd.UTo(&u)
	values := svd.Values(nil)

	rank := len(values)
	if rank > c {
		rank = c
	}

	out := mat.NewDense(r, k, nil)
	for comp := 0; comp < k && comp < rank; comp++ {
		col := mat.Col(nil, comp, &u)

		maxAbs, sign := 0.0, 1.0
		for _, v := range col {
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
				sign = math.Copysign(1, v)
			}
		}

		for i, v := range col {
			out.Set(i, comp, sign*v*values[comp])
		}
	}
	return out, nil
}
