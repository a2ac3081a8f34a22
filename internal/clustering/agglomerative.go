package clustering

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/fedgroup/pkg/errors"
)

// Agglomerative runs complete-linkage hierarchical clustering on a precomputed
// symmetric dissimilarity matrix until k clusters remain. Labels are numbered by
// the first sample that appears in each cluster. Ties merge the lowest index pair.
func Agglomerative(dist mat.Matrix, k int) ([]int, error) {
	n, c := dist.Dims()
	if n != c {
		return nil, errors.NewClusteringError(errors.CodeClusteringFailed, "dissimilarity matrix must be square")
	}
	if k <= 0 || n < k {
		return nil, errors.WrapError(errors.ErrInsufficientClients, errors.ErrorTypeClustering,
			errors.CodeClusteringFailed, "fewer samples than clusters")
	}

	// linkage[i][j] is the complete-linkage distance between active clusters i and j.
	linkage := make([][]float64, n)
	for i := range linkage {
		linkage[i] = make([]float64, n)
		for j := range linkage[i] {
			linkage[i][j] = dist.At(i, j)
		}
	}

	members := make([][]int, n)
	active := make([]bool, n)
	for i := range members {
		members[i] = []int{i}
		active[i] = true
	}

	for remaining := n; remaining > k; remaining-- {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && linkage[i][j] < best {
					bi, bj, best = i, j, linkage[i][j]
				}
			}
		}

		members[bi] = append(members[bi], members[bj]...)
		members[bj] = nil
		active[bj] = false
		for m := 0; m < n; m++ {
			if !active[m] || m == bi {
				continue
			}
			d := math.Max(linkage[bi][m], linkage[bj][m])
			linkage[bi][m] = d
			linkage[m][bi] = d
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	next := 0
	for i := 0; i < n; i++ {
		if labels[i] >= 0 {
			continue
		}
		root := -1
		for r := 0; r < n && root < 0; r++ {
			if !active[r] {
				continue
			}
			for _, m := range members[r] {
				if m == i {
					root = r
					break
				}
			}
		}
		for _, m := range members[root] {
			labels[m] = next
		}
		next++
	}
	return labels, nil
}
