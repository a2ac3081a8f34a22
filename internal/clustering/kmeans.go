package clustering

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/fedgroup/pkg/errors"
)

// KMeansConfig configures Lloyd's algorithm with k-means++ seeding.
type KMeansConfig struct {
	K       int
	MaxIter int
	NumInit int
	Seed    int64
	Tol     float64
}

// KMeansResult is the best of NumInit runs.
type KMeansResult struct {
	Labels    []int
	Centroids *mat.Dense
	Inertia   float64
	Iters     int
}

// KMeans clusters the rows of x into cfg.K groups. The run with the lowest inertia wins;
// every run draws its seeds from one generator created from cfg.Seed.
func KMeans(x mat.Matrix, cfg KMeansConfig) (*KMeansResult, error) {
	n, _ := x.Dims()
	if cfg.K <= 0 {
		return nil, errors.NewClusteringError(errors.CodeClusteringFailed, "k must be positive")
	}
	if n < cfg.K {
		return nil, errors.WrapError(errors.ErrInsufficientClients, errors.ErrorTypeClustering,
			errors.CodeClusteringFailed, "fewer samples than clusters")
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 300
	}
	if cfg.NumInit <= 0 {
		cfg.NumInit = 10
	}
	if cfg.Tol <= 0 {
		cfg.Tol = 1e-4
	}

	data := mat.DenseCopyOf(x)
	rng := rand.New(rand.NewSource(cfg.Seed))

	var best *KMeansResult
	for run := 0; run < cfg.NumInit; run++ {
		res := lloyd(data, cfg, seedPlusPlus(data, cfg.K, rng))
		if best == nil || res.Inertia < best.Inertia {
			best = res
		}
	}
	return best, nil
}

func seedPlusPlus(x *mat.Dense, k int, rng *rand.Rand) *mat.Dense {
	n, d := x.Dims()
	centroids := mat.NewDense(k, d, nil)
	centroids.SetRow(0, x.RawRowView(rng.Intn(n)))

	dist := make([]float64, n)
	for i := range dist {
		dist[i] = sqDist(x.RawRowView(i), centroids.RawRowView(0))
	}

	for c := 1; c < k; c++ {
		total := floats.Sum(dist)
		next := 0
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, v := range dist {
				acc += v
				if acc >= target {
					next = i
					break
				}
			}
		} else {
			next = rng.Intn(n)
		}
		centroids.SetRow(c, x.RawRowView(next))
		for i := range dist {
			dist[i] = math.Min(dist[i], sqDist(x.RawRowView(i), centroids.RawRowView(c)))
		}
	}
	return centroids
}

func lloyd(x *mat.Dense, cfg KMeansConfig, centroids *mat.Dense) *KMeansResult {
	n, d := x.Dims()
	labels := make([]int, n)

	iter := 0
	for iter = 1; iter <= cfg.MaxIter; iter++ {
		assign(x, centroids, labels)

		next := mat.NewDense(cfg.K, d, nil)
		counts := make([]int, cfg.K)
		for i, l := range labels {
			floats.Add(next.RawRowView(l), x.RawRowView(i))
			counts[l]++
		}

		shift := 0.0
		for c := 0; c < cfg.K; c++ {
			row := next.RawRowView(c)
			if counts[c] == 0 {
				// Relocate an orphaned centroid to the sample farthest from its own centroid.
				far := farthest(x, centroids, labels)
				copy(row, x.RawRowView(far))
				labels[far] = c
				shift += sqDist(row, centroids.RawRowView(c))
				continue
			}
			floats.Scale(1/float64(counts[c]), row)
			shift += sqDist(row, centroids.RawRowView(c))
		}
		centroids = next
		if shift <= cfg.Tol {
			break
		}
	}
	if iter > cfg.MaxIter {
		iter = cfg.MaxIter
	}

	inertia := assign(x, centroids, labels)
	return &KMeansResult{Labels: labels, Centroids: centroids, Inertia: inertia, Iters: iter}
}

func assign(x, centroids *mat.Dense, labels []int) float64 {
	n, _ := x.Dims()
	k, _ := centroids.Dims()
	inertia := 0.0
	for i := 0; i < n; i++ {
		best, bestDist := 0, math.Inf(1)
		for c := 0; c < k; c++ {
			if dd := sqDist(x.RawRowView(i), centroids.RawRowView(c)); dd < bestDist {
				best, bestDist = c, dd
			}
		}
		labels[i] = best
		inertia += bestDist
	}
	return inertia
}

func farthest(x, centroids *mat.Dense, labels []int) int {
	best, bestDist := 0, -1.0
	for i, l := range labels {
		if d := sqDist(x.RawRowView(i), centroids.RawRowView(l)); d > bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}
