package clustering

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// createTestBlobs returns rows drawn around k well separated centers, sample i belonging to i%k.
func createTestBlobs(n, k, dim int, seed int64) (*mat.Dense, []int) {
	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(n, dim, nil)
	truth := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % k
		truth[i] = c
		for j := 0; j < dim; j++ {
			center := 0.0
			if j%k == c {
				center = 10
			}
			x.Set(i, j, center+0.1*rng.NormFloat64())
		}
	}
	return x, truth
}

func assertSamePartition(t *testing.T, want, got []int) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		for j := range want {
			assert.Equal(t, want[i] == want[j], got[i] == got[j], "samples %d and %d", i, j)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 2,
		0, 0,
	})
	b := mat.NewDense(2, 2, []float64{
		3, 0,
		-1, -1,
	})

	sim := CosineSimilarity(a, b)
	r, c := sim.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.InDelta(t, 1.0, sim.At(0, 0), 1e-12)
	assert.InDelta(t, 0.0, sim.At(1, 0), 1e-12)
	assert.InDelta(t, -0.7071067811865475, sim.At(1, 1), 1e-12)
	assert.Equal(t, 0.0, sim.At(2, 0))
}

func TestPairwiseCosineSymmetric(t *testing.T) {
	x, _ := createTestBlobs(9, 3, 6, 1)
	sim := PairwiseCosine(x)
	assert.True(t, mat.EqualApprox(sim, sim.T(), 0))
	for i := 0; i < 9; i++ {
		assert.InDelta(t, 1.0, sim.At(i, i), 1e-9)
	}
}

func TestDataDrivenMeasure(t *testing.T) {
	pm := mat.NewDense(3, 3, []float64{
		1, 0.5, 0.2,
		0.5, 1, 0.4,
		0.2, 0.4, 1,
	})

	dm := DataDrivenMeasure(pm, true)
	// Only k=2 is left for (0,1): |0.2-0.4|.
	assert.InDelta(t, 0.2, dm.At(0, 1), 1e-12)
	// Only k=1 is left for (0,2): |0.5-0.4|.
	assert.InDelta(t, 0.1, dm.At(0, 2), 1e-12)

	raw := DataDrivenMeasure(pm, false)
	// (|1-0.5| + |0.5-1| + |0.2-0.4|) / 3
	assert.InDelta(t, 1.2/3, raw.At(0, 1), 1e-12)
}

func TestDataDrivenMeasureSymmetry(t *testing.T) {
	x, _ := createTestBlobs(12, 3, 8, 2)
	dm := DataDrivenMeasure(PairwiseCosine(x), true)

	n, _ := dm.Dims()
	for i := 0; i < n; i++ {
		assert.Equal(t, 0.0, dm.At(i, i))
		for j := 0; j < n; j++ {
			assert.Equal(t, dm.At(i, j), dm.At(j, i))
			assert.GreaterOrEqual(t, dm.At(i, j), 0.0)
		}
	}
}

func TestDataDrivenMeasureTooSmall(t *testing.T) {
	dm := DataDrivenMeasure(mat.NewDense(2, 2, []float64{1, 0.3, 0.3, 1}), true)
	assert.Equal(t, 0.0, dm.At(0, 1))
}

func TestTruncatedSVD(t *testing.T) {
	x, _ := createTestBlobs(6, 2, 4, 3)

	proj, err := TruncatedSVD(x.T(), 2)
	require.NoError(t, err)
	r, c := proj.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)

	again, err := TruncatedSVD(x.T(), 2)
	require.NoError(t, err)
	assert.True(t, mat.Equal(proj, again))

	// More components than rank leaves zero columns.
	wide, err := TruncatedSVD(mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0}), 4)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, 0.0, wide.At(i, 3))
	}

	_, err = TruncatedSVD(x, 0)
	assert.Error(t, err)
}

func TestKMeans(t *testing.T) {
	x, truth := createTestBlobs(30, 3, 6, 4)

	res, err := KMeans(x, KMeansConfig{K: 3, MaxIter: 20, Seed: 0})
	require.NoError(t, err)
	assertSamePartition(t, truth, res.Labels)
	assert.LessOrEqual(t, res.Iters, 20)

	again, err := KMeans(x, KMeansConfig{K: 3, MaxIter: 20, Seed: 0})
	require.NoError(t, err)
	assert.Equal(t, res.Labels, again.Labels)
}

func TestKMeansTooFewSamples(t *testing.T) {
	x, _ := createTestBlobs(2, 2, 2, 5)
	_, err := KMeans(x, KMeansConfig{K: 3})
	assert.Error(t, err)
}

func TestAgglomerative(t *testing.T) {
	x, truth := createTestBlobs(15, 3, 6, 6)
	dm := DataDrivenMeasure(PairwiseCosine(x), true)

	labels, err := Agglomerative(dm, 3)
	require.NoError(t, err)
	assertSamePartition(t, truth, labels)
	assert.Equal(t, 0, labels[0])
}

func TestAgglomerativeErrors(t *testing.T) {
	_, err := Agglomerative(mat.NewDense(2, 3, nil), 1)
	assert.Error(t, err)

	_, err = Agglomerative(mat.NewDense(2, 2, nil), 3)
	assert.Error(t, err)
}

func BenchmarkDataDrivenMeasure(b *testing.B) {
	x, _ := createTestBlobs(60, 3, 200, 7)
	pm := PairwiseCosine(x)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DataDrivenMeasure(pm, true)
	}
}
