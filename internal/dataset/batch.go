package dataset

import (
	"math/rand"

	"github.com/inferloop/fedgroup/pkg/models"
)

// Shuffle returns a copy of data permuted by rng. Features and labels stay aligned.
func Shuffle(data models.Dataset, rng *rand.Rand) models.Dataset {
	n := data.Len()
	perm := rng.Perm(n)
	out := models.Dataset{
		Features: make([][]float64, n),
		Labels:   make([]int, n),
	}
	for i, j := range perm {
		out.Features[i] = data.Features[j]
		out.Labels[i] = data.Labels[j]
	}
	return out
}

// Batches splits data into consecutive mini-batches after a shuffle seeded with seed.
// The last batch may be shorter than batchSize.
func Batches(data models.Dataset, batchSize int, seed int64) []models.Dataset {
	if data.Len() == 0 {
		return nil
	}
	if batchSize <= 0 || batchSize > data.Len() {
		batchSize = data.Len()
	}

	shuffled := Shuffle(data, rand.New(rand.NewSource(seed)))
	batches := make([]models.Dataset, 0, (data.Len()+batchSize-1)/batchSize)
	for i := 0; i < shuffled.Len(); i += batchSize {
		end := i + batchSize
		if end > shuffled.Len() {
			end = shuffled.Len()
		}
		batches = append(batches, shuffled.Slice(i, end))
	}
	return batches
}

// IterBatches yields iters mini-batches of batchSize samples. When a pass over the
// data runs out, the tail of the pass is joined with the head of a freshly shuffled one.
type IterBatches struct {
	data      models.Dataset
	batchSize int
	rng       *rand.Rand
	pos       int
}

// NewIterBatches creates a wrap-around batch iterator seeded with seed.
func NewIterBatches(data models.Dataset, batchSize int, seed int64) *IterBatches {
	if batchSize <= 0 || batchSize > data.Len() {
		batchSize = data.Len()
	}
	rng := rand.New(rand.NewSource(seed))
	return &IterBatches{
		data:      Shuffle(data, rng),
		batchSize: batchSize,
		rng:       rng,
	}
}

// Next returns the next mini-batch.
func (it *IterBatches) Next() models.Dataset {
	n := it.data.Len()
	if n == 0 {
		return models.Dataset{}
	}

	end := it.pos + it.batchSize
	if end <= n {
		batch := it.data.Slice(it.pos, end)
		it.pos = end
		if it.pos == n {
			it.data = Shuffle(it.data, it.rng)
			it.pos = 0
		}
		return batch
	}

	head := it.data.Slice(it.pos, n)
	batch := models.Dataset{
		Features: append([][]float64(nil), head.Features...),
		Labels:   append([]int(nil), head.Labels...),
	}
	it.data = Shuffle(it.data, it.rng)
	it.pos = end - n
	tail := it.data.Slice(0, it.pos)
	batch.Features = append(batch.Features, tail.Features...)
	batch.Labels = append(batch.Labels, tail.Labels...)
	return batch
}
