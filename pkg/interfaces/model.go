package interfaces

import (
	"github.com/inferloop/fedgroup/pkg/models"
)

// Model is a mutable handle over one set of learnable parameters.
// A handle is not safe for concurrent use; use Clone to train in parallel.
type Model interface {
	// Params returns a copy of the current parameters.
	Params() models.Params

	// SetParams overwrites the current parameters with a copy of p.
	SetParams(p models.Params)

	// Train runs epochs full passes over data in mini-batches and returns the resulting parameters.
	Train(data models.Dataset, epochs, batchSize int) (models.Params, models.Cost)

	// TrainIters runs iters mini-batch steps, wrapping around data as needed.
	TrainIters(data models.Dataset, iters, batchSize int) (models.Params, models.Cost)

	// Evaluate returns the number of correctly classified samples and the mean loss.
	Evaluate(data models.Dataset) (correct int, loss float64)

	// Gradient returns the full-batch loss gradient at the current parameters.
	Gradient(data models.Dataset) models.Params

	// Reinitialize draws fresh parameters from seed, installs them and returns a copy.
	Reinitialize(seed int64) models.Params

	// Size returns the serialized parameter size in bytes.
	Size() int64

	// FLOPs returns the floating point operations of one forward/backward pass on one sample.
	FLOPs() int64

	// Clone returns an independent handle with the same architecture and parameters.
	Clone() Model
}
