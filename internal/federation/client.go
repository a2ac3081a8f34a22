package federation

import (
	"sort"

	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// NoGroup marks a cold client.
const NoGroup = -1

// Client is one simulated participant with private train and test partitions.
type Client struct {
	ID string

	// Concept is the dataset-provided hierarchy label, if any. It is only used for reporting.
	Concept string

	Train models.Dataset
	Test  models.Dataset

	// LocalModel and LocalUpdate are refreshed only by group training.
	LocalModel  models.Params
	LocalUpdate models.Params

	// Difference holds the client's affinity to every group, indexed by group id.
	// Smaller is closer.
	Difference []float64

	// Clustering is set while the client is a member of the latest clustering sample.
	Clustering bool

	group int
}

// NewClient creates a cold client whose local model starts at initial.
func NewClient(data models.ClientData, initial models.Params) *Client {
	return &Client{
		ID:          data.ID,
		Concept:     data.Group,
		Train:       data.Train,
		Test:        data.Test,
		LocalModel:  initial.Clone(),
		LocalUpdate: initial.Clone(),
		group:       NoGroup,
	}
}

// Group returns the advisory group id, or NoGroup.
func (c *Client) Group() int {
	return c.group
}

// SetGroup records the advisory group without touching any membership.
func (c *Client) SetGroup(id int) {
	c.group = id
}

// ClearGroup makes the client cold.
func (c *Client) ClearGroup() {
	c.group = NoGroup
}

// IsCold reports whether the client has no advisory group.
func (c *Client) IsCold() bool {
	return c.group == NoGroup
}

// NumSamples returns the size of the train partition.
func (c *Client) NumSamples() int {
	return c.Train.Len()
}

// NumTestSamples returns the size of the test partition.
func (c *Client) NumTestSamples() int {
	return c.Test.Len()
}

// RankedGroups returns group ids ordered by ascending difference. Equal differences
// keep group id order.
func (c *Client) RankedGroups() []int {
	ids := make([]int, len(c.Difference))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return c.Difference[ids[a]] < c.Difference[ids[b]]
	})
	return ids
}

// SolveInner trains handle on the client's data for epochs passes.
func (c *Client) SolveInner(handle interfaces.Model, epochs, batchSize int) (models.Params, models.Cost) {
	return handle.Train(c.Train, epochs, batchSize)
}

// SolveIters trains handle on the client's data for iters mini-batch steps.
func (c *Client) SolveIters(handle interfaces.Model, iters, batchSize int) (models.Params, models.Cost) {
	return handle.TrainIters(c.Train, iters, batchSize)
}

// TrainErrorAndLoss evaluates handle on the train partition.
func (c *Client) TrainErrorAndLoss(handle interfaces.Model) (correct int, loss float64, samples int) {
	correct, loss = handle.Evaluate(c.Train)
	return correct, loss, c.NumSamples()
}

// TestAccuracy evaluates handle on the test partition.
func (c *Client) TestAccuracy(handle interfaces.Model) (correct int, samples int) {
	correct, _ = handle.Evaluate(c.Test)
	return correct, c.NumTestSamples()
}

// argmin returns the index of the first minimal value, or -1 for an empty slice.
func argmin(values []float64) int {
	best := -1
	for i, v := range values {
		if best < 0 || v < values[best] {
			best = i
		}
	}
	return best
}
