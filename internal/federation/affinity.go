package federation

import (
	"context"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// Estimator measures how far a client is from a group. Smaller is closer.
// Every estimator leaves the handle's parameters as it found them.
type Estimator interface {
	Name() string
	Measure(ctx context.Context, c *Client, g *Group) (float64, error)
	// MeasureAll returns the client's difference to every group, indexed like groups.
	MeasureAll(ctx context.Context, c *Client, groups []*Group) ([]float64, error)
}

// preTrain runs iters local steps from start and returns the trained parameters and
// their offset from start. The handle is restored afterwards.
func preTrain(handle interfaces.Model, c *Client, start models.Params, iters, batchSize int) (models.Params, models.Params) {
	backup := handle.Params()
	defer handle.SetParams(backup)

	handle.SetParams(start)
	soln, _ := c.SolveIters(handle, iters, batchSize)
	return soln, soln.Sub(start)
}

// DirectionEstimator compares the direction of a client's pre-trained update, taken
// from the global model, with each group's latest update.
type DirectionEstimator struct {
	handle    interfaces.Model
	global    func() models.Params
	iters     int
	batchSize int
}

// NewDirectionEstimator creates a direction-based estimator. global returns the
// current global model.
func NewDirectionEstimator(handle interfaces.Model, global func() models.Params, iters, batchSize int) *DirectionEstimator {
	return &DirectionEstimator{handle: handle, global: global, iters: iters, batchSize: batchSize}
}

// Name returns the estimator name
func (e *DirectionEstimator) Name() string { return "direction" }

// Measure returns 1 - (cos+1)/2 between the client update and the group update.
func (e *DirectionEstimator) Measure(ctx context.Context, c *Client, g *Group) (float64, error) {
	diffs, err := e.MeasureAll(ctx, c, []*Group{g})
	if err != nil {
		return 0, err
	}
	return diffs[0], nil
}

// MeasureAll pre-trains once and compares the update against every group.
func (e *DirectionEstimator) MeasureAll(ctx context.Context, c *Client, groups []*Group) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, update := preTrain(e.handle, c, e.global(), e.iters, e.batchSize)
	diffs := make([]float64, len(groups))
	for i, g := range groups {
		if !update.SameShape(g.LatestUpdate) {
			return nil, shapeError(c, g)
		}
		diffs[i] = directionDiff(update, g.LatestUpdate)
	}
	return diffs, nil
}

func directionDiff(a, b models.Params) float64 {
	return 1 - (a.Cosine(b)+1)/2
}

// DistanceEstimator uses the squared Euclidean distance between the client's local
// model and the group model.
type DistanceEstimator struct{}

// NewDistanceEstimator creates a distance-based estimator
func NewDistanceEstimator() *DistanceEstimator {
	return &DistanceEstimator{}
}

// Name returns the estimator name
func (e *DistanceEstimator) Name() string { return "distance" }

// Measure returns ||local - group||^2.
func (e *DistanceEstimator) Measure(ctx context.Context, c *Client, g *Group) (float64, error) {
	if !c.LocalModel.SameShape(g.LatestModel) {
		return 0, shapeError(c, g)
	}
	return c.LocalModel.SquaredDistance(g.LatestModel), nil
}

// MeasureAll measures every group.
func (e *DistanceEstimator) MeasureAll(ctx context.Context, c *Client, groups []*Group) ([]float64, error) {
	return measureEach(ctx, e, c, groups)
}

// LossEstimator uses the training loss of the group model on the client's data.
type LossEstimator struct {
	handle interfaces.Model
}

// NewLossEstimator creates a loss-based estimator
func NewLossEstimator(handle interfaces.Model) *LossEstimator {
	return &LossEstimator{handle: handle}
}

// Name returns the estimator name
func (e *LossEstimator) Name() string { return "loss" }

// Measure loads the group model, evaluates the train loss and restores the handle.
func (e *LossEstimator) Measure(ctx context.Context, c *Client, g *Group) (float64, error) {
	backup := e.handle.Params()
	if !backup.SameShape(g.LatestModel) {
		return 0, shapeError(c, g)
	}
	defer e.handle.SetParams(backup)

	e.handle.SetParams(g.LatestModel)
	_, loss, _ := c.TrainErrorAndLoss(e.handle)
	return loss, nil
}

// MeasureAll measures every group.
func (e *LossEstimator) MeasureAll(ctx context.Context, c *Client, groups []*Group) ([]float64, error) {
	return measureEach(ctx, e, c, groups)
}

func measureEach(ctx context.Context, e Estimator, c *Client, groups []*Group) ([]float64, error) {
	diffs := make([]float64, len(groups))
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := e.Measure(ctx, c, g)
		if err != nil {
			return nil, err
		}
		diffs[i] = d
	}
	return diffs, nil
}

func shapeError(c *Client, g *Group) error {
	return errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAggregation,
		errors.CodeShapeMismatch, "client and group parameters differ in length").
		WithContext("client", c.ID).WithContext("group", g.ID)
}
