package federation

import (
	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// WeightedParams is one contribution to a weighted mean.
type WeightedParams struct {
	Weight float64
	Params models.Params
}

// Aggregate returns the weighted mean of the solutions.
func Aggregate(solutions []WeightedParams) (models.Params, error) {
	if len(solutions) == 0 {
		return nil, errors.ErrNoSolutions
	}

	n := solutions[0].Params.Len()
	base := make([]float64, n)
	total := 0.0
	for _, s := range solutions {
		if s.Params.Len() != n {
			return nil, errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAggregation,
				errors.CodeShapeMismatch, "solutions have different lengths")
		}
		floats.AddScaled(base, s.Weight, s.Params)
		total += s.Weight
	}
	if total == 0 {
		return nil, errors.ErrZeroTotalWeight
	}

	floats.Scale(1/total, base)
	return models.Params(base), nil
}

// AggregateGroups blends every group's model with all the others. A group keeps
// weight 1 for itself and gives each other group j weight aggLR/scale_j, where
// scale_j is the L2 norm of group j's model floored at MinAggWeight. The blend
// replaces the group model and its delta is added to the group's running update.
// With aggLR == 0 the models are left unchanged.
func AggregateGroups(groups []*Group, aggLR float64) error {
	if len(groups) == 0 {
		return nil
	}

	scales := make([]float64, len(groups))
	snapshot := make([]models.Params, len(groups))
	for i, g := range groups {
		if !g.LatestModel.SameShape(groups[0].LatestModel) {
			return errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAggregation,
				errors.CodeShapeMismatch, "group models have different lengths").WithContext("group", g.ID)
		}
		snapshot[i] = g.LatestModel.Clone()
		scales[i] = g.LatestModel.Norm()
		if scales[i] < constants.MinAggWeight {
			scales[i] = constants.MinAggWeight
		}
	}

	for idx, g := range groups {
		solutions := make([]WeightedParams, len(groups))
		for j := range groups {
			w := aggLR / scales[j]
			if j == idx {
				w = 1
			}
			solutions[j] = WeightedParams{Weight: w, Params: snapshot[j]}
		}

		averaged, err := Aggregate(solutions)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeAggregation, errors.CodeNoSolutions,
				"inter-group aggregation failed").WithContext("group", g.ID)
		}

		floats.Add(g.LatestUpdate, averaged.Sub(snapshot[idx]))
		g.LatestModel = averaged
	}
	return nil
}

// meanModel returns the unweighted mean of the groups' models.
func meanModel(groups []*Group) (models.Params, error) {
	solutions := make([]WeightedParams, len(groups))
	for i, g := range groups {
		solutions[i] = WeightedParams{Weight: 1, Params: g.LatestModel}
	}
	return Aggregate(solutions)
}
