package federation

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/fedgroup/pkg/models"
)

// evaluateGroups scores every group model on the population clients whose
// advisory group it is. The handle is restored afterwards.
func (s *Server) evaluateGroups(round int) ([]models.GroupStats, models.RoundSummary) {
	backup := s.handle.Params()
	defer s.handle.SetParams(backup)

	now := time.Now()
	stats := make([]models.GroupStats, len(s.groups))

	var testCorrect, testTotal, trainCorrect, trainTotal int
	var losses, lossWeights []float64
	var groupTest, groupTrain, groupLoss []float64

	for i, g := range s.groups {
		s.handle.SetParams(g.LatestModel)

		var gTestCorrect, gTestTotal, gTrainCorrect, gTrainTotal int
		var gLosses, gWeights []float64
		for _, c := range s.clients {
			if c.Group() != g.ID {
				continue
			}
			correct, n := c.TestAccuracy(s.handle)
			gTestCorrect += correct
			gTestTotal += n

			correct, loss, n := c.TrainErrorAndLoss(s.handle)
			gTrainCorrect += correct
			gTrainTotal += n
			gLosses = append(gLosses, loss)
			gWeights = append(gWeights, float64(n))
		}

		st := models.GroupStats{
			RunID:         s.runID,
			Round:         round,
			GroupID:       g.ID,
			Members:       g.Size(),
			TestSamples:   gTestTotal,
			TrainSamples:  gTrainTotal,
			TestAccuracy:  ratio(gTestCorrect, gTestTotal),
			TrainAccuracy: ratio(gTrainCorrect, gTrainTotal),
			TrainLoss:     weightedMean(gLosses, gWeights),
			Discrepancy:   g.LatestDiff,
			Timestamp:     now,
		}
		stats[i] = st

		testCorrect += gTestCorrect
		testTotal += gTestTotal
		trainCorrect += gTrainCorrect
		trainTotal += gTrainTotal
		losses = append(losses, gLosses...)
		lossWeights = append(lossWeights, gWeights...)

		if gTrainTotal > 0 {
			groupTest = append(groupTest, st.TestAccuracy)
			groupTrain = append(groupTrain, st.TrainAccuracy)
			groupLoss = append(groupLoss, st.TrainLoss)
		}
	}

	summary := models.RoundSummary{
		RunID:             s.runID,
		Round:             round,
		Mode:              string(s.policy.Mode()),
		ActiveGroups:      s.activeGroupCount(),
		TestAccuracy:      ratio(testCorrect, testTotal),
		TrainAccuracy:     ratio(trainCorrect, trainTotal),
		TrainLoss:         weightedMean(losses, lossWeights),
		MeanTestAccuracy:  mean(groupTest),
		MeanTrainAccuracy: mean(groupTrain),
		MeanTrainLoss:     mean(groupLoss),
		Timestamp:         now,
	}
	return stats, summary
}

// measureClientGroupDiffs returns [average, group_0, ..., group_k-1] where each group
// entry is the mean L2 distance from its members' local models to the group model
// and the first entry averages over every member of every group. Empty groups score 0.
// Each non-empty group's LatestDiff is updated.
func (s *Server) measureClientGroupDiffs() []float64 {
	diffs := make([]float64, len(s.groups)+1)
	total, members := 0.0, 0
	for i, g := range s.groups {
		if g.IsEmpty() {
			continue
		}
		sum := 0.0
		for _, c := range g.members {
			sum += c.LocalModel.Distance(g.LatestModel)
		}
		total += sum
		members += g.Size()
		diffs[i+1] = sum / float64(g.Size())
		g.LatestDiff = diffs[i+1]
	}
	if members > 0 {
		diffs[0] = total / float64(members)
	}
	return diffs
}

// measureGroupDiffs returns each group's L2 distance to the global model followed by their sum.
func (s *Server) measureGroupDiffs() []float64 {
	diffs := make([]float64, len(s.groups)+1)
	for i, g := range s.groups {
		diffs[i] = g.LatestModel.Distance(s.latestModel)
		diffs[len(s.groups)] += diffs[i]
	}
	return diffs
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func weightedMean(values, weights []float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return 0
	}
	return stat.Mean(values, weights)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}
