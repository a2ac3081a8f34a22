package learner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/internal/dataset"
	"github.com/inferloop/fedgroup/pkg/models"
)

func createTestModel(t *testing.T) *SoftmaxRegression {
	m, err := NewSoftmaxRegression(Config{
		InputDim:     10,
		NumClasses:   5,
		LearningRate: 0.1,
		Seed:         1,
	})
	require.NoError(t, err)
	return m
}

func createTestData(t *testing.T) models.ClientData {
	cfg := dataset.NewDefaultSyntheticConfig()
	cfg.NumClients = 1
	cfg.MinSamples = 200
	cfg.MaxSamples = 200
	clients, err := dataset.Synthetic(cfg)
	require.NoError(t, err)
	return clients[0]
}

func TestNewSoftmaxRegressionValidation(t *testing.T) {
	_, err := NewSoftmaxRegression(Config{InputDim: 0, NumClasses: 2, LearningRate: 0.1})
	assert.Error(t, err)

	_, err = NewSoftmaxRegression(Config{InputDim: 3, NumClasses: 1, LearningRate: 0.1})
	assert.Error(t, err)

	_, err = NewSoftmaxRegression(Config{InputDim: 3, NumClasses: 2, LearningRate: 0})
	assert.Error(t, err)
}

func TestParamsRoundTrip(t *testing.T) {
	m := createTestModel(t)
	assert.Equal(t, 55, m.NumParams())
	assert.Equal(t, int64(55*8), m.Size())

	p := m.Params()
	p[0] = 42
	assert.NotEqual(t, 42.0, m.Params()[0], "Params must return a copy")

	m.SetParams(p)
	assert.Equal(t, 42.0, m.Params()[0])

	assert.Panics(t, func() { m.SetParams(models.Params{1, 2}) })
}

func TestReinitializeDeterministic(t *testing.T) {
	m := createTestModel(t)
	a := m.Reinitialize(888)
	b := m.Reinitialize(888)
	c := m.Reinitialize(1776)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	for _, v := range a[50:] {
		assert.Equal(t, 0.0, v)
	}
}

func TestTrainReducesLoss(t *testing.T) {
	m := createTestModel(t)
	data := createTestData(t)

	_, before := m.Evaluate(data.Train)
	_, cost := m.Train(data.Train, 20, 10)
	correct, after := m.Evaluate(data.Train)

	assert.Less(t, after, before)
	assert.Greater(t, correct, data.Train.Len()/5)
	assert.Equal(t, m.Size(), cost.BytesWritten)
	assert.Equal(t, m.Size(), cost.BytesRead)
	assert.Equal(t, int64(20*(data.Train.Len()/10)*10)*m.FLOPs(), cost.Flops)
}

func TestTrainItersDeterministic(t *testing.T) {
	data := createTestData(t)

	m1 := createTestModel(t)
	p1, cost := m1.TrainIters(data.Train, 50, 10)
	m2 := createTestModel(t)
	p2, _ := m2.TrainIters(data.Train, 50, 10)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int64(50*10)*m1.FLOPs(), cost.Flops)
}

func TestCloneIsIndependent(t *testing.T) {
	m := createTestModel(t)
	c := m.Clone()
	assert.Equal(t, m.Params(), c.Params())

	data := createTestData(t)
	c.Train(data.Train, 1, 10)
	assert.NotEqual(t, m.Params(), c.Params())
}

func TestGradientMatchesStep(t *testing.T) {
	m := createTestModel(t)
	data := createTestData(t)

	before := m.Params()
	g := m.Gradient(data.Train)
	require.Len(t, g, m.NumParams())

	// One full-batch step equals params - lr*gradient.
	after, _ := m.TrainIters(data.Train, 1, data.Train.Len())
	for i := range before {
		assert.InDelta(t, before[i]-0.1*g[i], after[i], 1e-9)
	}
}

func TestEvaluateEmpty(t *testing.T) {
	m := createTestModel(t)
	correct, loss := m.Evaluate(models.Dataset{})
	assert.Equal(t, 0, correct)
	assert.Equal(t, 0.0, loss)
}
