package federation

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/internal/dataset"
	"github.com/inferloop/fedgroup/internal/learner"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func createTestPopulation(t *testing.T, n int) []models.ClientData {
	t.Helper()
	cfg := dataset.NewDefaultSyntheticConfig()
	cfg.NumClients = n
	cfg.Dim = 6
	cfg.NumClasses = 3
	cfg.MinSamples = 20
	cfg.MaxSamples = 40
	clients, err := dataset.Synthetic(cfg)
	require.NoError(t, err)
	return clients
}

func createTestHandle(t *testing.T) *learner.SoftmaxRegression {
	t.Helper()
	m, err := learner.NewSoftmaxRegression(learner.Config{
		InputDim:     6,
		NumClasses:   3,
		LearningRate: 0.05,
		Seed:         42,
	})
	require.NoError(t, err)
	return m
}

func createTestConfig(mode RunMode) *Config {
	cfg := NewDefaultConfig()
	cfg.RunMode = string(mode)
	cfg.NumRounds = 3
	cfg.ClientsPerRound = 9
	cfg.NumEpochs = 2
	cfg.BatchSize = 5
	cfg.NumGroups = 3
	cfg.MinClients = 2
	cfg.PretrainIters = 5
	return cfg
}

func createTestServer(t *testing.T, cfg *Config, population int, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(cfg, createTestHandle(t), createTestPopulation(t, population), createTestLogger(), opts...)
	require.NoError(t, err)
	return s
}

// setAffinity makes c warm in its closest group and records diffs.
func setAffinity(c *Client, diffs ...float64) {
	c.Difference = diffs
	c.SetGroup(argmin(diffs))
}

// assertPartition checks that every selected client is a member of exactly one group.
func assertPartition(t *testing.T, s *Server, selected []*Client) {
	t.Helper()
	seen := make(map[string]int)
	for _, g := range s.groups {
		for _, id := range g.ClientIDs() {
			seen[id]++
		}
	}
	for _, c := range selected {
		require.Equal(t, 1, seen[c.ID], fmt.Sprintf("client %s membership count", c.ID))
	}
	require.Len(t, seen, len(selected))
}

func clearGroups(s *Server) {
	for _, g := range s.groups {
		g.Clear()
	}
}

// fixedModel is a handle whose training moves parameters by a fixed step.
type fixedModel struct {
	params models.Params
	step   models.Params
	loss   func(p models.Params, data models.Dataset) float64
}

func (m *fixedModel) Params() models.Params     { return m.params.Clone() }
func (m *fixedModel) SetParams(p models.Params) { m.params = p.Clone() }
func (m *fixedModel) Size() int64               { return int64(len(m.params) * 8) }
func (m *fixedModel) FLOPs() int64              { return 1 }

func (m *fixedModel) Train(data models.Dataset, epochs, batchSize int) (models.Params, models.Cost) {
	for e := 0; e < epochs; e++ {
		for i := range m.params {
			m.params[i] += m.step[i]
		}
	}
	return m.Params(), models.Cost{BytesWritten: m.Size(), Flops: int64(epochs * data.Len()), BytesRead: m.Size()}
}

func (m *fixedModel) TrainIters(data models.Dataset, iters, batchSize int) (models.Params, models.Cost) {
	for i := range m.params {
		m.params[i] += m.step[i]
	}
	return m.Params(), models.Cost{BytesWritten: m.Size(), Flops: int64(iters * batchSize), BytesRead: m.Size()}
}

func (m *fixedModel) Evaluate(data models.Dataset) (int, float64) {
	if m.loss == nil {
		return 0, 0
	}
	return 0, m.loss(m.params, data)
}

func (m *fixedModel) Gradient(data models.Dataset) models.Params { return models.NewParams(len(m.params)) }

func (m *fixedModel) Reinitialize(seed int64) models.Params {
	for i := range m.params {
		m.params[i] = float64(seed)
	}
	return m.Params()
}

func (m *fixedModel) Clone() interfaces.Model {
	return &fixedModel{params: m.params.Clone(), step: m.step.Clone(), loss: m.loss}
}

var background = context.Background()
