package dataset

import (
	"fmt"
	"math/rand"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// SyntheticConfig describes a population whose clients are drawn from a few latent concepts.
type SyntheticConfig struct {
	NumClients   int     `mapstructure:"num_clients" json:"num_clients"`
	NumConcepts  int     `mapstructure:"num_concepts" json:"num_concepts"`
	Dim          int     `mapstructure:"dim" json:"dim"`
	NumClasses   int     `mapstructure:"num_classes" json:"num_classes"`
	MinSamples   int     `mapstructure:"min_samples" json:"min_samples"`
	MaxSamples   int     `mapstructure:"max_samples" json:"max_samples"`
	TestFraction float64 `mapstructure:"test_fraction" json:"test_fraction"`
	Seed         int64   `mapstructure:"seed" json:"seed"`
}

// NewDefaultSyntheticConfig returns a small three-concept population.
func NewDefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumClients:   60,
		NumConcepts:  3,
		Dim:          10,
		NumClasses:   5,
		MinSamples:   40,
		MaxSamples:   120,
		TestFraction: 0.2,
		Seed:         0,
	}
}

// Validate checks the generator settings
func (c SyntheticConfig) Validate() error {
	switch {
	case c.NumClients <= 0:
		return errors.NewValidationError(errors.CodeOutOfRange, "num_clients must be positive")
	case c.NumConcepts <= 0:
		return errors.NewValidationError(errors.CodeOutOfRange, "num_concepts must be positive")
	case c.Dim <= 0:
		return errors.NewValidationError(errors.CodeOutOfRange, "dim must be positive")
	case c.NumClasses < 2:
		return errors.NewValidationError(errors.CodeOutOfRange, "num_classes must be at least 2")
	case c.MinSamples < 2 || c.MaxSamples < c.MinSamples:
		return errors.NewValidationError(errors.CodeOutOfRange, "sample bounds are invalid")
	case c.TestFraction <= 0 || c.TestFraction >= 1:
		return errors.NewValidationError(errors.CodeOutOfRange, "test_fraction must be in (0, 1)")
	}
	return nil
}

// Synthetic generates a deterministic clustered population. All concepts share one
// linear scorer; concept c shifts every label by c classes, so clients of different
// concepts disagree on the optimal model. ClientData.Group carries the concept index.
func Synthetic(cfg SyntheticConfig) ([]models.ClientData, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	scorer := make([][]float64, cfg.NumClasses)
	for k := range scorer {
		scorer[k] = make([]float64, cfg.Dim)
		for j := range scorer[k] {
			scorer[k][j] = rng.NormFloat64()
		}
	}

	clients := make([]models.ClientData, cfg.NumClients)
	for i := range clients {
		concept := i % cfg.NumConcepts
		n := cfg.MinSamples
		if cfg.MaxSamples > cfg.MinSamples {
			n += rng.Intn(cfg.MaxSamples - cfg.MinSamples + 1)
		}

		center := make([]float64, cfg.Dim)
		for j := range center {
			center[j] = 0.5 * rng.NormFloat64()
		}

		all := models.Dataset{
			Features: make([][]float64, n),
			Labels:   make([]int, n),
		}
		for s := 0; s < n; s++ {
			x := make([]float64, cfg.Dim)
			for j := range x {
				x[j] = center[j] + rng.NormFloat64()
			}
			all.Features[s] = x
			all.Labels[s] = (argmaxScore(scorer, x) + concept) % cfg.NumClasses
		}

		nTest := int(float64(n) * cfg.TestFraction)
		if nTest < 1 {
			nTest = 1
		}
		clients[i] = models.ClientData{
			ID:    fmt.Sprintf("f_%05d", i),
			Group: fmt.Sprintf("%d", concept),
			Train: all.Slice(0, n-nTest),
			Test:  all.Slice(n-nTest, n),
		}
	}

	return clients, nil
}

func argmaxScore(scorer [][]float64, x []float64) int {
	best, bestScore := 0, 0.0
	for k, w := range scorer {
		score := 0.0
		for j, v := range w {
			score += v * x[j]
		}
		if k == 0 || score > bestScore {
			best, bestScore = k, score
		}
	}
	return best
}
