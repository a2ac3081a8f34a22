package federation

import (
	"context"

	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// Policy bundles the per-mode behaviour of the server: how affinity is measured,
// how a cold client is placed and how selected clients are scheduled each round.
type Policy interface {
	Mode() RunMode
	Estimator() Estimator
	ColdStart(ctx context.Context, s *Server, c *Client) error
	Reschedule(ctx context.Context, s *Server, selected []*Client) error
	// InterGroupLR returns the inter-group aggregation rate the mode uses.
	InterGroupLR(configured float64) float64
}

// NewPolicy builds the policy for mode. global returns the current global model.
func NewPolicy(mode RunMode, handle interfaces.Model, global func() models.Params, config *Config) Policy {
	switch mode {
	case ModeIFCA:
		return &affinityPolicy{mode: ModeIFCA, estimator: NewLossEstimator(handle)}
	case ModeFeSEM:
		return &affinityPolicy{mode: ModeFeSEM, estimator: NewDistanceEstimator()}
	default:
		return &fedGroupPolicy{
			estimator: NewDirectionEstimator(handle, global, config.PretrainIters, config.BatchSize),
			config:    config,
		}
	}
}

// fedGroupPolicy places clients once by update direction and schedules warm clients
// with the configured reschedule rules.
type fedGroupPolicy struct {
	estimator Estimator
	config    *Config
}

func (p *fedGroupPolicy) Mode() RunMode        { return ModeFedGroup }
func (p *fedGroupPolicy) Estimator() Estimator { return p.estimator }

func (p *fedGroupPolicy) ColdStart(ctx context.Context, s *Server, c *Client) error {
	return s.coldStartClient(ctx, c, p.estimator)
}

func (p *fedGroupPolicy) Reschedule(ctx context.Context, s *Server, selected []*Client) error {
	return s.rescheduleGroups(ctx, selected, p.config.AllowEmpty, p.config.Evenly, p.config.RandomAssign)
}

func (p *fedGroupPolicy) InterGroupLR(configured float64) float64 { return configured }

// affinityPolicy re-measures every selected client against every group each round.
type affinityPolicy struct {
	mode      RunMode
	estimator Estimator
}

func (p *affinityPolicy) Mode() RunMode        { return p.mode }
func (p *affinityPolicy) Estimator() Estimator { return p.estimator }

// ColdStart is a no-op: these modes place clients only when they are selected.
func (p *affinityPolicy) ColdStart(ctx context.Context, s *Server, c *Client) error {
	return nil
}

func (p *affinityPolicy) Reschedule(ctx context.Context, s *Server, selected []*Client) error {
	return s.assignByAffinity(ctx, selected, p.estimator)
}

// InterGroupLR is always zero: these modes do not blend group models.
func (p *affinityPolicy) InterGroupLR(float64) float64 { return 0 }
