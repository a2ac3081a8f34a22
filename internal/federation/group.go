package federation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// Group is a cluster of clients sharing one specialised model.
type Group struct {
	ID int

	LatestModel  models.Params
	LatestUpdate models.Params
	LatestDiff   float64

	// MinClients is the minimum-guarantee target. MaxClients caps membership once
	// SetCapacity has been called this round.
	MinClients int
	MaxClients int

	capped  bool
	members []*Client
	index   map[string]struct{}
	frozen  bool
}

// NewGroup creates an empty group whose model and update start at initial.
func NewGroup(id int, initial models.Params) *Group {
	return &Group{
		ID:           id,
		LatestModel:  initial.Clone(),
		LatestUpdate: initial.Clone(),
		index:        make(map[string]struct{}),
	}
}

// AddClient appends c to the membership. Adding a present client is a no-op.
func (g *Group) AddClient(c *Client) error {
	if g.frozen {
		return fmt.Errorf("group %d: %w", g.ID, errors.ErrGroupFrozen)
	}
	if _, ok := g.index[c.ID]; ok {
		return nil
	}
	if g.IsFull() {
		return fmt.Errorf("group %d: %w", g.ID, errors.ErrGroupFull)
	}
	g.members = append(g.members, c)
	g.index[c.ID] = struct{}{}
	return nil
}

// Has reports whether the client id is a member this round.
func (g *Group) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Clear empties the membership, unfreezes the group and lifts the capacity cap.
func (g *Group) Clear() {
	g.members = nil
	g.index = make(map[string]struct{})
	g.frozen = false
	g.capped = false
	g.MaxClients = 0
}

// SetCapacity caps the membership at n for the rest of the round.
func (g *Group) SetCapacity(n int) {
	g.capped = true
	g.MaxClients = n
}

// Freeze locks the membership for the rest of the round.
func (g *Group) Freeze() {
	g.frozen = true
}

// Frozen reports whether the membership is locked.
func (g *Group) Frozen() bool {
	return g.frozen
}

// Members returns the members in insertion order.
func (g *Group) Members() []*Client {
	out := make([]*Client, len(g.members))
	copy(out, g.members)
	return out
}

// ClientIDs returns the member ids in insertion order.
func (g *Group) ClientIDs() []string {
	ids := make([]string, len(g.members))
	for i, c := range g.members {
		ids[i] = c.ID
	}
	return ids
}

// Size returns the member count.
func (g *Group) Size() int {
	return len(g.members)
}

// IsEmpty reports whether the group has no members.
func (g *Group) IsEmpty() bool {
	return len(g.members) == 0
}

// IsFull reports whether the capacity set by SetCapacity has been reached.
func (g *Group) IsFull() bool {
	return g.capped && len(g.members) >= g.MaxClients
}

// NumSamples returns the total train samples of the members.
func (g *Group) NumSamples() int {
	total := 0
	for _, c := range g.members {
		total += c.NumSamples()
	}
	return total
}

// TrainOptions configures one pass of group training.
type TrainOptions struct {
	Round     int
	Epochs    int
	BatchSize int

	// Stragglers maps client ids to a reduced epoch count.
	Stragglers map[string]int
}

// Train runs every member's local solver from the group model on the shared handle,
// then replaces the group model by the sample-weighted mean of the solutions.
// It returns the trained parameters keyed by client id.
func (g *Group) Train(ctx context.Context, handle interfaces.Model, opts TrainOptions, ledger *Ledger, logger *logrus.Logger) (map[string]models.Params, error) {
	if !g.frozen {
		return nil, fmt.Errorf("group %d: %w", g.ID, errors.ErrGroupNotFrozen)
	}
	if g.IsEmpty() {
		return map[string]models.Params{}, nil
	}

	start := g.LatestModel.Clone()
	solutions := make([]WeightedParams, 0, len(g.members))
	trained := make(map[string]models.Params, len(g.members))

	for _, c := range g.members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		epochs := opts.Epochs
		if reduced, ok := opts.Stragglers[c.ID]; ok {
			epochs = reduced
		}

		handle.SetParams(start)
		soln, cost := c.SolveInner(handle, epochs, opts.BatchSize)
		if !soln.SameShape(start) {
			return nil, errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAggregation,
				errors.CodeShapeMismatch, "client solution does not match group model").
				WithContext("client", c.ID).WithContext("group", g.ID)
		}

		c.LocalModel = soln
		c.LocalUpdate = soln.Sub(start)
		trained[c.ID] = soln
		solutions = append(solutions, WeightedParams{Weight: float64(c.NumSamples()), Params: soln})

		if ledger != nil {
			ledger.Record(c.ID, opts.Round, cost)
		}

		logger.WithFields(logrus.Fields{
			"round":  opts.Round,
			"group":  g.ID,
			"client": c.ID,
			"epochs": epochs,
		}).Debug("Client finished local training")
	}

	averaged, err := Aggregate(solutions)
	if err != nil {
		return nil, fmt.Errorf("group %d: %w", g.ID, err)
	}
	g.LatestUpdate = averaged.Sub(start)
	g.LatestModel = averaged

	return trained, nil
}
