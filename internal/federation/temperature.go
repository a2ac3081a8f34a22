package federation

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/models"
)

// Temperature tracks how many more rounds each client may drift from its group
// before it is re-placed.
type Temperature struct {
	max   int
	temps map[string]int
}

// NewTemperature starts every client at max.
func NewTemperature(max int, clients []*Client) *Temperature {
	t := &Temperature{max: max, temps: make(map[string]int, len(clients))}
	for _, c := range clients {
		t.temps[c.ID] = max
	}
	return t
}

// Max returns the ceiling.
func (t *Temperature) Max() int {
	return t.max
}

// Get returns the client's current temperature.
func (t *Temperature) Get(id string) int {
	return t.temps[id]
}

// Cool lowers the client's temperature by one.
func (t *Temperature) Cool(id string) {
	t.temps[id]--
}

// Expired reports whether the client has run out of temperature.
func (t *Temperature) Expired(id string) bool {
	return t.temps[id] <= 0
}

// Reset restores the client's temperature to the ceiling.
func (t *Temperature) Reset(id string) {
	t.temps[id] = t.max
}

// Snapshot returns a copy of all temperatures.
func (t *Temperature) Snapshot() map[string]int {
	out := make(map[string]int, len(t.temps))
	for id, v := range t.temps {
		out[id] = v
	}
	return out
}

// refreshClientTemperature cools every trained client that sits farther from its
// group model than the group's average member does. A client that runs out of
// temperature is cold started again and its temperature reset. trained maps client
// ids to their solutions and home maps them to the group they trained in.
// It returns the number of clients that changed group.
func (s *Server) refreshClientTemperature(ctx context.Context, trained map[string]models.Params, home map[string]int) (int, error) {
	avg := s.measureClientGroupDiffs()

	ids := make([]string, 0, len(trained))
	for id := range trained {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := 0
	for _, id := range ids {
		c := s.byID[id]
		g := s.groups[home[id]]

		if trained[id].Distance(g.LatestModel) > avg[g.ID+1] {
			s.temps.Cool(id)
		}
		if !s.temps.Expired(id) {
			continue
		}

		old := c.Group()
		c.ClearGroup()
		if err := s.coldStartClient(ctx, c, s.policy.Estimator()); err != nil {
			return migrations, err
		}
		s.temps.Reset(id)

		if c.Group() != old {
			migrations++
			s.logger.WithFields(logrus.Fields{
				"client": id,
				"from":   old,
				"to":     c.Group(),
			}).Info("Client migrated to a new group")
		}
	}
	return migrations, nil
}
