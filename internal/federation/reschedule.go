package federation

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/errors"
)

// rescheduleGroups adds the selected warm clients to group memberships.
//
//   - randomly: non-clustering clients go to a uniformly random group, clustering
//     clients to their own group.
//   - allowEmpty: every client goes to its own group; some groups may stay empty.
//   - evenly: groups are capped at N/K members, the remainder going to random groups;
//     a client whose group is full takes the closest group with room.
//   - otherwise: groups below MinClients are filled first by the closest
//     (client, group) pairs, then the rest go to their own group.
//
// Combining randomly with evenly is rejected.
func (s *Server) rescheduleGroups(ctx context.Context, selected []*Client, allowEmpty, evenly, randomly bool) error {
	switch {
	case randomly && evenly:
		return errors.WrapError(errors.ErrUnsupportedSchedule, errors.ErrorTypeConfiguration,
			errors.CodeUnsupportedSchedule, "random assignment cannot be combined with even scheduling")
	case randomly:
		return s.scheduleRandomly(selected)
	case allowEmpty:
		return s.scheduleFirstRank(selected)
	case evenly:
		return s.scheduleEvenly(ctx, selected)
	default:
		return s.scheduleMinimumGuarantee(ctx, selected)
	}
}

func (s *Server) scheduleRandomly(selected []*Client) error {
	for _, c := range selected {
		if c.IsCold() {
			s.logger.WithField("client", c.ID).Warn("Skipping client that was never cold started")
			continue
		}
		target := s.groups[c.Group()]
		if !c.Clustering {
			target = s.groups[s.rng.Intn(len(s.groups))]
		}
		if err := target.AddClient(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) scheduleFirstRank(selected []*Client) error {
	for _, c := range selected {
		if c.IsCold() {
			s.logger.WithField("client", c.ID).Warn("Skipping client that was never cold started")
			continue
		}
		if err := s.groups[c.Group()].AddClient(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) scheduleEvenly(ctx context.Context, selected []*Client) error {
	for g, capacity := range s.evenCapacities(len(selected)) {
		s.groups[g].SetCapacity(capacity)
	}

	for _, c := range selected {
		if c.IsCold() {
			s.logger.WithField("client", c.ID).Warn("Skipping client that was never cold started")
			continue
		}

		first := s.groups[c.Group()]
		if !first.IsFull() {
			if err := first.AddClient(c); err != nil {
				return err
			}
			continue
		}

		if err := s.ensureDifference(ctx, c); err != nil {
			return err
		}
		placed := false
		for _, gid := range c.RankedGroups() {
			if g := s.groups[gid]; !g.IsFull() {
				if err := g.AddClient(c); err != nil {
					return err
				}
				placed = true
				break
			}
		}
		if !placed {
			return errors.NewAssignmentError(errors.CodeUnknownGroup, "no group has room left").
				WithContext("client", c.ID)
		}
	}
	return nil
}

// evenCapacities splits n clients over the groups: floor(n/K) each, plus one for
// n mod K randomly chosen groups.
func (s *Server) evenCapacities(n int) []int {
	k := len(s.groups)
	caps := make([]int, k)
	for i := range caps {
		caps[i] = n / k
	}
	for _, g := range s.rng.Perm(k)[:n%k] {
		caps[g]++
	}
	return caps
}

func (s *Server) scheduleMinimumGuarantee(ctx context.Context, selected []*Client) error {
	type candidate struct {
		client *Client
		group  int
		diff   float64
	}

	for _, g := range s.groups {
		g.MinClients = s.config.MinClients
	}

	// Clients placed by clustering carry no ranking yet; every warm client must be
	// ranked against every group for the guarantee to hold.
	var candidates []candidate
	for _, c := range selected {
		if c.IsCold() {
			continue
		}
		if err := s.ensureDifference(ctx, c); err != nil {
			return err
		}
		for gid, d := range c.Difference {
			candidates = append(candidates, candidate{client: c, group: gid, diff: d})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].diff < candidates[j].diff
	})

	assigned := make(map[string]bool, len(selected))
	for _, cand := range candidates {
		g := s.groups[cand.group]
		if g.Size() < g.MinClients && !assigned[cand.client.ID] {
			if err := g.AddClient(cand.client); err != nil {
				return err
			}
			assigned[cand.client.ID] = true
		}
	}

	for _, c := range selected {
		if assigned[c.ID] {
			continue
		}
		if c.IsCold() {
			s.logger.WithField("client", c.ID).Warn("Skipping client that was never cold started")
			continue
		}
		if err := s.groups[c.Group()].AddClient(c); err != nil {
			return err
		}
	}
	return nil
}

// ensureDifference measures a client that was placed by clustering and never
// ranked against every group. Its advisory group is left unchanged.
func (s *Server) ensureDifference(ctx context.Context, c *Client) error {
	if len(c.Difference) == len(s.groups) {
		return nil
	}
	diffs, err := s.policy.Estimator().MeasureAll(ctx, c, s.groups)
	if err != nil {
		return fmt.Errorf("failed to rank client %s: %w", c.ID, err)
	}
	c.Difference = diffs
	return nil
}

// assignByAffinity places every selected client in its closest group.
func (s *Server) assignByAffinity(ctx context.Context, selected []*Client, estimator Estimator) error {
	for _, c := range selected {
		diffs, err := estimator.MeasureAll(ctx, c, s.groups)
		if err != nil {
			return fmt.Errorf("failed to measure client %s: %w", c.ID, err)
		}
		gid := argmin(diffs)
		c.Difference = diffs
		c.SetGroup(gid)
		if err := s.groups[gid].AddClient(c); err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"client":    c.ID,
			"group":     gid,
			"estimator": estimator.Name(),
		}).Debug("Assigned client by affinity")
	}
	return nil
}
