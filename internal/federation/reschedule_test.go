package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/pkg/errors"
)

// createScheduledServer returns a FedGroup server whose first n clients are warm
// and all prefer group 0, except every third client which prefers group 2.
func createScheduledServer(t *testing.T, n int) (*Server, []*Client) {
	t.Helper()
	s := createTestServer(t, createTestConfig(ModeFedGroup), n)
	selected := s.clients[:n]
	for i, c := range selected {
		if i%3 == 2 {
			setAffinity(c, 0.6, 0.4, 0.1+float64(i)/100)
		} else {
			setAffinity(c, 0.1+float64(i)/100, 0.5, 0.7)
		}
	}
	return s, selected
}

func TestRescheduleFirstRank(t *testing.T) {
	s, selected := createScheduledServer(t, 9)
	require.NoError(t, s.rescheduleGroups(background, selected, true, false, false))

	assertPartition(t, s, selected)
	assert.Equal(t, 6, s.groups[0].Size())
	assert.True(t, s.groups[1].IsEmpty())
	assert.Equal(t, 3, s.groups[2].Size())
}

func TestRescheduleEvenlyCapacity(t *testing.T) {
	s, selected := createScheduledServer(t, 10)
	require.NoError(t, s.rescheduleGroups(background, selected, false, true, false))

	assertPartition(t, s, selected)
	total := 0
	for _, g := range s.groups {
		assert.GreaterOrEqual(t, g.Size(), 3)
		assert.LessOrEqual(t, g.Size(), 4)
		assert.LessOrEqual(t, g.Size(), g.MaxClients)
		total += g.MaxClients
	}
	assert.Equal(t, 10, total)
}

func TestRescheduleEvenlyRanksClusteringClients(t *testing.T) {
	s := createTestServer(t, createTestConfig(ModeFedGroup), 6)
	selected := s.clients[:6]
	// Clustering clients carry a group but no ranking.
	for _, c := range selected {
		c.SetGroup(0)
		c.Clustering = true
	}

	require.NoError(t, s.rescheduleGroups(background, selected, false, true, false))
	assertPartition(t, s, selected)
	for _, g := range s.groups {
		assert.Equal(t, 2, g.Size())
	}
	for _, c := range selected[2:] {
		assert.Len(t, c.Difference, 3)
	}
	for _, c := range selected {
		assert.Equal(t, 0, c.Group(), "ranking must not move the advisory group")
	}
}

func TestRescheduleMinimumGuarantee(t *testing.T) {
	s, selected := createScheduledServer(t, 9)
	s.config.MinClients = 2
	require.NoError(t, s.rescheduleGroups(background, selected, false, false, false))

	assertPartition(t, s, selected)
	for _, g := range s.groups {
		assert.GreaterOrEqual(t, g.Size(), 2, "group %d", g.ID)
	}
	// Group 1 is nobody's favourite. Clients 2 and 5 are taken by group 2 first,
	// so the closest unassigned candidates are client 8 and then client 3.
	assert.Equal(t, 2, s.groups[1].Size())
	assert.True(t, s.groups[1].Has(s.clients[8].ID))
	assert.True(t, s.groups[1].Has(s.clients[3].ID))
	assert.Equal(t, 5, s.groups[0].Size())
}

func TestRunRoundMinimumGuaranteeAfterClusteringColdStart(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		cfg := createTestConfig(ModeFedGroup)
		cfg.Seed = seed
		cfg.MinClients = 3
		s := createTestServer(t, cfg, 30)
		require.NoError(t, s.Initialize(background))

		advisory := make(map[string]int)
		for _, c := range s.Clients() {
			advisory[c.ID] = c.Group()
		}

		for round := 0; round < cfg.NumRounds; round++ {
			report, err := s.RunRound(background, round)
			require.NoError(t, err)

			require.Len(t, report.Groups, cfg.NumGroups, "seed %d round %d", seed, round)
			for gid, ids := range report.Groups {
				assert.GreaterOrEqual(t, len(ids), cfg.MinClients, "seed %d round %d group %d", seed, round, gid)
			}
			for _, id := range report.Selected {
				c, ok := s.Client(id)
				require.True(t, ok)
				assert.Len(t, c.Difference, cfg.NumGroups)
				assert.Equal(t, advisory[id], c.Group(), "ranking must not move the advisory group")
			}
		}
	}
}

func TestRescheduleMinimumGuaranteeTooFewClients(t *testing.T) {
	s, selected := createScheduledServer(t, 3)
	s.config.MinClients = 2
	require.NoError(t, s.rescheduleGroups(background, selected, false, false, false))
	assertPartition(t, s, selected)
}

func TestRescheduleRandomly(t *testing.T) {
	s, selected := createScheduledServer(t, 9)
	selected[0].Clustering = true
	require.NoError(t, s.rescheduleGroups(background, selected, false, false, true))

	assertPartition(t, s, selected)
	assert.True(t, s.groups[0].Has(selected[0].ID), "clustering clients stay in their group")
}

func TestRescheduleRandomlyEvenlyUnsupported(t *testing.T) {
	s, selected := createScheduledServer(t, 6)
	err := s.rescheduleGroups(background, selected, false, true, true)
	assert.ErrorIs(t, err, errors.ErrUnsupportedSchedule)
	for _, g := range s.groups {
		assert.True(t, g.IsEmpty())
	}
}

func TestRescheduleSkipsColdClients(t *testing.T) {
	s, selected := createScheduledServer(t, 6)
	selected[1].ClearGroup()
	selected[1].Difference = nil

	require.NoError(t, s.rescheduleGroups(background, selected, true, false, false))
	assertPartition(t, s, append(selected[:1:1], selected[2:]...))
}

func TestAssignByAffinity(t *testing.T) {
	s := createTestServer(t, createTestConfig(ModeFeSEM), 6)
	selected := s.clients[:6]
	for i, c := range selected {
		c.LocalModel = s.groups[i%3].LatestModel.Clone()
	}
	for i, g := range s.groups {
		g.LatestModel[0] += float64(i) * 10
	}
	for i, c := range selected {
		c.LocalModel[0] += float64(i%3) * 10
	}

	require.NoError(t, s.assignByAffinity(background, selected, NewDistanceEstimator()))
	assertPartition(t, s, selected)
	for i, c := range selected {
		assert.Equal(t, i%3, c.Group())
		assert.True(t, s.groups[i%3].Has(c.ID))
	}
}
