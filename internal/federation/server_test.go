package federation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

type memorySink struct {
	mu        sync.Mutex
	stats     []models.GroupStats
	summaries []models.RoundSummary
	diffs     map[int][]float64
}

func (m *memorySink) WriteGroupStats(_ context.Context, stats []models.GroupStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, stats...)
	return nil
}

func (m *memorySink) WriteRoundSummary(_ context.Context, summary models.RoundSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, summary)
	return nil
}

func (m *memorySink) WriteDiscrepancy(_ context.Context, _ string, round int, diffs []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.diffs == nil {
		m.diffs = make(map[int][]float64)
	}
	m.diffs[round] = diffs
	return nil
}

func (m *memorySink) Close() error { return nil }

type memoryStore struct {
	snapshots map[int]*models.Snapshot
}

func (m *memoryStore) Store(_ context.Context, snap *models.Snapshot) error {
	if m.snapshots == nil {
		m.snapshots = make(map[int]*models.Snapshot)
	}
	m.snapshots[snap.Round] = snap
	return nil
}

func (m *memoryStore) Retrieve(_ context.Context, _ string, round int) (*models.Snapshot, error) {
	snap, ok := m.snapshots[round]
	if !ok {
		return nil, errors.ErrCheckpointNotFound
	}
	return snap, nil
}

func (m *memoryStore) Exists(_ context.Context, _ string, round int) (bool, error) {
	_, ok := m.snapshots[round]
	return ok, nil
}

func (m *memoryStore) ListRounds(context.Context, string) ([]int, error) { return nil, nil }
func (m *memoryStore) Delete(context.Context, string, int) error       { return nil }
func (m *memoryStore) Close() error                                    { return nil }

type countingRecorder struct {
	rounds     int
	migrations int
	reclusters int
	cost       models.Cost
}

func (r *countingRecorder) ObserveRound(string, int, time.Duration)  { r.rounds++ }
func (r *countingRecorder) SetGroupMembers(int, int)                 {}
func (r *countingRecorder) SetGroupAccuracy(int, float64, float64)   {}
func (r *countingRecorder) SetDiscrepancy(int, float64)              {}
func (r *countingRecorder) AddMigrations(n int)                      { r.migrations += n }
func (r *countingRecorder) IncReclusters()                           { r.reclusters++ }
func (r *countingRecorder) AddCost(cost models.Cost)                 { r.cost = r.cost.Add(cost) }

func TestNewServerValidation(t *testing.T) {
	handle := createTestHandle(t)
	data := createTestPopulation(t, 12)

	t.Run("nil config", func(t *testing.T) {
		_, err := NewServer(nil, handle, data, createTestLogger())
		require.Error(t, err)
	})

	t.Run("nil handle", func(t *testing.T) {
		_, err := NewServer(createTestConfig(ModeFedGroup), nil, data, createTestLogger())
		require.Error(t, err)
	})

	t.Run("empty population", func(t *testing.T) {
		_, err := NewServer(createTestConfig(ModeFedGroup), handle, nil, createTestLogger())
		require.Error(t, err)
	})

	t.Run("duplicate client", func(t *testing.T) {
		dup := append(append([]models.ClientData(nil), data...), data[0])
		_, err := NewServer(createTestConfig(ModeFedGroup), handle, dup, createTestLogger())
		require.Error(t, err)
	})

	t.Run("random and evenly", func(t *testing.T) {
		cfg := createTestConfig(ModeFedGroup)
		cfg.RandomAssign = true
		cfg.Evenly = true
		_, err := NewServer(cfg, handle, data, createTestLogger())
		assert.ErrorIs(t, err, errors.ErrUnsupportedSchedule)
	})

	t.Run("nil logger", func(t *testing.T) {
		s, err := NewServer(createTestConfig(ModeFedGroup), handle, data, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, s.RunID())
		assert.Len(t, s.Groups(), 3)
		assert.Len(t, s.Clients(), 12)
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, NewDefaultConfig().Validate())

	cfg := NewDefaultConfig()
	cfg.RunMode = "fedavg"
	assert.ErrorIs(t, cfg.Validate(), errors.ErrUnknownRunMode)

	cfg = NewDefaultConfig()
	cfg.ClientsPerRound = 0
	cfg.DropPercent = 1
	cfg.AggLR = -0.1
	err := cfg.Validate()
	require.Error(t, err)
	ve, ok := err.(*errors.ValidationErrors)
	require.True(t, ok)
	assert.Len(t, ve.Errors, 3)
}

func TestParseRunMode(t *testing.T) {
	mode, err := ParseRunMode(" IFCA ")
	require.NoError(t, err)
	assert.Equal(t, ModeIFCA, mode)

	mode, err = ParseRunMode("FeSEM")
	require.NoError(t, err)
	assert.Equal(t, ModeFeSEM, mode)

	_, err = ParseRunMode("")
	assert.ErrorIs(t, err, errors.ErrUnknownRunMode)
}

func TestSelectClients(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	cfg.ClientsPerRound = 10
	cfg.DropPercent = 0.3
	cfg.NumEpochs = 5
	s := createTestServer(t, cfg, 20)

	selected, stragglers := s.selectClients(4)
	require.Len(t, selected, 10)
	assert.Len(t, stragglers, 3)

	picked := make(map[string]bool)
	for _, c := range selected {
		picked[c.ID] = true
	}
	for id, epochs := range stragglers {
		assert.True(t, picked[id], "straggler %s was not selected", id)
		assert.GreaterOrEqual(t, epochs, 1)
		assert.Less(t, epochs, cfg.NumEpochs)
	}

	again, againStragglers := s.selectClients(4)
	assert.Equal(t, selected, again)
	assert.Equal(t, stragglers, againStragglers)

	other, _ := s.selectClients(5)
	assert.NotEqual(t, selected, other)
}

func TestSelectClientsCapsAtPopulation(t *testing.T) {
	cfg := createTestConfig(ModeIFCA)
	cfg.ClientsPerRound = 50
	s := createTestServer(t, cfg, 8)

	selected, stragglers := s.selectClients(0)
	assert.Len(t, selected, 8)
	assert.Empty(t, stragglers)
}

func TestInitializeFedGroup(t *testing.T) {
	s := createTestServer(t, createTestConfig(ModeFedGroup), 30)
	require.NoError(t, s.Initialize(background))

	for _, c := range s.Clients() {
		assert.False(t, c.IsCold(), "client %s is cold", c.ID)
		assert.Less(t, c.Group(), 3)
	}
	for _, g := range s.Groups() {
		assert.Equal(t, s.LatestModel().Len(), g.LatestModel.Len())
	}

	// a second call is a no-op
	before := s.Groups()[0].LatestModel.Clone()
	require.NoError(t, s.Initialize(background))
	assert.Equal(t, before, s.Groups()[0].LatestModel)
}

func TestInitializeAffinityModesSeedGroupsDistinctly(t *testing.T) {
	for _, mode := range []RunMode{ModeIFCA, ModeFeSEM} {
		t.Run(string(mode), func(t *testing.T) {
			s := createTestServer(t, createTestConfig(mode), 12)
			handleBefore := s.handle.Params()
			require.NoError(t, s.Initialize(background))

			groups := s.Groups()
			assert.NotEqual(t, groups[0].LatestModel, groups[1].LatestModel)
			assert.NotEqual(t, groups[1].LatestModel, groups[2].LatestModel)
			assert.Equal(t, handleBefore, s.handle.Params())

			for _, c := range s.Clients() {
				assert.True(t, c.IsCold(), "affinity modes place clients per round")
			}
		})
	}
}

func TestInitializeRandomCenters(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	cfg.RandomCenters = true
	s := createTestServer(t, cfg, 15)
	require.NoError(t, s.Initialize(background))

	for _, c := range s.Clients() {
		assert.False(t, c.IsCold())
	}
	for _, g := range s.Groups() {
		assert.False(t, g.LatestModel.Norm() == 0 && g.LatestUpdate.Norm() == 0)
	}
}

func TestRunRoundPartition(t *testing.T) {
	for _, mode := range []RunMode{ModeFedGroup, ModeIFCA, ModeFeSEM} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := createTestConfig(mode)
			cfg.DropPercent = 0.2
			s := createTestServer(t, cfg, 24)

			report, err := s.RunRound(background, 0)
			require.NoError(t, err)
			require.Len(t, report.Selected, cfg.ClientsPerRound)
			assert.NotNil(t, report.Summary)

			selected := make([]*Client, 0, len(report.Selected))
			for _, id := range report.Selected {
				c, ok := s.Client(id)
				require.True(t, ok)
				selected = append(selected, c)
			}
			assertPartition(t, s, selected)

			total := 0
			for gid, ids := range report.Groups {
				assert.Equal(t, s.Groups()[gid].ClientIDs(), ids)
				total += len(ids)
			}
			assert.Equal(t, len(report.Selected), total)

			for _, id := range report.Selected {
				assert.Greater(t, s.Ledger().Get(id, 0).Flops, int64(0))
			}
		})
	}
}

func TestRunRoundEvaluatesOnSchedule(t *testing.T) {
	cfg := createTestConfig(ModeIFCA)
	cfg.EvalEvery = 2
	sink := &memorySink{}
	s := createTestServer(t, cfg, 12, WithMetricsSink(sink))

	r0, err := s.RunRound(background, 0)
	require.NoError(t, err)
	assert.NotNil(t, r0.Summary)

	r1, err := s.RunRound(background, 1)
	require.NoError(t, err)
	assert.Nil(t, r1.Summary)

	assert.Len(t, sink.summaries, 1)
	assert.Len(t, sink.stats, cfg.NumGroups)
	require.Contains(t, sink.diffs, 0)
	assert.Len(t, sink.diffs[0], cfg.NumGroups+1)
}

func TestRunDeterministic(t *testing.T) {
	for _, mode := range []RunMode{ModeFedGroup, ModeIFCA, ModeFeSEM} {
		t.Run(string(mode), func(t *testing.T) {
			run := func() (*Server, []*RoundReport) {
				cfg := createTestConfig(mode)
				cfg.DropPercent = 0.3
				cfg.AggLR = 0.1
				s := createTestServer(t, cfg, 24, WithRunID("determinism"))
				require.NoError(t, s.Initialize(background))

				var reports []*RoundReport
				for round := 0; round < cfg.NumRounds; round++ {
					r, err := s.RunRound(background, round)
					require.NoError(t, err)
					reports = append(reports, r)
				}
				return s, reports
			}

			a, ra := run()
			b, rb := run()

			for i := range ra {
				assert.Equal(t, ra[i].Selected, rb[i].Selected)
				assert.Equal(t, ra[i].Stragglers, rb[i].Stragglers)
				assert.Equal(t, ra[i].Groups, rb[i].Groups)
			}
			assert.InDeltaSlice(t, a.LatestModel(), b.LatestModel(), 1e-12)
			for i := range a.Groups() {
				assert.InDeltaSlice(t, a.Groups()[i].LatestModel, b.Groups()[i].LatestModel, 1e-12)
			}
		})
	}
}

func TestRunParallelPretrainMatchesSerial(t *testing.T) {
	run := func(workers int) models.Params {
		cfg := createTestConfig(ModeFedGroup)
		cfg.Workers = workers
		s := createTestServer(t, cfg, 24)
		require.NoError(t, s.Initialize(background))
		_, err := s.RunRound(background, 0)
		require.NoError(t, err)
		return s.LatestModel()
	}
	assert.InDeltaSlice(t, run(1), run(4), 1e-12)
}

func TestRunWithReclusterAndTemperature(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	cfg.NumRounds = 4
	cfg.ReclusterEpoch = 2
	cfg.ClientTemp = 1
	cfg.AggLR = 0.05
	rec := &countingRecorder{}
	store := &memoryStore{}
	s := createTestServer(t, cfg, 24, WithRecorder(rec), WithCheckpointStore(store))

	require.NoError(t, s.Run(background))

	assert.Equal(t, cfg.NumRounds, rec.rounds)
	assert.Equal(t, 1, rec.reclusters)
	assert.Greater(t, rec.cost.Flops, int64(0))
	assert.Len(t, store.snapshots, cfg.NumRounds)

	for _, c := range s.Clients() {
		assert.False(t, c.IsCold())
	}

	st := s.Status()
	assert.True(t, st.Finished)
	assert.False(t, st.Running)
	assert.Equal(t, cfg.NumRounds-1, st.Round)
	assert.Equal(t, 1, st.Reclusters)
	assert.Equal(t, rec.migrations, st.Migrations)
	require.NotNil(t, st.LastSummary)
	assert.Equal(t, cfg.NumRounds, st.LastSummary.Round)
	assert.Len(t, st.Groups, cfg.NumGroups)
}

func TestReclusterSkippedWithRandomCenters(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	cfg.RandomCenters = true
	cfg.ReclusterEpoch = 1
	s := createTestServer(t, cfg, 15)
	require.NoError(t, s.Initialize(background))

	_, err := s.RunRound(background, 0)
	require.NoError(t, err)
	report, err := s.RunRound(background, 1)
	require.NoError(t, err)
	assert.False(t, report.Reclustered)
}

func TestReclusterSkippedOutsideFedGroup(t *testing.T) {
	cfg := createTestConfig(ModeIFCA)
	cfg.ReclusterEpoch = 1
	s := createTestServer(t, cfg, 12)

	_, err := s.RunRound(background, 0)
	require.NoError(t, err)
	report, err := s.RunRound(background, 1)
	require.NoError(t, err)
	assert.False(t, report.Reclustered)
}

func TestRunCancelled(t *testing.T) {
	s := createTestServer(t, createTestConfig(ModeIFCA), 12)
	ctx, cancel := context.WithCancel(background)
	cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Status().Finished)
}

func TestSnapshotRestore(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	cfg.ClientTemp = 3
	s := createTestServer(t, cfg, 24)
	for round := 0; round < 2; round++ {
		_, err := s.RunRound(background, round)
		require.NoError(t, err)
	}

	snap := s.Snapshot(1)
	assert.Equal(t, s.RunID(), snap.RunID)
	assert.Len(t, snap.GroupModels, cfg.NumGroups)
	assert.Len(t, snap.Clients, 24)
	assert.Len(t, snap.Temperatures, 24)

	fresh := createTestServer(t, cfg, 24)
	require.NoError(t, fresh.Restore(snap))
	assert.Equal(t, s.LatestModel(), fresh.LatestModel())
	assert.Equal(t, s.LatestUpdate(), fresh.LatestUpdate())
	for i := range s.Groups() {
		assert.Equal(t, s.Groups()[i].LatestModel, fresh.Groups()[i].LatestModel)
	}

	ranked := 0
	for _, c := range s.Clients() {
		other, ok := fresh.Client(c.ID)
		require.True(t, ok)
		assert.Equal(t, c.Group(), other.Group(), "client %s", c.ID)
		assert.Equal(t, c.Difference, other.Difference, "client %s", c.ID)
		assert.Equal(t, c.LocalModel, other.LocalModel, "client %s", c.ID)
		assert.Equal(t, c.LocalUpdate, other.LocalUpdate, "client %s", c.ID)
		assert.Equal(t, c.Clustering, other.Clustering, "client %s", c.ID)
		if len(c.Difference) == cfg.NumGroups {
			ranked++
		}
	}
	assert.Greater(t, ranked, 0)

	// the snapshot is a copy
	snap.Clients[s.Clients()[0].ID].LocalModel[0] += 1
	assert.Equal(t, s.Clients()[0].LocalModel, fresh.Clients()[0].LocalModel)

	// restored servers continue without re-initializing
	_, err := fresh.RunRound(background, 2)
	require.NoError(t, err)
}

func TestRestoreClearsUnknownClients(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	s := createTestServer(t, cfg, 12)
	require.NoError(t, s.Initialize(background))

	snap := s.Snapshot(0)
	missing := s.Clients()[0].ID
	delete(snap.Clients, missing)
	bad := s.Clients()[1].ID
	state := snap.Clients[bad]
	state.Group = cfg.NumGroups
	snap.Clients[bad] = state

	fresh := createTestServer(t, cfg, 12)
	require.NoError(t, fresh.Restore(snap))
	for _, id := range []string{missing, bad} {
		c, ok := fresh.Client(id)
		require.True(t, ok)
		assert.True(t, c.IsCold(), "client %s", id)
		assert.Empty(t, c.Difference)
		assert.False(t, c.Clustering)
	}
}

func TestResumedRunMatchesContinuousRun(t *testing.T) {
	cfg := createTestConfig(ModeFedGroup)
	cfg.NumRounds = 4
	cfg.ClientsPerRound = 10
	cfg.Evenly = true
	cfg.ReclusterEpoch = 2

	continuous := createTestServer(t, cfg, 24, WithRunID("resume"))
	var want []*RoundReport
	for round := 0; round < cfg.NumRounds; round++ {
		r, err := continuous.RunRound(background, round)
		require.NoError(t, err)
		want = append(want, r)
	}

	first := createTestServer(t, cfg, 24, WithRunID("resume"))
	for round := 0; round < 2; round++ {
		_, err := first.RunRound(background, round)
		require.NoError(t, err)
	}
	resumed := createTestServer(t, cfg, 24, WithRunID("resume"))
	require.NoError(t, resumed.Restore(first.Snapshot(1)))

	for round := 2; round < cfg.NumRounds; round++ {
		r, err := resumed.RunRound(background, round)
		require.NoError(t, err)
		assert.Equal(t, want[round].Groups, r.Groups, "round %d", round)
		assert.Equal(t, want[round].Reclustered, r.Reclustered, "round %d", round)
	}
	assert.InDeltaSlice(t, continuous.LatestModel(), resumed.LatestModel(), 1e-12)
	for i := range continuous.Groups() {
		assert.InDeltaSlice(t, continuous.Groups()[i].LatestModel, resumed.Groups()[i].LatestModel, 1e-12)
	}
}

func TestRunFromContinuesAfterRestore(t *testing.T) {
	cfg := createTestConfig(ModeIFCA)
	s := createTestServer(t, cfg, 12)
	_, err := s.RunRound(background, 0)
	require.NoError(t, err)

	fresh := createTestServer(t, cfg, 12)
	require.NoError(t, fresh.Restore(s.Snapshot(0)))
	assert.Error(t, fresh.RunFrom(background, cfg.NumRounds+1))
	assert.Error(t, fresh.RunFrom(background, -1))

	require.NoError(t, fresh.RunFrom(background, 1))
	status := fresh.Status()
	assert.True(t, status.Finished)
	assert.Equal(t, cfg.NumRounds-1, status.Round)
}

func TestRestoreRejectsMismatch(t *testing.T) {
	s := createTestServer(t, createTestConfig(ModeIFCA), 12)
	snap := s.Snapshot(0)

	snap.GroupModels = snap.GroupModels[:1]
	assert.Error(t, s.Restore(snap))

	snap = s.Snapshot(0)
	snap.GlobalModel = models.NewParams(2)
	assert.ErrorIs(t, s.Restore(snap), errors.ErrShapeMismatch)
}

func TestReassignWarmClients(t *testing.T) {
	s := createTestServer(t, createTestConfig(ModeFedGroup), 24)
	require.NoError(t, s.Initialize(background))

	for _, c := range s.Clients() {
		c.Difference = nil
	}
	require.NoError(t, s.ReassignWarmClients(background))

	for _, c := range s.Clients() {
		assert.False(t, c.IsCold())
		assert.Len(t, c.Difference, 3)
		assert.Equal(t, argmin(c.Difference), c.Group())
	}
}
