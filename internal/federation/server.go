package federation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// Server drives the simulation: it owns the groups and the global model and
// moves clients between them round by round.
type Server struct {
	config *Config
	runID  string
	logger *logrus.Logger

	handle   interfaces.Model
	policy   Policy
	assigner *ClusterAssigner

	clients []*Client
	byID    map[string]*Client
	groups  []*Group

	latestModel  models.Params
	latestUpdate models.Params

	temps  *Temperature
	ledger *Ledger

	sink     interfaces.MetricsSink
	store    interfaces.CheckpointStore
	recorder interfaces.RoundRecorder

	// rng drives sampling and random scheduling. RunRound reseeds it from the run
	// seed and the round so a resumed run draws what a continuous one would.
	rng *rand.Rand

	initialized bool
	mu          sync.RWMutex
	status      Status
}

// Status is a read-only view of the simulation progress.
type Status struct {
	RunID       string               `json:"run_id"`
	Mode        string               `json:"mode"`
	Round       int                  `json:"round"`
	NumRounds   int                  `json:"num_rounds"`
	Running     bool                 `json:"running"`
	Finished    bool                 `json:"finished"`
	Migrations  int                  `json:"migrations"`
	Reclusters  int                  `json:"reclusters"`
	Groups      []GroupStatus        `json:"groups"`
	LastSummary *models.RoundSummary `json:"last_summary,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// GroupStatus summarises one group in Status.
type GroupStatus struct {
	ID         int      `json:"id"`
	Members    []string `json:"members"`
	LatestDiff float64  `json:"latest_diff"`
}

// RoundReport describes what happened in one round.
type RoundReport struct {
	Round       int
	Selected    []string
	Stragglers  map[string]int
	Groups      map[int][]string
	Summary     *models.RoundSummary
	Migrations  int
	Reclustered bool
	Duration    time.Duration
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithMetricsSink sets where evaluation records are written.
func WithMetricsSink(sink interfaces.MetricsSink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithCheckpointStore enables a snapshot after every round.
func WithCheckpointStore(store interfaces.CheckpointStore) Option {
	return func(s *Server) { s.store = store }
}

// WithRecorder sets the live metrics recorder.
func WithRecorder(recorder interfaces.RoundRecorder) Option {
	return func(s *Server) { s.recorder = recorder }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(s *Server) { s.runID = id }
}

// NewServer creates a server over the given population. handle is the shared model
// whose current parameters become the initial global model.
func NewServer(config *Config, handle interfaces.Model, data []models.ClientData, logger *logrus.Logger, opts ...Option) (*Server, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingField, "simulation config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingField, "model handle is required")
	}
	if len(data) == 0 {
		return nil, errors.NewAppError(errors.ErrorTypeDataset, errors.CodeDatasetInvalid, "population is empty")
	}
	if logger == nil {
		logger = logrus.New()
	}

	initial := handle.Params()
	s := &Server{
		config:       config,
		runID:        uuid.New().String(),
		logger:       logger,
		handle:       handle,
		byID:         make(map[string]*Client, len(data)),
		latestModel:  initial.Clone(),
		latestUpdate: initial.Clone(),
		ledger:       NewLedger(),
		rng:          rand.New(rand.NewSource(config.Seed)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, d := range data {
		if _, dup := s.byID[d.ID]; dup {
			return nil, errors.NewAppError(errors.ErrorTypeDataset, errors.CodeDatasetInvalid,
				"duplicate client id").WithContext("client", d.ID)
		}
		c := NewClient(d, initial)
		s.clients = append(s.clients, c)
		s.byID[c.ID] = c
	}

	s.groups = make([]*Group, config.NumGroups)
	for i := range s.groups {
		s.groups[i] = NewGroup(i, initial)
		s.groups[i].MinClients = config.MinClients
	}

	global := func() models.Params { return s.latestModel }
	s.policy = NewPolicy(config.Mode(), handle, global, config)
	s.assigner = NewClusterAssigner(ClusterConfig{
		NumClusters:   config.NumGroups,
		MADC:          config.MADC,
		PretrainIters: config.PretrainIters,
		BatchSize:     config.BatchSize,
		Seed:          config.ClusterSeed,
		Workers:       config.Workers,
	}, handle, global, logger)
	s.temps = NewTemperature(config.ClientTemp, s.clients)

	s.status = Status{RunID: s.runID, Mode: config.RunMode, NumRounds: config.NumRounds}
	return s, nil
}

// RunID returns the run identifier.
func (s *Server) RunID() string { return s.runID }

// Policy returns the run-mode policy.
func (s *Server) Policy() Policy { return s.policy }

// Groups returns the groups ordered by id.
func (s *Server) Groups() []*Group { return s.groups }

// Clients returns the population in load order.
func (s *Server) Clients() []*Client { return s.clients }

// Client looks up a client by id.
func (s *Server) Client(id string) (*Client, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// LatestModel returns a copy of the global model.
func (s *Server) LatestModel() models.Params { return s.latestModel.Clone() }

// LatestUpdate returns a copy of the last global update.
func (s *Server) LatestUpdate() models.Params { return s.latestUpdate.Clone() }

// Ledger returns the cost ledger.
func (s *Server) Ledger() *Ledger { return s.ledger }

// Temperatures returns the temperature table.
func (s *Server) Temperatures() *Temperature { return s.temps }

// Status returns a snapshot of the progress.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Groups = append([]GroupStatus(nil), s.status.Groups...)
	return st
}

// Initialize gives every group a starting model and, under FedGroup, places every
// client. It runs once; Run calls it when needed.
func (s *Server) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	start := time.Now()
	if err := s.groupColdStart(ctx); err != nil {
		return err
	}

	for _, c := range s.clients {
		if c.IsCold() {
			if err := s.policy.ColdStart(ctx, s, c); err != nil {
				return err
			}
		}
	}

	s.initialized = true
	s.logger.WithFields(logrus.Fields{
		"run_id":   s.runID,
		"mode":     s.policy.Mode(),
		"clients":  len(s.clients),
		"groups":   len(s.groups),
		"duration": time.Since(start),
	}).Info("Initialized groups")
	return nil
}

// Run executes every round followed by a final evaluation.
func (s *Server) Run(ctx context.Context) error {
	return s.RunFrom(ctx, 0)
}

// RunFrom executes rounds [start, NumRounds) followed by a final evaluation. It is
// used to continue a run after Restore.
func (s *Server) RunFrom(ctx context.Context, start int) error {
	if start < 0 || start > s.config.NumRounds {
		return errors.NewValidationError(errors.CodeOutOfRange, "start round outside the configured rounds").
			WithContext("start", start)
	}
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.setRunning(true)
	defer s.setRunning(false)

	for round := start; round < s.config.NumRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.RunRound(ctx, round); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
	}

	stats, summary := s.evaluateGroups(s.config.NumRounds)
	s.publish(ctx, stats, &summary, nil)
	s.logger.WithFields(logrus.Fields{
		"run_id":        s.runID,
		"rounds":        s.config.NumRounds,
		"test_accuracy": summary.TestAccuracy,
		"train_loss":    summary.TrainLoss,
	}).Info("Simulation finished")

	s.mu.Lock()
	s.status.Finished = true
	s.status.LastSummary = &summary
	s.mu.Unlock()
	return nil
}

// RunRound executes one round: selection, scheduling, evaluation, training,
// aggregation and the dynamic regrouping steps.
func (s *Server) RunRound(ctx context.Context, round int) (*RoundReport, error) {
	if !s.initialized {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	s.rng = rand.New(rand.NewSource(scheduleSeed(s.config.Seed, round)))
	selected, stragglers := s.selectClients(round)
	report := &RoundReport{
		Round:      round,
		Stragglers: stragglers,
		Groups:     make(map[int][]string),
	}
	for _, c := range selected {
		report.Selected = append(report.Selected, c.ID)
	}

	for _, g := range s.groups {
		g.Clear()
	}

	for _, c := range selected {
		if c.IsCold() {
			if err := s.policy.ColdStart(ctx, s, c); err != nil {
				return nil, err
			}
		}
	}
	if err := s.policy.Reschedule(ctx, s, selected); err != nil {
		return nil, err
	}

	handling := s.nonEmptyGroups()
	for _, g := range s.groups {
		if g.IsEmpty() {
			s.logger.WithFields(logrus.Fields{"round": round, "group": g.ID}).Debug("Group is empty")
			continue
		}
		g.Freeze()
		report.Groups[g.ID] = g.ClientIDs()
		s.logger.WithFields(logrus.Fields{
			"round":   round,
			"group":   g.ID,
			"clients": g.Size(),
		}).Debug("Group scheduled")
	}

	if round%s.config.EvalEvery == 0 {
		stats, summary := s.evaluateGroups(round)
		diffs := s.measureClientGroupDiffs()
		summary.Discrepancy = diffs[0]
		report.Summary = &summary
		s.publish(ctx, stats, &summary, diffs)

		s.logger.WithFields(logrus.Fields{
			"round":          round,
			"test_accuracy":  summary.TestAccuracy,
			"train_accuracy": summary.TrainAccuracy,
			"train_loss":     summary.TrainLoss,
			"discrepancy":    diffs[0],
			"group_global":   s.measureGroupDiffs(),
		}).Info("Evaluated groups")
	}

	trained := make(map[string]models.Params)
	home := make(map[string]int)
	for _, g := range handling {
		for e := 0; e < s.config.GroupEpochs; e++ {
			out, err := g.Train(ctx, s.handle, TrainOptions{
				Round:      round,
				Epochs:     s.config.NumEpochs,
				BatchSize:  s.config.BatchSize,
				Stragglers: stragglers,
			}, s.ledger, s.logger)
			if err != nil {
				return nil, err
			}
			for id, p := range out {
				trained[id] = p
				home[id] = g.ID
			}
		}
	}

	if err := AggregateGroups(s.groups, s.policy.InterGroupLR(s.config.AggLR)); err != nil {
		return nil, err
	}

	refreshFrom := handling
	if len(refreshFrom) == 0 {
		refreshFrom = s.groups
	}
	if err := s.refreshGlobalModel(refreshFrom); err != nil {
		return nil, err
	}

	if s.config.ReclusterEpoch > 0 && round > 0 && round%s.config.ReclusterEpoch == 0 {
		done, err := s.groupRecluster(ctx)
		if err != nil {
			return nil, err
		}
		report.Reclustered = done
	}

	if s.config.ClientTemp > 0 && s.policy.Mode() == ModeFedGroup {
		migrations, err := s.refreshClientTemperature(ctx, trained, home)
		if err != nil {
			return nil, err
		}
		report.Migrations = migrations
	}

	if s.store != nil {
		if err := s.store.Store(ctx, s.Snapshot(round)); err != nil {
			s.logger.WithError(err).WithField("round", round).Warn("Failed to store checkpoint")
		}
	}

	report.Duration = time.Since(start)
	s.record(round, report)
	return report, nil
}

// selectClients draws the round's participants and the stragglers among them.
// Both draws come from a source seeded by the run seed and the round index, so a
// round's selection does not depend on what happened in earlier rounds.
func (s *Server) selectClients(round int) ([]*Client, map[string]int) {
	rng := rand.New(rand.NewSource(roundSeed(s.config.Seed, round)))

	n := s.config.ClientsPerRound
	if n > len(s.clients) {
		n = len(s.clients)
	}
	picked := rng.Perm(len(s.clients))[:n]
	sort.Ints(picked)

	selected := make([]*Client, n)
	for i, idx := range picked {
		selected[i] = s.clients[idx]
	}

	active := int(math.Round(float64(n) * (1 - s.config.DropPercent)))
	stragglers := make(map[string]int)
	for _, pos := range rng.Perm(n)[active:] {
		epochs := 1
		if s.config.NumEpochs > 1 {
			epochs = 1 + rng.Intn(s.config.NumEpochs-1)
		}
		stragglers[selected[pos].ID] = epochs
	}
	return selected, stragglers
}

func roundSeed(seed int64, round int) int64 {
	return seed*1_000_003 + int64(round)
}

// scheduleSeed seeds the round's scheduling and reclustering draws, kept apart
// from the selection stream.
func scheduleSeed(seed int64, round int) int64 {
	return roundSeed(seed, round) ^ 0x5bd1e995
}

// ColdStartClient places a client using the run mode's policy.
func (s *Server) ColdStartClient(ctx context.Context, c *Client) error {
	return s.policy.ColdStart(ctx, s, c)
}

// coldStartClient ranks the client against every group and records its closest
// group without touching any membership.
func (s *Server) coldStartClient(ctx context.Context, c *Client, estimator Estimator) error {
	if !c.IsCold() {
		s.logger.WithFields(logrus.Fields{
			"client": c.ID,
			"group":  c.Group(),
		}).Warn("Client already has a group")
	}

	diffs, err := estimator.MeasureAll(ctx, c, s.groups)
	if err != nil {
		return fmt.Errorf("failed to cold start client %s: %w", c.ID, err)
	}
	c.Difference = diffs
	c.SetGroup(argmin(diffs))
	return nil
}

// ReassignWarmClients cold starts every warm client again.
func (s *Server) ReassignWarmClients(ctx context.Context) error {
	for _, c := range s.clients {
		if c.IsCold() {
			continue
		}
		c.ClearGroup()
		if err := s.policy.ColdStart(ctx, s, c); err != nil {
			return err
		}
	}
	return nil
}

// groupColdStart gives every group its first model.
func (s *Server) groupColdStart(ctx context.Context) error {
	if s.policy.Mode() != ModeFedGroup {
		backup := s.handle.Params()
		defer s.handle.SetParams(backup)

		for idx, g := range s.groups {
			seed := (int64(idx) + s.config.Seed) * constants.GroupSeedMultiplier
			params := s.handle.Reinitialize(seed)
			g.LatestModel = params.Clone()
			g.LatestUpdate = params.Clone()
		}
		return nil
	}

	if s.config.RandomCenters {
		if len(s.clients) < len(s.groups) {
			return errors.WrapError(errors.ErrInsufficientClients, errors.ErrorTypeClustering,
				errors.CodeClusteringFailed, "not enough clients to seed every group")
		}
		for i, idx := range s.rng.Perm(len(s.clients))[:len(s.groups)] {
			c := s.clients[idx]
			g := s.groups[i]
			g.LatestModel, g.LatestUpdate = preTrain(s.handle, c, s.latestModel, s.config.PretrainIters, s.config.BatchSize)
			c.SetGroup(g.ID)
		}
		return nil
	}

	sample := s.sampleClients(s.clients, len(s.groups)*constants.ClusteringAlpha)
	for _, c := range sample {
		c.Clustering = true
	}
	return s.applyClusters(ctx, sample)
}

// groupRecluster re-clusters a sample of warm clients and re-seeds every group from
// the result. It reports whether reclustering took place.
func (s *Server) groupRecluster(ctx context.Context) (bool, error) {
	if s.policy.Mode() != ModeFedGroup {
		return false, nil
	}
	if s.config.RandomCenters {
		s.logger.WithError(errors.ErrConfigConflict).Warn("Random cluster centers conflict with reclustering, skipping")
		return false, nil
	}

	var warm []*Client
	for _, c := range s.clients {
		if !c.IsCold() {
			warm = append(warm, c)
		}
	}
	sample := s.sampleClients(warm, len(s.groups)*constants.ClusteringAlpha)

	for _, c := range warm {
		c.Clustering = false
		c.Difference = nil
		c.ClearGroup()
	}
	for _, c := range sample {
		c.Clustering = true
	}

	if err := s.applyClusters(ctx, sample); err != nil {
		return false, err
	}
	if err := s.refreshGlobalModel(s.groups); err != nil {
		return false, err
	}

	for _, c := range warm {
		if c.IsCold() {
			if err := s.policy.ColdStart(ctx, s, c); err != nil {
				return false, err
			}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"warm":    len(warm),
		"sampled": len(sample),
	}).Info("Reclustered groups")
	return true, nil
}

func (s *Server) applyClusters(ctx context.Context, sample []*Client) error {
	clusters, err := s.assigner.Assign(ctx, sample)
	if err != nil {
		return err
	}
	for i, cl := range clusters {
		g := s.groups[i]
		g.LatestModel = cl.Model
		g.LatestUpdate = cl.Update
		for _, c := range cl.Clients {
			c.SetGroup(g.ID)
		}
	}
	return nil
}

// sampleClients draws min(n, len(from)) clients without replacement.
func (s *Server) sampleClients(from []*Client, n int) []*Client {
	if n > len(from) {
		n = len(from)
	}
	out := make([]*Client, n)
	for i, idx := range s.rng.Perm(len(from))[:n] {
		out[i] = from[idx]
	}
	return out
}

// refreshGlobalModel sets the global model to the unweighted mean of the groups.
func (s *Server) refreshGlobalModel(groups []*Group) error {
	next, err := meanModel(groups)
	if err != nil {
		return err
	}
	s.latestUpdate = next.Sub(s.latestModel)
	s.latestModel = next
	return nil
}

func (s *Server) nonEmptyGroups() []*Group {
	var out []*Group
	for _, g := range s.groups {
		if !g.IsEmpty() {
			out = append(out, g)
		}
	}
	return out
}

func (s *Server) activeGroupCount() int {
	return len(s.nonEmptyGroups())
}

// Snapshot captures the state needed to inspect or resume after round.
func (s *Server) Snapshot(round int) *models.Snapshot {
	snap := &models.Snapshot{
		RunID:        s.runID,
		Round:        round,
		Mode:         string(s.policy.Mode()),
		GlobalModel:  s.latestModel.Clone(),
		GlobalUpdate: s.latestUpdate.Clone(),
		GroupModels:  make([]models.Params, len(s.groups)),
		GroupUpdates: make([]models.Params, len(s.groups)),
		Clients:      make(map[string]models.ClientState, len(s.clients)),
		CreatedAt:    time.Now().UTC(),
	}
	for i, g := range s.groups {
		snap.GroupModels[i] = g.LatestModel.Clone()
		snap.GroupUpdates[i] = g.LatestUpdate.Clone()
	}
	for _, c := range s.clients {
		snap.Clients[c.ID] = models.ClientState{
			Group:       c.Group(),
			Difference:  append([]float64(nil), c.Difference...),
			LocalModel:  c.LocalModel.Clone(),
			LocalUpdate: c.LocalUpdate.Clone(),
			Clustering:  c.Clustering,
		}
	}
	if s.config.ClientTemp > 0 {
		snap.Temperatures = s.temps.Snapshot()
	}
	return snap
}

// Restore loads group and global models and client state from a snapshot.
// Clients missing from the snapshot stay cold.
func (s *Server) Restore(snap *models.Snapshot) error {
	if len(snap.GroupModels) != len(s.groups) || len(snap.GroupUpdates) != len(s.groups) {
		return errors.NewConfigurationError(errors.CodeConfigConflict, "snapshot group count does not match").
			WithContext("snapshot", len(snap.GroupModels)).WithContext("groups", len(s.groups))
	}
	if !snap.GlobalModel.SameShape(s.latestModel) {
		return errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAggregation,
			errors.CodeShapeMismatch, "snapshot model does not match the handle")
	}

	s.latestModel = snap.GlobalModel.Clone()
	s.latestUpdate = snap.GlobalUpdate.Clone()
	for i, g := range s.groups {
		g.LatestModel = snap.GroupModels[i].Clone()
		g.LatestUpdate = snap.GroupUpdates[i].Clone()
	}
	for _, c := range s.clients {
		state, ok := snap.Clients[c.ID]
		if !ok || state.Group < NoGroup || state.Group >= len(s.groups) {
			c.ClearGroup()
			c.Difference = nil
			c.Clustering = false
			continue
		}
		c.SetGroup(state.Group)
		c.Clustering = state.Clustering
		c.Difference = nil
		if len(state.Difference) == len(s.groups) {
			c.Difference = append([]float64(nil), state.Difference...)
		}
		if state.LocalModel.SameShape(s.latestModel) {
			c.LocalModel = state.LocalModel.Clone()
		}
		if state.LocalUpdate.SameShape(s.latestModel) {
			c.LocalUpdate = state.LocalUpdate.Clone()
		}
	}
	for id, t := range snap.Temperatures {
		if _, ok := s.byID[id]; ok {
			s.temps.temps[id] = t
		}
	}
	s.initialized = true
	return nil
}

func (s *Server) publish(ctx context.Context, stats []models.GroupStats, summary *models.RoundSummary, diffs []float64) {
	if s.recorder != nil {
		for _, st := range stats {
			s.recorder.SetGroupAccuracy(st.GroupID, st.TestAccuracy, st.TrainAccuracy)
		}
		for i, d := range diffs {
			s.recorder.SetDiscrepancy(i-1, d)
		}
	}

	if s.sink == nil {
		return
	}
	if err := s.sink.WriteGroupStats(ctx, stats); err != nil {
		s.logger.WithError(err).Warn("Failed to write group stats")
	}
	if summary != nil {
		if err := s.sink.WriteRoundSummary(ctx, *summary); err != nil {
			s.logger.WithError(err).Warn("Failed to write round summary")
		}
	}
	if diffs != nil {
		if err := s.sink.WriteDiscrepancy(ctx, s.runID, summary.Round, diffs); err != nil {
			s.logger.WithError(err).Warn("Failed to write discrepancy")
		}
	}
}

func (s *Server) record(round int, report *RoundReport) {
	if s.recorder != nil {
		s.recorder.ObserveRound(string(s.policy.Mode()), round, report.Duration)
		for _, g := range s.groups {
			s.recorder.SetGroupMembers(g.ID, g.Size())
		}
		if report.Migrations > 0 {
			s.recorder.AddMigrations(report.Migrations)
		}
		if report.Reclustered {
			s.recorder.IncReclusters()
		}
		s.recorder.AddCost(s.ledger.RoundTotal(round))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Round = round
	s.status.Migrations += report.Migrations
	if report.Reclustered {
		s.status.Reclusters++
	}
	if report.Summary != nil {
		s.status.LastSummary = report.Summary
	}
	s.status.Groups = make([]GroupStatus, len(s.groups))
	for i, g := range s.groups {
		s.status.Groups[i] = GroupStatus{ID: g.ID, Members: g.ClientIDs(), LatestDiff: g.LatestDiff}
	}
	s.status.UpdatedAt = time.Now()

	s.logger.WithFields(logrus.Fields{
		"round":      round,
		"selected":   len(report.Selected),
		"stragglers": len(report.Stragglers),
		"migrations": report.Migrations,
		"duration":   report.Duration,
	}).Info("Round completed")
}

func (s *Server) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = running
	s.status.UpdatedAt = time.Now()
}
