package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/internal/config"
	"github.com/inferloop/fedgroup/internal/dataset"
	"github.com/inferloop/fedgroup/internal/export"
	"github.com/inferloop/fedgroup/internal/federation"
	"github.com/inferloop/fedgroup/internal/observability/health"
	"github.com/inferloop/fedgroup/internal/observability/metrics"
	"github.com/inferloop/fedgroup/internal/storage/implementations/file"
	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func createTestRun(t *testing.T) (*config.Config, *federation.Server, *export.SummaryCollector) {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Simulation.NumRounds = 2
	cfg.Simulation.ClientsPerRound = 6
	cfg.Simulation.NumEpochs = 2
	cfg.Simulation.PretrainIters = 5
	cfg.Data.Synthetic.NumClients = 12
	cfg.Data.Synthetic.MinSamples = 20
	cfg.Data.Synthetic.MaxSamples = 30

	population, err := loadPopulation(cfg, quietLogger())
	require.NoError(t, err)
	handle, err := newModel(cfg.Model, population)
	require.NoError(t, err)

	collector := export.NewSummaryCollector()
	server, err := federation.NewServer(&cfg.Simulation, handle, population, quietLogger(),
		federation.WithMetricsSink(collector), federation.WithRunID("cli-test"))
	require.NoError(t, err)
	return cfg, server, collector
}

func TestInferShape(t *testing.T) {
	population := []models.ClientData{
		{ID: "a", Train: models.Dataset{Features: [][]float64{{1, 2, 3}}, Labels: []int{1}}},
		{ID: "b", Test: models.Dataset{Features: [][]float64{{1, 2, 3}}, Labels: []int{4}}},
	}
	dim, classes := inferShape(population)
	assert.Equal(t, 3, dim)
	assert.Equal(t, 5, classes)
}

func TestNewModelUsesSyntheticShape(t *testing.T) {
	sc := dataset.NewDefaultSyntheticConfig()
	population, err := dataset.Synthetic(sc)
	require.NoError(t, err)

	handle, err := newModel(config.NewDefaultConfig().Model, population)
	require.NoError(t, err)
	assert.Equal(t, sc.Dim*sc.NumClasses+sc.NumClasses, handle.Params().Len())
}

func TestRunWritesLedgerAndResumes(t *testing.T) {
	cfg, server, collector := createTestRun(t)
	ctx := context.Background()

	store, err := file.NewCheckpointStorage(&file.CheckpointConfig{
		BasePath: filepath.Join(cfg.OutputDir, "checkpoints"), Format: "msgpack", Compression: true,
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, server.Snapshot(0)))

	require.NoError(t, server.Run(ctx))
	require.NoError(t, writeLedger(cfg, server, collector))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "cli-test", constants.LedgerFileName))

	_, resumed, _ := createTestRun(t)
	start, err := resumeFromCheckpoint(ctx, resumed, store, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, start)

	_, err = resumeFromCheckpoint(ctx, resumed, nil, quietLogger())
	assert.Error(t, err)
}

func TestResumeWithoutSnapshots(t *testing.T) {
	_, server, _ := createTestRun(t)
	store, err := file.NewCheckpointStorage(&file.CheckpointConfig{BasePath: t.TempDir()}, quietLogger())
	require.NoError(t, err)

	_, err = resumeFromCheckpoint(context.Background(), server, store, quietLogger())
	assert.ErrorIs(t, err, errors.ErrCheckpointNotFound)
}

func TestCheckpointListAndPrune(t *testing.T) {
	_, server, _ := createTestRun(t)
	ctx := context.Background()
	store, err := file.NewCheckpointStorage(&file.CheckpointConfig{BasePath: t.TempDir(), Format: "json"}, quietLogger())
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		require.NoError(t, store.Store(ctx, server.Snapshot(r)))
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&out)
	require.NoError(t, listCheckpoints(cmd, store, "cli-test"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ROUND"))

	deleted, err := pruneCheckpoints(ctx, store, "cli-test", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	rounds, err := store.ListRounds(ctx, "cli-test")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, rounds)

	_, err = pruneCheckpoints(ctx, store, "cli-test", -1)
	assert.Error(t, err)
}

func TestStatusServerRoutes(t *testing.T) {
	_, server, _ := createTestRun(t)
	recorder, err := metrics.NewPrometheusMetrics(nil, quietLogger())
	require.NoError(t, err)

	monitor := health.NewHealthMonitor(0, quietLogger())
	monitor.RegisterCheck(health.NewBasicHealthCheck("always", func(context.Context) error { return nil }, true, 0))
	status := newStatusServer(":0", server, monitor, "/metrics", recorder.Handler(), quietLogger())
	h := status.handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st federation.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "cli-test", st.RunID)

	rec = get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"overall_status":"healthy"`)

	rec = get("/version")
	assert.Contains(t, rec.Body.String(), Version)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get("/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthMonitorReportsIdleSimulation(t *testing.T) {
	_, server, _ := createTestRun(t)
	monitor := newHealthMonitor(server, nil, quietLogger())

	status := monitor.CheckAll(context.Background())
	assert.Equal(t, health.StatusDegraded, status.OverallStatus)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var info BuildInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, Version, info.Version)
}
