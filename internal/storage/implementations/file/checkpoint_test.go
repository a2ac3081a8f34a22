package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

var _ interfaces.CheckpointStore = (*CheckpointStorage)(nil)

func createTestStorage(t *testing.T, format string, compress bool) *CheckpointStorage {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := NewCheckpointStorage(&CheckpointConfig{
		BasePath:    t.TempDir(),
		Format:      format,
		Compression: compress,
	}, logger)
	require.NoError(t, err)
	return s
}

func createTestSnapshot(round int) *models.Snapshot {
	return &models.Snapshot{
		RunID:        "run-test",
		Round:        round,
		Mode:         "ifca",
		GlobalModel:  models.Params{1, 2},
		GlobalUpdate: models.Params{0, 1},
		GroupModels:  []models.Params{{1, 1}, {3, 3}},
		GroupUpdates: []models.Params{{0, 0}, {1, 1}},
		Clients: map[string]models.ClientState{
			"a": {Group: 0, Difference: []float64{0.1, 0.9}, LocalModel: models.Params{1, 1}},
			"b": {Group: 1, Difference: []float64{0.8, 0.2}, LocalModel: models.Params{3, 3}, Clustering: true},
		},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestNewCheckpointStorageValidation(t *testing.T) {
	_, err := NewCheckpointStorage(nil, nil)
	assert.Error(t, err)

	_, err = NewCheckpointStorage(&CheckpointConfig{}, nil)
	assert.Error(t, err)

	_, err = NewCheckpointStorage(&CheckpointConfig{BasePath: t.TempDir(), Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestCheckpointStoreRetrieve(t *testing.T) {
	for _, format := range []string{"msgpack", "json"} {
		t.Run(format, func(t *testing.T) {
			s := createTestStorage(t, format, format == "msgpack")
			ctx := context.Background()

			for _, round := range []int{3, 0, 11} {
				require.NoError(t, s.Store(ctx, createTestSnapshot(round)))
			}

			got, err := s.Retrieve(ctx, "run-test", 11)
			require.NoError(t, err)
			assert.Equal(t, 11, got.Round)
			assert.Equal(t, models.Params{1, 2}, got.GlobalModel)
			require.Len(t, got.Clients, 2)
			assert.Equal(t, 1, got.Clients["b"].Group)
			assert.Equal(t, []float64{0.8, 0.2}, got.Clients["b"].Difference)
			assert.Equal(t, models.Params{3, 3}, got.Clients["b"].LocalModel)
			assert.True(t, got.Clients["b"].Clustering)

			rounds, err := s.ListRounds(ctx, "run-test")
			require.NoError(t, err)
			assert.Equal(t, []int{0, 3, 11}, rounds)

			ok, err := s.Exists(ctx, "run-test", 3)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, "run-test", 3))
			ok, err = s.Exists(ctx, "run-test", 3)
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, s.Delete(ctx, "run-test", 3))

			require.NoError(t, s.Close())
		})
	}
}

func TestCheckpointRetrieveMissing(t *testing.T) {
	s := createTestStorage(t, "msgpack", false)
	_, err := s.Retrieve(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, errors.ErrCheckpointNotFound)

	rounds, err := s.ListRounds(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, rounds)
}

func TestCheckpointStoreLeavesNoTempFiles(t *testing.T) {
	s := createTestStorage(t, "json", false)
	require.NoError(t, s.Store(context.Background(), createTestSnapshot(1)))

	entries, err := os.ReadDir(filepath.Join(s.config.BasePath, "run-test"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "round-000001.json", entries[0].Name())
}
