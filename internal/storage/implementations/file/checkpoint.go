package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/internal/utils/encoding"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// CheckpointConfig contains configuration for file-based checkpoints
type CheckpointConfig struct {
	BasePath    string `mapstructure:"base_path" json:"base_path"`
	Format      string `mapstructure:"format" json:"format"` // msgpack, json, yaml
	Compression bool   `mapstructure:"compression" json:"compression"`
	SyncWrites  bool   `mapstructure:"sync_writes" json:"sync_writes"`
}

// CheckpointStorage keeps one file per round under BasePath/<run id>/.
type CheckpointStorage struct {
	config *CheckpointConfig
	codec  *encoding.Codec
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewCheckpointStorage creates the base directory and returns the store
func NewCheckpointStorage(config *CheckpointConfig, logger *logrus.Logger) (*CheckpointStorage, error) {
	if config == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "checkpoint config cannot be nil")
	}
	if config.BasePath == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "base_path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	codec, err := encoding.NewCodec(config.Format, config.Compression)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			fmt.Sprintf("failed to create directory: %s", config.BasePath))
	}

	return &CheckpointStorage{config: config, codec: codec, logger: logger}, nil
}

func (s *CheckpointStorage) path(runID string, round int) string {
	return filepath.Join(s.config.BasePath, filepath.FromSlash(models.SnapshotKey(runID, round))+s.codec.Extension())
}

// Store writes the snapshot atomically through a temp file
func (s *CheckpointStorage) Store(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot == nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "snapshot cannot be nil")
	}

	data, err := s.codec.Encode(snapshot)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to encode snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(snapshot.RunID, snapshot.Round)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create run directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".checkpoint-*")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write snapshot")
	}
	if s.config.SyncWrites {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to sync snapshot")
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to close snapshot")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to move snapshot into place")
	}

	s.logger.WithFields(logrus.Fields{
		"run_id": snapshot.RunID,
		"round":  snapshot.Round,
		"path":   target,
		"bytes":  len(data),
	}).Debug("Stored checkpoint")
	return nil
}

// Retrieve reads one snapshot
func (s *CheckpointStorage) Retrieve(ctx context.Context, runID string, round int) (*models.Snapshot, error) {
	s.mu.RLock()
	data, err := os.ReadFile(s.path(runID, round))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapError(errors.ErrCheckpointNotFound, errors.ErrorTypeStorage, errors.CodeNotFound,
				"checkpoint not found").WithContext("run_id", runID).WithContext("round", round)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read checkpoint")
	}

	var snap models.Snapshot
	if err := s.codec.Decode(data, &snap); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to decode checkpoint")
	}
	return &snap, nil
}

// Exists checks if a snapshot was stored for the round
func (s *CheckpointStorage) Exists(ctx context.Context, runID string, round int) (bool, error) {
	_, err := os.Stat(s.path(runID, round))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to stat checkpoint")
}

// ListRounds returns the stored rounds of a run in ascending order
func (s *CheckpointStorage) ListRounds(ctx context.Context, runID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.config.BasePath, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints")
	}

	rounds := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if round, ok := models.ParseSnapshotRound(entry.Name()); ok {
			rounds = append(rounds, round)
		}
	}
	sort.Ints(rounds)
	return rounds, nil
}

// Delete removes one snapshot; deleting a missing snapshot is not an error
func (s *CheckpointStorage) Delete(ctx context.Context, runID string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(runID, round)); err != nil && !os.IsNotExist(err) {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to delete checkpoint")
	}
	s.logger.WithFields(logrus.Fields{"run_id": runID, "round": round}).Debug("Deleted checkpoint")
	return nil
}

// Close is a no-op for files
func (s *CheckpointStorage) Close() error {
	return nil
}
