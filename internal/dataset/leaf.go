package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// leafFile is the on-disk layout of one LEAF-style shard.
type leafFile struct {
	Users       []string                  `json:"users"`
	Hierarchies []string                  `json:"hierarchies,omitempty"`
	NumSamples  []int                     `json:"num_samples,omitempty"`
	UserData    map[string]models.Dataset `json:"user_data"`
}

// Loader reads federated datasets from disk.
type Loader struct {
	logger *logrus.Logger
}

// NewLoader creates a new dataset loader
func NewLoader(logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{logger: logger}
}

// Load parses every .json shard under trainDir and testDir. Clients are returned
// sorted by id; a client without test data gets an empty test partition.
func (l *Loader) Load(trainDir, testDir string) ([]models.ClientData, error) {
	train, hierarchies, err := l.readDir(trainDir)
	if err != nil {
		return nil, err
	}
	test, _, err := l.readDir(testDir)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(train))
	for id := range train {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	clients := make([]models.ClientData, 0, len(ids))
	for _, id := range ids {
		trainData := train[id]
		if len(trainData.Features) != len(trainData.Labels) {
			return nil, errors.NewAppError(errors.ErrorTypeDataset, errors.CodeDatasetInvalid,
				"feature and label counts differ").WithContext("client", id)
		}
		clients = append(clients, models.ClientData{
			ID:    id,
			Group: hierarchies[id],
			Train: trainData,
			Test:  test[id],
		})
	}

	l.logger.WithFields(logrus.Fields{
		"train_dir": trainDir,
		"test_dir":  testDir,
		"clients":   len(clients),
	}).Info("Loaded federated dataset")

	return clients, nil
}

func (l *Loader) readDir(dir string) (map[string]models.Dataset, map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read data directory %s: %w", dir, err)
	}

	data := make(map[string]models.Dataset)
	hierarchies := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var shard leafFile
		if err := json.Unmarshal(raw, &shard); err != nil {
			return nil, nil, errors.WrapError(err, errors.ErrorTypeDataset, errors.CodeDatasetInvalid,
				"failed to decode shard").WithDetails(path)
		}

		for i, user := range shard.Users {
			if i < len(shard.Hierarchies) {
				hierarchies[user] = shard.Hierarchies[i]
			}
		}
		for user, d := range shard.UserData {
			data[user] = d
		}

		l.logger.WithFields(logrus.Fields{
			"file":  path,
			"users": len(shard.Users),
		}).Debug("Read dataset shard")
	}

	return data, hierarchies, nil
}
