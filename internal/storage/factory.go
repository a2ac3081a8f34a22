package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/internal/export"
	"github.com/inferloop/fedgroup/internal/storage/implementations/file"
	"github.com/inferloop/fedgroup/internal/storage/implementations/influxdb"
	"github.com/inferloop/fedgroup/internal/storage/implementations/postgres"
	"github.com/inferloop/fedgroup/internal/storage/implementations/redis"
	"github.com/inferloop/fedgroup/internal/storage/implementations/s3"
	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
)

// SinkConfig selects and configures the metrics sink
type SinkConfig struct {
	Type      string                   `mapstructure:"type" json:"type"`
	OutputDir string                   `mapstructure:"output_dir" json:"output_dir"`
	InfluxDB  *influxdb.InfluxDBConfig `mapstructure:"influxdb" json:"influxdb,omitempty"`
	Postgres  *postgres.PostgresConfig `mapstructure:"postgres" json:"postgres,omitempty"`
}

// CheckpointConfig selects and configures the snapshot store
type CheckpointConfig struct {
	Type  string                 `mapstructure:"type" json:"type"`
	File  *file.CheckpointConfig `mapstructure:"file" json:"file,omitempty"`
	Redis *redis.RedisConfig     `mapstructure:"redis" json:"redis,omitempty"`
	S3    *s3.S3Config           `mapstructure:"s3" json:"s3,omitempty"`
}

// SinkCreateFunc builds a connected metrics sink
type SinkCreateFunc func(ctx context.Context, config *SinkConfig) (interfaces.MetricsSink, error)

// StoreCreateFunc builds a connected checkpoint store
type StoreCreateFunc func(ctx context.Context, config *CheckpointConfig) (interfaces.CheckpointStore, error)

// Factory creates sinks and checkpoint stores by type name
type Factory struct {
	sinks  map[string]SinkCreateFunc
	stores map[string]StoreCreateFunc
	mu     sync.RWMutex
	logger *logrus.Logger
}

// NewFactory creates a new storage factory
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		sinks:  make(map[string]SinkCreateFunc),
		stores: make(map[string]StoreCreateFunc),
		logger: logger,
	}

	factory.registerDefaults()

	return factory
}

// CreateSink creates and connects the configured sink. Type "none" yields nil.
func (f *Factory) CreateSink(ctx context.Context, config *SinkConfig) (interfaces.MetricsSink, error) {
	if config == nil || config.Type == constants.SinkTypeNone {
		return nil, nil
	}

	f.mu.RLock()
	createFunc, exists := f.sinks[config.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewStorageError("UNSUPPORTED_TYPE", fmt.Sprintf("Sink type '%s' is not supported", config.Type))
	}

	sink, err := createFunc(ctx, config)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "CREATION_FAILED", fmt.Sprintf("Failed to create %s sink", config.Type))
	}

	f.logger.WithFields(logrus.Fields{
		"sink_type": config.Type,
	}).Info("Created metrics sink")

	return sink, nil
}

// CreateCheckpointStore creates and connects the configured store. Type "none" yields nil.
func (f *Factory) CreateCheckpointStore(ctx context.Context, config *CheckpointConfig) (interfaces.CheckpointStore, error) {
	if config == nil || config.Type == constants.CheckpointTypeNone || config.Type == "" {
		return nil, nil
	}

	f.mu.RLock()
	createFunc, exists := f.stores[config.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewStorageError("UNSUPPORTED_TYPE", fmt.Sprintf("Checkpoint type '%s' is not supported", config.Type))
	}

	store, err := createFunc(ctx, config)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "CREATION_FAILED", fmt.Sprintf("Failed to create %s checkpoint store", config.Type))
	}

	f.logger.WithFields(logrus.Fields{
		"checkpoint_type": config.Type,
	}).Info("Created checkpoint store")

	return store, nil
}

// RegisterSink registers a new sink type
func (f *Factory) RegisterSink(sinkType string, createFunc SinkCreateFunc) error {
	if sinkType == "" {
		return errors.NewValidationError("INVALID_TYPE", "Sink type cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError("INVALID_CREATOR", "Sink create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[sinkType] = createFunc
	return nil
}

// RegisterCheckpointStore registers a new checkpoint store type
func (f *Factory) RegisterCheckpointStore(storeType string, createFunc StoreCreateFunc) error {
	if storeType == "" {
		return errors.NewValidationError("INVALID_TYPE", "Checkpoint type cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError("INVALID_CREATOR", "Checkpoint create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores[storeType] = createFunc
	return nil
}

// SupportedSinks returns the registered sink types, sorted
func (f *Factory) SupportedSinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.sinks)
}

// SupportedCheckpointStores returns the registered checkpoint types, sorted
func (f *Factory) SupportedCheckpointStores() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.stores)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *Factory) registerDefaults() {
	f.RegisterSink(constants.SinkTypeCSV, func(ctx context.Context, config *SinkConfig) (interfaces.MetricsSink, error) {
		return export.NewCSVSink(config.OutputDir, f.logger)
	})

	f.RegisterSink(constants.SinkTypeInfluxDB, func(ctx context.Context, config *SinkConfig) (interfaces.MetricsSink, error) {
		if config.InfluxDB == nil {
			return nil, errors.NewValidationError(errors.CodeMissingField, "influxdb sink requires influxdb settings")
		}
		sink, err := influxdb.NewInfluxDBStorage(config.InfluxDB, f.logger)
		if err != nil {
			return nil, err
		}
		if err := sink.Connect(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	})

	f.RegisterSink(constants.SinkTypePostgres, func(ctx context.Context, config *SinkConfig) (interfaces.MetricsSink, error) {
		if config.Postgres == nil {
			return nil, errors.NewValidationError(errors.CodeMissingField, "postgres sink requires postgres settings")
		}
		sink, err := postgres.NewPostgresStorage(config.Postgres, f.logger)
		if err != nil {
			return nil, err
		}
		if err := sink.Connect(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	})

	f.RegisterCheckpointStore(constants.CheckpointTypeFile, func(ctx context.Context, config *CheckpointConfig) (interfaces.CheckpointStore, error) {
		fileConfig := config.File
		if fileConfig == nil {
			fileConfig = &file.CheckpointConfig{BasePath: filepath.Join(".", "checkpoints")}
		}
		return file.NewCheckpointStorage(fileConfig, f.logger)
	})

	f.RegisterCheckpointStore(constants.CheckpointTypeRedis, func(ctx context.Context, config *CheckpointConfig) (interfaces.CheckpointStore, error) {
		if config.Redis == nil {
			return nil, errors.NewValidationError(errors.CodeMissingField, "redis checkpoint store requires redis settings")
		}
		store, err := redis.NewRedisStorage(config.Redis, f.logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	})

	f.RegisterCheckpointStore(constants.CheckpointTypeS3, func(ctx context.Context, config *CheckpointConfig) (interfaces.CheckpointStore, error) {
		if config.S3 == nil {
			return nil, errors.NewValidationError(errors.CodeMissingField, "s3 checkpoint store requires s3 settings")
		}
		store, err := s3.NewS3Storage(config.S3, f.logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	})
}
