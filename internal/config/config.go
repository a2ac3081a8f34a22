package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/inferloop/fedgroup/internal/dataset"
	"github.com/inferloop/fedgroup/internal/federation"
	"github.com/inferloop/fedgroup/internal/learner"
	"github.com/inferloop/fedgroup/internal/observability/metrics"
	"github.com/inferloop/fedgroup/internal/storage"
	"github.com/inferloop/fedgroup/internal/storage/implementations/file"
	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
)

// Data sources
const (
	DataSourceLEAF      = "leaf"
	DataSourceSynthetic = "synthetic"
)

// Config is the complete configuration of one simulation run
type Config struct {
	Simulation federation.Config        `mapstructure:"simulation" json:"simulation"`
	Model      learner.Config           `mapstructure:"model" json:"model"`
	Data       DataConfig               `mapstructure:"data" json:"data"`
	Logging    LoggingConfig            `mapstructure:"logging" json:"logging"`
	Metrics    metrics.PrometheusConfig `mapstructure:"metrics" json:"metrics"`
	Sink       storage.SinkConfig       `mapstructure:"sink" json:"sink"`
	Checkpoint storage.CheckpointConfig `mapstructure:"checkpoint" json:"checkpoint"`
	OutputDir  string                   `mapstructure:"output_dir" json:"output_dir"`
	StatusAddr string                   `mapstructure:"status_addr" json:"status_addr"`
}

// DataConfig selects the client population
type DataConfig struct {
	Source    string                  `mapstructure:"source" json:"source"`
	TrainDir  string                  `mapstructure:"train_dir" json:"train_dir"`
	TestDir   string                  `mapstructure:"test_dir" json:"test_dir"`
	Synthetic dataset.SyntheticConfig `mapstructure:"synthetic" json:"synthetic"`
}

// LoggingConfig controls the logger built by the command line
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// NewDefaultConfig returns a FedGroup run over the synthetic population, writing
// CSV files under ./results and no checkpoints.
func NewDefaultConfig() *Config {
	return &Config{
		Simulation: *federation.NewDefaultConfig(),
		Model: learner.Config{
			LearningRate: constants.DefaultLearningRate,
		},
		Data: DataConfig{
			Source:    DataSourceSynthetic,
			Synthetic: dataset.NewDefaultSyntheticConfig(),
		},
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Format: constants.DefaultLogFormat,
		},
		Metrics:    *metrics.DefaultPrometheusConfig(),
		Sink:       storage.SinkConfig{Type: constants.SinkTypeCSV},
		Checkpoint: storage.CheckpointConfig{Type: constants.CheckpointTypeNone},
		OutputDir:  "results",
		StatusAddr: constants.DefaultStatusAddr,
	}
}

// Load reads cfgFile (optional) and FEDGROUP_* environment variables into v on top
// of the defaults. A nil v gets a fresh viper instance.
func Load(cfgFile string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(constants.AppName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(constants.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidInput,
				"error reading config file").WithContext("path", cfgFile)
		}
	}

	config := NewDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.applyDerived()

	return config, nil
}

// SetDefaults registers every default key so env variables and flags bind to them.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("simulation.run_mode", d.Simulation.RunMode)
	v.SetDefault("simulation.num_rounds", d.Simulation.NumRounds)
	v.SetDefault("simulation.clients_per_round", d.Simulation.ClientsPerRound)
	v.SetDefault("simulation.drop_percent", d.Simulation.DropPercent)
	v.SetDefault("simulation.eval_every", d.Simulation.EvalEvery)
	v.SetDefault("simulation.num_epochs", d.Simulation.NumEpochs)
	v.SetDefault("simulation.batch_size", d.Simulation.BatchSize)
	v.SetDefault("simulation.num_groups", d.Simulation.NumGroups)
	v.SetDefault("simulation.group_epochs", d.Simulation.GroupEpochs)
	v.SetDefault("simulation.min_clients", d.Simulation.MinClients)
	v.SetDefault("simulation.allow_empty", d.Simulation.AllowEmpty)
	v.SetDefault("simulation.evenly", d.Simulation.Evenly)
	v.SetDefault("simulation.random_assign", d.Simulation.RandomAssign)
	v.SetDefault("simulation.random_centers", d.Simulation.RandomCenters)
	v.SetDefault("simulation.madc", d.Simulation.MADC)
	v.SetDefault("simulation.agg_lr", d.Simulation.AggLR)
	v.SetDefault("simulation.recluster_epoch", d.Simulation.ReclusterEpoch)
	v.SetDefault("simulation.client_temp", d.Simulation.ClientTemp)
	v.SetDefault("simulation.seed", d.Simulation.Seed)
	v.SetDefault("simulation.cluster_seed", d.Simulation.ClusterSeed)
	v.SetDefault("simulation.pretrain_iters", d.Simulation.PretrainIters)
	v.SetDefault("simulation.workers", d.Simulation.Workers)

	v.SetDefault("model.learning_rate", d.Model.LearningRate)
	v.SetDefault("model.seed", d.Model.Seed)

	v.SetDefault("data.source", d.Data.Source)
	v.SetDefault("data.train_dir", d.Data.TrainDir)
	v.SetDefault("data.test_dir", d.Data.TestDir)
	v.SetDefault("data.synthetic.num_clients", d.Data.Synthetic.NumClients)
	v.SetDefault("data.synthetic.num_concepts", d.Data.Synthetic.NumConcepts)
	v.SetDefault("data.synthetic.dim", d.Data.Synthetic.Dim)
	v.SetDefault("data.synthetic.num_classes", d.Data.Synthetic.NumClasses)
	v.SetDefault("data.synthetic.min_samples", d.Data.Synthetic.MinSamples)
	v.SetDefault("data.synthetic.max_samples", d.Data.Synthetic.MaxSamples)
	v.SetDefault("data.synthetic.test_fraction", d.Data.Synthetic.TestFraction)
	v.SetDefault("data.synthetic.seed", d.Data.Synthetic.Seed)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.subsystem", d.Metrics.Subsystem)

	v.SetDefault("sink.type", d.Sink.Type)
	v.SetDefault("checkpoint.type", d.Checkpoint.Type)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("status_addr", d.StatusAddr)
}

// applyDerived fills settings that default relative to others.
func (c *Config) applyDerived() {
	if c.Sink.OutputDir == "" {
		c.Sink.OutputDir = c.OutputDir
	}
	if c.Checkpoint.Type == constants.CheckpointTypeFile && c.Checkpoint.File == nil {
		c.Checkpoint.File = &file.CheckpointConfig{
			BasePath:    filepath.Join(c.OutputDir, "checkpoints"),
			Format:      "msgpack",
			Compression: true,
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Simulation.Validate(); err != nil {
		return err
	}

	ve := errors.NewValidationErrors()
	if c.Model.LearningRate <= 0 {
		ve.Add("model.learning_rate", errors.CodeOutOfRange, "must be positive", c.Model.LearningRate)
	}

	switch c.Data.Source {
	case DataSourceLEAF:
		if c.Data.TrainDir == "" {
			ve.Add("data.train_dir", errors.CodeMissingField, "required for leaf data", nil)
		}
		if c.Data.TestDir == "" {
			ve.Add("data.test_dir", errors.CodeMissingField, "required for leaf data", nil)
		}
	case DataSourceSynthetic:
		if err := c.Data.Synthetic.Validate(); err != nil {
			ve.Add("data.synthetic", errors.CodeInvalidInput, err.Error(), nil)
		}
	default:
		ve.Add("data.source", errors.CodeInvalidInput, "must be leaf or synthetic", c.Data.Source)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		ve.Add("logging.level", errors.CodeInvalidInput, "unknown log level", c.Logging.Level)
	}
	if c.Logging.Format != constants.LogFormatJSON && c.Logging.Format != constants.LogFormatText {
		ve.Add("logging.format", errors.CodeInvalidInput, "must be json or text", c.Logging.Format)
	}

	switch c.Sink.Type {
	case constants.SinkTypeCSV:
		if c.Sink.OutputDir == "" {
			ve.Add("sink.output_dir", errors.CodeMissingField, "required for csv sink", nil)
		}
	case constants.SinkTypeInfluxDB:
		if c.Sink.InfluxDB == nil {
			ve.Add("sink.influxdb", errors.CodeMissingField, "required for influxdb sink", nil)
		}
	case constants.SinkTypePostgres:
		if c.Sink.Postgres == nil {
			ve.Add("sink.postgres", errors.CodeMissingField, "required for postgres sink", nil)
		}
	case constants.SinkTypeNone:
	default:
		ve.Add("sink.type", errors.CodeInvalidInput, "unknown sink type", c.Sink.Type)
	}

	switch c.Checkpoint.Type {
	case constants.CheckpointTypeFile, constants.CheckpointTypeNone, "":
	case constants.CheckpointTypeRedis:
		if c.Checkpoint.Redis == nil {
			ve.Add("checkpoint.redis", errors.CodeMissingField, "required for redis checkpoints", nil)
		}
	case constants.CheckpointTypeS3:
		if c.Checkpoint.S3 == nil {
			ve.Add("checkpoint.s3", errors.CodeMissingField, "required for s3 checkpoints", nil)
		}
	default:
		ve.Add("checkpoint.type", errors.CodeInvalidInput, "unknown checkpoint type", c.Checkpoint.Type)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
