package federation

import (
	"fmt"
	"strings"

	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
)

// RunMode selects the grouping algorithm.
type RunMode string

const (
	ModeFedGroup RunMode = constants.RunModeFedGroup
	ModeIFCA     RunMode = constants.RunModeIFCA
	ModeFeSEM    RunMode = constants.RunModeFeSEM
)

// ParseRunMode accepts a run mode name in any case.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFedGroup:
		return ModeFedGroup, nil
	case ModeIFCA:
		return ModeIFCA, nil
	case ModeFeSEM:
		return ModeFeSEM, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownRunMode, s)
	}
}

// Config holds the simulation settings
type Config struct {
	RunMode         string  `mapstructure:"run_mode" json:"run_mode"`
	NumRounds       int     `mapstructure:"num_rounds" json:"num_rounds"`
	ClientsPerRound int     `mapstructure:"clients_per_round" json:"clients_per_round"`
	DropPercent     float64 `mapstructure:"drop_percent" json:"drop_percent"`
	EvalEvery       int     `mapstructure:"eval_every" json:"eval_every"`
	NumEpochs       int     `mapstructure:"num_epochs" json:"num_epochs"`
	BatchSize       int     `mapstructure:"batch_size" json:"batch_size"`

	NumGroups   int `mapstructure:"num_groups" json:"num_groups"`
	GroupEpochs int `mapstructure:"group_epochs" json:"group_epochs"`
	MinClients  int `mapstructure:"min_clients" json:"min_clients"`

	AllowEmpty    bool `mapstructure:"allow_empty" json:"allow_empty"`
	Evenly        bool `mapstructure:"evenly" json:"evenly"`
	RandomAssign  bool `mapstructure:"random_assign" json:"random_assign"`
	RandomCenters bool `mapstructure:"random_centers" json:"random_centers"`
	MADC          bool `mapstructure:"madc" json:"madc"`

	AggLR          float64 `mapstructure:"agg_lr" json:"agg_lr"`
	ReclusterEpoch int     `mapstructure:"recluster_epoch" json:"recluster_epoch"`
	ClientTemp     int     `mapstructure:"client_temp" json:"client_temp"`

	Seed          int64 `mapstructure:"seed" json:"seed"`
	ClusterSeed   int64 `mapstructure:"cluster_seed" json:"cluster_seed"`
	PretrainIters int   `mapstructure:"pretrain_iters" json:"pretrain_iters"`
	Workers       int   `mapstructure:"workers" json:"workers"`
}

// NewDefaultConfig returns a FedGroup configuration with the stock defaults
func NewDefaultConfig() *Config {
	return &Config{
		RunMode:         constants.RunModeFedGroup,
		NumRounds:       constants.DefaultNumRounds,
		ClientsPerRound: constants.DefaultClientsPerRound,
		DropPercent:     constants.DefaultDropPercent,
		EvalEvery:       constants.DefaultEvalEvery,
		NumEpochs:       constants.DefaultNumEpochs,
		BatchSize:       constants.DefaultBatchSize,
		NumGroups:       constants.DefaultNumGroups,
		GroupEpochs:     constants.DefaultGroupEpochs,
		MinClients:      constants.DefaultMinClients,
		AggLR:           constants.DefaultAggLR,
		ReclusterEpoch:  constants.DefaultReclusterEpoch,
		ClientTemp:      constants.DefaultClientTemp,
		Seed:            constants.DefaultSeed,
		ClusterSeed:     constants.DefaultClusterSeed,
		PretrainIters:   constants.DefaultPretrainIters,
		Workers:         constants.DefaultWorkers,
	}
}

// Mode returns the parsed run mode. Validate guarantees it parses.
func (c *Config) Mode() RunMode {
	mode, _ := ParseRunMode(c.RunMode)
	return mode
}

// Validate validates the simulation configuration
func (c *Config) Validate() error {
	if _, err := ParseRunMode(c.RunMode); err != nil {
		return errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeUnknownRunMode, "invalid run mode")
	}

	ve := errors.NewValidationErrors()
	if c.NumRounds < 0 {
		ve.Add("num_rounds", errors.CodeOutOfRange, "must not be negative", c.NumRounds)
	}
	if c.ClientsPerRound <= 0 {
		ve.Add("clients_per_round", errors.CodeOutOfRange, "must be positive", c.ClientsPerRound)
	}
	if c.DropPercent < 0 || c.DropPercent >= 1 {
		ve.Add("drop_percent", errors.CodeOutOfRange, "must be in [0, 1)", c.DropPercent)
	}
	if c.EvalEvery <= 0 {
		ve.Add("eval_every", errors.CodeOutOfRange, "must be positive", c.EvalEvery)
	}
	if c.NumEpochs <= 0 {
		ve.Add("num_epochs", errors.CodeOutOfRange, "must be positive", c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		ve.Add("batch_size", errors.CodeOutOfRange, "must be positive", c.BatchSize)
	}
	if c.NumGroups <= 0 {
		ve.Add("num_groups", errors.CodeOutOfRange, "must be positive", c.NumGroups)
	}
	if c.GroupEpochs <= 0 {
		ve.Add("group_epochs", errors.CodeOutOfRange, "must be positive", c.GroupEpochs)
	}
	if c.MinClients < 0 {
		ve.Add("min_clients", errors.CodeOutOfRange, "must not be negative", c.MinClients)
	}
	if c.AggLR < 0 {
		ve.Add("agg_lr", errors.CodeOutOfRange, "must not be negative", c.AggLR)
	}
	if c.ReclusterEpoch < 0 {
		ve.Add("recluster_epoch", errors.CodeOutOfRange, "must not be negative", c.ReclusterEpoch)
	}
	if c.ClientTemp < 0 {
		ve.Add("client_temp", errors.CodeOutOfRange, "must not be negative", c.ClientTemp)
	}
	if c.PretrainIters <= 0 {
		ve.Add("pretrain_iters", errors.CodeOutOfRange, "must be positive", c.PretrainIters)
	}
	if c.Workers <= 0 {
		ve.Add("workers", errors.CodeOutOfRange, "must be positive", c.Workers)
	}
	if ve.HasErrors() {
		return ve
	}

	if c.RandomAssign && c.Evenly {
		return errors.WrapError(errors.ErrUnsupportedSchedule, errors.ErrorTypeConfiguration,
			errors.CodeUnsupportedSchedule, "random_assign cannot be combined with evenly")
	}
	return nil
}
