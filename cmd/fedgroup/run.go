package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inferloop/fedgroup/internal/config"
	"github.com/inferloop/fedgroup/internal/dataset"
	"github.com/inferloop/fedgroup/internal/export"
	"github.com/inferloop/fedgroup/internal/federation"
	"github.com/inferloop/fedgroup/internal/learner"
	"github.com/inferloop/fedgroup/internal/observability/health"
	"github.com/inferloop/fedgroup/internal/observability/metrics"
	"github.com/inferloop/fedgroup/internal/storage"
	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

type runOptions struct {
	dataDir   string
	synthetic bool
	resume    string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Example: `  fedgroup run --config sim.yaml --mode ifca --data ./data/femnist
  fedgroup run --synthetic --rounds 50 --sink none
  fedgroup run --checkpoint file --resume 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("data") {
				viper.Set("data.source", config.DataSourceLEAF)
				viper.Set("data.train_dir", filepath.Join(opts.dataDir, "train"))
				viper.Set("data.test_dir", filepath.Join(opts.dataDir, "test"))
			}
			if opts.synthetic {
				viper.Set("data.source", config.DataSourceSynthetic)
			}
			return runSimulation(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.String("mode", constants.RunModeFedGroup, "run mode (fedgroup, ifca, fesem)")
	flags.Int("rounds", constants.DefaultNumRounds, "number of communication rounds")
	flags.Int("workers", constants.DefaultWorkers, "parallel pre-training workers")
	flags.String("out", "results", "output directory")
	flags.String("status-addr", constants.DefaultStatusAddr, "status server address, empty to disable")
	flags.String("sink", constants.SinkTypeCSV, "metrics sink (csv, influxdb, postgres, none)")
	flags.String("checkpoint", constants.CheckpointTypeNone, "checkpoint store (file, redis, s3, none)")
	flags.StringVar(&opts.dataDir, "data", "", "LEAF dataset directory containing train/ and test/")
	flags.BoolVar(&opts.synthetic, "synthetic", false, "use the synthetic clustered population")
	flags.StringVar(&opts.resume, "resume", "", "continue the run with this id from its latest checkpoint")
	cmd.MarkFlagsMutuallyExclusive("data", "synthetic")

	viper.BindPFlag("simulation.run_mode", flags.Lookup("mode"))
	viper.BindPFlag("simulation.num_rounds", flags.Lookup("rounds"))
	viper.BindPFlag("simulation.workers", flags.Lookup("workers"))
	viper.BindPFlag("output_dir", flags.Lookup("out"))
	viper.BindPFlag("status_addr", flags.Lookup("status-addr"))
	viper.BindPFlag("sink.type", flags.Lookup("sink"))
	viper.BindPFlag("checkpoint.type", flags.Lookup("checkpoint"))

	return cmd
}

func runSimulation(parent context.Context, opts *runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"mode":    cfg.Simulation.RunMode,
		"rounds":  cfg.Simulation.NumRounds,
		"groups":  cfg.Simulation.NumGroups,
	}).Info("Starting simulation")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	population, err := loadPopulation(cfg, logger)
	if err != nil {
		return err
	}
	handle, err := newModel(cfg.Model, population)
	if err != nil {
		return err
	}

	factory := storage.NewFactory(logger)
	sink, err := factory.CreateSink(ctx, &cfg.Sink)
	if err != nil {
		return err
	}
	store, err := factory.CreateCheckpointStore(ctx, &cfg.Checkpoint)
	if err != nil {
		if sink != nil {
			sink.Close()
		}
		return err
	}
	if store != nil {
		defer store.Close()
	}

	collector := export.NewSummaryCollector()
	multi := export.NewMultiSink(sink, collector)
	defer func() {
		if err := multi.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close metrics sink")
		}
	}()

	serverOpts := []federation.Option{federation.WithMetricsSink(multi)}
	if store != nil {
		serverOpts = append(serverOpts, federation.WithCheckpointStore(store))
	}
	if opts.resume != "" {
		serverOpts = append(serverOpts, federation.WithRunID(opts.resume))
	}

	var recorder *metrics.PrometheusMetrics
	if cfg.Metrics.Enabled {
		recorder, err = metrics.NewPrometheusMetrics(&cfg.Metrics, logger)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, federation.WithRecorder(recorder))
	}

	server, err := federation.NewServer(&cfg.Simulation, handle, population, logger, serverOpts...)
	if err != nil {
		return err
	}

	start := 0
	if opts.resume != "" {
		start, err = resumeFromCheckpoint(ctx, server, store, logger)
		if err != nil {
			return err
		}
	}

	if cfg.StatusAddr != "" {
		status := newStatusServer(cfg.StatusAddr, server, newHealthMonitor(server, store, logger),
			cfg.Metrics.Path, metricsHandler(recorder), logger)
		status.start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
			defer cancel()
			if err := status.shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Status server shutdown failed")
			}
		}()
	}

	began := time.Now()
	runErr := server.RunFrom(ctx, start)

	if err := writeLedger(cfg, server, collector); err != nil {
		logger.WithError(err).Error("Failed to write ledger report")
	}

	if runErr != nil {
		if ctx.Err() != nil {
			logger.WithField("round", server.Status().Round).Warn("Simulation interrupted")
		}
		return runErr
	}

	logger.WithFields(logrus.Fields{
		"run_id":   server.RunID(),
		"duration": time.Since(began),
		"output":   cfg.OutputDir,
	}).Info("Simulation complete")
	return nil
}

// loadPopulation reads LEAF shards or generates the synthetic population.
func loadPopulation(cfg *config.Config, logger *logrus.Logger) ([]models.ClientData, error) {
	if cfg.Data.Source == config.DataSourceLEAF {
		return dataset.NewLoader(logger).Load(cfg.Data.TrainDir, cfg.Data.TestDir)
	}
	population, err := dataset.Synthetic(cfg.Data.Synthetic)
	if err != nil {
		return nil, err
	}
	logger.WithField("clients", len(population)).Info("Generated synthetic population")
	return population, nil
}

// newModel sizes the model from the population when input_dim or num_classes
// are not configured.
func newModel(mc learner.Config, population []models.ClientData) (interfaces.Model, error) {
	dim, classes := inferShape(population)
	if mc.InputDim == 0 {
		mc.InputDim = dim
	}
	if mc.NumClasses == 0 {
		mc.NumClasses = classes
	}
	model, err := learner.NewSoftmaxRegression(mc)
	if err != nil {
		return nil, err
	}
	return model, nil
}

func inferShape(population []models.ClientData) (dim, classes int) {
	for _, c := range population {
		for _, d := range []models.Dataset{c.Train, c.Test} {
			if dim == 0 {
				dim = d.Dim()
			}
			for _, y := range d.Labels {
				if y+1 > classes {
					classes = y + 1
				}
			}
		}
	}
	return dim, classes
}

// resumeFromCheckpoint restores the latest snapshot of the server's run and returns
// the first round still to run.
func resumeFromCheckpoint(ctx context.Context, server *federation.Server, store interfaces.CheckpointStore, logger *logrus.Logger) (int, error) {
	if store == nil {
		return 0, errors.NewConfigurationError(errors.CodeConfigConflict, "resume requires a checkpoint store")
	}
	rounds, err := store.ListRounds(ctx, server.RunID())
	if err != nil {
		return 0, err
	}
	if len(rounds) == 0 {
		return 0, errors.WrapError(errors.ErrCheckpointNotFound, errors.ErrorTypeStorage, errors.CodeNotFound,
			"no checkpoints for run").WithContext("run_id", server.RunID())
	}

	latest := rounds[len(rounds)-1]
	snap, err := store.Retrieve(ctx, server.RunID(), latest)
	if err != nil {
		return 0, err
	}
	if err := server.Restore(snap); err != nil {
		return 0, err
	}

	logger.WithFields(logrus.Fields{
		"run_id": server.RunID(),
		"round":  latest,
	}).Info("Resumed from checkpoint")
	return latest + 1, nil
}

func newHealthMonitor(server *federation.Server, store interfaces.CheckpointStore, logger *logrus.Logger) *health.HealthMonitor {
	monitor := health.NewHealthMonitor(5*time.Second, logger)
	monitor.RegisterCheck(health.NewBasicHealthCheck("simulation", func(ctx context.Context) error {
		st := server.Status()
		if !st.Running && !st.Finished {
			return fmt.Errorf("simulation is not running")
		}
		return nil
	}, false, 0))
	if store != nil {
		monitor.RegisterCheck(health.NewBasicHealthCheck("checkpoint_store", func(ctx context.Context) error {
			_, err := store.ListRounds(ctx, server.RunID())
			return err
		}, true, 0))
	}
	return monitor
}

func metricsHandler(recorder *metrics.PrometheusMetrics) http.Handler {
	if recorder == nil {
		return nil
	}
	return recorder.Handler()
}

func writeLedger(cfg *config.Config, server *federation.Server, collector *export.SummaryCollector) error {
	if cfg.OutputDir == "" {
		return nil
	}
	written, flops, read := server.Ledger().Snapshot()
	report := export.NewLedgerReport(server.RunID(), cfg.Simulation.RunMode, cfg.Simulation,
		collector.Summaries(), written, flops, read)
	path := filepath.Join(cfg.OutputDir, server.RunID(), constants.LedgerFileName)
	return report.WriteFile(path)
}
