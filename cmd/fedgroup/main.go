package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inferloop/fedgroup/internal/config"
	"github.com/inferloop/fedgroup/pkg/constants"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: constants.AppDescription,
		Long: `Simulates clustered federated learning over a population of clients.
Clients are grouped by FedGroup, IFCA or FeSEM and every group trains its
own model; evaluation records, snapshots and cost ledgers are exported.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fedgroup.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCheckpointsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig reads the config file and environment into the global viper instance,
// which already carries any bound flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile, viper.GetViper())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = constants.LogLevelDebug
	}
	if used := viper.ConfigFileUsed(); used != "" && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", used)
	}
	return cfg, nil
}

func setupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == constants.LogFormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}
