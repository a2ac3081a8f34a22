package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inferloop/fedgroup/internal/storage"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
)

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and prune stored round snapshots",
	}

	var backend string
	cmd.PersistentFlags().StringVar(&backend, "checkpoint", "", "checkpoint store (file, redis, s3), defaults to the configured one")

	openStore := func(ctx context.Context) (interfaces.CheckpointStore, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if backend != "" {
			cfg.Checkpoint.Type = backend
		}
		logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
		store, err := storage.NewFactory(logger).CreateCheckpointStore(ctx, &cfg.Checkpoint)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, errors.NewConfigurationError(errors.CodeMissingField, "no checkpoint store configured")
		}
		return store, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list RUN_ID",
		Short: "List the rounds stored for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			return listCheckpoints(cmd, store, args[0])
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune RUN_ID",
		Short: "Delete all but the latest rounds of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := pruneCheckpoints(cmd.Context(), store, args[0], keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d snapshots\n", deleted)
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 1, "number of latest rounds to keep")
	cmd.AddCommand(prune)

	return cmd
}

func listCheckpoints(cmd *cobra.Command, store interfaces.CheckpointStore, runID string) error {
	ctx := cmd.Context()
	rounds, err := store.ListRounds(ctx, runID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tMODE\tGROUPS\tCLIENTS\tCREATED")
	for _, r := range rounds {
		snap, err := store.Retrieve(ctx, runID, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", r, snap.Mode, len(snap.GroupModels), len(snap.Clients),
			snap.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func pruneCheckpoints(ctx context.Context, store interfaces.CheckpointStore, runID string, keep int) (int, error) {
	if keep < 0 {
		return 0, errors.NewValidationError(errors.CodeOutOfRange, "keep must not be negative")
	}
	rounds, err := store.ListRounds(ctx, runID)
	if err != nil {
		return 0, err
	}
	if len(rounds) <= keep {
		return 0, nil
	}

	stale := rounds[:len(rounds)-keep]
	for _, r := range stale {
		if err := store.Delete(ctx, runID, r); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
