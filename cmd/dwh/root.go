package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/correlator-io/songplays/internal/storage"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   name,
		Short: "Populate the song-play star schema",
		Long: `dwh provisions the staging and dimensional schema of the song-play warehouse and
runs the ELT pipeline: load the raw event and song sources into staging, cleanse the
staged events, then derive the artist, song, time and user dimensions and the song-play fact.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML configuration (default $DWH_CONFIG_PATH or dwh.yaml)")

	cmd.AddCommand(
		newProvisionCmd(opts),
		newETLCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the staging and dimensional relations",
		Long: `Create the staging relations, then the dimensions and the fact table.

With warehouse.recreate (the default) every relation is dropped first and its rows are
lost. Otherwise missing relations are created and existing ones are verified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stages, err := a.provisionStages()
				if err != nil {
					return err
				}

				summary, err := a.run(ctx, stages)
				if summary != nil {
					a.report(ctx, summary, nil)
				}

				return err
			})
		},
	}
}

func newETLCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "etl",
		Short: "Load, cleanse and transform into the provisioned schema",
		Long: `Verify the schema, load both sources into staging, apply the cleanse rules and run
the derivations in dependency order: artists, songs, times, users, song plays.

Loading appends to staging. Run provision first to start from empty staging relations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stages, transformer, err := a.eltStages(true)
				if err != nil {
					return err
				}

				summary, err := a.run(ctx, stages)
				if summary != nil {
					a.report(ctx, summary, transformer)
				}

				return err
			})
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Provision, then run the ELT pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stages, err := a.provisionStages()
				if err != nil {
					return err
				}

				elt, transformer, err := a.eltStages(false)
				if err != nil {
					return err
				}

				summary, err := a.run(ctx, append(stages, elt...))
				if summary != nil {
					a.report(ctx, summary, transformer)
				}

				return err
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or the stages of one run",
		Long: `Show the most recent runs recorded in etl_runs, or every stage of the given run.

Runs are recorded when warehouse.run_log is enabled. The table is created by the migrator.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				runLog, err := storage.NewRunLog(a.conn, string(a.opts.Dialect), string(a.opts.UserPolicy), a.logger)
				if err != nil {
					return err
				}

				if len(args) == 1 {
					runID, err := uuid.Parse(args[0])
					if err != nil {
						return fmt.Errorf("invalid run id %q: %w", args[0], err)
					}

					stages, err := runLog.Stages(ctx, runID)
					if err != nil {
						return err
					}

					return renderStages(a.out, stages)
				}

				runs, err := runLog.Runs(ctx, limit)
				if err != nil {
					return err
				}

				return renderRuns(a.out, runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s v%s\n", name, version)
		},
	}
}

// withApp opens the app for one command, runs fn until it returns or the process is
// interrupted, then closes the connection.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger := newLogger()

	a, err := openApp(opts.configPath, cmd.OutOrStdout(), logger)
	if err != nil {
		logger.Error("Failed to start", slog.String("error", err.Error()))

		return err
	}

	defer func() {
		_ = a.Close()
	}()

	return fn(ctx, a)
}
