package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/animus-labs/runengine/internal/config"
	platformpg "github.com/animus-labs/runengine/internal/platform/postgres"
	"github.com/animus-labs/runengine/internal/repo/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.StorePostgres {
				return configError(fmt.Errorf("migrate requires store.driver=%s", config.StorePostgres))
			}
			db, err := platformpg.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := postgres.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("schema migrated")
			return nil
		},
	}
}

func newPipelinesCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "Print registered pipelines and their steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return printPipelines(cmd.OutOrStdout(), cfg)
		},
	}
}

func printPipelines(w io.Writer, cfg config.Config) error {
	reg, err := loadPipelines(cfg.Pipelines)
	if err != nil {
		return configError(err)
	}
	formatted, err := json.MarshalIndent(reg.List(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}

func newRecoverCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail every run left running by a dead engine (WorkerLost)",
		Long: "Marks all running runs failed with reason WorkerLost. " +
			"Only run this while no engine process serves the same database.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return recoverLost(cmd.Context(), cmd.OutOrStdout(), *configPath)
		},
	}
}

func recoverLost(ctx context.Context, w io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.StorePostgres {
		return configError(errors.New("recover needs a durable store; the memory store has nothing to recover"))
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	recovered, err := a.runs.RecoverLost(ctx)
	if err != nil {
		return err
	}
	for _, run := range recovered {
		fmt.Fprintf(w, "%s\t%s\t%s\n", run.ID, run.ProjectID, run.PipelineName)
	}
	fmt.Fprintf(w, "recovered %d run(s)\n", len(recovered))
	return nil
}
