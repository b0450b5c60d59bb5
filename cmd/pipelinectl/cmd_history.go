package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/report"
	"github.com/t77yq/pipelinectl/internal/storage"
)

var errHistoryDisabled = errors.New("run history is disabled (history.path is empty)")

type historyFlags struct {
	task   string
	status string
	since  time.Duration
	limit  int
}

func (a *app) historyCmd() *cobra.Command {
	var flags historyFlags

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List manual runs launched from this machine",
		Long: `Lists the runs recorded by run-task, newest first.

Examples:
  pipelinectl history                          # Last 20 runs
  pipelinectl history --task price_extractor   # Runs of one task
  pipelinectl history --since 168h --limit 100
  pipelinectl history prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listHistory(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.task, "task", "", "only runs of this task")
	cmd.Flags().StringVar(&flags.status, "status", "", "only runs last seen in this status (e.g. STOPPED)")
	cmd.Flags().DurationVar(&flags.since, "since", 0, "only runs launched within this duration")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 20, "maximum number of runs to list")

	cmd.AddCommand(a.pruneCmd())
	return cmd
}

func (a *app) pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete recorded runs older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			history, err := a.requireHistory()
			if err != nil {
				return err
			}
			defer history.Close()

			deleted, err := history.DeleteBefore(cmd.Context(), a.now().Add(-olderThan))
			if err != nil {
				return err
			}
			a.logger.Info("Pruned run history", zap.Int64("deleted", deleted))
			fmt.Fprintf(a.stdout, "deleted %d runs\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the runs to delete")
	return cmd
}

func (a *app) requireHistory() (storage.RunHistory, error) {
	if a.cfg.History.Path == "" {
		return nil, errHistoryDisabled
	}
	return storage.NewSQLiteRunHistory(a.logger, a.cfg.History.Path)
}

func (a *app) listHistory(ctx context.Context, flags historyFlags) error {
	if flags.limit < 1 {
		return fmt.Errorf("--limit must be at least 1, got %d", flags.limit)
	}

	var filter storage.RunFilter
	if flags.task != "" {
		task, err := model.ParseLogicalTask(flags.task)
		if err != nil {
			return err
		}
		filter.Task = task
	}
	if flags.status != "" {
		filter.Status = model.TaskStatus(flags.status)
	}
	if flags.since > 0 {
		filter.Since = a.now().Add(-flags.since)
	}

	history, err := a.requireHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	records, err := history.List(ctx, filter, 0, flags.limit)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*storage.RunRecord{}
	}

	if a.jsonOutput {
		return report.JSON(a.stdout, records)
	}

	if err := report.NewWriter(a.stdout).History(records); err != nil {
		return err
	}
	total, err := history.Count(ctx, filter)
	if err != nil {
		return err
	}
	if total > len(records) {
		fmt.Fprintf(a.stdout, "showing %d of %d runs\n", len(records), total)
	}
	return nil
}
