package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/monitor"
	"github.com/t77yq/pipelinectl/internal/report"
	"github.com/t77yq/pipelinectl/internal/resolver"
	"github.com/t77yq/pipelinectl/internal/stack"
)

func (a *app) verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every schedule rule of the stack is enabled and healthy",
		Long: `Checks the schedule rules of the stack over a lookback window and exits 1
when any rule is disabled, any invocation failed or the stack has no rules.
Metric reads that fail are reported as warnings and do not fail the check.

Examples:
  pipelinectl verify            # Last 24 hours
  pipelinectl verify -w 72h     # Last three days
  pipelinectl verify --json     # Verdict as JSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.verify(cmd.Context(), false, monitor.VerifyOptions{RequireRules: true})
		},
	}
	addWindowFlag(cmd)
	return cmd
}

func (a *app) debugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Show rule targets, metrics and recent tasks of the stack",
		Long: `Prints every schedule rule with its targets and network placement, the
invocation metrics of the lookback window, and the running and recently
stopped tasks of the cluster with their stop details.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.verify(cmd.Context(), true, monitor.VerifyOptions{})
		},
	}
	addWindowFlag(cmd)
	return cmd
}

func addWindowFlag(cmd *cobra.Command) {
	cmd.Flags().DurationP("window", "w", 0, "lookback window for invocation metrics (default 24h)")
	bindFlag(cmd.Flags(), "window", "verify.lookback")
}

func (a *app) verify(ctx context.Context, detailed bool, opts monitor.VerifyOptions) error {
	clients, err := a.awsClients(ctx)
	if err != nil {
		return err
	}

	inspector := stack.NewInspector(clients.CloudFormation, a.logger)
	agg := monitor.NewAggregator(
		inspector,
		resolver.NewResolver(clients.EventBridge, inspector, a.logger),
		clients.CloudWatch,
		clients.ECS,
		monitor.Options{
			ClusterOutputKey: a.cfg.Stack.ClusterOutputKey,
			MetricPeriod:     a.cfg.Verify.MetricPeriod,
			MaxConcurrency:   a.cfg.Verify.MaxConcurrency,
			TaskListLimit:    int32(a.cfg.Verify.TaskListLimit),
		},
		a.logger,
	)
	agg.SetNow(a.now)

	verdict, err := agg.Verify(ctx, a.cfg.Stack.Name, a.cfg.Verify.Lookback, opts)
	if err != nil {
		return err
	}
	a.publishVerdict(ctx, verdict)

	if err := a.render(verdict, func(w *report.Writer) error { return w.Verdict(verdict, detailed) }); err != nil {
		return err
	}
	if !verdict.OverallPass {
		return withExitCode(1, nil)
	}
	return nil
}

func (a *app) publishVerdict(ctx context.Context, verdict *model.HealthVerdict) {
	notifier := a.openNotifier(ctx)
	defer notifier.Close()

	if err := notifier.PublishVerdict(ctx, verdict); err != nil {
		a.logger.Warn("Failed to publish verdict", zap.String("stack", verdict.Stack), zap.Error(err))
	}
}
