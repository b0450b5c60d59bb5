package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/executor"
	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/report"
	"github.com/t77yq/pipelinectl/internal/resolver"
	"github.com/t77yq/pipelinectl/internal/stack"
)

func (a *app) runTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-task <task>",
		Short: "Launch a pipeline task once and wait for it to stop",
		Long: `Launches one copy of a pipeline task with the same cluster, task definition
and network placement its schedule rule uses, then waits for it to stop.

The process exits with the exit code of the task. A task that stops
without an exit code also exits with 125, the same status as a container
that exits 125 itself; only the former logs "stopped without an exit
code" and reports the exit code as "-". When --timeout expires and
a last read on the deadline still finds the task running, it is reported
as still running and the command exits 0.

Valid tasks: universe_updater, price_extractor, strategy_runner, proposal_generator`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: taskNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTask(cmd.Context(), args[0])
		},
	}

	cmd.Flags().Duration("poll-interval", 0, "interval between task status reads (default 10s)")
	cmd.Flags().Duration("timeout", 0, "stop waiting after this long; 0 waits until the task stops")
	bindFlag(cmd.Flags(), "poll-interval", "monitor.poll_interval")
	bindFlag(cmd.Flags(), "timeout", "monitor.timeout")
	return cmd
}

func taskNames() []string {
	var names []string
	for _, t := range model.LogicalTasks() {
		names = append(names, string(t))
	}
	return names
}

func (a *app) runTask(ctx context.Context, name string) error {
	task, err := model.ParseLogicalTask(name)
	if err != nil {
		return err
	}

	clients, err := a.awsClients(ctx)
	if err != nil {
		return err
	}
	inspector := stack.NewInspector(clients.CloudFormation, a.logger)
	res := resolver.NewResolver(clients.EventBridge, inspector, a.logger)

	target, err := res.ResolveTask(ctx, a.cfg.Stack.Name, task)
	if err != nil {
		var resErr *model.ResolutionError
		if errors.As(err, &resErr) {
			if werr := report.NewWriter(a.stderr).ResolutionFailure(resErr); werr != nil {
				return werr
			}
			return withExitCode(1, nil)
		}
		return fmt.Errorf("failed to resolve %s: %w", task, err)
	}

	exec := executor.NewExecutor(clients.ECS, a.logger, a.execOpts...)
	run, err := exec.Launch(ctx, target)
	if err != nil {
		return err
	}
	run.Task = task

	recorder := &runRecorder{
		logger:    a.logger,
		history:   a.openHistory(),
		notifier:  a.openNotifier(ctx),
		startedBy: exec.StartedBy(),
	}
	defer recorder.close()
	recorder.launched(ctx, run)

	final, waitErr := exec.AwaitTerminal(ctx, run, executor.WaitOptions{
		PollInterval: a.cfg.Monitor.PollInterval,
		Timeout:      a.cfg.Monitor.Timeout,
	})
	// the wait may have been aborted; recording still has to go through
	recorder.observed(context.WithoutCancel(ctx), final)

	switch {
	case errors.Is(waitErr, model.ErrTaskNeverTerminal):
		a.logger.Warn("Task still running", zap.String("task_arn", final.TaskArn), zap.Error(waitErr))
		return a.render(final, func(w *report.Writer) error { return w.Run(final) })
	case errors.Is(waitErr, context.Canceled):
		fmt.Fprintf(a.stderr, "Wait aborted; task %s keeps running\n", final.TaskArn)
		return withExitCode(exitInterrupted, nil)
	case waitErr != nil:
		return waitErr
	}

	if err := a.render(final, func(w *report.Writer) error { return w.Run(final) }); err != nil {
		return err
	}

	code, err := executor.ExitStatus(final)
	if err != nil {
		a.logger.Warn("Task stopped without a usable exit code",
			zap.String("task_arn", final.TaskArn),
			zap.Error(err))
	}
	if code != 0 {
		return withExitCode(code, nil)
	}
	return nil
}
