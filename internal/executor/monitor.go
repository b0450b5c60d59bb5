package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecsTypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/model"
)

// DefaultPollInterval is the fixed delay between describe-task reads
const DefaultPollInterval = 10 * time.Second

// ExitUnknownFailure is the process exit status used when a stopped task
// reports no usable exit code.
const ExitUnknownFailure = 125

// WaitOptions controls AwaitTerminal
type WaitOptions struct {
	PollInterval time.Duration
	// Timeout of zero waits until the task stops
	Timeout time.Duration
}

// AwaitTerminal polls the task at a fixed interval until it is STOPPED,
// then reads it once more to pick up the exit code and stop reason.
//
// With a timeout, the task is read one last time when it expires. If that
// read is still not terminal, the run is returned together with
// model.ErrTaskNeverTerminal. Cancelling ctx only
// stops the local wait; the remote task keeps running.
func (e *Executor) AwaitTerminal(ctx context.Context, run *model.TaskRun, opts WaitOptions) (*model.TaskRun, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = e.clock.Now().Add(opts.Timeout)
	}

	current := *run
	e.logger.Info("Waiting for task to stop",
		zap.String("task_arn", current.TaskArn),
		zap.Duration("poll_interval", interval),
		zap.Duration("timeout", opts.Timeout))

	for {
		task, err := e.describe(ctx, current.Cluster, current.TaskArn)
		if err != nil {
			return &current, err
		}

		status := model.TaskStatus(awsStd.ToString(task.LastStatus))
		if status != current.LastStatus {
			e.logger.Info("Task status changed",
				zap.String("task_arn", current.TaskArn),
				zap.String("from", string(current.LastStatus)),
				zap.String("to", string(status)))
		}
		refreshStatus(&current, task)

		if current.Terminal() {
			break
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(e.clock.Now())
			if remaining <= 0 {
				e.logger.Warn("Gave up waiting for task",
					zap.String("task_arn", current.TaskArn),
					zap.String("status", string(current.LastStatus)))
				return &current, fmt.Errorf("task %s still %s after %s: %w",
					current.TaskID(), current.LastStatus, opts.Timeout, model.ErrTaskNeverTerminal)
			}
			// the last read lands on the deadline itself
			wait = min(wait, remaining)
		}

		if err := e.clock.Sleep(ctx, wait); err != nil {
			return &current, err
		}
	}

	// exit code and stop reason can lag the STOPPED transition by one read
	final, err := e.describe(ctx, current.Cluster, current.TaskArn)
	if err != nil {
		return &current, fmt.Errorf("failed to read final task state: %w", err)
	}
	refreshStatus(&current, final)
	refreshOutcome(&current, final)

	e.logger.Info("Task stopped",
		zap.String("task_arn", current.TaskArn),
		zap.String("stop_code", current.StopCode),
		zap.Stringp("stopped_reason", current.StoppedReason),
		zap.Intp("exit_code", current.ExitCode))

	return &current, nil
}

func (e *Executor) describe(ctx context.Context, cluster, taskArn string) (ecsTypes.Task, error) {
	out, err := e.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: awsStd.String(cluster),
		Tasks:   []string{taskArn},
	})
	if err != nil {
		return ecsTypes.Task{}, fmt.Errorf("failed to describe task %s: %w", taskArn, err)
	}
	if len(out.Tasks) == 0 {
		reason := "not found"
		if len(out.Failures) > 0 {
			reason = describeFailures(out.Failures)
		}
		return ecsTypes.Task{}, fmt.Errorf("failed to describe task %s: %s", taskArn, reason)
	}
	return out.Tasks[0], nil
}

// refreshStatus copies the lifecycle fields of a describe read onto run
func refreshStatus(run *model.TaskRun, task ecsTypes.Task) {
	if status := awsStd.ToString(task.LastStatus); status != "" {
		run.LastStatus = model.TaskStatus(status)
	}
	if desired := awsStd.ToString(task.DesiredStatus); desired != "" {
		run.DesiredStatus = model.TaskStatus(desired)
	}
	if task.CreatedAt != nil {
		run.CreatedAt = task.CreatedAt
	}
	if task.StartedAt != nil {
		run.StartedAt = task.StartedAt
	}
	if task.StoppedAt != nil {
		run.StoppedAt = task.StoppedAt
	}
}

// refreshOutcome copies the outcome fields of the final read onto run,
// replacing anything seen earlier.
func refreshOutcome(run *model.TaskRun, task ecsTypes.Task) {
	run.StopCode = string(task.StopCode)
	run.StoppedReason = task.StoppedReason
	run.ExitCode = ContainerExitCode(task)
}

// ContainerExitCode returns the exit code of the first container that
// reported one. Single-container tasks are the norm here.
func ContainerExitCode(task ecsTypes.Task) *int {
	for _, c := range task.Containers {
		if c.ExitCode != nil {
			code := int(*c.ExitCode)
			return &code
		}
	}
	return nil
}

// ExitStatus translates a terminal run into a process exit status. A
// non-negative exit code is propagated verbatim; anything else is reported
// as ExitUnknownFailure.
func ExitStatus(run *model.TaskRun) (int, error) {
	if run == nil || !run.Terminal() {
		return ExitUnknownFailure, errors.New("task has not stopped")
	}
	if run.ExitCode == nil || *run.ExitCode < 0 {
		reason := awsStd.ToString(run.StoppedReason)
		if reason == "" {
			reason = "no stop reason reported"
		}
		return ExitUnknownFailure, fmt.Errorf("task stopped without an exit code: %s", reason)
	}
	return *run.ExitCode, nil
}
