package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecsTypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/awsapi"
	"github.com/t77yq/pipelinectl/internal/model"
)

const (
	startedByPrefix = "pipelinectl"
	// ECS limits startedBy to 128 characters
	maxStartedByLen = 128
)

// Executor launches one-shot tasks and waits for them to stop
type Executor struct {
	logger    *zap.Logger
	ecs       awsapi.ECSAPI
	clock     Clock
	startedBy string
}

// Option customizes an Executor
type Option func(*Executor)

// WithClock replaces the wall clock used by the poll loop
func WithClock(clock Clock) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

// WithStartedBy overrides the startedBy marker put on launched tasks
func WithStartedBy(startedBy string) Option {
	return func(e *Executor) {
		e.startedBy = startedBy
	}
}

// NewExecutor creates a new executor
func NewExecutor(ecsClient awsapi.ECSAPI, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger: logger.Named("executor"),
		ecs:    ecsClient,
		clock:  RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.startedBy == "" {
		e.startedBy = defaultStartedBy()
	}
	return e
}

// StartedBy returns the marker put on launched tasks
func (e *Executor) StartedBy() string {
	return e.startedBy
}

// Launch submits a one-shot Fargate task for target. Rejections are not
// retried; an operator has to diagnose them before launching again.
func (e *Executor) Launch(ctx context.Context, target *model.Target) (*model.TaskRun, error) {
	if target == nil {
		return nil, fmt.Errorf("no target to launch: %w", model.ErrLaunchRejected)
	}

	assign := ecsTypes.AssignPublicIpDisabled
	if target.Network.AssignPublicIP {
		assign = ecsTypes.AssignPublicIpEnabled
	}

	input := &ecs.RunTaskInput{
		Cluster:        awsStd.String(target.Cluster),
		TaskDefinition: awsStd.String(target.TaskDefinition),
		LaunchType:     ecsTypes.LaunchTypeFargate,
		Count:          awsStd.Int32(1),
		StartedBy:      awsStd.String(e.startedBy),
		NetworkConfiguration: &ecsTypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecsTypes.AwsVpcConfiguration{
				Subnets:        target.Network.Subnets,
				SecurityGroups: target.Network.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
	}

	e.logger.Info("Launching task",
		zap.String("cluster", target.Cluster),
		zap.String("task_definition", target.TaskDefinition),
		zap.String("started_by", e.startedBy))

	out, err := e.ecs.RunTask(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run task: %v: %w", err, model.ErrLaunchRejected)
	}
	if len(out.Failures) > 0 {
		return nil, fmt.Errorf("failed to run task: %s: %w", describeFailures(out.Failures), model.ErrLaunchRejected)
	}
	if len(out.Tasks) == 0 || awsStd.ToString(out.Tasks[0].TaskArn) == "" {
		return nil, fmt.Errorf("failed to run task: no task handle returned: %w", model.ErrLaunchRejected)
	}

	task := out.Tasks[0]
	run := &model.TaskRun{
		ID:         uuid.New().String(),
		TaskArn:    awsStd.ToString(task.TaskArn),
		Cluster:    target.Cluster,
		Target:     target,
		LastStatus: model.TaskStatusPending,
		LaunchedAt: e.clock.Now(),
		CreatedAt:  task.CreatedAt,
	}
	if status := awsStd.ToString(task.LastStatus); status != "" {
		run.LastStatus = model.TaskStatus(status)
	}

	e.logger.Info("Task launched",
		zap.String("run_id", run.ID),
		zap.String("task_arn", run.TaskArn),
		zap.String("status", string(run.LastStatus)))

	return run, nil
}

func describeFailures(failures []ecsTypes.Failure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		msg := awsStd.ToString(f.Reason)
		if detail := awsStd.ToString(f.Detail); detail != "" {
			msg += " (" + detail + ")"
		}
		if arn := awsStd.ToString(f.Arn); arn != "" {
			msg = arn + ": " + msg
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// defaultStartedBy marks launched tasks with the host they were started from
func defaultStartedBy() string {
	hostname := "unknown"
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		hostname = info.Hostname
	}
	startedBy := startedByPrefix + "/" + hostname
	if len(startedBy) > maxStartedByLen {
		startedBy = startedBy[:maxStartedByLen]
	}
	return startedBy
}

// Clock abstracts time so the poll loop can be driven without real delays
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
