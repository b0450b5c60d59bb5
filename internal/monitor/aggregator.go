package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecsTypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/pipelinectl/internal/awsapi"
	"github.com/t77yq/pipelinectl/internal/executor"
	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/resolver"
	"github.com/t77yq/pipelinectl/internal/stack"
)

const (
	metricNamespace         = "AWS/Events"
	metricInvocations       = "Invocations"
	metricFailedInvocations = "FailedInvocations"
	ruleNameDimension       = "RuleName"

	// GetMetricStatistics returns at most this many datapoints per call
	maxDatapoints = 1440

	// ListTasks and DescribeTasks accept at most this many tasks per call
	ecsPageSize = 100
	// stopped tasks stay listed for about an hour; this bounds a busy cluster
	maxListedTasks = 1000
)

// Defaults for Options left at zero
const (
	DefaultClusterOutputKey = "ClusterName"
	DefaultMetricPeriod     = 5 * time.Minute
	DefaultMaxConcurrency   = 4
	DefaultTaskListLimit    = 50
)

// Options configures an Aggregator
type Options struct {
	ClusterOutputKey string
	MetricPeriod     time.Duration
	MaxConcurrency   int
	TaskListLimit    int32
}

// VerifyOptions changes how a single verification judges the stack
type VerifyOptions struct {
	// RequireRules fails the verdict when the stack has no schedule rules
	RequireRules bool
}

// Aggregator builds health verdicts for a deployed pipeline stack
type Aggregator struct {
	logger    *zap.Logger
	inspector *stack.Inspector
	resolver  *resolver.Resolver
	metrics   awsapi.CloudWatchAPI
	ecs       awsapi.ECSAPI
	opts      Options
	now       func() time.Time
}

// NewAggregator creates a new health aggregator
func NewAggregator(
	inspector *stack.Inspector,
	res *resolver.Resolver,
	metrics awsapi.CloudWatchAPI,
	ecsClient awsapi.ECSAPI,
	opts Options,
	logger *zap.Logger,
) *Aggregator {
	if opts.ClusterOutputKey == "" {
		opts.ClusterOutputKey = DefaultClusterOutputKey
	}
	if opts.MetricPeriod <= 0 {
		opts.MetricPeriod = DefaultMetricPeriod
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.TaskListLimit <= 0 {
		opts.TaskListLimit = DefaultTaskListLimit
	}
	return &Aggregator{
		logger:    logger.Named("aggregator"),
		inspector: inspector,
		resolver:  res,
		metrics:   metrics,
		ecs:       ecsClient,
		opts:      opts,
		now:       time.Now,
	}
}

// SetNow replaces the wall clock used to anchor the lookback window
func (a *Aggregator) SetNow(now func() time.Time) {
	a.now = now
}

// ruleResult is the outcome of inspecting one rule: whatever could be read
// plus a warning for every read that failed.
type ruleResult struct {
	health   model.RuleHealth
	warnings []string
}

// Verify inspects every schedule rule and the task cluster of a stack and
// returns a verdict. A single rule's fetch failure never aborts the others;
// only failing to enumerate the stack at all is returned as an error.
func (a *Aggregator) Verify(ctx context.Context, stackName string, lookback time.Duration, opts VerifyOptions) (*model.HealthVerdict, error) {
	end := a.now().UTC()
	start := end.Add(-lookback)

	a.logger.Info("Verifying stack",
		zap.String("stack", stackName),
		zap.Duration("lookback", lookback))

	var failReasons, warnings []string

	cluster, err := a.resolveCluster(ctx, stackName)
	if err != nil {
		a.logger.Warn("Cluster not resolved", zap.String("stack", stackName), zap.Error(err))
		failReasons = append(failReasons, "cluster not found: "+stackName)
	}

	resources, err := a.inspector.ListResources(ctx, stackName, stack.ByResourceType(stack.ResourceTypeRule))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate rules of stack %s: %w", stackName, err)
	}
	ruleNames := make([]string, 0, len(resources))
	for _, r := range resources {
		ruleNames = append(ruleNames, r.PhysicalID)
	}
	sort.Strings(ruleNames)

	if len(ruleNames) == 0 && opts.RequireRules {
		failReasons = append(failReasons, "no rules found in stack "+stackName)
	}

	results := a.inspectRules(ctx, ruleNames, start, end)
	rules := make([]model.RuleHealth, 0, len(results))
	for _, res := range results {
		rules = append(rules, res.health)
		warnings = append(warnings, res.warnings...)
	}
	failReasons = append(failReasons, judgeRules(rules)...)

	var running, stopped []model.TaskSummary
	if cluster != "" {
		var taskWarnings []string
		running, taskWarnings = a.listTasks(ctx, cluster, ecsTypes.DesiredStatusRunning)
		warnings = append(warnings, taskWarnings...)
		stopped, taskWarnings = a.listTasks(ctx, cluster, ecsTypes.DesiredStatusStopped)
		warnings = append(warnings, taskWarnings...)
	}

	verdict := model.NewHealthVerdict(stackName, cluster, lookback, rules, running, stopped, failReasons, warnings, end)

	a.logger.Info("Verification finished",
		zap.String("stack", stackName),
		zap.Int("rules", len(rules)),
		zap.Int("fail_reasons", len(verdict.FailReasons)),
		zap.Int("warnings", len(verdict.Warnings)),
		zap.Bool("pass", verdict.OverallPass))

	return verdict, nil
}

// judgeRules derives the fail reasons of a set of rules, in rule order
func judgeRules(rules []model.RuleHealth) []string {
	var reasons []string
	for _, r := range rules {
		if r.State != model.RuleStateEnabled {
			reasons = append(reasons, "rule disabled: "+r.Rule)
		}
		if r.Failures > 0 {
			reasons = append(reasons, "failed invocations > 0: "+r.Rule)
		}
	}
	return reasons
}

// resolveCluster prefers the declared stack output and falls back to the
// stack inventory.
func (a *Aggregator) resolveCluster(ctx context.Context, stackName string) (string, error) {
	cluster, outErr := a.inspector.Output(ctx, stackName, a.opts.ClusterOutputKey)
	if outErr == nil {
		return cluster, nil
	}

	cluster, err := a.inspector.ResolveResource(ctx, stackName, stack.ByResourceType(stack.ResourceTypeCluster))
	if err != nil {
		return "", errors.Join(outErr, err)
	}
	return cluster, nil
}

// inspectRules fans out over the rules with bounded concurrency. Results
// keep the order of ruleNames.
func (a *Aggregator) inspectRules(ctx context.Context, ruleNames []string, start, end time.Time) []ruleResult {
	results := make([]ruleResult, len(ruleNames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.MaxConcurrency)
	for i, name := range ruleNames {
		g.Go(func() error {
			results[i] = a.inspectRule(gctx, name, start, end)
			return nil
		})
	}
	// inspectRule reports failures as warnings, never as errors
	_ = g.Wait()

	return results
}

func (a *Aggregator) inspectRule(ctx context.Context, ruleName string, start, end time.Time) ruleResult {
	res := ruleResult{
		health: model.RuleHealth{
			Rule:    ruleName,
			State:   model.RuleStateUnknown,
			Targets: []model.Target{},
		},
	}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.warnings = append(res.warnings, msg)
		a.logger.Warn("Rule inspection incomplete", zap.String("rule", ruleName), zap.String("detail", msg))
	}

	rule, err := a.resolver.DescribeRule(ctx, ruleName)
	if err != nil {
		warn("rule %s: state unavailable: %v", ruleName, err)
	} else {
		res.health.State = rule.State
		res.health.Schedule = rule.ScheduleExpression
	}

	targets, err := a.resolver.Targets(ctx, ruleName)
	if err != nil {
		warn("rule %s: targets unavailable: %v", ruleName, err)
	}
	for _, t := range targets {
		target, err := resolver.ExtractTarget(t)
		if err != nil {
			warn("rule %s: target %s: %v", ruleName, awsStd.ToString(t.Id), err)
			res.health.Targets = append(res.health.Targets, model.Target{
				ID:      awsStd.ToString(t.Id),
				Cluster: awsStd.ToString(t.Arn),
			})
			continue
		}
		res.health.Targets = append(res.health.Targets, *target)
	}

	invocations := a.metricSum(ctx, ruleName, metricInvocations, start, end)
	if invocations.Err != nil {
		warn("rule %s: %v", ruleName, invocations.Err)
	}
	failures := a.metricSum(ctx, ruleName, metricFailedInvocations, start, end)
	if failures.Err != nil {
		warn("rule %s: %v", ruleName, failures.Err)
	}
	res.health.Invocations = invocations.Sum
	res.health.Failures = failures.Sum

	if res.health.Schedule != "" {
		sched, err := ParseSchedule(res.health.Schedule)
		if err != nil {
			warn("rule %s: %v", ruleName, err)
		} else {
			next := NextRun(sched, end)
			res.health.NextRun = &next
			res.health.ExpectedRuns = ExpectedRuns(sched, start, end)
			if res.health.State == model.RuleStateEnabled && res.health.ExpectedRuns > 0 &&
				invocations.Err == nil && res.health.Invocations == 0 {
				warn("rule %s: expected %d runs in window but saw no invocations", ruleName, res.health.ExpectedRuns)
			}
		}
	}

	return res
}

// metricSum adds up a rule metric over the window. A failed fetch leaves
// the sum at zero and sets Err.
func (a *Aggregator) metricSum(ctx context.Context, ruleName, metricName string, start, end time.Time) model.MetricWindow {
	period := metricPeriod(a.opts.MetricPeriod, end.Sub(start))
	window := model.MetricWindow{
		RuleName:   ruleName,
		MetricName: metricName,
		StartTime:  start,
		EndTime:    end,
		Period:     period,
	}

	out, err := a.metrics.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  awsStd.String(metricNamespace),
		MetricName: awsStd.String(metricName),
		Dimensions: []cwTypes.Dimension{{
			Name:  awsStd.String(ruleNameDimension),
			Value: awsStd.String(ruleName),
		}},
		StartTime:  awsStd.Time(start),
		EndTime:    awsStd.Time(end),
		Period:     awsStd.Int32(int32(period / time.Second)),
		Statistics: []cwTypes.Statistic{cwTypes.StatisticSum},
	})
	if err != nil {
		window.Err = fmt.Errorf("%s: %w: %v", metricName, model.ErrMetricFetchFailed, err)
		return window
	}

	for _, dp := range out.Datapoints {
		window.Sum += awsStd.ToFloat64(dp.Sum)
	}
	return window
}

// metricPeriod widens period in whole minutes until the window fits in one
// GetMetricStatistics call. Data older than 15 days is only served at
// 5 minute granularity, older than 63 days at 1 hour.
func metricPeriod(period, window time.Duration) time.Duration {
	for window/period > maxDatapoints {
		period += time.Minute
	}
	switch {
	case window > 63*24*time.Hour:
		period = roundUp(period, time.Hour)
	case window > 15*24*time.Hour:
		period = roundUp(period, 5*time.Minute)
	}
	return period
}

func roundUp(d, multiple time.Duration) time.Duration {
	return (d + multiple - 1) / multiple * multiple
}

// listTasks returns the most recent tasks of a cluster in a desired
// status, newest first. ListTasks has no ordering, so every visible task is
// listed and described before the limit is applied.
func (a *Aggregator) listTasks(ctx context.Context, cluster string, status ecsTypes.DesiredStatus) ([]model.TaskSummary, []string) {
	summaries := []model.TaskSummary{}
	var warnings []string

	var arns []string
	var nextToken *string
	for {
		listed, err := a.ecs.ListTasks(ctx, &ecs.ListTasksInput{
			Cluster:       awsStd.String(cluster),
			DesiredStatus: status,
			MaxResults:    awsStd.Int32(ecsPageSize),
			NextToken:     nextToken,
		})
		if err != nil {
			return summaries, []string{fmt.Sprintf("%s tasks unavailable: %v", status, err)}
		}
		arns = append(arns, listed.TaskArns...)
		nextToken = listed.NextToken
		if nextToken == nil || len(arns) >= maxListedTasks {
			break
		}
	}

	for batch := range slices.Chunk(arns, ecsPageSize) {
		described, err := a.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: awsStd.String(cluster),
			Tasks:   batch,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s tasks could not be described: %v", status, err))
			continue
		}
		for _, t := range described.Tasks {
			summaries = append(summaries, summarizeTask(t))
		}
		for _, f := range described.Failures {
			warnings = append(warnings, fmt.Sprintf("task %s could not be described: %s",
				awsStd.ToString(f.Arn), awsStd.ToString(f.Reason)))
		}
	}

	sortByRecency(summaries)
	if limit := int(a.opts.TaskListLimit); len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, warnings
}

// sortByRecency orders tasks newest first by stop time, falling back to
// creation time. Tasks without either go last; ties keep ARN order.
func sortByRecency(tasks []model.TaskSummary) {
	recency := func(t model.TaskSummary) time.Time {
		if t.StoppedAt != nil {
			return *t.StoppedAt
		}
		if t.CreatedAt != nil {
			return *t.CreatedAt
		}
		return time.Time{}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		ti, tj := recency(tasks[i]), recency(tasks[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return tasks[i].TaskArn < tasks[j].TaskArn
	})
}

func summarizeTask(t ecsTypes.Task) model.TaskSummary {
	return model.TaskSummary{
		TaskArn:        awsStd.ToString(t.TaskArn),
		TaskDefinition: awsStd.ToString(t.TaskDefinitionArn),
		LastStatus:     model.TaskStatus(awsStd.ToString(t.LastStatus)),
		DesiredStatus:  model.TaskStatus(awsStd.ToString(t.DesiredStatus)),
		StopCode:       string(t.StopCode),
		StoppedReason:  awsStd.ToString(t.StoppedReason),
		ExitCode:       executor.ContainerExitCode(t),
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		StoppedAt:      t.StoppedAt,
	}
}
