package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfnTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecsTypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebTypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// FakeCloudFormation serves a static stack inventory
type FakeCloudFormation struct {
	Resources map[string][]cfnTypes.StackResourceSummary
	Outputs   map[string][]cfnTypes.Output
	PageSize  int
	Err       error

	mu    sync.Mutex
	Calls int
}

// NewFakeCloudFormation creates an empty inventory
func NewFakeCloudFormation() *FakeCloudFormation {
	return &FakeCloudFormation{
		Resources: make(map[string][]cfnTypes.StackResourceSummary),
		Outputs:   make(map[string][]cfnTypes.Output),
	}
}

// AddResource registers a resource in a stack
func (f *FakeCloudFormation) AddResource(stack, logicalID, physicalID, resourceType string) {
	f.Resources[stack] = append(f.Resources[stack], cfnTypes.StackResourceSummary{
		LogicalResourceId:  awsStd.String(logicalID),
		PhysicalResourceId: awsStd.String(physicalID),
		ResourceType:       awsStd.String(resourceType),
	})
}

// AddOutput registers a stack output
func (f *FakeCloudFormation) AddOutput(stack, key, value string) {
	f.Outputs[stack] = append(f.Outputs[stack], cfnTypes.Output{
		OutputKey:   awsStd.String(key),
		OutputValue: awsStd.String(value),
	})
}

func (f *FakeCloudFormation) stackExists(name string) bool {
	_, hasResources := f.Resources[name]
	_, hasOutputs := f.Outputs[name]
	return hasResources || hasOutputs
}

func (f *FakeCloudFormation) ListStackResources(_ context.Context, params *cloudformation.ListStackResourcesInput,
	_ ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	name := awsStd.ToString(params.StackName)
	if !f.stackExists(name) {
		return nil, fmt.Errorf("Stack with id %s does not exist", name)
	}

	all := f.Resources[name]
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = len(all)
	}

	start := 0
	if params.NextToken != nil {
		n, err := strconv.Atoi(*params.NextToken)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		start = n
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	out := &cloudformation.ListStackResourcesOutput{
		StackResourceSummaries: all[start:end],
	}
	if end < len(all) {
		out.NextToken = awsStd.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *FakeCloudFormation) DescribeStacks(_ context.Context, params *cloudformation.DescribeStacksInput,
	_ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	name := awsStd.ToString(params.StackName)
	if !f.stackExists(name) {
		return nil, fmt.Errorf("Stack with id %s does not exist", name)
	}
	return &cloudformation.DescribeStacksOutput{
		Stacks: []cfnTypes.Stack{{
			StackName: awsStd.String(name),
			Outputs:   f.Outputs[name],
		}},
	}, nil
}

// FakeEventBridge serves rule descriptions and targets
type FakeEventBridge struct {
	Rules       map[string]*eventbridge.DescribeRuleOutput
	Targets     map[string][]ebTypes.Target
	DescribeErr map[string]error
	TargetsErr  map[string]error
}

// NewFakeEventBridge creates an empty rule set
func NewFakeEventBridge() *FakeEventBridge {
	return &FakeEventBridge{
		Rules:       make(map[string]*eventbridge.DescribeRuleOutput),
		Targets:     make(map[string][]ebTypes.Target),
		DescribeErr: make(map[string]error),
		TargetsErr:  make(map[string]error),
	}
}

// AddRule registers a rule with a single ECS target
func (f *FakeEventBridge) AddRule(name string, state ebTypes.RuleState, schedule string, targets ...ebTypes.Target) {
	f.Rules[name] = &eventbridge.DescribeRuleOutput{
		Name:               awsStd.String(name),
		State:              state,
		ScheduleExpression: awsStd.String(schedule),
	}
	f.Targets[name] = targets
}

func (f *FakeEventBridge) DescribeRule(_ context.Context, params *eventbridge.DescribeRuleInput,
	_ ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error) {
	name := awsStd.ToString(params.Name)
	if err := f.DescribeErr[name]; err != nil {
		return nil, err
	}
	rule, ok := f.Rules[name]
	if !ok {
		return nil, fmt.Errorf("Rule %s does not exist", name)
	}
	return rule, nil
}

func (f *FakeEventBridge) ListTargetsByRule(_ context.Context, params *eventbridge.ListTargetsByRuleInput,
	_ ...func(*eventbridge.Options)) (*eventbridge.ListTargetsByRuleOutput, error) {
	name := awsStd.ToString(params.Rule)
	if err := f.TargetsErr[name]; err != nil {
		return nil, err
	}
	if _, ok := f.Rules[name]; !ok {
		return nil, fmt.Errorf("Rule %s does not exist", name)
	}
	return &eventbridge.ListTargetsByRuleOutput{Targets: f.Targets[name]}, nil
}

// EcsTarget builds a complete rule target for tests
func EcsTarget(cluster, taskDefinition string, subnets, securityGroups []string, assignPublicIP bool) ebTypes.Target {
	assign := ebTypes.AssignPublicIpDisabled
	if assignPublicIP {
		assign = ebTypes.AssignPublicIpEnabled
	}
	return ebTypes.Target{
		Id:  awsStd.String("EcsTarget"),
		Arn: awsStd.String(cluster),
		EcsParameters: &ebTypes.EcsParameters{
			TaskDefinitionArn: awsStd.String(taskDefinition),
			TaskCount:         awsStd.Int32(1),
			LaunchType:        ebTypes.LaunchTypeFargate,
			NetworkConfiguration: &ebTypes.NetworkConfiguration{
				AwsvpcConfiguration: &ebTypes.AwsVpcConfiguration{
					Subnets:        subnets,
					SecurityGroups: securityGroups,
					AssignPublicIp: assign,
				},
			},
		},
	}
}

// FakeCloudWatch serves metric sums keyed by rule and metric name
type FakeCloudWatch struct {
	Sums map[string]map[string]float64
	Errs map[string]error

	mu    sync.Mutex
	Calls []*cloudwatch.GetMetricStatisticsInput
}

// NewFakeCloudWatch creates an empty metric store
func NewFakeCloudWatch() *FakeCloudWatch {
	return &FakeCloudWatch{
		Sums: make(map[string]map[string]float64),
		Errs: make(map[string]error),
	}
}

// SetSum sets the total of a metric for a rule
func (f *FakeCloudWatch) SetSum(rule, metric string, sum float64) {
	if f.Sums[rule] == nil {
		f.Sums[rule] = make(map[string]float64)
	}
	f.Sums[rule][metric] = sum
}

func (f *FakeCloudWatch) GetMetricStatistics(_ context.Context, params *cloudwatch.GetMetricStatisticsInput,
	_ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, params)
	f.mu.Unlock()

	var rule string
	for _, d := range params.Dimensions {
		if awsStd.ToString(d.Name) == "RuleName" {
			rule = awsStd.ToString(d.Value)
		}
	}
	if err := f.Errs[rule]; err != nil {
		return nil, err
	}

	sum, ok := f.Sums[rule][awsStd.ToString(params.MetricName)]
	if !ok {
		return &cloudwatch.GetMetricStatisticsOutput{}, nil
	}

	// split across two datapoints so callers have to add them up
	half := sum / 2
	return &cloudwatch.GetMetricStatisticsOutput{
		Label: params.MetricName,
		Datapoints: []cwTypes.Datapoint{
			{Sum: awsStd.Float64(half), Timestamp: params.StartTime},
			{Sum: awsStd.Float64(sum - half), Timestamp: params.EndTime},
		},
	}, nil
}

// FakeECS records submitted tasks and serves task descriptions
type FakeECS struct {
	RunOutput *ecs.RunTaskOutput
	RunErr    error

	// DescribeSequence is returned one entry per DescribeTasks call, the
	// last entry repeating. When empty, Tasks is looked up by ARN.
	DescribeSequence []ecsTypes.Task
	DescribeErr      error
	Tasks            map[string]ecsTypes.Task

	Listed  map[ecsTypes.DesiredStatus][]string
	ListErr error

	mu            sync.Mutex
	RunInputs     []*ecs.RunTaskInput
	DescribeCalls int
	ListInputs    []*ecs.ListTasksInput
}

// NewFakeECS creates an empty cluster
func NewFakeECS() *FakeECS {
	return &FakeECS{
		Tasks:  make(map[string]ecsTypes.Task),
		Listed: make(map[ecsTypes.DesiredStatus][]string),
	}
}

// AddTask registers a task under a desired status for listing and describing
func (f *FakeECS) AddTask(status ecsTypes.DesiredStatus, task ecsTypes.Task) {
	arn := awsStd.ToString(task.TaskArn)
	f.Tasks[arn] = task
	f.Listed[status] = append(f.Listed[status], arn)
}

func (f *FakeECS) RunTask(_ context.Context, params *ecs.RunTaskInput,
	_ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.mu.Lock()
	f.RunInputs = append(f.RunInputs, params)
	f.mu.Unlock()

	if f.RunErr != nil {
		return nil, f.RunErr
	}
	if f.RunOutput == nil {
		return &ecs.RunTaskOutput{}, nil
	}
	return f.RunOutput, nil
}

func (f *FakeECS) DescribeTasks(_ context.Context, params *ecs.DescribeTasksInput,
	_ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	f.mu.Lock()
	call := f.DescribeCalls
	f.DescribeCalls++
	f.mu.Unlock()

	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}

	if len(f.DescribeSequence) > 0 {
		if call >= len(f.DescribeSequence) {
			call = len(f.DescribeSequence) - 1
		}
		return &ecs.DescribeTasksOutput{Tasks: []ecsTypes.Task{f.DescribeSequence[call]}}, nil
	}

	out := &ecs.DescribeTasksOutput{}
	for _, arn := range params.Tasks {
		task, ok := f.Tasks[arn]
		if !ok {
			out.Failures = append(out.Failures, ecsTypes.Failure{
				Arn:    awsStd.String(arn),
				Reason: awsStd.String("MISSING"),
			})
			continue
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}

func (f *FakeECS) ListTasks(_ context.Context, params *ecs.ListTasksInput,
	_ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	f.mu.Lock()
	f.ListInputs = append(f.ListInputs, params)
	f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}
	all := f.Listed[params.DesiredStatus]
	start := 0
	if params.NextToken != nil {
		n, err := strconv.Atoi(*params.NextToken)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		start = n
	}
	end := len(all)
	if params.MaxResults != nil && start+int(*params.MaxResults) < end {
		end = start + int(*params.MaxResults)
	}

	out := &ecs.ListTasksOutput{TaskArns: all[start:end]}
	if end < len(all) {
		out.NextToken = awsStd.String(strconv.Itoa(end))
	}
	return out, nil
}

// EcsTask builds a task description for tests
func EcsTask(arn string, status string, exitCode *int32, reason string) ecsTypes.Task {
	task := ecsTypes.Task{
		TaskArn:           awsStd.String(arn),
		TaskDefinitionArn: awsStd.String("arn:aws:ecs:us-east-2:123456789012:task-definition/price-extractor:3"),
		LastStatus:        awsStd.String(status),
		DesiredStatus:     awsStd.String(status),
		Containers: []ecsTypes.Container{{
			Name:     awsStd.String("app"),
			ExitCode: exitCode,
		}},
	}
	if reason != "" {
		task.StoppedReason = awsStd.String(reason)
	}
	return task
}
