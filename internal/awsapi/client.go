// Package awsapi narrows the AWS SDK clients to the operations pipelinectl uses
// so components can be exercised against in-memory fakes.
package awsapi

import (
	"context"
	"fmt"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
)

// CloudFormationAPI reads a stack's resource inventory and outputs
type CloudFormationAPI interface {
	ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput,
		optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput,
		optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// EventBridgeAPI reads schedule rules and their targets
type EventBridgeAPI interface {
	DescribeRule(ctx context.Context, params *eventbridge.DescribeRuleInput,
		optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error)
	ListTargetsByRule(ctx context.Context, params *eventbridge.ListTargetsByRuleInput,
		optFns ...func(*eventbridge.Options)) (*eventbridge.ListTargetsByRuleOutput, error)
}

// CloudWatchAPI reads metric statistics
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput,
		optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// ECSAPI submits, describes and lists tasks
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput,
		optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput,
		optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput,
		optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// Config selects the account and region the clients talk to
type Config struct {
	Region  string
	Profile string
}

// Clients bundles the service clients used by the control flow
type Clients struct {
	CloudFormation CloudFormationAPI
	EventBridge    EventBridgeAPI
	CloudWatch     CloudWatchAPI
	ECS            ECSAPI
	Region         string
}

// NewClients loads the default credential chain and builds the service clients
func NewClients(ctx context.Context, cfg Config) (*Clients, error) {
	var opts []func(*awsConfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsConfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsConfig.WithSharedConfigProfile(cfg.Profile))
	}

	sdkConfig, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return FromSDKConfig(sdkConfig), nil
}

// FromSDKConfig builds the service clients from an already loaded SDK config
func FromSDKConfig(sdkConfig awsStd.Config) *Clients {
	return &Clients{
		CloudFormation: cloudformation.NewFromConfig(sdkConfig),
		EventBridge:    eventbridge.NewFromConfig(sdkConfig),
		CloudWatch:     cloudwatch.NewFromConfig(sdkConfig),
		ECS:            ecs.NewFromConfig(sdkConfig),
		Region:         sdkConfig.Region,
	}
}
