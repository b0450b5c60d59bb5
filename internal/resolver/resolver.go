package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebTypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/awsapi"
	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/stack"
)

// Resolver turns schedule rules into launchable targets
type Resolver struct {
	logger    *zap.Logger
	events    awsapi.EventBridgeAPI
	inspector *stack.Inspector
}

// NewResolver creates a new rule target resolver
func NewResolver(events awsapi.EventBridgeAPI, inspector *stack.Inspector, logger *zap.Logger) *Resolver {
	return &Resolver{
		logger:    logger.Named("resolver"),
		events:    events,
		inspector: inspector,
	}
}

// RuleName resolves the physical name of the rule scheduling a pipeline stage
func (r *Resolver) RuleName(ctx context.Context, stackName string, task model.LogicalTask) (string, error) {
	logicalID, ok := task.RuleLogicalID()
	if !ok {
		return "", fmt.Errorf("no rule mapped for task %s: %w", task, model.ErrResolutionNotFound)
	}
	return r.inspector.ResolveResource(ctx, stackName, stack.ByLogicalID(logicalID))
}

// ResolveTask resolves the launch target of a pipeline stage
func (r *Resolver) ResolveTask(ctx context.Context, stackName string, task model.LogicalTask) (*model.Target, error) {
	ruleName, err := r.RuleName(ctx, stackName, task)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Resolved rule",
		zap.String("task", string(task)),
		zap.String("rule", ruleName))

	return r.ResolveTarget(ctx, ruleName)
}

// ResolveTarget extracts the launch target from the first target of a rule.
// Resolution is deterministic for a given rule definition and is not retried.
func (r *Resolver) ResolveTarget(ctx context.Context, ruleName string) (*model.Target, error) {
	targets, err := r.Targets(ctx, ruleName)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("rule %s has no targets: %w", ruleName, model.ErrResolutionNotFound)
	}

	target, err := ExtractTarget(targets[0])
	if err != nil {
		var resErr *model.ResolutionError
		if errors.As(err, &resErr) {
			resErr.Rule = ruleName
		}
		return nil, err
	}

	r.logger.Info("Resolved target",
		zap.String("rule", ruleName),
		zap.String("cluster", target.Cluster),
		zap.String("task_definition", target.TaskDefinition),
		zap.Strings("subnets", target.Network.Subnets),
		zap.Strings("security_groups", target.Network.SecurityGroups),
		zap.Bool("assign_public_ip", target.Network.AssignPublicIP))

	return target, nil
}

// DescribeRule reads the state and schedule of a deployed rule. Targets
// are left empty; they are listed separately with Targets.
func (r *Resolver) DescribeRule(ctx context.Context, ruleName string) (*model.PhysicalRule, error) {
	out, err := r.events.DescribeRule(ctx, &eventbridge.DescribeRuleInput{
		Name: awsStd.String(ruleName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe rule %s: %w", ruleName, err)
	}

	rule := &model.PhysicalRule{
		Name:               ruleName,
		State:              model.RuleStateUnknown,
		ScheduleExpression: awsStd.ToString(out.ScheduleExpression),
	}
	if out.State != "" {
		rule.State = model.RuleState(out.State)
	}
	return rule, nil
}

// Targets lists the raw invocation targets of a rule
func (r *Resolver) Targets(ctx context.Context, ruleName string) ([]ebTypes.Target, error) {
	out, err := r.events.ListTargetsByRule(ctx, &eventbridge.ListTargetsByRuleInput{
		Rule: awsStd.String(ruleName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list targets of rule %s: %w", ruleName, err)
	}
	return out.Targets, nil
}

// ExtractTarget converts a provider target into a launch target. The raw
// payload is kept on both the target and any resolution error.
func ExtractTarget(t ebTypes.Target) (*model.Target, error) {
	raw := rawPayload(t)
	target := &model.Target{
		ID:      awsStd.ToString(t.Id),
		Cluster: awsStd.ToString(t.Arn),
		Raw:     raw,
	}

	ecsParams := t.EcsParameters
	if target.Cluster == "" {
		return nil, &model.ResolutionError{Field: model.FieldCluster, Raw: raw}
	}
	if ecsParams == nil || awsStd.ToString(ecsParams.TaskDefinitionArn) == "" {
		return nil, &model.ResolutionError{Field: model.FieldTaskDefinition, Raw: raw}
	}
	target.TaskDefinition = awsStd.ToString(ecsParams.TaskDefinitionArn)
	target.LaunchType = string(ecsParams.LaunchType)

	if ecsParams.NetworkConfiguration == nil || ecsParams.NetworkConfiguration.AwsvpcConfiguration == nil {
		return nil, &model.ResolutionError{Field: model.FieldNetworkConfiguration, Raw: raw}
	}
	vpc := ecsParams.NetworkConfiguration.AwsvpcConfiguration
	if len(vpc.Subnets) == 0 || len(vpc.SecurityGroups) == 0 || vpc.AssignPublicIp == "" {
		return nil, &model.ResolutionError{Field: model.FieldNetworkConfiguration, Raw: raw}
	}

	target.Network = model.NetworkPlacement{
		Subnets:        append([]string(nil), vpc.Subnets...),
		SecurityGroups: append([]string(nil), vpc.SecurityGroups...),
		AssignPublicIP: vpc.AssignPublicIp == ebTypes.AssignPublicIpEnabled,
	}
	return target, nil
}

func rawPayload(t ebTypes.Target) string {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", t)
	}
	return string(data)
}
