package resolver

import (
	"context"
	"errors"
	"testing"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	ebTypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/stack"
	"github.com/t77yq/pipelinectl/internal/testutil"
)

const (
	stackName = "PokePlatformStack"
	clusterC  = "arn:aws:ecs:us-east-2:123456789012:cluster/C"
	taskDefT  = "arn:aws:ecs:us-east-2:123456789012:task-definition/T:1"
)

func setup(t *testing.T) (*Resolver, *testutil.FakeEventBridge) {
	t.Helper()

	cfn := testutil.NewFakeCloudFormation()
	events := testutil.NewFakeEventBridge()
	for _, task := range model.LogicalTasks() {
		logicalID, _ := task.RuleLogicalID()
		ruleName := "PokePlatformStack-" + logicalID
		cfn.AddResource(stackName, logicalID, ruleName, stack.ResourceTypeRule)
		events.AddRule(ruleName, ebTypes.RuleStateEnabled, "cron(0 13 * * ? *)",
			testutil.EcsTarget(clusterC, taskDefT, []string{"subnet-a", "subnet-b"}, []string{"sg-1"}, false))
	}

	logger := zaptest.NewLogger(t)
	return NewResolver(events, stack.NewInspector(cfn, logger), logger), events
}

func TestResolver_RuleNamesAreInjective(t *testing.T) {
	r, _ := setup(t)

	seen := make(map[string]model.LogicalTask)
	for _, task := range model.LogicalTasks() {
		name, err := r.RuleName(context.Background(), stackName, task)
		require.NoError(t, err)
		if other, dup := seen[name]; dup {
			t.Fatalf("tasks %s and %s resolve to rule %s", other, task, name)
		}
		seen[name] = task
	}
}

func TestResolver_ResolveTask(t *testing.T) {
	r, _ := setup(t)

	target, err := r.ResolveTask(context.Background(), stackName, model.TaskPriceExtractor)
	require.NoError(t, err)

	assert.Equal(t, clusterC, target.Cluster)
	assert.Equal(t, taskDefT, target.TaskDefinition)
	assert.Equal(t, "FARGATE", target.LaunchType)
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, target.Network.Subnets)
	assert.Equal(t, []string{"sg-1"}, target.Network.SecurityGroups)
	assert.False(t, target.Network.AssignPublicIP)
	assert.Contains(t, target.Raw, "subnet-a")
}

func TestResolver_ResolveTarget_Incomplete(t *testing.T) {
	complete := func() ebTypes.Target {
		return testutil.EcsTarget(clusterC, taskDefT, []string{"subnet-a"}, []string{"sg-1"}, true)
	}

	tests := []struct {
		name      string
		target    func() ebTypes.Target
		wantField string
	}{
		{
			name: "missing cluster",
			target: func() ebTypes.Target {
				tgt := complete()
				tgt.Arn = nil
				return tgt
			},
			wantField: model.FieldCluster,
		},
		{
			name: "missing task definition",
			target: func() ebTypes.Target {
				tgt := complete()
				tgt.EcsParameters.TaskDefinitionArn = nil
				return tgt
			},
			wantField: model.FieldTaskDefinition,
		},
		{
			name: "not an ecs target",
			target: func() ebTypes.Target {
				return ebTypes.Target{
					Id:  awsStd.String("LambdaTarget"),
					Arn: awsStd.String("arn:aws:lambda:us-east-2:123456789012:function:f"),
				}
			},
			wantField: model.FieldTaskDefinition,
		},
		{
			name: "missing network configuration",
			target: func() ebTypes.Target {
				tgt := complete()
				tgt.EcsParameters.NetworkConfiguration = nil
				return tgt
			},
			wantField: model.FieldNetworkConfiguration,
		},
		{
			name: "missing subnets",
			target: func() ebTypes.Target {
				tgt := complete()
				tgt.EcsParameters.NetworkConfiguration.AwsvpcConfiguration.Subnets = nil
				return tgt
			},
			wantField: model.FieldNetworkConfiguration,
		},
		{
			name: "missing security groups",
			target: func() ebTypes.Target {
				tgt := complete()
				tgt.EcsParameters.NetworkConfiguration.AwsvpcConfiguration.SecurityGroups = nil
				return tgt
			},
			wantField: model.FieldNetworkConfiguration,
		},
		{
			name: "missing public ip policy",
			target: func() ebTypes.Target {
				tgt := complete()
				tgt.EcsParameters.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp = ""
				return tgt
			},
			wantField: model.FieldNetworkConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, events := setup(t)
			events.Targets["broken-rule"] = []ebTypes.Target{tt.target()}
			events.Rules["broken-rule"] = events.Rules["PokePlatformStack-PriceExtractorDailyRule"]

			target, err := r.ResolveTarget(context.Background(), "broken-rule")
			require.Error(t, err)
			assert.Nil(t, target)
			assert.ErrorIs(t, err, model.ErrResolutionIncomplete)

			var resErr *model.ResolutionError
			require.True(t, errors.As(err, &resErr))
			assert.Equal(t, tt.wantField, resErr.Field)
			assert.Equal(t, "broken-rule", resErr.Rule)
			assert.NotEmpty(t, resErr.Raw)
		})
	}
}

func TestResolver_ResolveTarget_NoTargets(t *testing.T) {
	r, events := setup(t)
	events.Targets["PokePlatformStack-StrategyRunnerDailyRule"] = nil

	_, err := r.ResolveTarget(context.Background(), "PokePlatformStack-StrategyRunnerDailyRule")
	assert.ErrorIs(t, err, model.ErrResolutionNotFound)
}

func TestResolver_ResolveTask_RuleMissing(t *testing.T) {
	r, _ := setup(t)

	_, err := r.ResolveTask(context.Background(), "EmptyStack", model.TaskUniverseUpdater)
	require.Error(t, err)

	_, err = r.ResolveTask(context.Background(), stackName, model.LogicalTask("s3_exporter"))
	assert.ErrorIs(t, err, model.ErrResolutionNotFound)
}

func TestResolver_DescribeRule(t *testing.T) {
	r, events := setup(t)
	ruleName := "PokePlatformStack-StrategyRunnerDailyRule"

	rule, err := r.DescribeRule(context.Background(), ruleName)
	require.NoError(t, err)
	assert.Equal(t, ruleName, rule.Name)
	assert.Equal(t, model.RuleStateEnabled, rule.State)
	assert.Equal(t, "cron(0 13 * * ? *)", rule.ScheduleExpression)

	// a rule without a reported state is not assumed enabled
	events.Rules[ruleName].State = ""
	rule, err = r.DescribeRule(context.Background(), ruleName)
	require.NoError(t, err)
	assert.Equal(t, model.RuleStateUnknown, rule.State)

	events.DescribeErr[ruleName] = errors.New("AccessDenied")
	_, err = r.DescribeRule(context.Background(), ruleName)
	assert.ErrorContains(t, err, "AccessDenied")
}
