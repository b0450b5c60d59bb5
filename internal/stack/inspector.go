package stack

import (
	"context"
	"fmt"
	"regexp"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/awsapi"
	"github.com/t77yq/pipelinectl/internal/model"
)

// Resource types looked up in a stack's inventory
const (
	ResourceTypeRule    = "AWS::Events::Rule"
	ResourceTypeCluster = "AWS::ECS::Cluster"
)

// noValue is what the provider reports for an attribute that has no value
const noValue = "None"

// Resource is one entry of a stack's inventory
type Resource struct {
	LogicalID    string
	PhysicalID   string
	ResourceType string
}

// Selector picks resources out of a stack's inventory
type Selector struct {
	desc  string
	match func(Resource) bool
}

func (s Selector) String() string {
	return s.desc
}

// ByLogicalID matches a logical id exactly, or followed by the 8 hex digit
// hash suffix CDK appends to nested construct ids.
func ByLogicalID(id string) Selector {
	hashed := regexp.MustCompile("^" + regexp.QuoteMeta(id) + "[0-9A-F]{8}$")
	return Selector{
		desc: "logical id " + id,
		match: func(r Resource) bool {
			return r.LogicalID == id || hashed.MatchString(r.LogicalID)
		},
	}
}

// ByResourceType matches every resource of the given type
func ByResourceType(resourceType string) Selector {
	return Selector{
		desc: "resource type " + resourceType,
		match: func(r Resource) bool {
			return r.ResourceType == resourceType
		},
	}
}

// Inspector resolves logical identifiers of a stack to physical ones
type Inspector struct {
	logger *zap.Logger
	cfn    awsapi.CloudFormationAPI
}

// NewInspector creates a new stack inspector
func NewInspector(cfn awsapi.CloudFormationAPI, logger *zap.Logger) *Inspector {
	return &Inspector{
		logger: logger.Named("stack"),
		cfn:    cfn,
	}
}

// ResolveResource returns the physical id of the first resource matching selector
func (i *Inspector) ResolveResource(ctx context.Context, stackName string, selector Selector) (string, error) {
	resources, err := i.ListResources(ctx, stackName, selector)
	if err != nil {
		return "", err
	}
	if len(resources) == 0 {
		return "", fmt.Errorf("stack %s has no resource with %s: %w", stackName, selector, model.ErrResolutionNotFound)
	}

	i.logger.Debug("Resolved stack resource",
		zap.String("stack", stackName),
		zap.String("selector", selector.String()),
		zap.String("logical_id", resources[0].LogicalID),
		zap.String("physical_id", resources[0].PhysicalID))

	return resources[0].PhysicalID, nil
}

// ListResources returns every resource matching selector, in inventory order.
// Resources without a physical id are skipped.
func (i *Inspector) ListResources(ctx context.Context, stackName string, selector Selector) ([]Resource, error) {
	paginator := cloudformation.NewListStackResourcesPaginator(i.cfn, &cloudformation.ListStackResourcesInput{
		StackName: awsStd.String(stackName),
	})

	var matched []Resource
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list resources of stack %s: %w", stackName, err)
		}

		for _, summary := range page.StackResourceSummaries {
			physicalID, ok := present(summary.PhysicalResourceId)
			if !ok {
				continue
			}
			r := Resource{
				LogicalID:    awsStd.ToString(summary.LogicalResourceId),
				PhysicalID:   physicalID,
				ResourceType: awsStd.ToString(summary.ResourceType),
			}
			if selector.match(r) {
				matched = append(matched, r)
			}
		}
	}

	return matched, nil
}

// Output returns the value of a stack output
func (i *Inspector) Output(ctx context.Context, stackName, key string) (string, error) {
	out, err := i.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: awsStd.String(stackName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe stack %s: %w", stackName, err)
	}

	for _, s := range out.Stacks {
		for _, o := range s.Outputs {
			if awsStd.ToString(o.OutputKey) != key {
				continue
			}
			if value, ok := present(o.OutputValue); ok {
				return value, nil
			}
		}
	}

	return "", fmt.Errorf("stack %s has no output %s: %w", stackName, key, model.ErrResolutionNotFound)
}

// present treats a missing value and the provider's no-value sentinel alike
func present(v *string) (string, bool) {
	s := awsStd.ToString(v)
	if s == "" || s == noValue {
		return "", false
	}
	return s, true
}
