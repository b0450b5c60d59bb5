package awsapi

import (
	"testing"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
)

func TestFromSDKConfig(t *testing.T) {
	clients := FromSDKConfig(awsStd.Config{Region: "us-east-2"})

	assert.Equal(t, "us-east-2", clients.Region)
	assert.NotNil(t, clients.CloudFormation)
	assert.NotNil(t, clients.EventBridge)
	assert.NotNil(t, clients.CloudWatch)
	assert.NotNil(t, clients.ECS)
}
