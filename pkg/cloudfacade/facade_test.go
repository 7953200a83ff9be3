package cloudfacade

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAsgAPI struct {
	autoscalingiface.AutoScalingAPI
	groups      []*autoscaling.Group
	err         error
	terminateIn *ec2.TerminateInstancesInput
}

func (m *mockAsgAPI) DescribeAutoScalingGroupsPages(in *autoscaling.DescribeAutoScalingGroupsInput, fn func(*autoscaling.DescribeAutoScalingGroupsOutput, bool) bool) error {
	if m.err != nil {
		return m.err
	}
	fn(&autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: m.groups}, true)
	return nil
}

type mockEC2API struct {
	ec2iface.EC2API
	terminateErr error
	terminateIn  *ec2.TerminateInstancesInput
}

func (m *mockEC2API) TerminateInstances(in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	m.terminateIn = in
	return &ec2.TerminateInstancesOutput{}, m.terminateErr
}

func groupNamed(name string) *autoscaling.Group {
	return &autoscaling.Group{
		AutoScalingGroupName:    aws.String(name),
		DesiredCapacity:         aws.Int64(3),
		LaunchConfigurationName: aws.String("lc-" + name),
	}
}

func TestIsThrottled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"non-aws error", assertErr("boom"), false},
		{"throttling code", awserr.New("Throttling", "slow down", nil), true},
		{"throttling in message", awserr.New("RequestLimitExceeded", "Throttling: rate exceeded", nil), true},
		{"unrelated aws error", awserr.New("ValidationError", "bad input", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isThrottled(tt.err))
		})
	}
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }

func TestFindGroups_IsSubsetOfListGroupsPreservingOrder(t *testing.T) {
	groups := []*autoscaling.Group{groupNamed("prod-web"), groupNamed("staging-web"), groupNamed("prod-db")}
	f := NewFromClients(&mockAsgAPI{groups: groups}, &mockEC2API{})

	matches, err := f.FindGroups(context.Background(), "^prod-")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "prod-web", matches[0].Name)
	assert.Equal(t, "prod-db", matches[1].Name)
}

func TestTerminate_DryRunSwallowsDryRunOperationError(t *testing.T) {
	ec2Mock := &mockEC2API{terminateErr: awserr.New("DryRunOperation", "would have succeeded", nil)}
	f := NewFromClients(&mockAsgAPI{}, ec2Mock)

	err := f.Terminate(context.Background(), "i-123", true)
	require.NoError(t, err)
	require.True(t, aws.BoolValue(ec2Mock.terminateIn.DryRun))
}

func TestTerminate_DryRunPropagatesOtherErrors(t *testing.T) {
	ec2Mock := &mockEC2API{terminateErr: awserr.New("UnauthorizedOperation", "no permission", nil)}
	f := NewFromClients(&mockAsgAPI{}, ec2Mock)

	err := f.Terminate(context.Background(), "i-123", true)
	require.Error(t, err)
}
