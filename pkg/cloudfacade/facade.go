// Package cloudfacade is the typed, retrying wrapper over the AWS
// auto-scaling and EC2 APIs that the convergence controller consumes.
// It is the only package in this module that talks to AWS.
package cloudfacade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/carlosjgp/asg-rolling-upgrade/pkg/asgtypes"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryCapDelay  = 10 * time.Second
	retryFactor    = 2.0

	// dryRunOperationCode is the AWS error code returned instead of a
	// real failure when a dry-run call "would have succeeded". It must
	// be checked by code, not by message (DESIGN NOTES, "Dry-run
	// detection").
	dryRunOperationCode = "DryRunOperation"
)

// Facade is the cloud facade's public contract.
type Facade interface {
	ListGroups(ctx context.Context) ([]asgtypes.AsgHandle, error)
	FindGroups(ctx context.Context, pattern string) ([]asgtypes.AsgHandle, error)
	DescribeLaunchConfig(ctx context.Context, name string) (asgtypes.LaunchConfig, error)
	ListInstances(ctx context.Context, groupName string) ([]asgtypes.InstanceSnapshot, error)
	GetUserData(ctx context.Context, instanceID string) ([]byte, error)
	Terminate(ctx context.Context, instanceID string, dryRun bool) error
	// SetDesiredCapacity backs the legacy --legacy-capacity-bump strategy
	// only; the default one-at-a-time controller never calls it (spec.md
	// relies on the group's own replacement policy instead).
	SetDesiredCapacity(ctx context.Context, groupName string, desired int64) error
}

type facade struct {
	asg autoscalingiface.AutoScalingAPI
	ec2 ec2iface.EC2API
}

// New connects to AWS using the default session (credentials, region and
// transport are entirely the SDK's concern; this module never touches
// them directly, per spec.md's out-of-scope list).
func New() (Facade, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("unable to create an AWS session: %w", err)
	}
	return &facade{
		asg: autoscaling.New(sess),
		ec2: ec2.New(sess),
	}, nil
}

// NewFromClients builds a facade over already-constructed clients,
// mirroring the teacher's autoscalingiface/ec2iface split so tests can
// inject mocks instead of a live AWS session.
func NewFromClients(asgClient autoscalingiface.AutoScalingAPI, ec2Client ec2iface.EC2API) Facade {
	return &facade{asg: asgClient, ec2: ec2Client}
}

// isThrottled centralizes the classification of AWS "slow down" errors,
// so the retry behavior can be changed in one place without touching
// callers (DESIGN NOTES, "Retry-by-message classification"). It matches
// the source's own rule: a client error whose code or message contains
// "throttling", case-insensitively.
func isThrottled(err error) bool {
	if err == nil {
		return false
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return strings.Contains(strings.ToLower(aerr.Code()), "throttling") ||
		strings.Contains(strings.ToLower(aerr.Message()), "throttling")
}

// withThrottleRetry retries op with unbounded exponential backoff as
// long as op fails with a throttling error. Any other error is returned
// immediately. Steps is set effectively unbounded: spec.md requires
// "unlimited attempts" for throttling, which wait.Backoff's Steps
// countdown cannot express directly, so it is seeded with the largest
// value that still lets Step() keep growing the delay up to Cap.
func withThrottleRetry(ctx context.Context, op func() error) error {
	backoff := wait.Backoff{
		Duration: retryBaseDelay,
		Factor:   retryFactor,
		Cap:      retryCapDelay,
		Steps:    math.MaxInt32,
	}
	for {
		err := op()
		if err == nil || !isThrottled(err) {
			return err
		}
		delay := backoff.Step()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *facade) ListGroups(ctx context.Context) ([]asgtypes.AsgHandle, error) {
	handles := make([]asgtypes.AsgHandle, 0)
	var pageErr error
	err := withThrottleRetry(ctx, func() error {
		handles = handles[:0]
		pageErr = f.asg.DescribeAutoScalingGroupsPages(
			&autoscaling.DescribeAutoScalingGroupsInput{},
			func(page *autoscaling.DescribeAutoScalingGroupsOutput, lastPage bool) bool {
				for _, group := range page.AutoScalingGroups {
					handles = append(handles, toAsgHandle(group))
				}
				return true
			},
		)
		return pageErr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list auto-scaling groups: %w", err)
	}
	return handles, nil
}

// FindGroups returns every group whose name matches pattern. The
// predicate itself is not anchored: callers that want "starts with"
// semantics must anchor the pattern themselves, per spec.md's Open
// Question "non-anchored regex" (the facade is permissive; the
// controller enforces uniqueness).
func (f *facade) FindGroups(ctx context.Context, pattern string) ([]asgtypes.AsgHandle, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid group selector pattern %q: %w", pattern, err)
	}
	all, err := f.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	matches := make([]asgtypes.AsgHandle, 0)
	for _, handle := range all {
		if re.MatchString(handle.Name) {
			matches = append(matches, handle)
		}
	}
	return matches, nil
}

func toAsgHandle(group *autoscaling.Group) asgtypes.AsgHandle {
	return asgtypes.AsgHandle{
		Name:             aws.StringValue(group.AutoScalingGroupName),
		DesiredCapacity:  aws.Int64Value(group.DesiredCapacity),
		LaunchConfigName: aws.StringValue(group.LaunchConfigurationName),
	}
}

func (f *facade) DescribeLaunchConfig(ctx context.Context, name string) (asgtypes.LaunchConfig, error) {
	var out *autoscaling.DescribeLaunchConfigurationsOutput
	err := withThrottleRetry(ctx, func() error {
		var callErr error
		out, callErr = f.asg.DescribeLaunchConfigurations(&autoscaling.DescribeLaunchConfigurationsInput{
			LaunchConfigurationNames: aws.StringSlice([]string{name}),
		})
		return callErr
	})
	if err != nil {
		return asgtypes.LaunchConfig{}, fmt.Errorf("unable to describe launch configuration %s: %w", name, err)
	}
	if len(out.LaunchConfigurations) == 0 {
		return asgtypes.LaunchConfig{}, fmt.Errorf("launch configuration %s not found", name)
	}
	return toLaunchConfig(out.LaunchConfigurations[0]), nil
}

func toLaunchConfig(lc *autoscaling.LaunchConfiguration) asgtypes.LaunchConfig {
	mappings := make(map[string]asgtypes.BlockDevice)
	for _, bdm := range lc.BlockDeviceMappings {
		if bdm.Ebs == nil {
			continue
		}
		mappings[aws.StringValue(bdm.DeviceName)] = asgtypes.BlockDevice{
			VolumeType:          aws.StringValue(bdm.Ebs.VolumeType),
			VolumeSize:          aws.Int64Value(bdm.Ebs.VolumeSize),
			DeleteOnTermination: aws.BoolValue(bdm.Ebs.DeleteOnTermination),
		}
	}
	securityGroups := make([]string, 0, len(lc.SecurityGroups))
	for _, sg := range lc.SecurityGroups {
		securityGroups = append(securityGroups, aws.StringValue(sg))
	}
	return asgtypes.LaunchConfig{
		ImageID:             lc.ImageId,
		InstanceType:        lc.InstanceType,
		KernelID:            lc.KernelId,
		KeyName:             lc.KeyName,
		IamInstanceProfile:  lc.IamInstanceProfile,
		SecurityGroups:      securityGroups,
		UserData:            []byte(aws.StringValue(lc.UserData)),
		BlockDeviceMappings: mappings,
	}
}

func (f *facade) ListInstances(ctx context.Context, groupName string) ([]asgtypes.InstanceSnapshot, error) {
	var out *ec2.DescribeInstancesOutput
	err := withThrottleRetry(ctx, func() error {
		var callErr error
		out, callErr = f.ec2.DescribeInstances(&ec2.DescribeInstancesInput{
			Filters: []*ec2.Filter{
				{Name: aws.String("instance-state-name"), Values: aws.StringSlice([]string{"running"})},
				{Name: aws.String("tag:aws:autoscaling:groupName"), Values: aws.StringSlice([]string{groupName})},
			},
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list instances for group %s: %w", groupName, err)
	}
	snapshots := make([]asgtypes.InstanceSnapshot, 0)
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			snapshot, err := f.toInstanceSnapshot(ctx, instance)
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, snapshot)
		}
	}
	return snapshots, nil
}

func (f *facade) toInstanceSnapshot(ctx context.Context, instance *ec2.Instance) (asgtypes.InstanceSnapshot, error) {
	securityGroups := make([]string, 0, len(instance.SecurityGroups))
	for _, sg := range instance.SecurityGroups {
		securityGroups = append(securityGroups, aws.StringValue(sg.GroupId))
	}
	volumes, err := f.describeVolumes(ctx, instance)
	if err != nil {
		return asgtypes.InstanceSnapshot{}, err
	}
	iamProfile := ""
	if instance.IamInstanceProfile != nil {
		iamProfile = aws.StringValue(instance.IamInstanceProfile.Arn)
	}
	return asgtypes.InstanceSnapshot{
		ID:                 aws.StringValue(instance.InstanceId),
		PrivateAddress:     aws.StringValue(instance.PrivateIpAddress),
		LaunchTime:         aws.TimeValue(instance.LaunchTime),
		ImageID:            aws.StringValue(instance.ImageId),
		InstanceType:       aws.StringValue(instance.InstanceType),
		KernelID:           aws.StringValue(instance.KernelId),
		KeyName:            aws.StringValue(instance.KeyName),
		IamInstanceProfile: iamProfile,
		SecurityGroups:     securityGroups,
		Volumes:            volumes,
	}, nil
}

// describeVolumes joins the instance's device->volume-id list with the
// provider's volume descriptions, one call per instance, keying by the
// device name reported in each volume's first attachment (spec.md
// §4.1).
func (f *facade) describeVolumes(ctx context.Context, instance *ec2.Instance) (map[string]asgtypes.BlockDevice, error) {
	volumeIDs := make([]*string, 0, len(instance.BlockDeviceMappings))
	for _, bdm := range instance.BlockDeviceMappings {
		if bdm.Ebs != nil {
			volumeIDs = append(volumeIDs, bdm.Ebs.VolumeId)
		}
	}
	if len(volumeIDs) == 0 {
		return map[string]asgtypes.BlockDevice{}, nil
	}
	var out *ec2.DescribeVolumesOutput
	err := withThrottleRetry(ctx, func() error {
		var callErr error
		out, callErr = f.ec2.DescribeVolumes(&ec2.DescribeVolumesInput{VolumeIds: volumeIDs})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to describe volumes for instance %s: %w", aws.StringValue(instance.InstanceId), err)
	}
	volumes := make(map[string]asgtypes.BlockDevice)
	for _, volume := range out.Volumes {
		if len(volume.Attachments) == 0 {
			continue
		}
		device := aws.StringValue(volume.Attachments[0].Device)
		volumes[device] = asgtypes.BlockDevice{
			VolumeType:          aws.StringValue(volume.VolumeType),
			VolumeSize:          aws.Int64Value(volume.Size),
			DeleteOnTermination: aws.BoolValue(volume.Attachments[0].DeleteOnTermination),
		}
	}
	return volumes, nil
}

func (f *facade) GetUserData(ctx context.Context, instanceID string) ([]byte, error) {
	var out *ec2.DescribeInstanceAttributeOutput
	err := withThrottleRetry(ctx, func() error {
		var callErr error
		out, callErr = f.ec2.DescribeInstanceAttribute(&ec2.DescribeInstanceAttributeInput{
			InstanceId: aws.String(instanceID),
			Attribute:  aws.String(ec2.InstanceAttributeNameUserData),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get user data for instance %s: %w", instanceID, err)
	}
	if out.UserData == nil || out.UserData.Value == nil {
		return nil, nil
	}
	return []byte(aws.StringValue(out.UserData.Value)), nil
}

// SetDesiredCapacity adjusts a group's desired capacity, honoring
// cooldown, exactly as the teacher's setAsgDesired does.
func (f *facade) SetDesiredCapacity(ctx context.Context, groupName string, desired int64) error {
	return withThrottleRetry(ctx, func() error {
		_, err := f.asg.SetDesiredCapacity(&autoscaling.SetDesiredCapacityInput{
			AutoScalingGroupName: aws.String(groupName),
			DesiredCapacity:      aws.Int64(desired),
			HonorCooldown:        aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("unable to set desired capacity to %d for group %s: %w", desired, groupName, err)
		}
		return nil
	})
}

// Terminate submits a termination request for instanceID. When dryRun is
// true the call carries the dry-run flag; the provider's "would have
// succeeded" error is swallowed by checking its code, never its message
// (DESIGN NOTES, "Dry-run detection"). Any other error propagates.
func (f *facade) Terminate(ctx context.Context, instanceID string, dryRun bool) error {
	return withThrottleRetry(ctx, func() error {
		_, err := f.ec2.TerminateInstances(&ec2.TerminateInstancesInput{
			InstanceIds: aws.StringSlice([]string{instanceID}),
			DryRun:      aws.Bool(dryRun),
		})
		if err == nil {
			return nil
		}
		if aerr, ok := err.(awserr.Error); ok && dryRun && aerr.Code() == dryRunOperationCode {
			return nil
		}
		return fmt.Errorf("unable to terminate instance %s: %w", instanceID, err)
	})
}
