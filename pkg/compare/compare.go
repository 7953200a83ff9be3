// Package compare implements the pure structural diff between an
// observed instance and the launch configuration it should match.
//
// The algorithm is a direct port of original_source/script.py's
// InstanceConfigComparator: same tag names, same ordering, same
// tie-breaks for missing, empty and default values. It performs no I/O
// and makes no network calls; callers are responsible for gathering the
// instance's user data and volume map ahead of time.
package compare

import (
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"

	"github.com/carlosjgp/asg-rolling-upgrade/pkg/asgtypes"
)

// MissingAttributeError signals that the launch configuration is missing
// one of its four required attributes. This is a configuration error,
// never a drift report: spec.md treats it as fatal at the controller,
// not as something fixed by terminating an instance.
type MissingAttributeError struct {
	Attribute string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("launch configuration missing required attribute %s", e.Attribute)
}

// Diff compares a single instance snapshot against a launch
// configuration and returns the ordered list of field-level differences.
// An empty, non-nil Diff means the instance matches.
func Diff(instance asgtypes.InstanceSnapshot, config asgtypes.LaunchConfig) (asgtypes.Diff, error) {
	changes := make(asgtypes.Diff, 0)

	if !bytesEqual(instance.UserData, config.UserData) {
		changes = append(changes, "UserData")
	}

	if !sameSecurityGroups(instance.SecurityGroups, config.SecurityGroups) {
		changes = append(changes, "SecurityGroups")
	}

	type requiredAttr struct {
		instanceValue string
		configValue   *string
		tag           string
	}
	required := []requiredAttr{
		{instance.ImageID, config.ImageID, "ImageId"},
		{instance.InstanceType, config.InstanceType, "InstanceType"},
		{instance.KernelID, config.KernelID, "KernelId"},
		{instance.KeyName, config.KeyName, "KeyName"},
	}
	for _, attr := range required {
		if attr.configValue == nil {
			return nil, &MissingAttributeError{Attribute: attr.tag}
		}
		configValue := aws.StringValue(attr.configValue)
		if configValue != "" && configValue != attr.instanceValue {
			changes = append(changes, attr.tag)
		}
	}

	instanceProfile := instance.IamInstanceProfile
	configProfile := aws.StringValue(config.IamInstanceProfile)
	if instanceProfile != configProfile {
		changes = append(changes, "IamInstanceProfile")
	}

	volumeChanges := diffVolumes(instance.Volumes, config.BlockDeviceMappings)
	changes = append(changes, volumeChanges...)

	return changes, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameSecurityGroups(instanceGroups, configGroups []string) bool {
	a := append([]string{}, instanceGroups...)
	b := append([]string{}, configGroups...)
	sort.Strings(a)
	sort.Strings(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffVolumes implements spec.md's volume diff sub-algorithm: the
// "accept the provider's default single volume" special case, then the
// symmetric-difference short-circuit on device names, then per-field
// comparisons in a fixed order.
func diffVolumes(instanceVolumes, configVolumes map[string]asgtypes.BlockDevice) asgtypes.Diff {
	if len(configVolumes) == 0 && len(instanceVolumes) == 1 {
		return asgtypes.Diff{}
	}

	deviceDiff := symmetricDifference(instanceVolumes, configVolumes)
	if len(deviceDiff) > 0 {
		sort.Strings(deviceDiff)
		tags := make(asgtypes.Diff, 0, len(deviceDiff))
		for _, device := range deviceDiff {
			tags = append(tags, fmt.Sprintf("DeviceName:%s", device))
		}
		return tags
	}

	devices := make([]string, 0, len(instanceVolumes))
	for device := range instanceVolumes {
		devices = append(devices, device)
	}
	sort.Strings(devices)

	changes := make(asgtypes.Diff, 0)
	for _, device := range devices {
		instanceVolume := instanceVolumes[device]
		configVolume := configVolumes[device]
		if instanceVolume.VolumeType != configVolume.VolumeType {
			changes = append(changes, fmt.Sprintf("%s.BlockDeviceMappings.Ebs.VolumeType", device))
		}
		if instanceVolume.VolumeSize != configVolume.VolumeSize {
			changes = append(changes, fmt.Sprintf("%s.BlockDeviceMappings.Ebs.Size", device))
		}
		if instanceVolume.DeleteOnTermination != configVolume.DeleteOnTermination {
			changes = append(changes, fmt.Sprintf("%s.BlockDeviceMappings.Ebs.DeleteOnTermination", device))
		}
	}
	return changes
}

func symmetricDifference(instanceVolumes, configVolumes map[string]asgtypes.BlockDevice) []string {
	diff := make([]string, 0)
	for device := range instanceVolumes {
		if _, ok := configVolumes[device]; !ok {
			diff = append(diff, device)
		}
	}
	for device := range configVolumes {
		if _, ok := instanceVolumes[device]; !ok {
			diff = append(diff, device)
		}
	}
	return diff
}
