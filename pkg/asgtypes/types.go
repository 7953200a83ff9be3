// Package asgtypes holds the plain data types shared between the cloud
// facade, the comparator and the convergence controller. None of these
// types carry AWS SDK pointers: the facade is responsible for converting
// SDK responses into these shapes at the boundary.
package asgtypes

import "time"

// AsgHandle is an opaque identifier plus a cached summary of an
// auto-scaling group, as returned by ListGroups/FindGroups.
type AsgHandle struct {
	Name              string
	DesiredCapacity   int64
	LaunchConfigName  string
}

// BlockDevice is one entry of a block-device mapping, either as declared
// on a launch configuration or as observed on a running instance.
type BlockDevice struct {
	VolumeType           string
	VolumeSize           int64
	DeleteOnTermination  bool
}

// LaunchConfig is the declarative target shape an auto-scaling group's
// instances are expected to match.
//
// ImageID, InstanceType, KernelID and KeyName are pointers rather than
// plain strings so that the comparator can distinguish "the facade never
// saw this attribute on the AWS response" (nil, a configuration error)
// from "the operator left it blank to mean don't care" (a non-nil empty
// string, spec.md's suppression rule). IamInstanceProfile is a pointer
// for the same absent-vs-empty reason, though no error case attaches to
// it.
type LaunchConfig struct {
	ImageID             *string
	InstanceType        *string
	KernelID            *string
	KeyName             *string
	IamInstanceProfile  *string
	SecurityGroups      []string
	UserData            []byte
	BlockDeviceMappings map[string]BlockDevice
}

// InstanceSnapshot is the observed state of one running instance.
type InstanceSnapshot struct {
	ID                  string
	PrivateAddress      string
	LaunchTime          time.Time
	ImageID             string
	InstanceType        string
	KernelID            string
	KeyName             string
	IamInstanceProfile  string
	SecurityGroups      []string
	Volumes             map[string]BlockDevice
	UserData            []byte
}

// Diff is the ordered list of field tags a comparison produced. An empty
// Diff means the instance matches its launch configuration.
type Diff []string

// Empty reports whether the instance matched the configuration.
func (d Diff) Empty() bool {
	return len(d) == 0
}
