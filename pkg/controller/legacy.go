package controller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/carlosjgp/asg-rolling-upgrade/pkg/asgtypes"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/cloudfacade"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/compare"
)

// LegacyConfig tunes the capacity-bump strategy. CheckDelay is the sleep
// between loop iterations, matching the teacher's asgCheckDelay.
type LegacyConfig struct {
	CheckDelay time.Duration
}

// RunLegacyCapacityBump implements the teacher's original strategy: bump
// a group's desired capacity by one, wait until the group runs at least
// that many instances and at least one of them matches the current
// launch configuration, then terminate one old-config instance,
// repeating until no old-config instances remain. No readiness probe is
// run on any instance.
//
// It is grounded on roller.go's adjust/calculateAdjustment and
// original_desired.go's per-group desired-capacity bookkeeping, kept as
// an explicit opt-in (--legacy-capacity-bump) rather than the default:
// spec.md's one-at-a-time controller relies on the group's own
// replacement policy instead of ever touching desired capacity itself.
// Tag-based persistence of the original desired value
// (original_desired.go's ASG-tag round trip, for surviving a process
// restart mid-upgrade) is not carried over: this loop runs to
// completion inside one process invocation, so there is nothing to
// resume across a restart, and the facade here mirrors the operation set
// spec.md names rather than the teacher's full tag API (DESIGN.md
// records this as a dropped-but-traced piece of the original).
func RunLegacyCapacityBump(ctx context.Context, facade cloudfacade.Facade, selector string, cfg LegacyConfig) error {
	if cfg.CheckDelay == 0 {
		cfg.CheckDelay = 30 * time.Second
	}

	matches, err := facade.FindGroups(ctx, "^"+selector)
	if err != nil {
		return fmt.Errorf("legacy controller: unable to resolve group selector %q: %w", selector, err)
	}
	if len(matches) != 1 {
		return fmt.Errorf("legacy controller: selector %q must resolve to exactly one group, matched %d", selector, len(matches))
	}
	group := matches[0]
	launchConfig, err := facade.DescribeLaunchConfig(ctx, group.LaunchConfigName)
	if err != nil {
		return fmt.Errorf("legacy controller: unable to describe launch configuration %s: %w", group.LaunchConfigName, err)
	}

	originalDesired := group.DesiredCapacity
	bumped := false

	for {
		instances, err := facade.ListInstances(ctx, group.Name)
		if err != nil {
			return fmt.Errorf("legacy controller: unable to list instances for group %s: %w", group.Name, err)
		}
		oldInstances, newInstances, err := groupByLaunchConfig(ctx, facade, instances, launchConfig)
		if err != nil {
			return err
		}

		if len(oldInstances) == 0 {
			if bumped {
				log.Printf("[%s] legacy: restoring desired capacity to %d", group.Name, originalDesired)
				if err := facade.SetDesiredCapacity(ctx, group.Name, originalDesired); err != nil {
					return err
				}
			}
			log.Printf("[%s] legacy: no outdated instances remain", group.Name)
			return nil
		}

		if !bumped {
			log.Printf("[%s] legacy: bumping desired capacity to %d", group.Name, originalDesired+1)
			if err := facade.SetDesiredCapacity(ctx, group.Name, originalDesired+1); err != nil {
				return err
			}
			bumped = true
			if err := sleepLegacy(ctx, cfg.CheckDelay); err != nil {
				return err
			}
			continue
		}

		if int64(len(instances)) < originalDesired+1 {
			log.Printf("[%s] legacy: waiting for extra capacity: %d/%d running", group.Name, len(instances), originalDesired+1)
			if err := sleepLegacy(ctx, cfg.CheckDelay); err != nil {
				return err
			}
			continue
		}
		if len(newInstances) < 1 {
			if err := sleepLegacy(ctx, cfg.CheckDelay); err != nil {
				return err
			}
			continue
		}

		candidate := oldInstances[0]
		log.Printf("[%s] legacy: terminating outdated instance %s", group.Name, candidate.ID)
		if err := facade.Terminate(ctx, candidate.ID, false); err != nil {
			return fmt.Errorf("legacy controller: unable to terminate instance %s: %w", candidate.ID, err)
		}
		if err := sleepLegacy(ctx, cfg.CheckDelay); err != nil {
			return err
		}
	}
}

// groupByLaunchConfig splits instances into those whose compare.Diff
// against config is non-empty (old) and those that match it (current), the way
// roller.go's groupInstances splits on LaunchConfigurationName -
// generalized here to compare.Diff's richer notion of drift since this
// facade never exposes a raw launch-configuration-name field per
// instance.
func groupByLaunchConfig(ctx context.Context, facade cloudfacade.Facade, instances []asgtypes.InstanceSnapshot, config asgtypes.LaunchConfig) (old, current []asgtypes.InstanceSnapshot, err error) {
	for _, instance := range instances {
		userData, err := facade.GetUserData(ctx, instance.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("legacy controller: unable to get user data for instance %s: %w", instance.ID, err)
		}
		instance.UserData = userData
		diff, err := compare.Diff(instance, config)
		if err != nil {
			return nil, nil, fmt.Errorf("legacy controller: %w", err)
		}
		if diff.Empty() {
			current = append(current, instance)
		} else {
			old = append(old, instance)
		}
	}
	return old, current, nil
}

func sleepLegacy(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
