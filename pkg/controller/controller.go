// Package controller implements the rolling-upgrade convergence loop:
// wait for a group to reach full, ready capacity, diff every running
// instance against its launch configuration, terminate the oldest
// drifted instance, and repeat until no drift remains.
//
// The control-flow shape - a log-prefixed, per-group loop driven by a
// facade and an optional readiness handler - is grounded on roller.go's
// adjust/calculateAdjustment; the actual convergence algorithm here
// replaces that function's "bump desired capacity by one" strategy with
// the wait/diff/terminate state machine (see legacy.go for where the
// bump strategy survives as an explicit opt-in).
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/carlosjgp/asg-rolling-upgrade/pkg/asgtypes"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/cloudfacade"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/compare"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/kubedrain"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/readiness"
)

// ErrSelectorUnresolved is returned when a group selector matches no group.
var ErrSelectorUnresolved = errors.New("controller: group selector matched no auto-scaling group")

// ErrSelectorAmbiguous is returned when a group selector matches more than one group.
var ErrSelectorAmbiguous = errors.New("controller: group selector matched more than one auto-scaling group")

// ErrWaitExhausted is returned when a wait phase exceeds MaxWaitAttempts
// without the group reaching full, ready capacity.
var ErrWaitExhausted = errors.New("controller: wait phase exhausted its attempt budget")

// Config holds the tunable parameters of the convergence loop, sourced
// from the CLI flags of cmd/asgroller.
type Config struct {
	// MaxWaitAttempts bounds the number of ticks wait_for_full_group will
	// spend in either Counting or ReadinessProbing before failing.
	MaxWaitAttempts int
	// PollInterval is the sleep between ticks.
	PollInterval time.Duration
}

// Controller drives one group's convergence loop.
type Controller struct {
	facade cloudfacade.Facade
	prober readiness.Prober
	drain  kubedrain.Hook
	cfg    Config
}

// New builds a Controller. prober may be nil, in which case the wait
// phase treats every instance as immediately ready (no readiness
// requirement configured).
func New(facade cloudfacade.Facade, prober readiness.Prober, cfg Config) *Controller {
	if cfg.MaxWaitAttempts == 0 {
		cfg.MaxWaitAttempts = 40
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Controller{facade: facade, prober: prober, cfg: cfg}
}

// WithDrainHook attaches an optional Kubernetes cordon-and-drain step
// run, using the victim's private address as the node name, immediately
// before every termination (--kubernetes-drain).
func (c *Controller) WithDrainHook(hook kubedrain.Hook) *Controller {
	c.drain = hook
	return c
}

// waitState names the states of the wait_for_full_group state machine.
type waitState int

const (
	stateCounting waitState = iota
	stateReadinessProbing
	stateReady
	stateFailed
)

// Converge resolves selector to exactly one auto-scaling group and runs
// the convergence loop to completion: wait for full health, diff every
// running instance, terminate the oldest drifted one, repeat until no
// drift remains. It returns nil only once a full pass finds zero
// candidates.
func (c *Controller) Converge(ctx context.Context, selector string, dryRun bool) error {
	group, err := c.resolveGroup(ctx, selector)
	if err != nil {
		return err
	}
	launchConfig, err := c.facade.DescribeLaunchConfig(ctx, group.LaunchConfigName)
	if err != nil {
		return fmt.Errorf("controller: unable to describe launch configuration %s: %w", group.LaunchConfigName, err)
	}
	desired := group.DesiredCapacity

	for {
		if err := c.waitForFullGroup(ctx, group.Name, desired); err != nil {
			return err
		}

		candidates, err := c.buildCandidateSet(ctx, group.Name, launchConfig)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			log.Printf("[%s] converged: no drifted instances remain", group.Name)
			return nil
		}

		victim := oldestInstance(candidates)
		if c.drain != nil {
			log.Printf("[%s] draining node %s before termination", group.Name, victim.PrivateAddress)
			if err := c.drain.Drain(victim.PrivateAddress); err != nil {
				return fmt.Errorf("controller: unable to drain node for instance %s: %w", victim.ID, err)
			}
		}
		log.Printf("[%s] terminating drifted instance %s (launched %s)", group.Name, victim.ID, victim.LaunchTime)
		if err := c.facade.Terminate(ctx, victim.ID, dryRun); err != nil {
			return fmt.Errorf("controller: unable to terminate instance %s: %w", victim.ID, err)
		}
	}
}

func (c *Controller) resolveGroup(ctx context.Context, selector string) (asgtypes.AsgHandle, error) {
	matches, err := c.facade.FindGroups(ctx, "^"+selector)
	if err != nil {
		return asgtypes.AsgHandle{}, fmt.Errorf("controller: unable to resolve group selector %q: %w", selector, err)
	}
	switch len(matches) {
	case 0:
		return asgtypes.AsgHandle{}, fmt.Errorf("%w: %q", ErrSelectorUnresolved, selector)
	case 1:
		return matches[0], nil
	default:
		return asgtypes.AsgHandle{}, fmt.Errorf("%w: %q matched %d groups", ErrSelectorAmbiguous, selector, len(matches))
	}
}

// buildCandidateSet lists the group's running instances, fetches each
// one's user data, diffs it against config, and returns the subset
// whose diff is non-empty. A MissingAttributeError from the comparator
// is a configuration error and aborts the whole pass.
func (c *Controller) buildCandidateSet(ctx context.Context, groupName string, config asgtypes.LaunchConfig) ([]asgtypes.InstanceSnapshot, error) {
	instances, err := c.facade.ListInstances(ctx, groupName)
	if err != nil {
		return nil, fmt.Errorf("controller: unable to list instances for group %s: %w", groupName, err)
	}
	candidates := make([]asgtypes.InstanceSnapshot, 0)
	for _, instance := range instances {
		userData, err := c.facade.GetUserData(ctx, instance.ID)
		if err != nil {
			return nil, fmt.Errorf("controller: unable to get user data for instance %s: %w", instance.ID, err)
		}
		instance.UserData = userData

		diff, err := compare.Diff(instance, config)
		if err != nil {
			return nil, fmt.Errorf("controller: %s: %w", groupName, err)
		}
		if !diff.Empty() {
			candidates = append(candidates, instance)
		}
	}
	return candidates, nil
}

// oldestInstance returns the candidate with the smallest LaunchTime,
// breaking ties deterministically on ID (spec's testable property 6).
func oldestInstance(candidates []asgtypes.InstanceSnapshot) asgtypes.InstanceSnapshot {
	sorted := make([]asgtypes.InstanceSnapshot, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].LaunchTime.Equal(sorted[j].LaunchTime) {
			return sorted[i].LaunchTime.Before(sorted[j].LaunchTime)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

// waitForFullGroup blocks until groupName has at least desired running
// instances, all of which pass the readiness prober, or returns
// ErrWaitExhausted once MaxWaitAttempts ticks are spent between the
// Counting and ReadinessProbing states.
func (c *Controller) waitForFullGroup(ctx context.Context, groupName string, desired int64) error {
	state := stateCounting
	attempt := 0

	for {
		if attempt >= c.cfg.MaxWaitAttempts {
			state = stateFailed
		}

		switch state {
		case stateFailed:
			return fmt.Errorf("%w: group %s after %d attempts", ErrWaitExhausted, groupName, attempt)

		case stateCounting:
			instances, err := c.facade.ListInstances(ctx, groupName)
			if err != nil {
				return fmt.Errorf("controller: unable to list instances for group %s: %w", groupName, err)
			}
			if int64(len(instances)) < desired {
				log.Printf("[%s] waiting for capacity: %d/%d running", groupName, len(instances), desired)
				if err := c.sleep(ctx); err != nil {
					return err
				}
				attempt++
				continue
			}
			state = stateReadinessProbing

		case stateReadinessProbing:
			// Re-listed rather than reusing stateCounting's result: membership
			// can change in the gap between states, and readiness must be
			// checked against who is running right now, not who was running
			// a moment ago.
			instances, err := c.facade.ListInstances(ctx, groupName)
			if err != nil {
				return fmt.Errorf("controller: unable to list instances for group %s: %w", groupName, err)
			}
			if int64(len(instances)) < desired {
				// membership changed since we counted; recheck from scratch.
				state = stateCounting
				continue
			}
			if c.allReady(instances) {
				state = stateReady
				continue
			}
			log.Printf("[%s] waiting for readiness probes", groupName)
			if err := c.sleep(ctx); err != nil {
				return err
			}
			attempt++
			state = stateCounting

		case stateReady:
			return nil
		}
	}
}

// allReady probes every instance in order and short-circuits on the
// first failure, matching spec's "all must return true" rule without
// probing instances past the first unready one.
func (c *Controller) allReady(instances []asgtypes.InstanceSnapshot) bool {
	if c.prober == nil {
		return true
	}
	for _, instance := range instances {
		if !c.prober.IsReady(instance.PrivateAddress) {
			return false
		}
	}
	return true
}

func (c *Controller) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.PollInterval):
		return nil
	}
}
