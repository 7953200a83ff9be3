package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosjgp/asg-rolling-upgrade/pkg/asgtypes"
)

// fakeFacade implements cloudfacade.Facade entirely in memory so the
// convergence loop can be driven tick by tick without any AWS calls.
type fakeFacade struct {
	groups       []asgtypes.AsgHandle
	launchConfig asgtypes.LaunchConfig
	// instanceTicks is consumed one slice per ListInstances call; the
	// last entry is reused once exhausted.
	instanceTicks [][]asgtypes.InstanceSnapshot
	tick          int
	terminated    []string
	userData      map[string][]byte
}

func (f *fakeFacade) ListGroups(ctx context.Context) ([]asgtypes.AsgHandle, error) {
	return f.groups, nil
}

func (f *fakeFacade) FindGroups(ctx context.Context, pattern string) ([]asgtypes.AsgHandle, error) {
	matches := make([]asgtypes.AsgHandle, 0)
	for _, g := range f.groups {
		if pattern == "^"+g.Name || pattern == "^prod" {
			matches = append(matches, g)
		}
	}
	return matches, nil
}

func (f *fakeFacade) DescribeLaunchConfig(ctx context.Context, name string) (asgtypes.LaunchConfig, error) {
	return f.launchConfig, nil
}

func (f *fakeFacade) ListInstances(ctx context.Context, groupName string) ([]asgtypes.InstanceSnapshot, error) {
	idx := f.tick
	if idx >= len(f.instanceTicks) {
		idx = len(f.instanceTicks) - 1
	}
	f.tick++
	return f.instanceTicks[idx], nil
}

func (f *fakeFacade) GetUserData(ctx context.Context, instanceID string) ([]byte, error) {
	return f.userData[instanceID], nil
}

func (f *fakeFacade) Terminate(ctx context.Context, instanceID string, dryRun bool) error {
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeFacade) SetDesiredCapacity(ctx context.Context, groupName string, desired int64) error {
	return nil
}

func str(s string) *string { return &s }

func matchingConfig() asgtypes.LaunchConfig {
	return asgtypes.LaunchConfig{
		ImageID:      str("ami-1"),
		InstanceType: str("m5.large"),
		KernelID:     str(""),
		KeyName:      str("prod-key"),
	}
}

func matchingInstance(id string, launchTime time.Time) asgtypes.InstanceSnapshot {
	return asgtypes.InstanceSnapshot{
		ID:           id,
		ImageID:      "ami-1",
		InstanceType: "m5.large",
		KeyName:      "prod-key",
		LaunchTime:   launchTime,
		Volumes:      map[string]asgtypes.BlockDevice{"sda1": {}},
	}
}

func TestConverge_NoDriftReturnsImmediately(t *testing.T) {
	instances := []asgtypes.InstanceSnapshot{
		matchingInstance("i-1", time.Unix(100, 0)),
		matchingInstance("i-2", time.Unix(200, 0)),
	}
	facade := &fakeFacade{
		groups:        []asgtypes.AsgHandle{{Name: "prod-web", DesiredCapacity: 2, LaunchConfigName: "lc-1"}},
		launchConfig:  matchingConfig(),
		instanceTicks: [][]asgtypes.InstanceSnapshot{instances},
	}
	c := New(facade, nil, Config{MaxWaitAttempts: 5, PollInterval: time.Millisecond})

	err := c.Converge(context.Background(), "prod-web", false)
	require.NoError(t, err)
	assert.Empty(t, facade.terminated)
}

func TestConverge_TerminatesOldestDriftedInstance(t *testing.T) {
	drifted := matchingInstance("i-old", time.Unix(100, 0))
	drifted.ImageID = "ami-stale"
	fresh := matchingInstance("i-new", time.Unix(200, 0))

	firstTick := []asgtypes.InstanceSnapshot{drifted, fresh}
	secondTick := []asgtypes.InstanceSnapshot{fresh} // i-old terminated, replacement not up yet
	thirdTick := []asgtypes.InstanceSnapshot{fresh, matchingInstance("i-replacement", time.Unix(300, 0))}

	facade := &fakeFacade{
		groups:       []asgtypes.AsgHandle{{Name: "prod-web", DesiredCapacity: 2, LaunchConfigName: "lc-1"}},
		launchConfig: matchingConfig(),
		instanceTicks: [][]asgtypes.InstanceSnapshot{
			firstTick, firstTick, // wait: counting, readiness-probing
			firstTick,            // candidate build
			secondTick, secondTick, thirdTick, thirdTick, // second convergence pass
			thirdTick,
		},
	}
	c := New(facade, nil, Config{MaxWaitAttempts: 5, PollInterval: time.Millisecond})

	err := c.Converge(context.Background(), "prod-web", false)
	require.NoError(t, err)
	require.Len(t, facade.terminated, 1)
	assert.Equal(t, "i-old", facade.terminated[0])
}

func TestConverge_AmbiguousSelectorFails(t *testing.T) {
	facade := &fakeFacade{
		groups: []asgtypes.AsgHandle{
			{Name: "prod-web"},
			{Name: "prod-db"},
		},
	}
	c := New(facade, nil, Config{})

	err := c.Converge(context.Background(), "prod", false)
	assert.ErrorIs(t, err, ErrSelectorAmbiguous)
}

func TestConverge_UnresolvedSelectorFails(t *testing.T) {
	facade := &fakeFacade{groups: []asgtypes.AsgHandle{{Name: "staging-web"}}}
	c := New(facade, nil, Config{})

	err := c.Converge(context.Background(), "prod-web", false)
	assert.ErrorIs(t, err, ErrSelectorUnresolved)
}

func TestWaitForFullGroup_ExhaustsAttempts(t *testing.T) {
	facade := &fakeFacade{
		instanceTicks: [][]asgtypes.InstanceSnapshot{{}},
	}
	c := New(facade, nil, Config{MaxWaitAttempts: 2, PollInterval: time.Millisecond})

	err := c.waitForFullGroup(context.Background(), "prod-web", 3)
	assert.ErrorIs(t, err, ErrWaitExhausted)
}

// unreadyProber fails readiness for one specific address, forcing the
// wait state machine to recheck capacity (Counting<-ReadinessProbing).
type unreadyProber struct {
	unreadyAddress string
	calls          int
}

func (p *unreadyProber) IsReady(address string) bool {
	p.calls++
	return address != p.unreadyAddress
}

func TestWaitForFullGroup_RecheckAfterUnreadyInstance(t *testing.T) {
	booting := matchingInstance("i-1", time.Unix(100, 0))
	booting.PrivateAddress = "10.0.0.1"
	ready := matchingInstance("i-1", time.Unix(100, 0))
	ready.PrivateAddress = "10.0.0.2"

	facade := &fakeFacade{
		instanceTicks: [][]asgtypes.InstanceSnapshot{
			{booting}, {booting}, {ready}, {ready},
		},
	}
	prober := &unreadyProber{unreadyAddress: "10.0.0.1"}
	c := New(facade, prober, Config{MaxWaitAttempts: 5, PollInterval: time.Millisecond})

	err := c.waitForFullGroup(context.Background(), "prod-web", 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, prober.calls, 1)
}

func TestOldestInstance_BreaksTiesById(t *testing.T) {
	same := time.Unix(100, 0)
	candidates := []asgtypes.InstanceSnapshot{
		{ID: "i-b", LaunchTime: same},
		{ID: "i-a", LaunchTime: same},
	}
	got := oldestInstance(candidates)
	assert.Equal(t, "i-a", got.ID)
}

func TestOldestInstance_PicksSmallestLaunchTime(t *testing.T) {
	candidates := []asgtypes.InstanceSnapshot{
		{ID: "i-3", LaunchTime: time.Unix(300, 0)},
		{ID: "i-1", LaunchTime: time.Unix(100, 0)},
		{ID: "i-2", LaunchTime: time.Unix(200, 0)},
	}
	got := oldestInstance(candidates)
	assert.Equal(t, "i-1", got.ID)
}
