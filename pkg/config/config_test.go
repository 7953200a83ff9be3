package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesSpecDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--limit", "prod-web", "--ssh-private-key", "/tmp/key"})
	require.NoError(t, err)
	assert.Equal(t, "centos", cfg.SSHUsername)
	assert.Equal(t, 40, cfg.MaxWaitAttempts)
	assert.Equal(t, 30, cfg.SleepSeconds)
	assert.False(t, cfg.DryRun)
	assert.False(t, cfg.Debug)
	assert.Empty(t, cfg.SSHTunnelHost)
}

func TestParse_MissingSelectorErrors(t *testing.T) {
	_, err := Parse([]string{"--ssh-private-key", "/tmp/key"})
	assert.Error(t, err)
}

func TestParse_MissingPrivateKeyErrors(t *testing.T) {
	_, err := Parse([]string{"--limit", "prod-web"})
	assert.Error(t, err)
}

func TestParse_LegacyCapacityBumpDoesNotRequirePrivateKey(t *testing.T) {
	cfg, err := Parse([]string{"--limit", "prod-web", "--legacy-capacity-bump"})
	require.NoError(t, err)
	assert.True(t, cfg.LegacyCapacityBump)
}

func TestParse_SettingSshTunnelStoresBastionHost(t *testing.T) {
	cfg, err := Parse([]string{"--limit", "prod-web", "--ssh-private-key", "/tmp/key", "--ssh-tunnel", "bastion.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "bastion.example.com", cfg.SSHTunnelHost)
}

func TestParse_FlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roller.yaml")
	contents := `limit: staging-web
sshUsername: ubuntu
sleep: 15
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Parse([]string{
		"--config-file", path,
		"--ssh-private-key", "/tmp/key",
		"--limit", "prod-web", // overrides the file's "staging-web"
	})
	require.NoError(t, err)
	assert.Equal(t, "prod-web", cfg.Selector)
	assert.Equal(t, "ubuntu", cfg.SSHUsername) // taken from the file, no flag set
	assert.Equal(t, 15, cfg.SleepSeconds)
}

func TestParse_NegativeSleepErrors(t *testing.T) {
	_, err := Parse([]string{"--limit", "prod-web", "--ssh-private-key", "/tmp/key", "--sleep=-1"})
	assert.Error(t, err)
}

func TestPollInterval_ConvertsSecondsToDuration(t *testing.T) {
	cfg, err := Parse([]string{"--limit", "prod-web", "--ssh-private-key", "/tmp/key", "--sleep", "5"})
	require.NoError(t, err)
	assert.Equal(t, "5s", cfg.PollInterval().String())
}
