// Package config assembles the CLI surface of cmd/asgroller. Flags are
// parsed with github.com/spf13/pflag, the same flag library the teacher
// depends on, even though the teacher's own Configs struct is populated
// from environment variables via caarlos0/env tags rather than flags -
// spec.md's CLI is flag-driven, so this package keeps the teacher's
// "one struct, one source of defaults" shape but feeds it from pflag
// instead.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/pflag"
)

// Config holds every parameter of spec.md §6's CLI flag table, plus the
// supplemented Kubernetes-drain and legacy-capacity-bump opt-ins.
type Config struct {
	// Selector is the group-name prefix passed to --limit.
	Selector string `json:"limit"`
	// SSHTunnelHost is the bastion host from --ssh-tunnel; empty selects
	// the direct readiness prober.
	SSHTunnelHost string `json:"sshTunnel"`
	// SSHPrivateKeyPath is the key file from --ssh-private-key.
	SSHPrivateKeyPath string `json:"sshPrivateKey"`
	// SSHUsername is the login name from --ssh-username.
	SSHUsername string `json:"sshUsername"`
	// MaxWaitAttempts is the polling cap per wait phase.
	MaxWaitAttempts int `json:"maxWaitAttempts"`
	// SleepSeconds is the poll interval in seconds.
	SleepSeconds int `json:"sleep"`
	// DryRun suppresses real terminations.
	DryRun bool `json:"dryRun"`
	// Debug enables verbose logging.
	Debug bool `json:"debug"`

	// KubernetesDrain enables the optional cordon-and-drain hook before
	// each termination.
	KubernetesDrain bool `json:"kubernetesDrain"`
	// IgnoreDaemonSets and DeleteLocalData are forwarded to the drain
	// hook's options when KubernetesDrain is set.
	IgnoreDaemonSets bool `json:"ignoreDaemonSets"`
	DeleteLocalData  bool `json:"deleteLocalData"`
	// KubeconfigPath overrides the drain hook's default kubeconfig
	// discovery outside a cluster (empty falls back to KUBECONFIG, then
	// $HOME/.kube/config); in-cluster config, when available, always wins.
	KubeconfigPath string `json:"kubeconfig"`

	// LegacyCapacityBump selects the teacher's original "bump desired
	// capacity by one, wait, terminate" strategy instead of the
	// one-at-a-time convergence controller. Never the default.
	LegacyCapacityBump bool `json:"legacyCapacityBump"`

	// ConfigFile, when set via --config-file, is loaded as defaults
	// before flags are applied; flags always win over the file.
	ConfigFile string `json:"-"`
}

// PollInterval returns SleepSeconds as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.SleepSeconds) * time.Second
}

// defaults mirrors spec.md §6's flag default column.
func defaults() Config {
	return Config{
		SSHUsername:     "centos",
		MaxWaitAttempts: 40,
		SleepSeconds:    30,
	}
}

// Parse builds a Config from args (normally os.Args[1:]): it loads
// --config-file first if present, then applies every flag on top, so
// explicit flags always override the file and the file always overrides
// the built-in defaults.
func Parse(args []string) (*Config, error) {
	var configFile string
	discovery := pflag.NewFlagSet("asgroller-discovery", pflag.ContinueOnError)
	discovery.ParseErrorsWhitelist.UnknownFlags = true
	discovery.StringVar(&configFile, "config-file", "", "optional YAML file of defaults, overridden by any flag set explicitly")
	if err := discovery.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults()
	cfg.ConfigFile = configFile
	if configFile != "" {
		if err := loadFile(configFile, &cfg); err != nil {
			return nil, err
		}
	}

	flags := pflag.NewFlagSet("asgroller", pflag.ContinueOnError)
	flags.StringVar(&cfg.ConfigFile, "config-file", cfg.ConfigFile, "optional YAML file of defaults, overridden by any flag set explicitly")
	flags.StringVar(&cfg.Selector, "limit", cfg.Selector, "group-name prefix selector (required)")
	flags.StringVar(&cfg.SSHTunnelHost, "ssh-tunnel", cfg.SSHTunnelHost, "bastion host; when set, the tunnelled readiness prober is used")
	flags.StringVar(&cfg.SSHPrivateKeyPath, "ssh-private-key", cfg.SSHPrivateKeyPath, "key file for SSH")
	flags.StringVar(&cfg.SSHUsername, "ssh-username", cfg.SSHUsername, "SSH login name")
	flags.IntVar(&cfg.MaxWaitAttempts, "max-wait-attempts", cfg.MaxWaitAttempts, "polling cap per wait phase")
	flags.IntVar(&cfg.SleepSeconds, "sleep", cfg.SleepSeconds, "poll interval in seconds")
	flags.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "suppress real terminations")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging")
	flags.BoolVar(&cfg.KubernetesDrain, "kubernetes-drain", cfg.KubernetesDrain, "cordon and drain the Kubernetes node backing an instance before terminating it")
	flags.BoolVar(&cfg.IgnoreDaemonSets, "ignore-daemonsets", cfg.IgnoreDaemonSets, "ignore DaemonSet-managed pods while draining")
	flags.BoolVar(&cfg.DeleteLocalData, "delete-local-data", cfg.DeleteLocalData, "delete pods using emptyDir while draining")
	flags.StringVar(&cfg.KubeconfigPath, "kubeconfig", cfg.KubeconfigPath, "kubeconfig path for --kubernetes-drain outside a cluster")
	flags.BoolVar(&cfg.LegacyCapacityBump, "legacy-capacity-bump", cfg.LegacyCapacityBump, "use the legacy bump-desired-capacity-by-one strategy instead of one-at-a-time convergence")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Selector == "" {
		return fmt.Errorf("config: --limit is required")
	}
	if c.SSHPrivateKeyPath == "" && !c.LegacyCapacityBump {
		return fmt.Errorf("config: --ssh-private-key is required")
	}
	if c.MaxWaitAttempts <= 0 {
		return fmt.Errorf("config: --max-wait-attempts must be positive, got %d", c.MaxWaitAttempts)
	}
	if c.SleepSeconds <= 0 {
		return fmt.Errorf("config: --sleep must be positive, got %d", c.SleepSeconds)
	}
	return nil
}

// loadFile merges a YAML config file's fields into cfg. Fields absent
// from the file are left untouched.
func loadFile(path string, cfg *Config) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: unable to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: unable to parse config file %s: %w", path, err)
	}
	return nil
}
