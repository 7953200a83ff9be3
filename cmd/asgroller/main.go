// Command asgroller rolls the instances of one auto-scaling group onto
// its current launch configuration, one instance at a time.
//
// Its flag surface, exit codes and overall shape are grounded on the
// teacher's main.go, generalized from an env-driven infinite poll loop
// into the flag-driven, single-pass convergence run spec.md §6
// describes.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/carlosjgp/asg-rolling-upgrade/pkg/cloudfacade"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/config"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/controller"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/kubedrain"
	"github.com/carlosjgp/asg-rolling-upgrade/pkg/readiness"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitFailure
	}
	if cfg.Debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	facade, err := cloudfacade.New()
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitFailure
	}

	if cfg.LegacyCapacityBump {
		if err := controller.RunLegacyCapacityBump(ctx, facade, cfg.Selector, controller.LegacyConfig{
			CheckDelay: cfg.PollInterval(),
		}); err != nil {
			log.Printf("legacy capacity-bump run failed: %v", err)
			return exitFailure
		}
		return exitSuccess
	}

	prober, err := readiness.New(readiness.Config{
		Username:          cfg.SSHUsername,
		PrivateKeyPath:    cfg.SSHPrivateKeyPath,
		BastionHost:       cfg.SSHTunnelHost,
		MaxTunnelAttempts: cfg.MaxWaitAttempts,
	})
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitFailure
	}

	ctrl := controller.New(facade, prober, controller.Config{
		MaxWaitAttempts: cfg.MaxWaitAttempts,
		PollInterval:    cfg.PollInterval(),
	})

	if cfg.KubernetesDrain {
		hook, err := kubedrain.New(kubedrain.Options{
			KubeconfigPath:   cfg.KubeconfigPath,
			IgnoreDaemonSets: cfg.IgnoreDaemonSets,
			DeleteLocalData:  cfg.DeleteLocalData,
		})
		if err != nil {
			log.Printf("configuration error: %v", err)
			return exitFailure
		}
		ctrl = ctrl.WithDrainHook(hook)
	}

	if err := ctrl.Converge(ctx, cfg.Selector, cfg.DryRun); err != nil {
		log.Printf("convergence run failed: %v", err)
		return exitFailure
	}
	return exitSuccess
}
