package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/coordinator"
	"github.com/cuemby/peleka/pkg/deploy"
	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/output"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a service to every server of a destination",
	Long: `deploy plans, locks, creates, health-checks, and promotes the next
generation of a service on every server listed in its configuration,
one goroutine per host. A failure on one host never aborts its peers.`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringP("config", "c", "peleka.yml", "path to the service config file")
	deployCmd.Flags().Duration("lock-wait", 0, "how long to wait for an already-held lock before failing")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath, _ := cmd.Flags().GetString("config")
	destination, _ := rootCmd.PersistentFlags().GetString("destination")
	lockWait, _ := cmd.Flags().GetDuration("lock-wait")

	cfg, err := config.Load(cfgPath, destination)
	if err != nil {
		return err
	}

	sink := sinkFor(cmd)
	owner := ownerTag()

	coord := coordinator.New(cfg.SSH)
	op := func(ctx context.Context, adapter runtime.Adapter, host string) (types.HostOutcome, error) {
		sink.Emit(output.Event{Host: host, Service: cfg.Service, Phase: output.PhasePulling, Message: "deployment starting"})
		d := deploy.NewDeployer(adapter).WithLockWait(lockWait)
		o, err := d.Run(ctx, host, cfg, owner)
		if err != nil {
			sink.Emit(output.Event{Host: host, Service: cfg.Service, Phase: output.PhaseFailed, Message: err.Error(), Warning: true})
		} else {
			sink.Emit(output.Event{Host: host, Service: cfg.Service, Phase: output.PhaseDone, Message: "deployment complete"})
		}
		return o, err
	}

	outcomes, errs := coord.Run(ctx, cfg.Servers, op)
	sink.Summary(outcomes)
	return firstFailure(errs)
}

func firstFailure(errs []error) error {
	var first error
	count := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		count++
		if first == nil {
			first = err
		}
	}
	if first == nil {
		return nil
	}
	if count > 1 {
		return errkind.Wrap(errkind.Of(first), fmt.Sprintf("%d of %d hosts failed, first error", count, len(errs)), first)
	}
	return first
}

func ownerTag() string {
	return fmt.Sprintf("peleka@%d", time.Now().UnixNano())
}
