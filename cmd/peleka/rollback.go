package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/coordinator"
	"github.com/cuemby/peleka/pkg/deploy"
	"github.com/cuemby/peleka/pkg/output"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll a service back to its previous generation on every server",
	Long: `rollback swaps the live and previous generations back on every
server of a destination. It fails on a host that has no previous
generation to roll back to.`,
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringP("config", "c", "peleka.yml", "path to the service config file")
	rollbackCmd.Flags().Duration("lock-wait", 0, "how long to wait for an already-held lock before failing")
	rollbackCmd.Flags().Bool("health-check", true, "re-run the health probe against the restored generation before finishing")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath, _ := cmd.Flags().GetString("config")
	destination, _ := rootCmd.PersistentFlags().GetString("destination")
	lockWait, _ := cmd.Flags().GetDuration("lock-wait")
	healthCheck, _ := cmd.Flags().GetBool("health-check")

	cfg, err := config.Load(cfgPath, destination)
	if err != nil {
		return err
	}

	sink := sinkFor(cmd)
	owner := ownerTag()

	coord := coordinator.New(cfg.SSH)
	op := func(ctx context.Context, adapter runtime.Adapter, host string) (types.HostOutcome, error) {
		d := deploy.NewDeployer(adapter).WithLockWait(lockWait)
		o, err := d.Rollback(ctx, host, cfg, owner, healthCheck)
		if err != nil {
			sink.Emit(output.Event{Host: host, Service: cfg.Service, Phase: output.PhaseFailed, Message: err.Error(), Warning: true})
		} else {
			sink.Emit(output.Event{Host: host, Service: cfg.Service, Phase: output.PhaseDone, Message: "rollback complete"})
		}
		return o, err
	}

	outcomes, errs := coord.Run(ctx, cfg.Servers, op)
	sink.Summary(outcomes)
	return firstFailure(errs)
}
