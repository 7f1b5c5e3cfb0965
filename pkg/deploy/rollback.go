package deploy

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/lock"
	"github.com/cuemby/peleka/pkg/log"
	"github.com/cuemby/peleka/pkg/planner"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

const defaultRollbackStopTimeout = 10 * time.Second

// Rollback swaps the live and previous generations back: the previous
// container is started and promoted to live, the current live
// container is demoted to previous and stopped. It fails with
// errkind.KindNoPrevious if there is nothing to roll back to.
//
// Unlike Run's promote step, which demotes the old live first, the
// candidate is promoted to live before the outgoing live is demoted,
// so a reader sees at worst two live containers briefly, never zero.
func (d *Deployer) Rollback(ctx context.Context, host string, cfg config.Config, owner string, healthCheck bool) (types.HostOutcome, error) {
	start := time.Now()
	service := types.ServiceName(cfg.Service)
	deployID := uuid.NewString()
	logger := log.WithHost(host).With().Str("service", service.String()).Str("deploy_id", deployID).Logger()

	var runErr error
	var prevGen, newGen types.Generation
	lockErr := lock.WithLock(ctx, d.locks, service, deployID, owner, d.lockWait, func(ctx context.Context) error {
		logger.Info().Msg("lock acquired, running rollback")
		pg, ng, err := d.runRollback(ctx, cfg, service, healthCheck)
		prevGen, newGen = pg, ng
		runErr = err
		return err
	})
	if lockErr != nil && runErr == nil {
		return outcome(host, types.ResultFailed, lockErr.Error(), types.Generation{}, types.Generation{}, start, nil), lockErr
	}
	if runErr != nil {
		return outcome(host, types.ResultFailed, runErr.Error(), prevGen, newGen, start, nil), runErr
	}

	logger.Info().Msg("rollback complete")
	return outcome(host, types.ResultSuccess, "", prevGen, newGen, start, nil), nil
}

func (d *Deployer) runRollback(ctx context.Context, cfg config.Config, service types.ServiceName, healthCheck bool) (types.Generation, types.Generation, error) {
	live, err := findByRole(ctx, d.adapter, service, types.RoleLive)
	if err != nil {
		return types.Generation{}, types.Generation{}, err
	}
	previous, err := findByRole(ctx, d.adapter, service, types.RolePrevious)
	if err != nil {
		return types.Generation{}, types.Generation{}, err
	}
	if previous == nil {
		return types.Generation{}, types.Generation{}, errkind.New(errkind.KindNoPrevious, "no previous generation to roll back to")
	}

	liveGen := summaryGeneration(live)
	previousGen := summaryGeneration(previous)

	inspection, err := d.adapter.Inspect(ctx, previous.ID)
	if err != nil {
		return liveGen, previousGen, errkind.Wrap(errkind.KindRuntimeAPI, "inspect rollback candidate failed", err)
	}
	if inspection.State != runtime.StateRunning {
		if err := d.adapter.Start(ctx, previous.ID); err != nil {
			return liveGen, previousGen, errkind.Wrap(errkind.KindRuntimeAPI, "start rollback candidate failed", err)
		}
	}

	if healthCheck {
		probe, perr := planner.BuildProbe(cfg)
		if perr != nil {
			return liveGen, previousGen, perr
		}
		if _, err := d.prober.Await(ctx, previous.ID, probe); err != nil {
			if live != nil {
				_ = d.adapter.Stop(ctx, previous.ID, defaultRollbackStopTimeout)
			}
			return liveGen, previousGen, err
		}
	}

	if _, err := d.adapter.Relabel(ctx, previous.ID, map[string]string{types.LabelRole: string(types.RoleLive)}); err != nil {
		return liveGen, previousGen, errkind.Wrap(errkind.KindRuntimeAPI, "relabel rollback candidate to live failed", err)
	}

	if live != nil {
		// Relabel recreates the container under a new id; thread that id
		// into the Stop below rather than live.ID, which no longer exists.
		demotedID, err := d.adapter.Relabel(ctx, live.ID, map[string]string{types.LabelRole: string(types.RolePrevious)})
		if err != nil {
			return liveGen, previousGen, errkind.Wrap(errkind.KindRuntimeAPI, "relabel outgoing live to previous failed", err)
		}

		stopTimeout, terr := config.ParseDuration(cfg.Stop.Timeout, defaultRollbackStopTimeout)
		if terr != nil {
			return liveGen, previousGen, terr
		}
		if err := d.adapter.Stop(ctx, demotedID, stopTimeout); err != nil {
			return liveGen, previousGen, errkind.Wrap(errkind.KindRuntimeAPI, "stop outgoing live failed", err)
		}
	}

	return liveGen, previousGen, nil
}

func summaryGeneration(c *runtime.ContainerSummary) types.Generation {
	if c == nil {
		return types.Generation{}
	}
	number, _ := strconv.Atoi(c.Labels[types.LabelGeneration])
	return types.Generation{Number: number, Color: types.Color(c.Labels[types.LabelColor])}
}
