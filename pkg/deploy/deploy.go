package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/health"
	"github.com/cuemby/peleka/pkg/lock"
	"github.com/cuemby/peleka/pkg/log"
	"github.com/cuemby/peleka/pkg/planner"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/strategy"
	"github.com/cuemby/peleka/pkg/types"
)

const (
	defaultPullTimeout  = 5 * time.Minute
	defaultCleanupGrace = 10 * time.Second
)

// Deployer runs the per-host deployment state machine against a
// single runtime.Adapter. One Deployer is created per host connection.
type Deployer struct {
	adapter  runtime.Adapter
	locks    *lock.Manager
	prober   *health.Prober
	lockWait time.Duration
}

func NewDeployer(adapter runtime.Adapter) *Deployer {
	return &Deployer{
		adapter: adapter,
		locks:   lock.NewManager(adapter),
		prober:  health.NewProber(adapter),
	}
}

// WithLockWait overrides how long Run retries an already-held lock
// before giving up; the default, 0, fails immediately on contention.
func (d *Deployer) WithLockWait(wait time.Duration) *Deployer {
	d.lockWait = wait
	return d
}

// Run drives one host through INIT→PLANNED→LOCKED→PULLED→CREATED→
// STARTED→HEALTHY→PROMOTED→RETIRED→DONE, or into the UNHEALTHY/ABORTED
// branches. It never leaves a held lock behind: every return path has
// already released it, and a panic inside the locked section releases
// the lock before it propagates to the caller.
func (d *Deployer) Run(ctx context.Context, host string, cfg config.Config, owner string) (types.HostOutcome, error) {
	start := time.Now()
	deployID := uuid.NewString()

	plan, liveGen, warnings, err := planner.Plan(ctx, d.adapter, cfg, deployID)
	if err != nil {
		return outcome(host, types.ResultFailed, err.Error(), liveGen, types.Generation{}, start, warnings), err
	}

	strat, stratWarnings, err := strategy.Select(cfg.Strategy, plan.Ports)
	if err != nil {
		return outcome(host, types.ResultFailed, err.Error(), liveGen, types.Generation{}, start, warnings), err
	}
	plan.Strategy = strat
	warnings = append(warnings, stratWarnings...)

	logger := log.WithHost(host).With().
		Str("service", plan.Service.String()).
		Str("deploy_id", deployID).
		Logger()

	var runErr error
	lockErr := lock.WithLock(ctx, d.locks, plan.Service, deployID, owner, d.lockWait, func(ctx context.Context) error {
		logger.Info().Int("generation", plan.Generation.Number).Str("color", string(plan.Generation.Color)).Msg("lock acquired, running deployment")
		more, err := d.runLocked(ctx, logger, cfg, plan, liveGen)
		warnings = append(warnings, more...)
		runErr = err
		return err
	})
	if lockErr != nil && runErr == nil {
		// Either the lock couldn't be acquired (runLocked never ran) or
		// releasing it failed after runLocked succeeded.
		return outcome(host, types.ResultFailed, lockErr.Error(), liveGen, types.Generation{}, start, warnings), lockErr
	}
	if runErr != nil {
		return outcome(host, types.ResultFailed, runErr.Error(), liveGen, types.Generation{}, start, warnings), runErr
	}

	logger.Info().Msg("deployment promoted and retired")
	return outcome(host, types.ResultSuccess, "", liveGen, plan.Generation, start, warnings), nil
}

// runLocked executes PULLED through DONE. It is only ever invoked from
// inside the lock's scoped acquisition, so a panic or early return
// here still releases the lock.
func (d *Deployer) runLocked(ctx context.Context, logger zerolog.Logger, cfg config.Config, plan *types.DeploymentPlan, liveGen types.Generation) ([]string, error) {
	var warnings []string

	liveBefore, err := findByRole(ctx, d.adapter, plan.Service, types.RoleLive)
	if err != nil {
		return warnings, err
	}
	previousBefore, err := findByRole(ctx, d.adapter, plan.Service, types.RolePrevious)
	if err != nil {
		return warnings, err
	}

	if plan.PullPolicy != types.PullNever {
		pullTimeout, perr := config.ParseDuration(cfg.ImagePullTimeout, defaultPullTimeout)
		if perr != nil {
			return warnings, perr
		}
		pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		err := d.adapter.Pull(pullCtx, string(plan.Image))
		cancel()
		if err != nil {
			return warnings, err
		}
	}

	var priorLiveID string
	if liveBefore != nil {
		priorLiveID = liveBefore.ID
	}

	pendingID, createWarnings, err := d.create(ctx, plan, priorLiveID)
	warnings = append(warnings, createWarnings...)
	if err != nil {
		return warnings, err
	}

	if err := d.adapter.Start(ctx, pendingID); err != nil {
		d.abortCleanup(ctx, logger, pendingID, &warnings)
		warnPriorStateLost(plan, priorLiveID, &warnings)
		return warnings, errkind.Wrap(errkind.KindRuntimeAPI, "start failed", err)
	}

	if _, err := d.prober.Await(ctx, pendingID, plan.Probe); err != nil {
		logger.Warn().Err(err).Msg("deployment unhealthy, rolling back pending container")
		d.abortCleanup(ctx, logger, pendingID, &warnings)
		warnPriorStateLost(plan, priorLiveID, &warnings)
		return warnings, err
	}

	// Recreate already destroyed the prior live container before create;
	// there is nothing left to demote or stop for it.
	demotableLiveID := priorLiveID
	if plan.Strategy == types.StrategyRecreate {
		demotableLiveID = ""
	}

	newLiveID, newPreviousID, promoteWarnings, err := d.promote(ctx, plan, demotableLiveID, pendingID)
	warnings = append(warnings, promoteWarnings...)
	if err != nil {
		warnPriorStateLost(plan, priorLiveID, &warnings)
		return warnings, err
	}

	retireWarnings, err := d.retire(ctx, plan, newPreviousID, previousBefore)
	warnings = append(warnings, retireWarnings...)
	if err != nil {
		return warnings, err
	}

	cleanupGrace, gerr := config.ParseDuration(cfg.Cleanup.GracePeriod, defaultCleanupGrace)
	if gerr != nil {
		return warnings, gerr
	}
	if err := sleepOrCancel(ctx, cleanupGrace); err != nil {
		return warnings, errkind.Wrap(errkind.KindCancelled, "cleanup grace wait cancelled", err)
	}

	logger.Info().Str("container_id", newLiveID).Msg("new generation is live")
	return warnings, nil
}

// create brings the new pending container into existence, following
// the strategy's contract: blue-green creates alongside the existing
// live container; recreate stops and removes it first, accepting a
// window with no live container.
func (d *Deployer) create(ctx context.Context, plan *types.DeploymentPlan, priorLiveID string) (string, []string, error) {
	var warnings []string

	if plan.Strategy == types.StrategyRecreate && priorLiveID != "" {
		if err := d.adapter.Stop(ctx, priorLiveID, plan.StopTimeout); err != nil {
			return "", warnings, errkind.Wrap(errkind.KindRuntimeAPI, "stop prior live container failed", err)
		}
		if err := d.adapter.Remove(ctx, priorLiveID, true); err != nil {
			return "", warnings, errkind.Wrap(errkind.KindRuntimeAPI, "remove prior live container failed", err)
		}
		warnings = append(warnings, "recreate strategy removed the prior live container before creating its replacement")
	}

	id, err := d.adapter.Create(ctx, runtime.ContainerSpec{
		Name:      plan.ContainerName,
		Image:     string(plan.Image),
		Env:       plan.Env,
		Ports:     plan.Ports,
		Volumes:   plan.Volumes,
		Labels:    plan.AllLabels(types.RolePending),
		Resources: plan.Resources,
		Network:   plan.Network,
		Restart:   plan.Restart,
		Logging:   plan.Logging,
	})
	if err != nil {
		warnPriorStateLost(plan, priorLiveID, &warnings)
		return "", warnings, errkind.Wrap(errkind.KindRuntimeAPI, "create pending container failed", err)
	}
	return id, warnings, nil
}

// promote performs the role swap described in the deployment
// contract's atomicity note: relabel the old live to previous first,
// then the new pending to live last. A reader never sees two live
// containers; between the two relabels there is a brief window in
// which no container carries role=live. Each relabel recreates the
// underlying container, since labels can't be changed on a running
// container directly, so it also returns
// the new id the demoted previous container now lives under — the
// caller must thread that into retire rather than reusing priorLiveID,
// which no longer exists once this returns.
func (d *Deployer) promote(ctx context.Context, plan *types.DeploymentPlan, priorLiveID, pendingID string) (newLiveID, newPreviousID string, warnings []string, err error) {
	if priorLiveID != "" {
		newPreviousID, err = d.adapter.Relabel(ctx, priorLiveID, map[string]string{types.LabelRole: string(types.RolePrevious)})
		if err != nil {
			return "", "", warnings, errkind.Wrap(errkind.KindRuntimeAPI, "relabel prior live to previous failed", err)
		}
	}

	newLiveID, err = d.adapter.Relabel(ctx, pendingID, map[string]string{types.LabelRole: string(types.RoleLive)})
	if err != nil {
		return "", "", warnings, errkind.Wrap(errkind.KindRuntimeAPI, "relabel pending to live failed", err)
	}
	return newLiveID, newPreviousID, warnings, nil
}

// retire stops the freshly-demoted previous container (keeping it for
// rollback) and, if an older previous already existed from an earlier
// deploy, removes that one first so at most one previous is retained.
func (d *Deployer) retire(ctx context.Context, plan *types.DeploymentPlan, newPreviousID string, olderPrevious *runtime.ContainerSummary) ([]string, error) {
	var warnings []string

	if olderPrevious != nil {
		if err := d.adapter.Remove(ctx, olderPrevious.ID, true); err != nil {
			return warnings, errkind.Wrap(errkind.KindRuntimeAPI, "remove stale previous container failed", err)
		}
		if newPreviousID != "" {
			warnings = append(warnings, fmt.Sprintf("removed older previous container %s to make room for this deploy's previous", olderPrevious.Name))
		} else {
			warnings = append(warnings, fmt.Sprintf("removed older previous container %s: recreate strategy keeps exactly one container", olderPrevious.Name))
		}
	}

	if newPreviousID == "" {
		return warnings, nil
	}
	if err := d.adapter.Stop(ctx, newPreviousID, plan.StopTimeout); err != nil {
		return warnings, errkind.Wrap(errkind.KindRuntimeAPI, "stop demoted previous container failed", err)
	}
	return warnings, nil
}

// abortCleanup best-effort stops and removes a pending container this
// deploy created after a start or health failure, per the ABORTED and
// UNHEALTHY branch contracts.
func (d *Deployer) abortCleanup(ctx context.Context, logger zerolog.Logger, pendingID string, warnings *[]string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.adapter.Stop(cleanupCtx, pendingID, 5*time.Second); err != nil {
		logger.Warn().Err(err).Msg("failed to stop pending container during abort cleanup")
	}
	if err := d.adapter.Remove(cleanupCtx, pendingID, true); err != nil {
		logger.Warn().Err(err).Msg("failed to remove pending container during abort cleanup")
		*warnings = append(*warnings, "a pending container from this failed deploy may still be present and needs manual removal")
	}
}

// warnPriorStateLost records the prominent diagnostic the recreate
// strategy's ABORTED/UNHEALTHY branches owe the caller: its removal of
// the prior live container is never undone, unlike blue-green's, which
// leaves the prior live untouched and still serving.
func warnPriorStateLost(plan *types.DeploymentPlan, priorLiveID string, warnings *[]string) {
	if plan.Strategy == types.StrategyRecreate && priorLiveID != "" {
		*warnings = append(*warnings, "PriorStateLost: recreate strategy already removed the prior live container; it was not restored after this failure")
	}
}

func findByRole(ctx context.Context, adapter runtime.Adapter, service types.ServiceName, role types.Role) (*runtime.ContainerSummary, error) {
	summaries, err := adapter.ListByLabel(ctx, string(service))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindRuntimeAPI, "list containers by label failed", err)
	}
	for i := range summaries {
		if summaries[i].Labels[types.LabelRole] == string(role) {
			return &summaries[i], nil
		}
	}
	return nil, nil
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcome(host string, result types.Result, reason string, prevGen, newGen types.Generation, start time.Time, warnings []string) types.HostOutcome {
	return types.HostOutcome{
		Host:               host,
		Result:             result,
		Reason:             reason,
		PreviousGeneration: prevGen,
		NewGeneration:      newGen,
		Duration:           time.Since(start),
		Warnings:           warnings,
	}
}
