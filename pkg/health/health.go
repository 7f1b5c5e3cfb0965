// Package health runs the exec-based health probe loop against a
// single generation's container: wait out start_period, then probe at
// interval until retries consecutive successes (healthy) or retries
// consecutive failures (unhealthy), short-circuiting immediately if
// the container exits on its own.
package health

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

// Result is the outcome of a single probe invocation.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Status tracks consecutive successes/failures for one container
// across the probe loop's lifetime.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	StartedAt            time.Time
}

func newStatus() *Status {
	return &Status{StartedAt: time.Now()}
}

func (s *Status) update(r Result) {
	s.LastResult = r
	if r.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}
}

func (s *Status) inStartPeriod(spec types.HealthProbeSpec) bool {
	if spec.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < spec.StartPeriod
}

// Prober runs exec probes against a container through a runtime.Adapter.
type Prober struct {
	adapter runtime.Adapter
}

func NewProber(adapter runtime.Adapter) *Prober {
	return &Prober{adapter: adapter}
}

// Await blocks until the container is healthy, unhealthy, exited, or
// ctx is cancelled. It never returns early on a single failed probe —
// only after spec.Retries consecutive failures, the global
// spec.HealthTimeout elapsing, or the container exiting.
func (p *Prober) Await(ctx context.Context, containerID string, spec types.HealthProbeSpec) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{Healthy: true, CheckedAt: time.Now()}, nil
	}

	status := newStatus()

	var deadline time.Time
	if spec.HealthTimeout > 0 {
		deadline = time.Now().Add(spec.HealthTimeout)
	}

	threshold := spec.Retries
	if threshold < 1 {
		threshold = 1
	}

	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return status.LastResult, errkind.New(errkind.KindHealthTimeout, "health check did not converge within health_timeout")
		}

		exited, exitResult, err := p.checkExited(ctx, containerID)
		if err != nil {
			return Result{}, err
		}
		if exited {
			return exitResult, errkind.New(errkind.KindUnhealthy, "container exited before becoming healthy")
		}

		if !status.inStartPeriod(spec) {
			result := p.probeOnce(ctx, containerID, spec)
			status.update(result)

			if status.ConsecutiveSuccesses >= threshold {
				return result, nil
			}
			if status.ConsecutiveFailures >= threshold {
				return result, errkind.New(errkind.KindUnhealthy, "container failed "+strconv.Itoa(status.ConsecutiveFailures)+" consecutive health checks")
			}
		}

		select {
		case <-ctx.Done():
			return status.LastResult, errkind.Wrap(errkind.KindCancelled, "health check cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Prober) checkExited(ctx context.Context, containerID string) (bool, Result, error) {
	inspect, err := p.adapter.Inspect(ctx, containerID)
	if err != nil {
		return false, Result{}, errkind.Wrap(errkind.KindRuntimeAPI, "inspect during health check failed", err)
	}
	if inspect.State == runtime.StateExited {
		return true, Result{
			Healthy:   false,
			Message:   "container exited with code " + strconv.Itoa(inspect.ExitCode),
			CheckedAt: time.Now(),
		}, nil
	}
	return false, Result{}, nil
}

func (p *Prober) probeOnce(ctx context.Context, containerID string, spec types.HealthProbeSpec) Result {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	res, err := p.adapter.Exec(execCtx, containerID, spec.Command, spec.Timeout)
	if err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	if res.ExitCode != 0 {
		return Result{
			Healthy:   false,
			Message:   "exit " + strconv.Itoa(res.ExitCode) + ": " + res.Stderr,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{Healthy: true, Message: res.Stdout, CheckedAt: start, Duration: time.Since(start)}
}
