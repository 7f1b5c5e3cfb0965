// Package planner computes the next generation's DeploymentPlan from
// merged configuration and the containers peleka already manages on a
// host, following spec.md's Generation Planner: identify the live
// generation, compute the next one, resolve every env-var reference,
// and garbage-collect leftover pending containers from a prior crash
// before any change is made.
package planner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

// Plan resolves cfg into a DeploymentPlan for this host, reading the
// host's existing peleka-managed containers through adapter to
// determine the current generation and to garbage-collect stale
// pending containers left behind by a crashed prior run.
func Plan(ctx context.Context, adapter runtime.Adapter, cfg config.Config, deployID string) (*types.DeploymentPlan, types.Generation, []string, error) {
	service := types.ServiceName(cfg.Service)
	if !service.Valid() {
		return nil, types.Generation{}, nil, errkind.New(errkind.KindConfig, fmt.Sprintf("service name %q is not a valid DNS-label identifier", cfg.Service))
	}

	existing, err := adapter.ListByLabel(ctx, cfg.Service)
	if err != nil {
		return nil, types.Generation{}, nil, errkind.Wrap(errkind.KindRuntimeAPI, "list existing containers failed", err)
	}

	var warnings []string
	existing, gcWarnings, err := collectStalePending(ctx, adapter, existing, deployID)
	if err != nil {
		return nil, types.Generation{}, nil, err
	}
	warnings = append(warnings, gcWarnings...)

	liveGen := findRoleGeneration(existing, types.RoleLive)
	newGen := liveGen.Next()

	ports, err := parsePorts(cfg.Ports)
	if err != nil {
		return nil, types.Generation{}, nil, errkind.Wrap(errkind.KindConfig, "invalid port spec", err)
	}

	volumes, err := parseVolumes(cfg.Volumes)
	if err != nil {
		return nil, types.Generation{}, nil, errkind.Wrap(errkind.KindConfig, "invalid volume spec", err)
	}

	env, err := resolveEnv(cfg.Env)
	if err != nil {
		return nil, types.Generation{}, nil, err
	}

	resources, err := parseResources(cfg.Resources)
	if err != nil {
		return nil, types.Generation{}, nil, errkind.Wrap(errkind.KindConfig, "invalid resources spec", err)
	}

	probe, err := buildProbe(cfg)
	if err != nil {
		return nil, types.Generation{}, nil, err
	}

	stopTimeout, err := config.ParseDuration(cfg.Stop.Timeout, defaultStopTimeout)
	if err != nil {
		return nil, types.Generation{}, nil, err
	}

	pullPolicy := types.PullAlways
	if cfg.PullPolicy == string(types.PullNever) {
		pullPolicy = types.PullNever
	}

	plan := &types.DeploymentPlan{
		Service:       service,
		Image:         types.ImageReference(cfg.Image),
		ContainerName: types.ContainerName(service, newGen.Color),
		Generation:    newGen,
		Ports:         ports,
		Volumes:       volumes,
		Env:           env,
		Labels:        cfg.Labels,
		Resources:     resources,
		Network:       types.NetworkSpec{Name: cfg.Network.Name, Aliases: cfg.Network.Aliases},
		Restart:       cfg.Restart,
		Logging:       types.LoggingSpec{Driver: cfg.Logging.Driver, Options: cfg.Logging.Options},
		StopTimeout:   stopTimeout,
		Probe:         probe,
		PullPolicy:    pullPolicy,
		DeployID:      deployID,
	}

	return plan, liveGen, warnings, nil
}

const (
	defaultStopTimeout      = 10_000_000_000 // 10s, in time.Duration nanoseconds
	defaultHealthInterval   = 5_000_000_000
	defaultHealthTimeout    = 1_000_000_000
	defaultHealthRetries    = 3
	defaultHealthTotalLimit = 120_000_000_000
)

// collectStalePending removes any container labeled role=pending
// whose deploy-id doesn't match the run in progress — leftovers from a
// crashed prior deployment — before planning proceeds, per the
// idempotence/crash-safety requirement.
func collectStalePending(ctx context.Context, adapter runtime.Adapter, existing []runtime.ContainerSummary, deployID string) ([]runtime.ContainerSummary, []string, error) {
	var warnings []string
	kept := existing[:0:0]
	for _, c := range existing {
		if c.Labels[types.LabelRole] == string(types.RolePending) && c.Labels[types.LabelDeployID] != deployID {
			if err := adapter.Remove(ctx, c.ID, true); err != nil {
				return nil, nil, errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("garbage-collect stale pending container %s failed", c.Name), err)
			}
			warnings = append(warnings, fmt.Sprintf("removed stale pending container %s left by a prior deploy", c.Name))
			continue
		}
		kept = append(kept, c)
	}
	return kept, warnings, nil
}

func findRoleGeneration(existing []runtime.ContainerSummary, role types.Role) types.Generation {
	for _, c := range existing {
		if c.Labels[types.LabelRole] != string(role) {
			continue
		}
		number, _ := strconv.Atoi(c.Labels[types.LabelGeneration])
		return types.Generation{Number: number, Color: types.Color(c.Labels[types.LabelColor])}
	}
	return types.Generation{}
}

// parsePorts accepts "container", "host:container", and an optional
// "/udp" suffix, mirroring docker-compose's short port syntax.
func parsePorts(raw []string) ([]types.PortSpec, error) {
	out := make([]types.PortSpec, 0, len(raw))
	for _, r := range raw {
		proto := "tcp"
		spec := r
		if idx := strings.LastIndex(spec, "/"); idx != -1 {
			proto = spec[idx+1:]
			spec = spec[:idx]
		}

		var hostPort, containerPort int
		if idx := strings.Index(spec, ":"); idx != -1 {
			h, err := strconv.Atoi(spec[:idx])
			if err != nil {
				return nil, fmt.Errorf("port %q: invalid host port", r)
			}
			c, err := strconv.Atoi(spec[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("port %q: invalid container port", r)
			}
			hostPort, containerPort = h, c
		} else {
			c, err := strconv.Atoi(spec)
			if err != nil {
				return nil, fmt.Errorf("port %q: invalid container port", r)
			}
			containerPort = c
		}

		out = append(out, types.PortSpec{HostPort: hostPort, ContainerPort: containerPort, Protocol: proto})
	}
	return out, nil
}

// parseVolumes accepts "source:target" and "source:target:ro".
func parseVolumes(raw []string) ([]types.VolumeSpec, error) {
	out := make([]types.VolumeSpec, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("volume %q: expected source:target[:ro]", r)
		}
		readOnly := len(parts) == 3 && parts[2] == "ro"
		out = append(out, types.VolumeSpec{Source: parts[0], Target: parts[1], ReadOnly: readOnly})
	}
	return out, nil
}

func resolveEnv(raw map[string]config.EnvValue) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for name, v := range raw {
		resolved, err := v.Resolve(name)
		if err != nil {
			return nil, err
		}
		out[name] = resolved
	}
	return out, nil
}

func parseResources(raw config.ResourcesConfig) (types.ResourceSpec, error) {
	bytes, err := parseMemory(raw.Memory)
	if err != nil {
		return types.ResourceSpec{}, err
	}
	return types.ResourceSpec{MemoryBytes: bytes, CPUs: raw.CPUs}, nil
}

// parseMemory accepts a bare byte count or a value suffixed with
// k/m/g (case-insensitive), e.g. "512m", "1g".
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	numeric := s
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		numeric = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		numeric = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		numeric = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory %q: %w", s, err)
	}
	return n * mult, nil
}

// BuildProbe exports buildProbe for callers outside this package (the
// rollback operation, which re-derives the probe spec from config to
// optionally re-health-check the container it is promoting back to live).
func BuildProbe(cfg config.Config) (types.HealthProbeSpec, error) {
	return buildProbe(cfg)
}

func buildProbe(cfg config.Config) (types.HealthProbeSpec, error) {
	interval, err := config.ParseDuration(cfg.HealthCheck.Interval, defaultHealthInterval)
	if err != nil {
		return types.HealthProbeSpec{}, err
	}
	if interval <= 0 {
		return types.HealthProbeSpec{}, errkind.New(errkind.KindConfig, fmt.Sprintf("healthcheck.interval %q must be positive", cfg.HealthCheck.Interval))
	}
	timeout, err := config.ParseDuration(cfg.HealthCheck.Timeout, defaultHealthTimeout)
	if err != nil {
		return types.HealthProbeSpec{}, err
	}
	startPeriod, err := config.ParseDuration(cfg.HealthCheck.StartPeriod, 0)
	if err != nil {
		return types.HealthProbeSpec{}, err
	}
	healthTimeout, err := config.ParseDuration(cfg.HealthTimeout, defaultHealthTotalLimit)
	if err != nil {
		return types.HealthProbeSpec{}, err
	}

	retries := cfg.HealthCheck.Retries
	if retries <= 0 {
		retries = defaultHealthRetries
	}

	return types.HealthProbeSpec{
		Command:       cfg.HealthCheck.Cmd,
		Interval:      interval,
		Timeout:       timeout,
		Retries:       retries,
		StartPeriod:   startPeriod,
		HealthTimeout: healthTimeout,
	}, nil
}
