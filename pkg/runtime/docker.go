package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/log"
	"github.com/cuemby/peleka/pkg/types"
)

// dockerAdapter implements Adapter against the Docker-compatible HTTP
// API. The same implementation serves Podman: Podman's socket speaks a
// subset of the same wire protocol, so only the bound Kind differs.
type dockerAdapter struct {
	cli  *client.Client
	kind Kind
}

// NewDockerAdapter wraps an already-dialed *client.Client. The caller
// is responsible for constructing the client with a DialContext that
// routes through the SSH transport's UNIX-socket tunnel — the adapter
// itself never opens a network connection.
func NewDockerAdapter(cli *client.Client, kind Kind) Adapter {
	return &dockerAdapter{cli: cli, kind: kind}
}

func (d *dockerAdapter) Kind() Kind { return d.kind }

func (d *dockerAdapter) Close() error { return d.cli.Close() }

// Ping is used by Detect to probe a candidate socket.
func (d *dockerAdapter) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerAdapter) Pull(ctx context.Context, imageRef string) error {
	rc, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.KindPullTimeout, "image pull timed out", ctx.Err())
		}
		return errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("pull %s failed", imageRef), err)
	}
	defer rc.Close()

	// Draining the response completes the pull; Docker streams
	// progress as NDJSON, which is discarded here.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.KindPullTimeout, "image pull timed out", ctx.Err())
		}
		return errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("pull %s failed mid-stream", imageRef), err)
	}
	return nil
}

func (d *dockerAdapter) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    envSlice(spec.Env),
		Labels: spec.Labels,
		Cmd:    spec.Cmd,
	}

	exposed, bindings := portBindings(spec.Ports)
	cfg.ExposedPorts = exposed

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        volumeBinds(spec.Volumes),
		RestartPolicy: container.RestartPolicy{
			Name: restartPolicyName(spec.Restart),
		},
	}
	if spec.Resources.MemoryBytes > 0 {
		hostCfg.Resources.Memory = spec.Resources.MemoryBytes
	}
	if spec.Resources.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.Resources.CPUs * 1e9)
	}
	if spec.Logging.Driver != "" {
		if !d.supportsLoggingDriver(spec.Logging.Driver) {
			log.Warn(fmt.Sprintf("logging driver %q not supported on %s, omitting", spec.Logging.Driver, d.kind))
		} else {
			hostCfg.LogConfig = container.LogConfig{
				Type:   spec.Logging.Driver,
				Config: spec.Logging.Options,
			}
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network.Name != "" {
		epSettings := &network.EndpointSettings{}
		if len(spec.Network.Aliases) > 0 {
			if !d.supportsNetworkAliases() {
				log.Warn("network aliases not supported on podman's compat API, omitting")
			} else {
				epSettings.Aliases = spec.Network.Aliases
			}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network.Name: epSettings,
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("create %s failed", spec.Name), err)
	}
	return resp.ID, nil
}

func (d *dockerAdapter) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("start %s failed", id), err)
	}
	return nil
}

func (d *dockerAdapter) Stop(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("stop %s failed", id), err)
	}
	return nil
}

func (d *dockerAdapter) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("remove %s failed", id), err)
	}
	return nil
}

func (d *dockerAdapter) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := d.cli.ContainerExecCreate(execCtx, id, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, errkind.Wrap(errkind.KindRuntimeAPI, "exec create failed", err)
	}

	attach, err := d.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, errkind.Wrap(errkind.KindRuntimeAPI, "exec attach failed", err)
	}
	defer attach.Close()

	// The exec attach stream multiplexes stdout and stderr over one
	// connection with an 8-byte frame header per chunk; stdcopy.StdCopy
	// demuxes it into the two buffers instead of the caller getting raw
	// frame headers mixed into stdout.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && execCtx.Err() == nil {
		return ExecResult{}, errkind.Wrap(errkind.KindRuntimeAPI, "exec stream read failed", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, errkind.Wrap(errkind.KindRuntimeAPI, "exec inspect failed", err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *dockerAdapter) Inspect(ctx context.Context, id string) (Inspection, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Inspection{}, errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("inspect %s failed", id), err)
	}

	state := StateCreated
	switch {
	case info.State.Running:
		state = StateRunning
	case info.State.Status == "exited":
		state = StateExited
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)

	health := ""
	if info.State.Health != nil {
		health = info.State.Health.Status
	}

	return Inspection{
		State:     state,
		ExitCode:  info.State.ExitCode,
		StartedAt: startedAt,
		Health:    health,
		Labels:    info.Config.Labels,
	}, nil
}

func (d *dockerAdapter) ListByLabel(ctx context.Context, service string) ([]ContainerSummary, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", types.LabelService, service))

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, errkind.Wrap(errkind.KindRuntimeAPI, "list by label failed", err)
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ContainerSummary{ID: c.ID, Name: name, Labels: c.Labels})
	}
	return out, nil
}

// Relabel recreates the container with merged labels, since neither
// Docker nor Podman allows mutating labels on an existing container.
// It preserves the container's name, image, and full create spec by
// round-tripping through Inspect, and restarts it if it was running.
func (d *dockerAdapter) Relabel(ctx context.Context, id string, labels map[string]string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("inspect %s before relabel failed", id), err)
	}

	merged := make(map[string]string, len(info.Config.Labels)+len(labels))
	for k, v := range info.Config.Labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	info.Config.Labels = merged

	wasRunning := info.State.Running
	name := strings.TrimPrefix(info.Name, "/")
	netCfg := networkingConfigFromInspect(info)

	if wasRunning {
		seconds := 10
		if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
			return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("stop %s before relabel failed", id), err)
		}
	}

	// Create the replacement under a temporary name before removing the
	// original container, so a failed create here leaves the original
	// (stopped but intact) instead of losing the container outright.
	tempName := name + "--relabel"
	resp, err := d.cli.ContainerCreate(ctx, info.Config, info.HostConfig, netCfg, nil, tempName)
	if err != nil {
		return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("recreate %s during relabel failed", name), err)
	}

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("remove %s before relabel failed", id), err)
	}
	if err := d.cli.ContainerRename(ctx, resp.ID, name); err != nil {
		return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("rename %s into place during relabel failed", name), err)
	}

	if wasRunning {
		if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return "", errkind.Wrap(errkind.KindRuntimeAPI, fmt.Sprintf("restart %s after relabel failed", name), err)
		}
	}

	return resp.ID, nil
}

// networkingConfigFromInspect rebuilds the endpoint settings (including
// aliases) Relabel's recreate step would otherwise silently drop, since
// ContainerInspect's network settings aren't accepted directly by
// ContainerCreate.
func networkingConfigFromInspect(info container.InspectResponse) *network.NetworkingConfig {
	if info.NetworkSettings == nil || len(info.NetworkSettings.Networks) == 0 {
		return nil
	}
	endpoints := make(map[string]*network.EndpointSettings, len(info.NetworkSettings.Networks))
	for netName, ep := range info.NetworkSettings.Networks {
		endpoints[netName] = &network.EndpointSettings{Aliases: ep.Aliases}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}

func (d *dockerAdapter) supportsLoggingDriver(driver string) bool {
	if d.kind == Docker {
		return true
	}
	switch driver {
	case "json-file", "journald", "none":
		return true
	default:
		return false
	}
}

func (d *dockerAdapter) supportsNetworkAliases() bool {
	return d.kind == Docker
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func restartPolicyName(policy string) container.RestartPolicyMode {
	switch policy {
	case "always":
		return container.RestartPolicyAlways
	case "on-failure":
		return container.RestartPolicyOnFailure
	case "unless-stopped":
		return container.RestartPolicyUnlessStopped
	default:
		return container.RestartPolicyDisabled
	}
}

func portBindings(ports []types.PortSpec) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			continue
		}
		exposed[containerPort] = struct{}{}
		if p.StaticHostPort() {
			bindings[containerPort] = append(bindings[containerPort], nat.PortBinding{
				HostPort: strconv.Itoa(p.HostPort),
			})
		}
	}
	return exposed, bindings
}

func volumeBinds(volumes []types.VolumeSpec) []string {
	out := make([]string, 0, len(volumes))
	for _, v := range volumes {
		spec := v.Source + ":" + v.Target
		if v.ReadOnly {
			spec += ":ro"
		}
		out = append(out, spec)
	}
	return out
}
