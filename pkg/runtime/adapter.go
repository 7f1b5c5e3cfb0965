package runtime

import (
	"context"
	"time"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/types"
)

// Kind names a detected container runtime flavor.
type Kind string

const (
	Docker Kind = "docker"
	Podman Kind = "podman"
)

// Default socket paths per §6 of the deployment contract.
const (
	DockerSocketPath       = "/var/run/docker.sock"
	PodmanSystemSocketPath = "/run/podman/podman.sock"
)

// PodmanUserSocketPath returns the per-user rootless Podman socket path.
func PodmanUserSocketPath(uid string) string {
	return "/run/user/" + uid + "/podman/podman.sock"
}

// ContainerState is the point-in-time state of a container.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
)

// Inspection is the point-in-time state of a container.
type Inspection struct {
	State     ContainerState
	ExitCode  int
	StartedAt time.Time
	Health    string
	Labels    map[string]string
}

// ContainerSummary is a labeled container as returned by listByLabel.
type ContainerSummary struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ExecResult is the outcome of an API-level exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ContainerSpec carries every field of a DeploymentPlan needed to
// create a container; it is the Adapter's input, kept separate from
// types.DeploymentPlan so the adapter doesn't need to know about
// generations or strategies.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Ports       []types.PortSpec
	Volumes     []types.VolumeSpec
	Labels      map[string]string
	Resources   types.ResourceSpec
	Network     types.NetworkSpec
	Restart     string
	Logging     types.LoggingSpec
	Cmd         []string
}

// Adapter is the uniform container-runtime capability set the
// deployment state machine depends on. It is implemented once against
// the Docker-compatible HTTP API (dockerAdapter) and once in-memory
// for tests (FakeAdapter).
type Adapter interface {
	// Kind reports which runtime variant this adapter is bound to.
	Kind() Kind

	// Pull is idempotent and honors the caller's context deadline.
	// It returns an *errkind.Error with KindPullTimeout on expiry and
	// KindRuntimeAPI on registry/auth failure.
	Pull(ctx context.Context, image string) error

	// Create creates but does not start a container.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Stop sends a graceful stop with the given grace period, then
	// forces a kill if the container hasn't exited by then.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove removes a container. Already-gone is tolerated as success.
	Remove(ctx context.Context, id string, force bool) error

	// Exec runs argv inside the container without shell interpolation.
	Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (ExecResult, error)

	// Inspect returns the container's point-in-time state.
	Inspect(ctx context.Context, id string) (Inspection, error)

	// ListByLabel returns containers carrying peleka.service=service.
	ListByLabel(ctx context.Context, service string) ([]ContainerSummary, error)

	// Relabel changes a container's labels by stopping it (if running)
	// and replacing it, under the same name, with a copy recreated from
	// the same image and config with the merged label set, restarting
	// the copy if the original was running before —
	// the "copy" half of the runtime's update-or-copy primitive for
	// role promotion, since labels can't be updated in place. The
	// returned ID replaces id in the caller's bookkeeping.
	Relabel(ctx context.Context, id string, labels map[string]string) (string, error)

	// Close releases the underlying connection.
	Close() error
}

// Detect probes candidateSockets in order (Docker first, then Podman
// variants) using dial, and returns an Adapter bound to the first one
// that answers a Ping.
func Detect(ctx context.Context, dial func(ctx context.Context, socketPath string) (Adapter, error), candidateSockets []string) (Adapter, error) {
	var lastErr error
	for _, sock := range candidateSockets {
		adapter, err := dial(ctx, sock)
		if err != nil {
			lastErr = err
			continue
		}
		return adapter, nil
	}
	return nil, errkind.Wrap(errkind.KindRuntimeUnavailable, "no container runtime responded on any candidate socket", lastErr)
}
