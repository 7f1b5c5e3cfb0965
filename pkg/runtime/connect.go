package runtime

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/docker/client"
)

// Dialer is the shape of Transport.Dialer from pkg/sshtransport: a
// factory for net.Conn that tunnels every dial over an already-open
// SSH connection rather than opening a fresh network connection.
type Dialer func(remoteSocketPath string) func(ctx context.Context, network, addr string) (net.Conn, error)

// CandidateSockets lists the sockets Connect probes in order: the
// Docker socket first, then Podman's rootful and rootless sockets.
func CandidateSockets(podmanUID string) []string {
	sockets := []string{DockerSocketPath, PodmanSystemSocketPath}
	if podmanUID != "" {
		sockets = append(sockets, PodmanUserSocketPath(podmanUID))
	}
	return sockets
}

// Connect detects a container runtime on the other end of dialer by
// probing candidateSockets in order with Detect, returning an Adapter
// bound to the first one that answers a Ping. The caller owns dialer's
// underlying SSH connection and must Close the returned Adapter (which
// closes the Docker client, not the SSH transport) before closing it.
func Connect(ctx context.Context, dialer Dialer, candidateSockets []string) (Adapter, error) {
	dial := func(ctx context.Context, socketPath string) (Adapter, error) {
		cli, err := client.NewClientWithOpts(
			client.WithHost("unix://"+socketPath),
			client.WithDialContext(dialer(socketPath)),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("build docker client for %s: %w", socketPath, err)
		}

		kind := Docker
		if socketPath != DockerSocketPath {
			kind = Podman
		}
		adapter := NewDockerAdapter(cli, kind)

		pinger, ok := adapter.(interface{ Ping(context.Context) error })
		if !ok || pinger.Ping(ctx) != nil {
			cli.Close()
			return nil, fmt.Errorf("%s did not respond to ping", socketPath)
		}
		return adapter, nil
	}

	return Detect(ctx, dial, candidateSockets)
}
