// Package coordinator fans a deployment or rollback operation out
// across every server in a destination, one SSH-tunneled goroutine per
// host, and collects every host's outcome without letting one host's
// failure cancel its peers.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/peleka/pkg/config"
	"github.com/cuemby/peleka/pkg/log"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/sshtransport"
	"github.com/cuemby/peleka/pkg/types"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultDialRetry      = 30 * time.Second
)

// Operation is one host's unit of work (deploy, rollback, ...),
// invoked with an Adapter already dialed and runtime-detected for host.
type Operation func(ctx context.Context, adapter runtime.Adapter, host string) (types.HostOutcome, error)

// connectFunc dials host and returns a runtime Adapter bound to it
// plus a closer for whatever transport the Adapter is tunneled over
// (the SSH connection in production, a no-op in tests).
type connectFunc func(ctx context.Context, host string) (runtime.Adapter, func() error, error)

// Coordinator holds the SSH credentials shared across every server of
// a destination and drives Operation against each one concurrently.
type Coordinator struct {
	ssh       config.SSHConfig
	podmanUID string
	connect   connectFunc
}

// New builds a Coordinator that dials every host with ssh.
func New(ssh config.SSHConfig) *Coordinator {
	c := &Coordinator{ssh: ssh}
	c.connect = c.sshConnect
	return c
}

// WithPodmanUID adds a rootless Podman user socket to the candidates
// Connect probes, for hosts running podman as a non-root user.
func (c *Coordinator) WithPodmanUID(uid string) *Coordinator {
	c.podmanUID = uid
	return c
}

// Run dials every host in hosts concurrently and runs op against each
// one's detected runtime, writing each outcome into its own slot of a
// pre-sized slice indexed by position in hosts — never a shared
// mutable map — so no host goroutine can race another's write.
// Top-level cancellation (a caller's signal.NotifyContext) propagates
// cooperatively through ctx to every host; Run itself never cancels
// other hosts because one of them failed or returned an error.
func (c *Coordinator) Run(ctx context.Context, hosts []string, op Operation) ([]types.HostOutcome, []error) {
	outcomes := make([]types.HostOutcome, len(hosts))
	errs := make([]error, len(hosts))
	var wg sync.WaitGroup
	wg.Add(len(hosts))
	for i, host := range hosts {
		i, host := i, host
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = c.runHost(ctx, host, op)
		}()
	}
	wg.Wait()
	return outcomes, errs
}

func (c *Coordinator) runHost(ctx context.Context, host string, op Operation) (types.HostOutcome, error) {
	start := time.Now()
	logger := log.WithHost(host)

	adapter, closeTransport, err := c.connect(ctx, host)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to host")
		return failed(host, start, err), err
	}
	defer closeTransport()
	defer adapter.Close()

	outcome, err := op(ctx, adapter, host)
	if err != nil {
		logger.Error().Err(err).Msg("operation failed")
	}
	return outcome, err
}

// sshConnect is the production connectFunc: dial the host over SSH,
// then detect a container runtime through the tunnel.
func (c *Coordinator) sshConnect(ctx context.Context, host string) (runtime.Adapter, func() error, error) {
	transport, err := sshtransport.Dial(ctx, sshtransport.Config{
		Host:                 host,
		Port:                 sshPort(c.ssh),
		User:                 c.ssh.User,
		PrivateKeyPath:       c.ssh.PrivateKeyPath,
		KnownHostsPath:       c.ssh.KnownHostsPath,
		TrustFirstConnection: c.ssh.TrustFirstConnection,
		ConnectTimeout:       durationOr(c.ssh.ConnectTimeout, defaultConnectTimeout),
		DialRetryMaxElapsed:  durationOr(c.ssh.DialRetryMaxElapsed, defaultDialRetry),
	})
	if err != nil {
		return nil, nil, err
	}

	adapter, err := runtime.Connect(ctx, transport.Dialer, runtime.CandidateSockets(c.podmanUID))
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	return adapter, transport.Close, nil
}

func failed(host string, start time.Time, err error) types.HostOutcome {
	return types.HostOutcome{
		Host:     host,
		Result:   types.ResultFailed,
		Reason:   err.Error(),
		Duration: time.Since(start),
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := config.ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

func sshPort(cfg config.SSHConfig) int {
	if cfg.Port == 0 {
		return 22
	}
	return cfg.Port
}
