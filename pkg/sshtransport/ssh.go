// Package sshtransport implements the SSH contract consumed by the
// orchestrator: dial a host, open a local↔remote UNIX-socket tunnel to
// the container runtime socket, and run one-shot remote commands.
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/log"
)

// Config describes how to reach one host over SSH.
type Config struct {
	Host                  string
	Port                  int
	User                  string
	PrivateKeyPath        string
	KnownHostsPath        string
	TrustFirstConnection  bool
	ConnectTimeout        time.Duration
	DialRetryMaxElapsed   time.Duration
}

// Transport is a live SSH connection to one host.
type Transport struct {
	client *ssh.Client
	host   string
}

// Dial connects to cfg.Host, retrying transient failures with bounded
// exponential backoff up to cfg.DialRetryMaxElapsed.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	signer, err := loadSigner(cfg.PrivateKeyPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransport, "failed to load ssh private key", err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransport, "failed to build host key callback", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	bo := backoff.NewExponentialBackOff()
	if cfg.DialRetryMaxElapsed > 0 {
		bo.MaxElapsedTime = cfg.DialRetryMaxElapsed
	}

	var client *ssh.Client
	op := func() error {
		var dialErr error
		client, dialErr = ssh.Dial("tcp", addr, clientCfg)
		return dialErr
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, errkind.Wrap(errkind.KindTransport, fmt.Sprintf("ssh dial %s failed", addr), err)
	}

	return &Transport{client: client, host: cfg.Host}, nil
}

// Dialer returns a net.Conn factory suitable for
// client.WithDialContext, tunneling every dial to remoteSocketPath
// over this SSH connection's "unix" channel type rather than opening
// a local TCP listener — the tunnel only needs to live for this
// process's lifetime.
func (t *Transport) Dialer(remoteSocketPath string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _ string, _ string) (net.Conn, error) {
		conn, err := t.client.Dial("unix", remoteSocketPath)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransport, fmt.Sprintf("tunnel to %s failed", remoteSocketPath), err)
		}
		return conn, nil
	}
}

// Exec runs a one-shot remote command and returns its exit code and
// captured output. argv[0] is run through the user's shell only in
// the sense that SSH always invokes a shell server-side; peleka never
// interpolates untrusted values into argv.
func (t *Transport) Exec(ctx context.Context, argv []string) (exitCode int, stdout string, stderr string, err error) {
	session, sessErr := t.client.NewSession()
	if sessErr != nil {
		return 0, "", "", errkind.Wrap(errkind.KindTransport, "failed to open ssh session", sessErr)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	cmd := shellJoin(argv)
	runErr := session.Run(cmd)
	if runErr == nil {
		return 0, outBuf.String(), errBuf.String(), nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), outBuf.String(), errBuf.String(), nil
	}
	return 0, outBuf.String(), errBuf.String(), errkind.Wrap(errkind.KindTransport, "ssh exec failed", runErr)
}

// Close closes the underlying SSH connection.
func (t *Transport) Close() error {
	return t.client.Close()
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.TrustFirstConnection {
		log.Warn(fmt.Sprintf("trust_first_connection is set: host key of %s is not verified", cfg.Host))
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsPath, err)
	}
	return cb, nil
}

func shellJoin(argv []string) string {
	var b bytes.Buffer
	for i, a := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

// shellQuote wraps a in single quotes, escaping any embedded single
// quote, so argv entries reach the remote shell as one argument each
// rather than being re-split or interpreted.
func shellQuote(a string) string {
	return "'" + bytesReplaceAll(a, "'", `'\''`) + "'"
}

func bytesReplaceAll(s, old, new string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte(old), []byte(new)))
}
