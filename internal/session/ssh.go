package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"opsconsole/internal/config"
	"opsconsole/pkg/circuitbreaker"
)

// SSHRunner executes commands on the remote pipeline host over SSH. The
// client connection is established lazily, reused across calls, and
// re-dialed after transport failures. Dials go through a circuit breaker so
// a down host fails fast instead of hanging every probe on the connect
// timeout.
type SSHRunner struct {
	cfg     config.SSHTarget
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback

	mu     sync.Mutex
	client *ssh.Client
}

var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner builds a runner for the fixed SSH target. The identity file
// must hold an unencrypted private key; host keys are verified against the
// known hosts file when one is configured.
func NewSSHRunner(cfg config.SSHTarget, logger *slog.Logger) (*SSHRunner, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh target requires host and user")
	}

	key, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = callback
	} else {
		logger.Warn("SSH host key verification disabled", "host", cfg.Host)
	}

	return &SSHRunner{
		cfg:     cfg,
		logger:  logger,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		hostKey: hostKey,
	}, nil
}

// Kind returns Remote.
func (r *SSHRunner) Kind() Kind { return Remote }

// Run executes command in a fresh SSH session on the shared connection.
// Canceling ctx tears down the session, never the detached job it probes.
func (r *SSHRunner) Run(ctx context.Context, command string) (*Output, error) {
	client, err := r.connect()
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		// The connection likely died; drop it so the next call re-dials.
		r.invalidate(client)
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		r.invalidate(client)
		return nil, fmt.Errorf("run remote command: %w", err)
	}
	return out, nil
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	err := r.breaker.Do(func() error {
		client, dialErr := ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            r.cfg.User,
			Auth:            r.auth,
			HostKeyCallback: r.hostKey,
			Timeout:         r.cfg.ConnectTimeout,
		})
		if dialErr != nil {
			return dialErr
		}
		r.client = client
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	r.logger.Info("SSH connection established", "host", r.cfg.Host, "user", r.cfg.User)
	return r.client, nil
}

func (r *SSHRunner) invalidate(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		_ = r.client.Close()
		r.client = nil
	}
}

// Close tears down the shared connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
