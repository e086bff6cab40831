package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"opsconsole/internal/config"
)

// Output captures one command round trip against the execution host.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes builder-produced commands on the execution host.
// Run returns an error only for transport failures; command failures
// surface through Output.ExitCode.
type Runner interface {
	Run(ctx context.Context, command string) (*Output, error)
	Kind() Kind
	Close() error
}

// NewRunner selects the runner for the resolved execution context: local
// when the pipeline is installed on this machine, SSH otherwise.
func NewRunner(target config.Target, logger *slog.Logger) (Runner, error) {
	if Resolve(target.InstallMarker) == Local {
		return NewLocalRunner(), nil
	}
	return NewSSHRunner(target.SSH, logger)
}

// LocalRunner executes commands with /bin/sh on the current host.
type LocalRunner struct{}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner returns a runner for the current host.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Kind returns Local.
func (r *LocalRunner) Kind() Kind { return Local }

// Run executes command with /bin/sh -c. Canceling ctx kills the command
// shell itself, never a session it detached.
func (r *LocalRunner) Run(ctx context.Context, command string) (*Output, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, fmt.Errorf("run local command: %w", err)
	}
	return out, nil
}

// Close releases resources.
func (r *LocalRunner) Close() error { return nil }
