// Package job exposes catalog-driven job operations and defines the
// interfaces its collaborators implement.
package job

import (
	"context"

	"opsconsole/internal/registry"
)

// Supervisor launches job sessions on the execution host and watches them
// to completion.
//
// # State Management
//
// The registry, not the supervisor process, is the source of truth for run
// state. Sessions run detached on the execution host, so:
//
//   - Crash recovery: running jobs continue if the service restarts, and
//     the supervisor resumes watching them on startup
//   - Observation is decoupled from execution: closing a browser tab or
//     stopping the CLI never stops the job
type Supervisor interface {
	// Launch starts a detached session for jobType with the given
	// environment parameters. The run proceeds asynchronously; use the run
	// store to check progress. When the job type already has an unfinished
	// run, Launch returns a *registry.ConflictError naming the winner.
	Launch(ctx context.Context, jobType string, params map[string]string) (*registry.Run, error)

	// Ready checks that the execution host is reachable.
	Ready(ctx context.Context) error
}

// RunStore reads recorded runs. *registry.Store implements it.
type RunStore interface {
	// Latest returns the most recent run of jobType, active or finished.
	Latest(ctx context.Context, jobType string) (*registry.Run, error)

	// List returns the most recent run of every job type that ever ran.
	List(ctx context.Context) ([]*registry.Run, error)

	// Revision reports the change counter used for long polling.
	Revision() uint64

	// Wait blocks until the revision exceeds since or the context ends.
	Wait(ctx context.Context, since uint64) (uint64, error)
}
