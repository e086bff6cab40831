package registry

import (
	"fmt"
	"time"

	"opsconsole/internal/apperrors"
	"opsconsole/internal/result"
)

// Run is one recorded execution of a job type.
//
// ProcessAlive and SessionActive mirror the last probe of the execution
// host. During the drain window ProcessAlive is false while SessionActive
// is still true; only when both go false is the run finalized.
type Run struct {
	ID            int64
	Name          string // session name on the execution host
	JobType       string
	Params        map[string]string
	StartedAt     time.Time
	FinishedAt    *time.Time // nil while the run is active
	ExitCode      *int       // nil until the session records one
	ProcessAlive  bool
	SessionActive bool
	Output        string // retained output, newest bytes win past the cap
	OutputBytes   int64  // total bytes observed, including truncated ones
	Result        *result.Result
}

// Active reports whether the run has not been finalized yet.
func (r *Run) Active() bool {
	return r.FinishedAt == nil
}

// ConflictError rejects a launch because the job type already has an
// unfinished run. It unwraps to apperrors.ErrConflict for HTTP mapping and
// carries the winning run's identity so callers can attach to it.
type ConflictError struct {
	JobType   string
	Name      string
	StartedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %q already running since %s", e.JobType, e.StartedAt.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error {
	return apperrors.ErrConflict
}
