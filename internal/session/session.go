// Package session launches and observes detached job sessions on the
// execution host.
//
// A session is a setsid'd shell that runs one job command, appends combined
// output to output.log, records the exit code, and holds an active marker
// through a short drain window. Sessions outlive the HTTP request and the
// console process itself; the probe command reconstructs their state in a
// single round trip.
package session

import (
	"os"

	"github.com/google/uuid"
)

// Kind identifies where job commands execute.
type Kind int

const (
	Local Kind = iota
	Remote
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Resolve decides the execution context from host filesystem state: Local
// when the pipeline install marker exists on this machine (or none is
// configured), Remote otherwise. The decision is fixed for the process
// lifetime; callers resolve once at startup.
func Resolve(installMarker string) Kind {
	if installMarker == "" {
		return Local
	}
	if _, err := os.Stat(installMarker); err == nil {
		return Local
	}
	return Remote
}

// NewName returns a unique session name for a job type. Names are prefixed
// with the job type so sessions are greppable on the host.
func NewName(jobType string) string {
	return jobType + "-" + uuid.NewString()
}
