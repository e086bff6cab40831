package job

import (
	"time"

	"opsconsole/internal/result"
)

// LaunchRequest carries the caller-supplied parameters for a launch.
type LaunchRequest struct {
	Params map[string]int `json:"params,omitempty"`
}

// LaunchResponse acknowledges an accepted launch.
type LaunchResponse struct {
	JobType   string    `json:"jobType"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "accepted"
	StartedAt time.Time `json:"startedAt"`
}

// Snapshot describes the latest known run of a job type. A job type that
// never ran has Running false and a null StartedAt. SessionActive stays
// true through the drain window after the process exits. Output is the
// retained session output so far; list responses leave it empty.
type Snapshot struct {
	JobType       string         `json:"jobType"`
	Name          string         `json:"name,omitempty"`
	Running       bool           `json:"running"`
	SessionActive bool           `json:"sessionActive"`
	StartedAt     *time.Time     `json:"startedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	ExitCode      *int           `json:"exitCode,omitempty"`
	Output        string         `json:"output,omitempty"`
	Result        *result.Result `json:"result,omitempty"`
	Revision      uint64         `json:"revision"`
}

// ParamSpec documents one integer launch parameter.
type ParamSpec struct {
	Name    string `json:"name"`
	Min     int    `json:"min"`
	Max     int    `json:"max,omitempty"`
	Default int    `json:"default"`
}

// ListEntry pairs a catalog job type with its latest snapshot.
type ListEntry struct {
	Snapshot
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// ListResponse lists every job type in the catalog.
type ListResponse struct {
	Jobs []ListEntry `json:"jobs"`
}

// ResultRecord is the recorded outcome of the most recent finished run.
type ResultRecord struct {
	JobType    string         `json:"jobType"`
	Name       string         `json:"name"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	Result     *result.Result `json:"result"`
}

// Launch acknowledgement status
const (
	StatusAccepted = "accepted"
)
