package console

import "time"

// Summary holds the numeric counters a job reported in its output.
// Counters the job never printed are zero.
type Summary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Fetched  int `json:"fetched"`
	Errors   int `json:"errors"`
}

// Result is the classified outcome of a finished run.
type Result struct {
	Success     bool    `json:"success"`
	Unconfirmed bool    `json:"unconfirmed,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Summary     Summary `json:"summary"`
	RawTail     string  `json:"rawTail,omitempty"`
}

// Snapshot is the latest known state of a job type. A type that never ran
// has Running false and a nil StartedAt. SessionActive stays true through
// the short drain window after the process exits. Output holds the session
// output retained so far.
type Snapshot struct {
	JobType       string     `json:"jobType"`
	Name          string     `json:"name,omitempty"`
	Running       bool       `json:"running"`
	SessionActive bool       `json:"sessionActive"`
	StartedAt     *time.Time `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	Output        string     `json:"output,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Revision      uint64     `json:"revision"`
}

// Terminal reports whether the snapshot describes a finished run.
func (s *Snapshot) Terminal() bool {
	return !s.Running && !s.SessionActive && s.FinishedAt != nil
}

// LaunchResponse acknowledges an accepted launch.
type LaunchResponse struct {
	JobType   string    `json:"jobType"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

// ResultRecord is the recorded outcome of the most recent finished run of a
// job type.
type ResultRecord struct {
	JobType    string    `json:"jobType"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	Result     *Result   `json:"result"`
}

// ParamSpec documents one integer launch parameter.
type ParamSpec struct {
	Name    string `json:"name"`
	Min     int    `json:"min"`
	Max     int    `json:"max,omitempty"`
	Default int    `json:"default"`
}

// JobInfo pairs a configured job type with its latest snapshot. List
// responses leave Output empty.
type JobInfo struct {
	Snapshot
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}
