// Package result classifies accumulated job output into a structured
// outcome.
//
// Classification prefers the machine-readable JOB-RESULT record that
// current pipeline scripts print as their last line. Output from older
// scripts falls back to token matching: fixed failure markers, a per-job
// completion marker, and an Added counter. Runs whose output matches
// nothing are failures; a job that never confirmed completion is never
// reported as a success.
package result

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RecordMarker starts the structured completion record line.
const RecordMarker = "JOB-RESULT:"

// FailureTokens mark a run as failed regardless of any completion marker.
var FailureTokens = []string{
	"FATAL ERROR",
	"ERROR LIMIT EXCEEDED",
	"ABORTED",
}

// Counter scans are independent and not anchored to line starts, the
// values tolerate thousands separators.
var (
	addedRe    = regexp.MustCompile(`\bAdded:\s*([0-9][0-9,]*)`)
	modifiedRe = regexp.MustCompile(`\bModified:\s*([0-9][0-9,]*)`)
	fetchedRe  = regexp.MustCompile(`\bFetched:\s*([0-9][0-9,]*)`)
	errorsRe   = regexp.MustCompile(`\bErrors:\s*([0-9][0-9,]*)`)
)

const defaultTailLimit = 4096

// Summary holds the numeric counters a job reports in its output.
// Counters absent from the output are zero.
type Summary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Fetched  int `json:"fetched"`
	Errors   int `json:"errors"`
}

// Result is the terminal outcome of one run.
type Result struct {
	Success     bool    `json:"success"`
	Unconfirmed bool    `json:"unconfirmed,omitempty"` // no record, no tokens: completion never confirmed
	Reason      string  `json:"reason,omitempty"`      // failure explanation
	Summary     Summary `json:"summary"`
	RawTail     string  `json:"rawTail,omitempty"` // last output bytes, kept for failed runs
}

// Options adjust classification for one run.
type Options struct {
	CompletionToken string // job-type completion marker, may be empty
	ExitCode        *int   // recorded exit code, nil when the session never recorded one
	TailLimit       int    // bytes of output kept in RawTail (default 4096)
}

// record is the JSON payload of a JOB-RESULT line.
type record struct {
	Status   string `json:"status"`
	Added    *int   `json:"added"`
	Modified *int   `json:"modified"`
	Fetched  *int   `json:"fetched"`
	Errors   *int   `json:"errors"`
	Reason   string `json:"reason"`
}

// Parse classifies the full output of a terminated run.
//
// Precedence: the JOB-RESULT record decides when present; otherwise any
// failure token makes the run a failure even alongside a completion marker;
// otherwise a nonzero exit code fails the run; otherwise the completion
// marker or an Added counter confirms success. Output matching none of
// these is an unconfirmed failure.
func Parse(output string, opts Options) *Result {
	tailLimit := opts.TailLimit
	if tailLimit <= 0 {
		tailLimit = defaultTailLimit
	}

	res := &Result{Summary: scanSummary(output)}

	if rec, ok := lastRecord(output); ok {
		applyRecord(res, rec)
		if !res.Success {
			res.RawTail = tail(output, tailLimit)
		}
		return res
	}

	if token, ok := matchFailureToken(output); ok {
		res.Reason = fmt.Sprintf("output contains %q", token)
		res.RawTail = tail(output, tailLimit)
		return res
	}

	if opts.ExitCode != nil && *opts.ExitCode != 0 {
		res.Reason = fmt.Sprintf("job exited with code %d", *opts.ExitCode)
		res.RawTail = tail(output, tailLimit)
		return res
	}

	if opts.CompletionToken != "" && strings.Contains(output, opts.CompletionToken) {
		res.Success = true
		return res
	}
	if addedRe.MatchString(output) {
		res.Success = true
		return res
	}

	res.Unconfirmed = true
	res.Reason = "job terminated without confirming completion"
	if opts.ExitCode == nil {
		res.Reason += " (no exit code recorded)"
	}
	res.RawTail = tail(output, tailLimit)
	return res
}

// lastRecord finds the final JOB-RESULT line and decodes its payload.
func lastRecord(output string) (*record, bool) {
	idx := strings.LastIndex(output, RecordMarker)
	if idx < 0 {
		return nil, false
	}
	// The marker must start its line.
	if idx > 0 && output[idx-1] != '\n' {
		return nil, false
	}
	payload := output[idx+len(RecordMarker):]
	if nl := strings.IndexByte(payload, '\n'); nl >= 0 {
		payload = payload[:nl]
	}

	var rec record
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func applyRecord(res *Result, rec *record) {
	res.Success = rec.Status == "ok"
	if !res.Success {
		res.Reason = rec.Reason
		if res.Reason == "" {
			res.Reason = fmt.Sprintf("job reported status %q", rec.Status)
		}
	}
	if rec.Added != nil {
		res.Summary.Added = *rec.Added
	}
	if rec.Modified != nil {
		res.Summary.Modified = *rec.Modified
	}
	if rec.Fetched != nil {
		res.Summary.Fetched = *rec.Fetched
	}
	if rec.Errors != nil {
		res.Summary.Errors = *rec.Errors
	}
}

func matchFailureToken(output string) (string, bool) {
	for _, token := range FailureTokens {
		if strings.Contains(output, token) {
			return token, true
		}
	}
	return "", false
}

// scanSummary extracts the counters, taking the last match of each so
// progressive progress lines lose to the final summary.
func scanSummary(output string) Summary {
	return Summary{
		Added:    lastCount(addedRe, output),
		Modified: lastCount(modifiedRe, output),
		Fetched:  lastCount(fetchedRe, output),
		Errors:   lastCount(errorsRe, output),
	}
}

func lastCount(re *regexp.Regexp, output string) int {
	matches := re.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0
	}
	raw := strings.ReplaceAll(matches[len(matches)-1][1], ",", "")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
