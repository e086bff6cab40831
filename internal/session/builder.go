package session

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// File names inside a session directory.
const (
	pidFile    = "run.pid"
	outputFile = "output.log"
	exitFile   = "exit.code"
	activeFile = "session.active"
)

// probeMarker prefixes the status line emitted by the probe command.
const probeMarker = "CONSOLE-PROBE"

// Builder produces the shell commands that start and probe detached job
// sessions. Every generated command is a self-contained string suitable for
// /bin/sh -c locally or a single exec over SSH.
type Builder struct {
	runDir       string
	drainSeconds int
}

// NewBuilder returns a Builder rooted at runDir. drainSeconds is how long a
// finished session holds its active marker so observers can see the drain
// state before the session disappears.
func NewBuilder(runDir string, drainSeconds int) *Builder {
	if drainSeconds < 0 {
		drainSeconds = 0
	}
	return &Builder{runDir: runDir, drainSeconds: drainSeconds}
}

// Dir returns the session directory for a session name.
func (b *Builder) Dir(name string) string {
	return path.Join(b.runDir, name)
}

// Launch builds the command that starts body in a detached session named
// name. The outer command prepares the session directory, backgrounds a
// setsid'd wrapper shell, and waits for the wrapper to record its PID, so a
// zero exit means the session exists. The wrapper exports the launch
// parameters, runs the body with combined output appended to output.log,
// records the exit code, and clears the active marker after the drain
// window.
//
// The body is embedded in the wrapper verbatim and the whole wrapper is
// passed through Quote, so quotes inside the body survive. Parameter values
// are quoted individually.
func (b *Builder) Launch(name, body string, params map[string]string) string {
	dir := b.Dir(name)

	var exports strings.Builder
	exports.WriteString("export OPS_SESSION=" + Quote(name) + "\n")
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		exports.WriteString("export " + k + "=" + Quote(params[k]) + "\n")
	}

	wrapper := fmt.Sprintf(`echo $$ > %s
%s{ %s
} >> %s 2>&1
echo $? > %s
sleep %d
rm -f %s`,
		Quote(path.Join(dir, pidFile)),
		exports.String(),
		body,
		Quote(path.Join(dir, outputFile)),
		Quote(path.Join(dir, exitFile)),
		b.drainSeconds,
		Quote(path.Join(dir, activeFile)),
	)

	return fmt.Sprintf(`set -u
dir=%s
mkdir -p "$dir" || exit 97
: > "$dir"/%s
rm -f "$dir"/%s "$dir"/%s
: > "$dir"/%s
setsid /bin/sh -c %s < /dev/null > /dev/null 2>&1 &
n=0
until [ -s "$dir"/%s ]; do
  n=$((n+1))
  [ "$n" -gt 50 ] && exit 98
  sleep 0.1
done`,
		Quote(dir), outputFile, exitFile, pidFile, activeFile,
		Quote(wrapper), pidFile)
}

// Probe builds the single round-trip status command for a session. It
// prints one machine-readable status line followed by the output bytes
// from offset up to the reported size, so repeated probes never return
// overlapping output.
func (b *Builder) Probe(name string, offset int64) string {
	dir := b.Dir(name)
	return fmt.Sprintf(`dir=%s
code=""
[ -s "$dir"/%s ] && code=$(cat "$dir"/%s 2>/dev/null)
alive=0
if [ -s "$dir"/%s ] && kill -0 "$(cat "$dir"/%s 2>/dev/null)" 2>/dev/null; then alive=1; fi
running=0
if [ "$alive" = 1 ] && [ -z "$code" ]; then running=1; fi
active=0
if [ "$alive" = 1 ] && [ -f "$dir"/%s ]; then active=1; fi
size=$(wc -c < "$dir"/%s 2>/dev/null | tr -d '[:space:]')
[ -n "$size" ] || size=0
printf '%s running=%%s session=%%s exit=%%s size=%%s\n' "$running" "$active" "$code" "$size"
if [ "$size" -gt %d ]; then
  tail -c +%d "$dir"/%s 2>/dev/null | head -c $((size-%d))
fi`,
		Quote(dir),
		exitFile, exitFile,
		pidFile, pidFile,
		activeFile,
		outputFile,
		probeMarker,
		offset, offset+1, outputFile, offset)
}

// ProbeReport is the decoded result of one status probe round trip.
type ProbeReport struct {
	Running       bool   // job process alive, exit code not yet recorded
	SessionActive bool   // detached session still holds its active marker
	ExitCode      *int   // recorded exit code, nil until the job exits
	Size          int64  // total output bytes on the host
	Chunk         string // output bytes from the requested offset
}

// Terminal reports whether the session is gone: nothing is running and the
// session no longer exists on the host.
func (r *ProbeReport) Terminal() bool {
	return !r.Running && !r.SessionActive
}

// ParseProbeReport decodes the stdout of a probe command.
func ParseProbeReport(stdout string) (*ProbeReport, error) {
	line, rest, _ := strings.Cut(stdout, "\n")
	if !strings.HasPrefix(line, probeMarker+" ") {
		if len(line) > 80 {
			line = line[:80]
		}
		return nil, fmt.Errorf("malformed probe output: %q", line)
	}

	rep := &ProbeReport{Chunk: rest}
	for _, field := range strings.Fields(strings.TrimPrefix(line, probeMarker+" ")) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "running":
			rep.Running = val == "1"
		case "session":
			rep.SessionActive = val == "1"
		case "exit":
			if val == "" {
				continue
			}
			code, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("malformed probe exit code %q", val)
			}
			rep.ExitCode = &code
		case "size":
			size, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed probe size %q", val)
			}
			rep.Size = size
		}
	}
	return rep, nil
}
