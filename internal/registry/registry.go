// Package registry persists job runs in a local SQLite database.
//
// The registry is the durable source of truth for run state. A partial
// unique index allows at most one unfinished run per job type, so
// concurrent launches resolve to exactly one winner regardless of how many
// request goroutines race. Records survive service restarts; the
// supervisor reloads unfinished runs on startup and resumes watching them.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"opsconsole/internal/apperrors"
	"opsconsole/internal/result"
)

// maxOutputBytes caps the retained output per run. When a run produces
// more, the oldest bytes are discarded.
const maxOutputBytes = 1 << 20

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	job_type       TEXT NOT NULL,
	params         TEXT NOT NULL DEFAULT '{}',
	started_at     TEXT NOT NULL,
	finished_at    TEXT,
	exit_code      INTEGER,
	process_alive  INTEGER NOT NULL DEFAULT 1,
	session_active INTEGER NOT NULL DEFAULT 1,
	output         TEXT NOT NULL DEFAULT '',
	output_bytes   INTEGER NOT NULL DEFAULT 0,
	result         TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS runs_active_job_type ON runs(job_type) WHERE finished_at IS NULL;
CREATE INDEX IF NOT EXISTS runs_job_type_id ON runs(job_type, id);
`

const runColumns = `id, name, job_type, params, started_at, finished_at, exit_code, process_alive, session_active, output, output_bytes, result`

// Store provides durable run state backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	rev     uint64
	changed chan struct{}
}

// Open opens or creates the registry database at path and migrates its
// schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// The service is the only writer. A single connection serializes all
	// statements and keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}

	logger.Info("registry opened", "path", path)
	return &Store{
		db:      db,
		logger:  logger,
		changed: make(chan struct{}),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Acquire records a new active run for jobType. When the job type already
// has an unfinished run it returns a *ConflictError describing the winner
// and writes nothing.
func (s *Store) Acquire(ctx context.Context, jobType, name string, params map[string]string, startedAt time.Time) (*Run, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Internal("registry.acquire", err)
	}
	if params == nil {
		paramsJSON = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("registry.acquire", err)
	}
	defer tx.Rollback()

	var activeName, activeStarted string
	row := tx.QueryRowContext(ctx,
		`SELECT name, started_at FROM runs WHERE job_type = ? AND finished_at IS NULL`, jobType)
	switch err := row.Scan(&activeName, &activeStarted); {
	case err == nil:
		ts, perr := time.Parse(time.RFC3339Nano, activeStarted)
		if perr != nil {
			return nil, apperrors.Internal("registry.acquire", perr)
		}
		return nil, &ConflictError{JobType: jobType, Name: activeName, StartedAt: ts}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, apperrors.Internal("registry.acquire", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (name, job_type, params, started_at) VALUES (?, ?, ?, ?)`,
		name, jobType, string(paramsJSON), formatTime(startedAt))
	if err != nil {
		// Another writer on the same file can still beat us to the index.
		// Release the connection before re-reading the winner.
		if isUniqueViolation(err) {
			tx.Rollback()
			if winner := s.activeConflict(ctx, jobType); winner != nil {
				return nil, winner
			}
			return nil, &ConflictError{JobType: jobType, StartedAt: startedAt.UTC()}
		}
		return nil, apperrors.Internal("registry.acquire", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Internal("registry.acquire", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("registry.acquire", err)
	}

	s.bump()
	return &Run{
		ID:            id,
		Name:          name,
		JobType:       jobType,
		Params:        params,
		StartedAt:     startedAt.UTC(),
		ProcessAlive:  true,
		SessionActive: true,
	}, nil
}

// SetLiveness records the probe-observed process and session state for an
// unfinished run. Liveness changes do not advance the revision; terminal
// transitions are what wake long-pollers.
func (s *Store) SetLiveness(ctx context.Context, id int64, processAlive, sessionActive bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET process_alive = ?, session_active = ? WHERE id = ? AND finished_at IS NULL`,
		processAlive, sessionActive, id); err != nil {
		return apperrors.Internal("registry.liveness", err)
	}
	return nil
}

// AppendOutput adds a chunk of session output to the run's retained
// output, discarding the oldest bytes past the cap.
func (s *Store) AppendOutput(ctx context.Context, id int64, chunk string) error {
	if chunk == "" {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("registry.append", err)
	}
	defer tx.Rollback()

	var output string
	var total int64
	row := tx.QueryRowContext(ctx, `SELECT output, output_bytes FROM runs WHERE id = ?`, id)
	if err := row.Scan(&output, &total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("run", strconv.FormatInt(id, 10))
		}
		return apperrors.Internal("registry.append", err)
	}

	output += chunk
	if len(output) > maxOutputBytes {
		output = output[len(output)-maxOutputBytes:]
	}
	total += int64(len(chunk))

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET output = ?, output_bytes = ? WHERE id = ?`, output, total, id); err != nil {
		return apperrors.Internal("registry.append", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("registry.append", err)
	}
	return nil
}

// Finalize marks the run finished with its classification and exit code.
// A run can be finalized exactly once; later attempts return a conflict.
func (s *Store) Finalize(ctx context.Context, id int64, exitCode *int, res *result.Result, finishedAt time.Time) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return apperrors.Internal("registry.finalize", err)
	}
	var exit any
	if exitCode != nil {
		exit = *exitCode
	}

	r, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, exit_code = ?, result = ?, process_alive = 0, session_active = 0
		 WHERE id = ? AND finished_at IS NULL`,
		formatTime(finishedAt), exit, string(payload), id)
	if err != nil {
		return apperrors.Internal("registry.finalize", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return apperrors.Internal("registry.finalize", err)
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("run", strconv.FormatInt(id, 10))
		}
		if err != nil {
			return apperrors.Internal("registry.finalize", err)
		}
		return apperrors.Conflict("run", "run already finalized")
	}

	s.bump()
	return nil
}

// activeConflict reports the unfinished run for jobType as a ConflictError,
// or nil when none exists.
func (s *Store) activeConflict(ctx context.Context, jobType string) *ConflictError {
	var name, started string
	row := s.db.QueryRowContext(ctx,
		`SELECT name, started_at FROM runs WHERE job_type = ? AND finished_at IS NULL`, jobType)
	if err := row.Scan(&name, &started); err != nil {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return nil
	}
	return &ConflictError{JobType: jobType, Name: name, StartedAt: ts}
}

// Get returns the run with the given ID.
func (s *Store) Get(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, apperrors.Internal("registry.get", err)
	}
	return run, nil
}

// Latest returns the most recent run for jobType, active or finished.
func (s *Store) Latest(ctx context.Context, jobType string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE job_type = ? ORDER BY id DESC LIMIT 1`, jobType)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run", jobType)
	}
	if err != nil {
		return nil, apperrors.Internal("registry.latest", err)
	}
	return run, nil
}

// List returns the most recent run of every job type that ever ran,
// ordered by job type.
func (s *Store) List(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE id IN (SELECT MAX(id) FROM runs GROUP BY job_type)
		 ORDER BY job_type`)
	if err != nil {
		return nil, apperrors.Internal("registry.list", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Active returns all unfinished runs, oldest first. The supervisor uses it
// to resume watching after a restart.
func (s *Store) Active(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE finished_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, apperrors.Internal("registry.active", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Revision reports the change counter. It advances whenever a run is
// acquired or finalized.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Wait blocks until the revision exceeds since or the context ends, and
// returns the revision observed.
func (s *Store) Wait(ctx context.Context, since uint64) (uint64, error) {
	for {
		s.mu.Lock()
		rev, changed := s.rev, s.changed
		s.mu.Unlock()
		if rev > since {
			return rev, nil
		}
		select {
		case <-ctx.Done():
			return rev, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Store) bump() {
	s.mu.Lock()
	s.rev++
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == 2067 // SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		paramsJSON string
		startedAt  string
		finishedAt sql.NullString
		exitCode   sql.NullInt64
		resultJSON sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Name, &run.JobType, &paramsJSON, &startedAt,
		&finishedAt, &exitCode, &run.ProcessAlive, &run.SessionActive,
		&run.Output, &run.OutputBytes, &resultJSON); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("decode params for run %d: %w", run.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("decode started_at for run %d: %w", run.ID, err)
	}
	run.StartedAt = ts
	if finishedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode finished_at for run %d: %w", run.ID, err)
		}
		run.FinishedAt = &ts
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	if resultJSON.Valid {
		var res result.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result for run %d: %w", run.ID, err)
		}
		run.Result = &res
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Internal("registry.scan", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("registry.scan", err)
	}
	return runs, nil
}
