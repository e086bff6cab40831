package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"opsconsole/internal/apperrors"
	"opsconsole/internal/config"
	"opsconsole/internal/observability"
	"opsconsole/internal/registry"
)

// Service validates requests against the job catalog and delegates to the
// supervisor and run store.
//
// The Service is stateless - all run state lives in the registry. This
// enables service restarts without affecting running jobs.
type Service struct {
	catalog    *config.Catalog
	supervisor Supervisor
	store      RunStore
	metrics    *observability.Metrics
}

// NewService creates a new job service.
func NewService(catalog *config.Catalog, supervisor Supervisor, store RunStore, metrics *observability.Metrics) *Service {
	return &Service{
		catalog:    catalog,
		supervisor: supervisor,
		store:      store,
		metrics:    metrics,
	}
}

// Launch validates and starts a new run of jobType. At most one run per
// job type is active at a time; a losing launch returns a conflict
// carrying the winning run's start time.
func (s *Service) Launch(ctx context.Context, jobType string, req *LaunchRequest) (*LaunchResponse, error) {
	spec, ok := s.catalog.Jobs[jobType]
	if !ok {
		return nil, apperrors.Validation("jobType", fmt.Sprintf("unknown job type %q", jobType))
	}

	var params map[string]int
	if req != nil {
		params = req.Params
	}
	env, err := buildEnv(spec, params)
	if err != nil {
		return nil, err
	}

	logger := slog.With("jobType", jobType)

	run, err := s.supervisor.Launch(ctx, jobType, env)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Info("Launch rejected, run already active")
		} else {
			logger.Error("Launch failed", "error", err)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordLaunch(ctx, jobType)
	}
	logger.Info("Job launched", "name", run.Name)

	return &LaunchResponse{
		JobType:   jobType,
		Name:      run.Name,
		Status:    StatusAccepted,
		StartedAt: run.StartedAt,
	}, nil
}

// Status returns the latest run state for jobType. A job type that never
// ran reports not running with a null start time.
func (s *Service) Status(ctx context.Context, jobType string) (*Snapshot, error) {
	if _, ok := s.catalog.Jobs[jobType]; !ok {
		return nil, apperrors.NotFound("job type", jobType)
	}

	// Read the revision before the run so a concurrent change makes the
	// client re-poll instead of missing an update.
	rev := s.store.Revision()
	run, err := s.store.Latest(ctx, jobType)
	if errors.Is(err, apperrors.ErrNotFound) {
		return &Snapshot{JobType: jobType, Revision: rev}, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshotFromRun(run, rev), nil
}

// StatusWait implements long polling. It returns as soon as the store
// revision exceeds since, or after wait elapses with the current snapshot.
// The revision is global, so a wake-up may return a snapshot unchanged for
// this job type; clients re-issue with the new revision.
func (s *Service) StatusWait(ctx context.Context, jobType string, since uint64, wait time.Duration) (*Snapshot, error) {
	snap, err := s.Status(ctx, jobType)
	if err != nil || wait <= 0 || snap.Revision > since {
		return snap, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		if _, err := s.store.Wait(waitCtx, snap.Revision); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The wait window elapsed: report the current state.
			return s.Status(ctx, jobType)
		}
		snap, err = s.Status(ctx, jobType)
		if err != nil || snap.Revision > since {
			return snap, err
		}
	}
}

// Result returns the recorded outcome of the most recent run of jobType.
// While a run is active, or when the job type never ran, there is no
// result.
func (s *Service) Result(ctx context.Context, jobType string) (*ResultRecord, error) {
	if _, ok := s.catalog.Jobs[jobType]; !ok {
		return nil, apperrors.NotFound("job type", jobType)
	}

	run, err := s.store.Latest(ctx, jobType)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("result", jobType)
	}
	if err != nil {
		return nil, err
	}
	if run.Active() || run.Result == nil {
		return nil, apperrors.NotFound("result", jobType)
	}

	return &ResultRecord{
		JobType:    jobType,
		Name:       run.Name,
		StartedAt:  run.StartedAt,
		FinishedAt: *run.FinishedAt,
		ExitCode:   run.ExitCode,
		Result:     run.Result,
	}, nil
}

// List returns every catalog job type with its latest snapshot, ordered by
// name. Types that never ran are included.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	rev := s.store.Revision()
	runs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*registry.Run, len(runs))
	for _, run := range runs {
		latest[run.JobType] = run
	}

	names := make([]string, 0, len(s.catalog.Jobs))
	for name := range s.catalog.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]ListEntry, 0, len(names))
	for _, name := range names {
		spec := s.catalog.Jobs[name]
		entry := ListEntry{
			Snapshot:    Snapshot{JobType: name, Revision: rev},
			Description: spec.Description,
			Params:      paramSpecs(spec.Params),
		}
		if run, ok := latest[name]; ok {
			entry.Snapshot = *snapshotFromRun(run, rev)
			// Output can be megabytes per run; the list stays light and
			// clients fetch the single-job status for the log.
			entry.Output = ""
		}
		entries = append(entries, entry)
	}
	return &ListResponse{Jobs: entries}, nil
}

func snapshotFromRun(run *registry.Run, rev uint64) *Snapshot {
	started := run.StartedAt
	return &Snapshot{
		JobType:       run.JobType,
		Name:          run.Name,
		Running:       run.Active() && run.ProcessAlive,
		SessionActive: run.Active() && run.SessionActive,
		StartedAt:     &started,
		FinishedAt:    run.FinishedAt,
		ExitCode:      run.ExitCode,
		Output:        run.Output,
		Result:        run.Result,
		Revision:      rev,
	}
}

func paramSpecs(params []config.IntParam) []ParamSpec {
	if len(params) == 0 {
		return nil
	}
	specs := make([]ParamSpec, len(params))
	for i, p := range params {
		specs[i] = ParamSpec{Name: p.Name, Min: p.Min, Max: p.Max, Default: p.Default}
	}
	return specs
}

// buildEnv validates request parameters against the catalog and renders
// them as environment variables for the session. Parameters absent from
// the request take their catalog defaults.
func buildEnv(spec config.JobSpec, params map[string]int) (map[string]string, error) {
	known := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		known[p.Name] = true
	}
	for name := range params {
		if !known[name] {
			return nil, apperrors.Validation(name, fmt.Sprintf("unknown parameter %q", name))
		}
	}

	env := make(map[string]string, len(spec.Params))
	for _, p := range spec.Params {
		v, ok := params[p.Name]
		if !ok {
			v = p.Default
		}
		if v < p.Min {
			return nil, apperrors.Validation(p.Name, fmt.Sprintf("%s must be at least %d", p.Name, p.Min))
		}
		if p.Max != 0 && v > p.Max {
			return nil, apperrors.Validation(p.Name, fmt.Sprintf("%s must be at most %d", p.Name, p.Max))
		}
		env[p.Env] = strconv.Itoa(v)
	}
	return env, nil
}
