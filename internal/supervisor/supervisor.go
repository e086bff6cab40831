// Package supervisor launches detached job sessions on the execution host
// and watches them to completion.
//
// Launching acquires the job type's single-flight slot in the registry,
// starts a detached session through the session builder, and spawns a watch
// goroutine. The watcher probes the session at a fixed interval, appends new
// output to the registry, and finalizes the run exactly once when the
// session terminates. Because session state lives on the execution host and
// run state lives in the registry, the supervisor itself is disposable: on
// startup it reloads unfinished runs and resumes watching them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"opsconsole/internal/apperrors"
	"opsconsole/internal/config"
	"opsconsole/internal/dispatcher"
	"opsconsole/internal/job"
	"opsconsole/internal/observability"
	"opsconsole/internal/registry"
	"opsconsole/internal/result"
	"opsconsole/internal/session"
	"opsconsole/pkg/cloudevent"
)

// Supervisor owns the launch and watch lifecycle of job sessions.
type Supervisor struct {
	store      *registry.Store
	runner     session.Runner
	builder    *session.Builder
	catalog    *config.Catalog
	dispatcher dispatcher.Dispatcher
	events     *job.EventBuilder
	metrics    *observability.Metrics
	cfg        Config

	mu       sync.Mutex
	watchers map[int64]context.CancelFunc // active watch goroutines by run ID
	closed   bool
	watchWg  sync.WaitGroup
}

var _ job.Supervisor = (*Supervisor)(nil)

// New creates a session supervisor. It reloads unfinished runs from the
// registry and resumes watching them before returning.
func New(ctx context.Context, cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 20 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.DrainSeconds <= 0 {
		cfg.DrainSeconds = 2
	}
	if cfg.EventSource == "" {
		cfg.EventSource = "opsconsole/service"
	}

	s := &Supervisor{
		store:      cfg.Store,
		runner:     cfg.Runner,
		builder:    session.NewBuilder(cfg.Catalog.Target.RunDir, cfg.DrainSeconds),
		catalog:    cfg.Catalog,
		dispatcher: cfg.Dispatcher,
		events:     job.NewEventBuilder(cfg.EventSource),
		metrics:    cfg.Metrics,
		cfg:        cfg,
		watchers:   make(map[int64]context.CancelFunc),
	}

	if err := s.reconcile(ctx); err != nil {
		slog.Warn("Failed to reconcile runs", "error", err)
	}

	return s, nil
}

// Launch acquires the single-flight slot for jobType, starts a detached
// session running the catalog command, and begins watching it. params is
// the validated job environment.
func (s *Supervisor) Launch(ctx context.Context, jobType string, params map[string]string) (run *registry.Run, err error) {
	spec, ok := s.catalog.Jobs[jobType]
	if !ok {
		return nil, apperrors.Validation("jobType", fmt.Sprintf("unknown job type %q", jobType))
	}

	name := session.NewName(jobType)
	acquired, err := s.store.Acquire(ctx, jobType, name, params, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	// On failure, finalize the acquired run so the slot frees immediately.
	success := false
	defer func() {
		if !success {
			s.releaseFailedLaunch(acquired, err)
		}
	}()

	launchCtx, cancel := context.WithTimeout(ctx, s.cfg.LaunchTimeout)
	defer cancel()
	out, runErr := s.runner.Run(launchCtx, s.builder.Launch(name, spec.Command, params))
	if runErr != nil {
		err = apperrors.Unavailable("session.launch", runErr)
		return nil, err
	}
	if out.ExitCode != 0 {
		err = apperrors.Internal("session.launch",
			fmt.Errorf("launch command exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
		return nil, err
	}

	success = true
	s.watch(acquired)
	s.notify(job.EventTypeStarted, acquired)

	slog.Info("Session launched",
		"jobType", jobType,
		"name", name,
		"runner", s.runner.Kind().String())
	return acquired, nil
}

// Ready checks that the execution host answers a trivial command.
func (s *Supervisor) Ready(ctx context.Context) error {
	out, err := s.runner.Run(ctx, "true")
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("execution host returned exit code %d", out.ExitCode)
	}
	return nil
}

// Close stops all watch goroutines and waits for them, then closes the
// runner. Sessions keep running on the execution host; the next startup
// reconciles them.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.watchers {
		cancel()
	}
	s.mu.Unlock()
	s.watchWg.Wait()

	return s.runner.Close()
}

// reconcile reloads unfinished runs from the registry and resumes watching
// them. Sessions that disappeared while the service was down terminate on
// the first probe and are finalized from whatever output they left behind.
func (s *Supervisor) reconcile(ctx context.Context) error {
	logger := slog.With("component", "reconcile")

	runs, err := s.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	for _, run := range runs {
		logger.Info("Resuming watch of active run",
			"jobType", run.JobType,
			"name", run.Name,
			"startedAt", run.StartedAt)
		if s.metrics != nil {
			s.metrics.RecordResumed(ctx, run.JobType)
		}
		s.watch(run)
	}

	logger.Info("Reconciliation complete", "resumed", len(runs))
	return nil
}

// releaseFailedLaunch finalizes a run whose session never started, so the
// job type is launchable again.
func (s *Supervisor) releaseFailedLaunch(run *registry.Run, cause error) {
	res := &result.Result{
		Reason: fmt.Sprintf("launch failed: %v", cause),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Finalize(ctx, run.ID, nil, res, time.Now().UTC()); err != nil {
		slog.Error("Failed to release launch slot",
			"jobType", run.JobType,
			"name", run.Name,
			"error", err)
	}
}

// watch starts the probe loop for a run in the background. The loop runs on
// a context detached from the caller so an HTTP timeout cannot kill it.
func (s *Supervisor) watch(run *registry.Run) {
	watchCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.watchers[run.ID] = cancel
	s.mu.Unlock()

	s.watchWg.Add(1)
	go func() {
		defer s.watchWg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.watchers, run.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.watchRun(watchCtx, run)
	}()
}

// watchRun probes the session at the configured interval until it
// terminates, appending new output to the registry as it arrives. Transport
// errors are logged and retried on the next tick; only a successful probe
// that reports the session gone ends the loop.
func (s *Supervisor) watchRun(ctx context.Context, run *registry.Run) {
	logger := slog.With("jobType", run.JobType, "name", run.Name)

	// Resume from the byte offset already recorded for this run, so a
	// restarted service never re-appends output it has seen.
	offset := run.OutputBytes
	alive, active := run.ProcessAlive, run.SessionActive

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watcher stopped")
			return
		case <-ticker.C:
		}

		report, err := s.probe(ctx, run.Name, offset)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Watcher stopped")
				return
			}
			logger.Warn("Probe failed", "error", err)
			continue
		}

		if report.Chunk != "" {
			if err := s.store.AppendOutput(ctx, run.ID, report.Chunk); err != nil {
				// Keep the old offset so the next probe refetches the chunk.
				logger.Warn("Failed to record output", "error", err)
			} else {
				offset = report.Size
			}
		}

		if report.Terminal() {
			s.finalize(ctx, run, report.ExitCode, logger)
			return
		}

		// Surface the drain window: process gone, session marker still held.
		if report.Running != alive || report.SessionActive != active {
			if err := s.store.SetLiveness(ctx, run.ID, report.Running, report.SessionActive); err != nil {
				logger.Warn("Failed to record liveness", "error", err)
			} else {
				alive, active = report.Running, report.SessionActive
			}
		}
	}
}

// probe runs one status round trip against the execution host.
func (s *Supervisor) probe(ctx context.Context, name string, offset int64) (*session.ProbeReport, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	out, err := s.runner.Run(probeCtx, s.builder.Probe(name, offset))
	if s.metrics != nil {
		s.metrics.RecordProbe(ctx, s.runner.Kind().String(), err != nil)
	}
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("probe exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	return session.ParseProbeReport(out.Stdout)
}

// finalize classifies the run's recorded output and marks it finished.
// Runs on a detached context so shutdown cannot abort the registry write
// mid-flight.
func (s *Supervisor) finalize(ctx context.Context, run *registry.Run, exitCode *int, logger *slog.Logger) {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	output := ""
	if current, err := s.store.Get(finCtx, run.ID); err != nil {
		logger.Warn("Failed to read run output for classification", "error", err)
	} else {
		output = current.Output
	}

	res := result.Parse(output, result.Options{
		CompletionToken: s.catalog.Jobs[run.JobType].CompletionToken,
		ExitCode:        exitCode,
	})

	finishedAt := time.Now().UTC()
	if err := s.store.Finalize(finCtx, run.ID, exitCode, res, finishedAt); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Another watcher got there first.
			logger.Debug("Run already finalized")
			return
		}
		logger.Error("Failed to finalize run", "error", err)
		return
	}

	logger.Info("Run finished",
		"success", res.Success,
		"reason", res.Reason,
		"duration", finishedAt.Sub(run.StartedAt).Round(time.Second).String())

	if s.metrics != nil {
		s.metrics.RecordCompletion(finCtx, run.JobType, res.Success, finishedAt.Sub(run.StartedAt).Seconds())
	}

	finished := *run
	finished.FinishedAt = &finishedAt
	finished.ExitCode = exitCode
	finished.Result = res
	s.notify(job.EventTypeCompleted, &finished)
}

// notify builds a lifecycle event for the run and queues it for delivery.
// Disabled when no destination is configured.
func (s *Supervisor) notify(eventType string, run *registry.Run) {
	if s.dispatcher == nil || s.cfg.NotifyURL == "" {
		return
	}
	if !job.FilteredEvents(eventType, s.cfg.NotifyEvents) {
		return
	}

	var event *cloudevent.CloudEvent
	switch eventType {
	case job.EventTypeStarted:
		event = s.events.BuildStartedEvent(run)
	case job.EventTypeCompleted:
		event = s.events.BuildCompletedEvent(run)
	default:
		return
	}

	if err := s.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: s.cfg.NotifyURL,
		SigningKey:  s.cfg.NotifyKey,
	}); err != nil {
		slog.Warn("Failed to dispatch event",
			"type", eventType,
			"name", run.Name,
			"error", err)
	}
}
