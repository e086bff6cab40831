package console

import (
	"context"
	"sync"
	"time"

	"opsconsole/pkg/backoff"
)

const defaultPollInterval = 5 * time.Second

// StatusClient is the slice of the API a Poller uses.
type StatusClient interface {
	Status(ctx context.Context, jobType string) (*Snapshot, error)
	StatusWait(ctx context.Context, jobType string, since uint64, wait time.Duration) (*Snapshot, error)
	Result(ctx context.Context, jobType string) (*ResultRecord, error)
}

var _ StatusClient = (*Client)(nil)

// Observer receives poll outcomes. Callbacks run on the poller goroutine,
// so a slow callback delays the next poll. Nil fields are skipped.
type Observer struct {
	// OnStatus is called with every fetched snapshot, the terminal one
	// included.
	OnStatus func(*Snapshot)
	// OnDone is called exactly once, with the recorded outcome, when the
	// poller observes a finished run. The poller stops afterwards.
	OnDone func(*ResultRecord)
	// OnError is called when a poll attempt fails. The poller retries.
	OnError func(error)
}

// PollerConfig adjusts how a Poller fetches status. Zero values use
// defaults.
type PollerConfig struct {
	Interval time.Duration   // poll cadence, default 5s
	LongPoll bool            // hold status requests server-side instead of sleeping
	Backoff  *backoff.Config // retry pacing after failed polls, capped at Interval
}

// Poller follows one job type until its run finishes.
//
// Polls never overlap: the next request is scheduled only after the
// previous one returns. Stopping a poller stops observation and nothing
// else; the job keeps running on the execution host until it exits.
type Poller struct {
	client   StatusClient
	jobType  string
	interval time.Duration
	longPoll bool
	retryCfg *backoff.Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for jobType backed by client.
func NewPoller(client StatusClient, jobType string, cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	retryCfg := cfg.Backoff
	if retryCfg == nil {
		retryCfg = &backoff.Config{Max: interval}
	}
	return &Poller{
		client:   client,
		jobType:  jobType,
		interval: interval,
		longPoll: cfg.LongPoll,
		retryCfg: retryCfg,
	}
}

// Start begins polling immediately. A loop that is already running is
// cancelled and drained first, so at most one loop per Poller ever runs.
// The loop ends when ctx is cancelled, Stop is called, or a finished run
// has been handed to the observer.
func (p *Poller) Start(ctx context.Context, obs Observer) {
	p.mu.Lock()
	for p.cancel != nil {
		cancel, done := p.cancel, p.done
		p.cancel, p.done = nil, nil
		p.mu.Unlock()
		cancel()
		<-done
		p.mu.Lock()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	go p.loop(loopCtx, obs, done)
}

// Stop halts observation and waits for the loop to exit. It is idempotent
// and safe to call concurrently. The observed job is not affected.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) loop(ctx context.Context, obs Observer, done chan struct{}) {
	defer close(done)

	retry := backoff.NewCounter(p.retryCfg)
	var since uint64
	for {
		var snap *Snapshot
		var err error
		if p.longPoll {
			snap, err = p.client.StatusWait(ctx, p.jobType, since, p.interval)
		} else {
			snap, err = p.client.Status(ctx, p.jobType)
		}

		delay := p.interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if obs.OnError != nil {
				obs.OnError(err)
			}
			if d := retry.Next(); d < delay {
				delay = d
			}
		} else {
			retry.Reset()
			since = snap.Revision
			if obs.OnStatus != nil {
				obs.OnStatus(snap)
			}
			if snap.Terminal() {
				p.handoff(ctx, obs, snap)
				return
			}
			if p.longPoll {
				// The server already held the request for the interval.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// handoff delivers the final outcome to the observer. The result endpoint
// is authoritative; when it cannot be reached the terminal snapshot already
// carries the same record.
func (p *Poller) handoff(ctx context.Context, obs Observer, snap *Snapshot) {
	if obs.OnDone == nil {
		return
	}
	rec, err := p.client.Result(ctx, p.jobType)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if obs.OnError != nil {
			obs.OnError(err)
		}
		rec = recordFromSnapshot(snap)
	}
	obs.OnDone(rec)
}

func recordFromSnapshot(snap *Snapshot) *ResultRecord {
	rec := &ResultRecord{
		JobType:  snap.JobType,
		Name:     snap.Name,
		ExitCode: snap.ExitCode,
		Result:   snap.Result,
	}
	if snap.StartedAt != nil {
		rec.StartedAt = *snap.StartedAt
	}
	if snap.FinishedAt != nil {
		rec.FinishedAt = *snap.FinishedAt
	}
	return rec
}
