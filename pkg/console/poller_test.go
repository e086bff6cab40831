package console

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsconsole/pkg/backoff"
)

// pollStep is one canned status response. The last step repeats.
type pollStep struct {
	snap *Snapshot
	err  error
}

type fakeAPI struct {
	mu          sync.Mutex
	steps       []pollStep
	next        int
	statusCalls int
	sinceSeen   []uint64
	record      *ResultRecord
	resultErr   error
	resultCalls int
}

var _ StatusClient = (*fakeAPI)(nil)

func (f *fakeAPI) advance() pollStep {
	step := f.steps[f.next]
	if f.next < len(f.steps)-1 {
		f.next++
	}
	return step
}

func (f *fakeAPI) Status(ctx context.Context, jobType string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	step := f.advance()
	return step.snap, step.err
}

func (f *fakeAPI) StatusWait(ctx context.Context, jobType string, since uint64, wait time.Duration) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSeen = append(f.sinceSeen, since)
	step := f.advance()
	return step.snap, step.err
}

func (f *fakeAPI) Result(ctx context.Context, jobType string) (*ResultRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls++
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	if f.record != nil {
		return f.record, nil
	}
	return &ResultRecord{JobType: jobType, Name: jobType + "-fake"}, nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeAPI) resultFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resultCalls
}

func (f *fakeAPI) sinceValues() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.sinceSeen...)
}

var pollStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func runningSnap(rev uint64) *Snapshot {
	started := pollStart
	return &Snapshot{
		JobType:       "ingestion",
		Name:          "ingestion-cafe0123",
		Running:       true,
		SessionActive: true,
		StartedAt:     &started,
		Output:        "Fetched: 500\n",
		Revision:      rev,
	}
}

func terminalSnap(rev uint64) *Snapshot {
	snap := runningSnap(rev)
	snap.Running = false
	snap.SessionActive = false
	finished := pollStart.Add(42 * time.Minute)
	snap.FinishedAt = &finished
	exit := 0
	snap.ExitCode = &exit
	snap.Output += "Added: 10\nINGESTION COMPLETE\n"
	snap.Result = &Result{Success: true, Summary: Summary{Added: 10, Fetched: 500}}
	return snap
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not reached within 2s")
}

func TestPollerRunsToCompletion(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		steps: []pollStep{
			{snap: runningSnap(1)},
			{snap: runningSnap(1)},
			{snap: terminalSnap(2)},
		},
		record: &ResultRecord{
			JobType: "ingestion",
			Name:    "ingestion-cafe0123",
			Result:  &Result{Success: true, Summary: Summary{Added: 10}},
		},
	}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: 5 * time.Millisecond})

	var mu sync.Mutex
	var seen []*Snapshot
	doneCh := make(chan *ResultRecord, 1)
	p.Start(context.Background(), Observer{
		OnStatus: func(s *Snapshot) { mu.Lock(); seen = append(seen, s); mu.Unlock() },
		OnDone:   func(r *ResultRecord) { doneCh <- r },
	})
	defer p.Stop()

	var rec *ResultRecord
	select {
	case rec = <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Poller never handed off a result")
	}
	if rec.Name != "ingestion-cafe0123" || rec.Result == nil || !rec.Result.Success {
		t.Errorf("Record = %+v, want the recorded success", rec)
	}
	if got := api.resultFetches(); got != 1 {
		t.Errorf("Result fetched %d times, want 1", got)
	}

	mu.Lock()
	count := len(seen)
	last := seen[count-1]
	mu.Unlock()
	if count < 3 {
		t.Errorf("Observed %d snapshots, want at least 3", count)
	}
	if !last.Terminal() {
		t.Errorf("Last snapshot = %+v, want terminal", last)
	}

	// The loop stops itself after the handoff.
	calls := api.calls()
	time.Sleep(50 * time.Millisecond)
	if got := api.calls(); got != calls {
		t.Errorf("Status calls continued after completion: %d -> %d", calls, got)
	}
}

func TestPollerHandsOffExactlyOnce(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{steps: []pollStep{{snap: terminalSnap(1)}}}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: time.Millisecond})

	var done atomic.Int32
	p.Start(context.Background(), Observer{OnDone: func(*ResultRecord) { done.Add(1) }})
	defer p.Stop()

	waitFor(t, func() bool { return done.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := done.Load(); got != 1 {
		t.Errorf("OnDone called %d times, want exactly once", got)
	}
	if got := api.calls(); got != 1 {
		t.Errorf("Status called %d times after a terminal first poll, want 1", got)
	}
}

func TestPollerRetriesAfterTransportError(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		steps: []pollStep{
			{err: errors.New("dial tcp 10.0.0.5:8080: connection refused")},
			{err: errors.New("dial tcp 10.0.0.5:8080: connection refused")},
			{snap: runningSnap(1)},
			{snap: terminalSnap(2)},
		},
	}
	p := NewPoller(api, "ingestion", PollerConfig{
		Interval: 20 * time.Millisecond,
		Backoff:  &backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})

	var errCount atomic.Int32
	doneCh := make(chan *ResultRecord, 1)
	p.Start(context.Background(), Observer{
		OnError: func(error) { errCount.Add(1) },
		OnDone:  func(r *ResultRecord) { doneCh <- r },
	})
	defer p.Stop()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Poller never recovered from transport errors")
	}
	if got := errCount.Load(); got != 2 {
		t.Errorf("OnError called %d times, want 2", got)
	}
}

func TestPollerIdleTypeIsNotTerminal(t *testing.T) {
	t.Parallel()
	idle := &Snapshot{JobType: "ingestion", Running: false, Revision: 0}
	api := &fakeAPI{steps: []pollStep{
		{snap: idle},
		{snap: runningSnap(1)},
		{snap: terminalSnap(2)},
	}}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: 2 * time.Millisecond})

	doneCh := make(chan *ResultRecord, 1)
	p.Start(context.Background(), Observer{OnDone: func(r *ResultRecord) { doneCh <- r }})
	defer p.Stop()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Poller stalled on the idle snapshot")
	}
	// A never-ran snapshot must not count as terminal, so the poller kept
	// going until the real run finished.
	if got := api.calls(); got < 3 {
		t.Errorf("Status called %d times, want at least 3", got)
	}
}

func TestPollerRestartCancelsPreviousLoop(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{steps: []pollStep{{snap: runningSnap(1)}}}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: 2 * time.Millisecond})
	defer p.Stop()

	var first, second atomic.Int32
	p.Start(context.Background(), Observer{OnStatus: func(*Snapshot) { first.Add(1) }})
	waitFor(t, func() bool { return first.Load() >= 2 })

	// Start drains the previous loop before launching the next one, so the
	// first observer's count freezes here.
	p.Start(context.Background(), Observer{OnStatus: func(*Snapshot) { second.Add(1) }})
	frozen := first.Load()

	waitFor(t, func() bool { return second.Load() >= 2 })
	if got := first.Load(); got != frozen {
		t.Errorf("First observer kept receiving after restart: %d -> %d", frozen, got)
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{steps: []pollStep{{snap: runningSnap(1)}}}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: 2 * time.Millisecond})

	p.Start(context.Background(), Observer{})
	waitFor(t, func() bool { return api.calls() >= 1 })

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
	p.Stop()

	calls := api.calls()
	time.Sleep(20 * time.Millisecond)
	if got := api.calls(); got != calls {
		t.Errorf("Status calls continued after Stop: %d -> %d", calls, got)
	}
}

func TestPollerStopBeforeStart(t *testing.T) {
	t.Parallel()
	p := NewPoller(&fakeAPI{steps: []pollStep{{snap: runningSnap(1)}}}, "ingestion", PollerConfig{})
	p.Stop()
}

func TestPollerFallsBackToSnapshotRecord(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		steps:     []pollStep{{snap: terminalSnap(3)}},
		resultErr: errors.New("dial tcp 10.0.0.5:8080: connection refused"),
	}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: time.Millisecond})

	var errCount atomic.Int32
	doneCh := make(chan *ResultRecord, 1)
	p.Start(context.Background(), Observer{
		OnError: func(error) { errCount.Add(1) },
		OnDone:  func(r *ResultRecord) { doneCh <- r },
	})
	defer p.Stop()

	var rec *ResultRecord
	select {
	case rec = <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Poller never handed off")
	}
	if rec.Name != "ingestion-cafe0123" || rec.Result == nil || !rec.Result.Success {
		t.Errorf("Record = %+v, want one assembled from the terminal snapshot", rec)
	}
	if rec.StartedAt.IsZero() || rec.FinishedAt.IsZero() {
		t.Error("Expected snapshot timestamps on the fallback record")
	}
	if got := errCount.Load(); got != 1 {
		t.Errorf("OnError called %d times, want 1 for the failed result fetch", got)
	}
}

func TestPollerLongPollPassesRevision(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{steps: []pollStep{
		{snap: runningSnap(4)},
		{snap: runningSnap(4)},
		{snap: terminalSnap(5)},
	}}
	p := NewPoller(api, "ingestion", PollerConfig{Interval: 50 * time.Millisecond, LongPoll: true})

	doneCh := make(chan *ResultRecord, 1)
	p.Start(context.Background(), Observer{OnDone: func(r *ResultRecord) { doneCh <- r }})
	defer p.Stop()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Long-polling poller never finished")
	}

	since := api.sinceValues()
	if len(since) != 3 {
		t.Fatalf("StatusWait called %d times, want 3", len(since))
	}
	if since[0] != 0 || since[1] != 4 || since[2] != 4 {
		t.Errorf("since values = %v, want [0 4 4]", since)
	}
	if got := api.calls(); got != 0 {
		t.Errorf("Status called %d times in long-poll mode, want 0", got)
	}
}

func TestPollerAgainstServer(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	statusHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/ingestion", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		statusHits++
		terminal := statusHits >= 3
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if terminal {
			io.WriteString(w, `{"jobType":"ingestion","name":"ingestion-cafe0123","running":false,"sessionActive":false,
				"startedAt":"2026-03-14T09:00:00Z","finishedAt":"2026-03-14T09:42:00Z","exitCode":0,
				"output":"Added: 10\nINGESTION COMPLETE\n",
				"result":{"success":true,"summary":{"added":10,"modified":0,"fetched":500,"errors":0}},
				"revision":2}`)
			return
		}
		io.WriteString(w, `{"jobType":"ingestion","name":"ingestion-cafe0123","running":true,"sessionActive":true,
			"startedAt":"2026-03-14T09:00:00Z","output":"Fetched: 500\n","revision":1}`)
	})
	mux.HandleFunc("GET /v1/jobs/ingestion/result", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jobType":"ingestion","name":"ingestion-cafe0123",
			"startedAt":"2026-03-14T09:00:00Z","finishedAt":"2026-03-14T09:42:00Z","exitCode":0,
			"result":{"success":true,"summary":{"added":10,"modified":0,"fetched":500,"errors":0}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	p := NewPoller(client, "ingestion", PollerConfig{Interval: 5 * time.Millisecond})

	doneCh := make(chan *ResultRecord, 1)
	p.Start(context.Background(), Observer{OnDone: func(r *ResultRecord) { doneCh <- r }})
	defer p.Stop()

	select {
	case rec := <-doneCh:
		if rec.Result == nil || !rec.Result.Success || rec.Result.Summary.Fetched != 500 {
			t.Errorf("Record = %+v, want the recorded success", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Poller never completed against the test server")
	}
}
