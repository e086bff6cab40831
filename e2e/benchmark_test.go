//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsconsole/internal/dispatcher"
	"opsconsole/internal/testutil"
	"opsconsole/pkg/cloudevent"
)

// BenchmarkStatusEndpoint measures the status read path, which serves from
// the registry without a host round trip.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkStatusEndpoint ./e2e/
func BenchmarkStatusEndpoint(b *testing.B) {
	baseURL, cleanup := createTestStack(b)
	defer cleanup()

	launchJob(b, baseURL, "ingestion", nil)
	waitTerminal(b, baseURL, "ingestion")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		client := &http.Client{Timeout: 10 * time.Second}
		for pb.Next() {
			resp, err := client.Get(baseURL + "/v1/jobs/ingestion")
			if err != nil {
				b.Errorf("Status failed: %v", err)
				continue
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				b.Errorf("Expected 200, got %d", resp.StatusCode)
			}
		}
	})
}

// TestLaunchStorm fires many concurrent launches for one job type and
// expects the registry to accept exactly one.
func TestLaunchStorm(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping storm test in short mode")
	}

	baseURL, cleanup := createTestStack(t)
	defer cleanup()

	const attempts = 20
	var accepted, conflicted atomic.Int64
	var wg sync.WaitGroup

	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()

			resp, err := http.Post(baseURL+"/v1/jobs/soak", "application/json", nil)
			if err != nil {
				t.Errorf("Launch failed: %v", err)
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusAccepted:
				accepted.Add(1)
			case http.StatusConflict:
				conflicted.Add(1)
			default:
				t.Errorf("Unexpected status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("Accepted = %d, want exactly 1", accepted.Load())
	}
	if conflicted.Load() != attempts-1 {
		t.Errorf("Conflicts = %d, want %d", conflicted.Load(), attempts-1)
	}

	waitTerminal(t, baseURL, "soak")
}

// TestNotificationThroughput measures how many webhook deliveries the
// dispatcher can push through.
func TestNotificationThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping throughput test in short mode")
	}

	const (
		numEvents       = 10000
		concurrency     = 100
		deliveryTimeout = 30 * time.Second
	)

	var received atomic.Int64
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  numEvents,
		Workers:     concurrency,
		HTTPTimeout: 5 * time.Second,
	}, nil)
	defer d.Close(context.Background())

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	dispatchStart := time.Now()
	for i := 0; i < numEvents; i++ {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(id int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			event := &dispatcher.Event{
				Payload:     newTestEvent(fmt.Sprintf("event-%d", id)),
				Destination: webhook.URL,
			}
			if err := d.Dispatch(event); err != nil {
				t.Logf("Dispatch error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	dispatchDuration := time.Since(dispatchStart)

	testutil.WaitForCount(t, &received, numEvents, testutil.WithTimeout(deliveryTimeout))
	totalDuration := time.Since(dispatchStart)

	stats := d.Stats()
	receivedCount := received.Load()

	t.Logf("=== Notification Throughput ===")
	t.Logf("Dispatched:    %d events in %v", numEvents, dispatchDuration)
	t.Logf("Dispatch rate: %.0f events/sec", float64(numEvents)/dispatchDuration.Seconds())
	t.Logf("Received:      %d/%d deliveries", receivedCount, numEvents)
	t.Logf("Delivered:     %d", stats.Delivered)
	t.Logf("Failed:        %d", stats.Failed)
	t.Logf("Dropped:       %d", stats.Dropped)
	t.Logf("Total time:    %v", totalDuration)
	t.Logf("Throughput:    %.0f deliveries/sec", float64(receivedCount)/totalDuration.Seconds())

	if receivedCount < int64(numEvents*0.99) {
		t.Errorf("Expected at least 99%% delivery, got %.1f%%", float64(receivedCount)/float64(numEvents)*100)
	}
}

// TestDispatcherUnderLoad tests dispatcher behavior when some webhook
// endpoints respond slowly.
func TestDispatcherUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const (
		eventRate     = 1000 // events per second target
		duration      = 10   // seconds
		totalEvents   = eventRate * duration
		slowPercent   = 5   // percentage of slow deliveries
		slowLatencyMs = 500 // latency for slow deliveries
	)

	var received, slow atomic.Int64

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if received.Add(1)%int64(100/slowPercent) == 0 {
			slow.Add(1)
			time.Sleep(time.Duration(slowLatencyMs) * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  totalEvents,
		Workers:     50,
		HTTPTimeout: 2 * time.Second,
	}, nil)
	defer d.Close(context.Background())

	ticker := time.NewTicker(time.Second / time.Duration(eventRate))
	defer ticker.Stop()

	start := time.Now()
	var dispatched atomic.Int64

	go func() {
		for i := 0; i < totalEvents; i++ {
			<-ticker.C
			event := &dispatcher.Event{
				Payload:     newTestEvent(fmt.Sprintf("load-%d", i)),
				Destination: webhook.URL,
			}
			if err := d.Dispatch(event); err == nil {
				dispatched.Add(1)
			}
		}
	}()

	// Wait for all events to be dispatched, then wait for delivery
	testutil.WaitFor(t, func() bool {
		return dispatched.Load() >= int64(totalEvents)
	}, testutil.WithTimeout(time.Duration(duration+5)*time.Second))

	testutil.WaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Delivered+stats.Failed+stats.Dropped >= dispatched.Load()
	}, testutil.WithTimeout(10*time.Second))

	stats := d.Stats()
	elapsed := time.Since(start)

	t.Logf("=== Dispatcher Load Test ===")
	t.Logf("Target rate:   %d events/sec for %ds", eventRate, duration)
	t.Logf("Dispatched:    %d events", dispatched.Load())
	t.Logf("Received:      %d deliveries", received.Load())
	t.Logf("Slow calls:    %d (%.1f%%)", slow.Load(), float64(slow.Load())/float64(received.Load())*100)
	t.Logf("Delivered:     %d", stats.Delivered)
	t.Logf("Failed:        %d", stats.Failed)
	t.Logf("Dropped:       %d", stats.Dropped)
	t.Logf("Retries:       %d", stats.RetriesTotal)
	t.Logf("Requeued:      %d", stats.Requeued)
	t.Logf("Elapsed:       %v", elapsed)
	t.Logf("Actual rate:   %.0f events/sec", float64(received.Load())/elapsed.Seconds())

	dispatchedCount := dispatched.Load()
	receivedCount := received.Load()

	if dispatchedCount < int64(totalEvents*0.9) {
		t.Errorf("Expected to dispatch at least 90%% of events, got %d/%d", dispatchedCount, totalEvents)
	}

	deliveryRate := float64(receivedCount) / float64(dispatchedCount) * 100
	if deliveryRate < 90 {
		t.Errorf("Expected at least 90%% delivery rate, got %.1f%%", deliveryRate)
	}

	if stats.Dropped > int64(totalEvents*0.05) {
		t.Errorf("Too many dropped events: %d (max 5%% of %d)", stats.Dropped, totalEvents)
	}
}

func newTestEvent(id string) *cloudevent.CloudEvent {
	return cloudevent.New("console.job.completed", "opsconsole/bench", "ingestion", id,
		map[string]any{"success": true})
}
