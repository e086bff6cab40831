package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoChecks(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if _, ok := response.Checks["config"]; !ok {
		t.Fatal("Expected config check to be present")
	}
}

func TestChecker_Readiness_AllHealthy(t *testing.T) {
	t.Parallel()
	ok := ReadyFunc(func(ctx context.Context) error { return nil })
	checker := NewChecker(map[string]ReadinessChecker{
		"registry": ok,
		"host":     ok,
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
	for _, name := range []string{"registry", "host"} {
		check, ok := response.Checks[name]
		if !ok {
			t.Fatalf("Expected %s check to be present", name)
		}
		if check.Status != StatusHealthy {
			t.Errorf("Expected %s check to be healthy, got %s", name, check.Status)
		}
	}
}

func TestChecker_Readiness_DependencyDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"registry": ReadyFunc(func(ctx context.Context) error { return nil }),
		"host": ReadyFunc(func(ctx context.Context) error {
			return errors.New("dial tcp 10.0.0.5:22: connection refused")
		}),
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	hostCheck := response.Checks["host"]
	if hostCheck.Status != StatusUnhealthy {
		t.Errorf("Expected host check to be unhealthy, got %s", hostCheck.Status)
	}
	if hostCheck.Message == "" {
		t.Error("Expected host check message to carry the error")
	}
	if response.Checks["registry"].Status != StatusHealthy {
		t.Errorf("Expected registry check to stay healthy, got %s", response.Checks["registry"].Status)
	}
}

func TestChecker_Readiness_CachesResult(t *testing.T) {
	t.Parallel()
	calls := 0
	checker := NewChecker(map[string]ReadinessChecker{
		"registry": ReadyFunc(func(ctx context.Context) error {
			calls++
			return nil
		}),
	})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls != 1 {
		t.Errorf("Expected 1 dependency call within cache window, got %d", calls)
	}
}

func TestChecker_Readiness_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"registry": ReadyFunc(func(ctx context.Context) error { return nil }),
	})

	// Warm the cache with a healthy result, then begin shutdown.
	if got := checker.Readiness(context.Background()); !got.IsHealthy() {
		t.Fatalf("Expected healthy before shutdown, got %s", got.Status)
	}
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status during shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestChecker_RunCheck_Timeout(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"host": ReadyFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	checker.timeout = 20 * time.Millisecond

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status on timeout, got %s", response.Status)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
