package circuitbreaker

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.Threshold != 5 {
		t.Errorf("Expected Threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected Cooldown 30s, got %v", cfg.Cooldown)
	}
}

func TestNew_WithZeroValues(t *testing.T) {
	t.Parallel()
	// Zero values should use defaults
	b := New(Config{Threshold: 0, Cooldown: 0})

	// With default threshold of 5, should need 5 failures to open
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 5 failures")
	}
}

func TestBreaker_ClosedState(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 100 * time.Millisecond})

	if !b.Allow() {
		t.Error("expected Allow() to return true in closed state")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 100 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected closed state before threshold")
	}

	// Third failure should open the circuit
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after threshold, got %s", b.State())
	}

	if b.Allow() {
		t.Error("expected Allow() to return false when open")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 50 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	if b.Allow() {
		t.Error("expected Allow() to return false before cooldown")
	}

	time.Sleep(60 * time.Millisecond)

	// Should allow one request (half-open)
	if !b.Allow() {
		t.Error("expected Allow() to return true after cooldown (half-open)")
	}
	if b.State() != HalfOpen {
		t.Errorf("expected half-open state, got %s", b.State())
	}
}

func TestBreaker_ClosesOnSuccessInHalfOpen(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	b.Allow() // Transition to half-open

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed state after success, got %s", b.State())
	}
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	b.Allow() // Transition to half-open

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open state after failure in half-open, got %s", b.State())
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Minute})

	// Successful calls pass through and keep the circuit closed.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("expected closed state, got %s", b.State())
	}

	// Failures count toward the threshold.
	dialErr := fmt.Errorf("dial tcp: connection refused")
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return dialErr }); !errors.Is(err, dialErr) {
			t.Fatalf("Do() = %v, want dial error", err)
		}
	}
	if b.State() != Open {
		t.Fatalf("expected open state, got %s", b.State())
	}

	// Open circuit short-circuits without calling fn.
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Do() = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while circuit open")
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open state")
	}

	b.Reset()
	if b.State() != Closed {
		t.Errorf("expected closed state after reset, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected 0 failures after reset, got %d", b.Failures())
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state    State
		expected string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestRegistry_GetCreatesBreaker(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 5, Cooldown: time.Second})

	b1 := r.Get("hooks.internal")
	b2 := r.Get("hooks.internal")
	b3 := r.Get("pipeline.internal:22")

	// Same key should return same breaker
	if b1 != b2 {
		t.Error("expected same breaker for same key")
	}

	// Different key should return different breaker
	if b1 == b3 {
		t.Error("expected different breaker for different key")
	}

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("expected 2 breakers, got %d", stats.Total)
	}
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	b1 := r.Get("hooks-a.internal")
	_ = r.Get("hooks-b.internal")
	_ = r.Get("hooks-c.internal")

	b1.RecordFailure()
	b1.RecordFailure()

	stats := r.Stats()
	if stats.Total != 3 {
		t.Errorf("expected 3 total, got %d", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("expected 1 open, got %d", stats.Open)
	}
	if stats.Closed != 2 {
		t.Errorf("expected 2 closed, got %d", stats.Closed)
	}
}

func TestRegistry_Reset(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	b := r.Get("hooks.internal")
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatal("expected open state")
	}

	r.Reset()

	if b.State() != Closed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
}
