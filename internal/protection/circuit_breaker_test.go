package protection

import (
	"testing"
	"time"
)

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	current := time.Unix(1_700_000_000, 0)
	b := NewCircuitBreaker("api.example.com", cfg)
	b.now = func() time.Time { return current }
	b.lastTransition = current
	return b, &current
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %s before threshold, want closed", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject calls")
	}
	if b.Snapshot().Stats.RejectedCalls != 1 {
		t.Fatalf("rejected calls = %d, want 1", b.Snapshot().Stats.RejectedCalls)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after streak reset", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, current := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RetryTimeout:     10 * time.Second,
		HalfOpenMaxCalls: 2,
	})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	*current = current.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after retry timeout", b.State())
	}

	if !b.Allow() || !b.Allow() {
		t.Fatal("half-open must allow probe calls up to the limit")
	}
	if b.Allow() {
		t.Fatal("half-open must cap concurrent probes")
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open until success threshold", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after recovery", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, current := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		RetryTimeout:     5 * time.Second,
	})

	b.RecordFailure()
	*current = current.Add(6 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after half-open failure", b.State())
	}
	if got := b.Snapshot().Stats.OpenCount; got != 2 {
		t.Fatalf("open count = %d, want 2", got)
	}
}

func TestBreakerForceOpenAndReset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{RetryTimeout: time.Minute})

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after ForceOpen", b.State())
	}
	if b.TimeUntilRetry() <= 0 {
		t.Fatal("expected positive time until retry while open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after Reset", b.State())
	}
	if b.TimeUntilRetry() != 0 {
		t.Fatal("closed breaker must report zero retry wait")
	}
}

func TestBreakerRegistrySharesStatePerTarget(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1})

	first := registry.GetOrCreate("api.example.com")
	second := registry.GetOrCreate("api.example.com")
	if first != second {
		t.Fatal("same target must share one breaker")
	}

	first.RecordFailure()
	if registry.StateOf("api.example.com") != StateOpen {
		t.Fatal("registry must observe the shared open state")
	}
	if registry.StateOf("unseen.example.com") != StateClosed {
		t.Fatal("unknown targets must read as closed")
	}
	if registry.Get("unseen.example.com") != nil {
		t.Fatal("StateOf must not create breakers")
	}

	if len(registry.Snapshots()) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(registry.Snapshots()))
	}

	registry.ResetAll()
	if registry.StateOf("api.example.com") != StateClosed {
		t.Fatal("ResetAll must close all breakers")
	}
}
