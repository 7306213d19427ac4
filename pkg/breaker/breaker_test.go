package breaker //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := New("bus-1", Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}
	if b.Allow() {
		t.Error("open breaker allowed a call before timeout")
	}
}

func TestBreakerHalfOpensAfterTimeoutThenCloses(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	b := New("bus-1", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: 30 * time.Second})
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	now = base.Add(10 * time.Second)
	if b.Allow() {
		t.Fatal("breaker admitted a call before the open timeout elapsed")
	}

	now = base.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker refused the probe call after the open timeout")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after timeout = %s, want half_open", got)
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after half-open success = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	b := New("bus-1", Config{FailureThreshold: 2, OpenTimeout: time.Second})
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()
	now = base.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open probe to be admitted")
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after half-open failure = %s, want open", got)
	}
	// The failure counter reset on transition: a single closed-state
	// failure after recovery must not re-open immediately.
	if b.failures != 0 {
		t.Errorf("failures after transition = %d, want 0", b.failures)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New("bus-1", Config{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed (streak was broken)", got)
	}
}

func TestBankCreatesAndTracksBreakers(t *testing.T) {
	bank := NewBank(Config{FailureThreshold: 1})

	a := bank.Get("conn-a")
	if again := bank.Get("conn-a"); again != a {
		t.Fatal("Get returned a different breaker for the same service")
	}
	bank.Get("conn-b")

	if got := bank.OpenFraction(); got != 0 {
		t.Fatalf("OpenFraction = %v, want 0", got)
	}

	a.RecordFailure()
	if got := bank.OpenFraction(); got != 0.5 {
		t.Fatalf("OpenFraction = %v, want 0.5", got)
	}

	select {
	case sc := <-bank.Events():
		if sc.Service != "conn-a" || sc.To != StateOpen {
			t.Errorf("event = %+v, want conn-a -> open", sc)
		}
	default:
		t.Error("no state change event published")
	}
}
