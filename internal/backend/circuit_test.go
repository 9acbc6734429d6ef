package backend

import (
	"testing"
	"time"
)

// newClockedBreaker returns a breaker whose clock only moves when advance is called.
func newClockedBreaker(threshold int, interval time.Duration) (*CircuitBreaker, func(time.Duration)) {
	cb := NewCircuitBreaker(threshold, interval)
	now := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return now }
	return cb, func(d time.Duration) { now = now.Add(d) }
}

func TestCircuitBreaker_ConsecutiveFailureAccounting(t *testing.T) {
	tests := []struct {
		name   string
		events string // f = transport failure, s = backend answered
		want   CircuitState
	}{
		{"no traffic", "", StateClosed},
		{"below threshold", "ff", StateClosed},
		{"at threshold", "fff", StateOpen},
		{"answer breaks the run", "ffsff", StateClosed},
		{"run after answer", "ffsfff", StateOpen},
		{"answers only", "sssss", StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newClockedBreaker(3, 10*time.Second)
			for _, e := range tt.events {
				if e == 'f' {
					cb.RecordFailure()
				} else {
					cb.RecordSuccess()
				}
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("after %q: state = %s, want %s", tt.events, got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsUntilRecoveryInterval(t *testing.T) {
	cb, advance := newClockedBreaker(1, 10*time.Second)
	cb.RecordFailure()

	advance(9 * time.Second)
	if cb.Allow() {
		t.Fatal("expected open circuit to reject before the recovery interval")
	}

	advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open at the recovery interval, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	cb, advance := newClockedBreaker(1, time.Second)
	cb.RecordFailure()
	advance(time.Second)

	if !cb.Allow() {
		t.Fatal("expected the probe to be admitted")
	}
	for i := 0; i < 3; i++ {
		if cb.Allow() {
			t.Fatalf("request %d admitted while the probe is outstanding", i)
		}
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	t.Run("answer closes", func(t *testing.T) {
		cb, advance := newClockedBreaker(2, time.Second)
		cb.RecordFailure()
		cb.RecordFailure()
		advance(time.Second)
		cb.Allow()

		cb.RecordSuccess()
		if cb.State() != StateClosed {
			t.Fatalf("expected closed, got %s", cb.State())
		}
		// The failure count restarts from zero after recovery.
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Errorf("expected one failure after recovery to keep the circuit closed")
		}
	})

	t.Run("failure reopens for a full interval", func(t *testing.T) {
		cb, advance := newClockedBreaker(1, time.Second)
		cb.RecordFailure()
		advance(time.Second)
		cb.Allow()

		cb.RecordFailure()
		if cb.State() != StateOpen {
			t.Fatalf("expected open after failed probe, got %s", cb.State())
		}
		advance(500 * time.Millisecond)
		if cb.Allow() {
			t.Error("expected reopened circuit to wait a full interval")
		}
		advance(500 * time.Millisecond)
		if !cb.Allow() {
			t.Error("expected a new probe after the interval")
		}
	})
}

func TestCircuitBreaker_ReleaseProbeFreesSlot(t *testing.T) {
	cb, advance := newClockedBreaker(1, time.Second)
	cb.RecordFailure()
	advance(time.Second)

	if !cb.Allow() {
		t.Fatal("expected the probe to be admitted")
	}
	cb.ReleaseProbe()

	if cb.State() != StateHalfOpen {
		t.Errorf("release must not change state, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected a released slot to admit the next probe")
	}
}

func TestCircuitBreaker_ReleaseProbeWhenClosedIsNoop(t *testing.T) {
	cb, _ := newClockedBreaker(1, time.Second)
	cb.ReleaseProbe()
	if cb.State() != StateClosed || !cb.Allow() {
		t.Errorf("expected closed breaker to keep admitting, got %s", cb.State())
	}
}

func TestCircuitBreaker_DisabledThreshold(t *testing.T) {
	for _, threshold := range []int{0, -1} {
		cb, _ := newClockedBreaker(threshold, time.Second)
		for i := 0; i < 50; i++ {
			cb.RecordFailure()
		}
		if cb.State() != StateClosed || !cb.Allow() {
			t.Errorf("threshold %d: expected breaker to stay closed, got %s", threshold, cb.State())
		}
	}
}

func TestCircuitBreaker_ResetClosesOpenCircuit(t *testing.T) {
	cb, _ := newClockedBreaker(1, time.Hour)
	cb.RecordFailure()
	cb.Reset()
	if cb.State() != StateClosed || !cb.Allow() {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
}

func TestCircuitState_Names(t *testing.T) {
	names := map[CircuitState]string{
		StateClosed:      "closed",
		StateOpen:        "open",
		StateHalfOpen:    "half_open",
		CircuitState(42): "unknown",
	}
	for state, want := range names {
		if got := state.String(); got != want {
			t.Errorf("CircuitState(%d) = %q, want %q", int(state), got, want)
		}
	}
}
