package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New("test", cfg, WithClock(clock.Now)), clock
}

func TestCircuitBreaker_StartsClosedState(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())

	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("closed breaker should allow, got %v", err)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second}
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after %d failures, got %v", cfg.FailureThreshold, cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second}
	cb, _ := newTestBreaker(cfg)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures should not open the breaker, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 50 * time.Millisecond}

	t.Run("closes after successes", func(t *testing.T) {
		cb, clock := newTestBreaker(cfg)
		cb.RecordFailure()
		cb.RecordFailure()

		clock.Advance(50 * time.Millisecond)
		if err := cb.Allow(); err != nil {
			t.Fatalf("expected trial call after timeout, got %v", err)
		}
		if cb.State() != StateHalfOpen {
			t.Fatalf("expected StateHalfOpen, got %v", cb.State())
		}

		cb.RecordSuccess()
		cb.RecordSuccess()
		if cb.State() != StateClosed {
			t.Errorf("expected StateClosed after successes, got %v", cb.State())
		}
	})

	t.Run("reopens on failure", func(t *testing.T) {
		cb, clock := newTestBreaker(cfg)
		cb.RecordFailure()
		cb.RecordFailure()

		clock.Advance(time.Second)
		cb.Allow()
		cb.RecordFailure()

		if cb.State() != StateOpen {
			t.Errorf("expected StateOpen after failure in half-open, got %v", cb.State())
		}
		if err := cb.Allow(); err == nil {
			t.Error("reopened breaker should reject until the timeout elapses again")
		}
	})
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := New("identity", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour},
		OnStateChange(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}))

	cb.RecordFailure()

	if len(transitions) != 1 || transitions[0] != "identity:closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestRegistry_GetAndStates(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})

	a := r.Get("identity")
	if r.Get("identity") != a {
		t.Error("expected same breaker instance for same name")
	}
	r.Get("ratelimit-store").RecordFailure()

	states := r.States()
	if states["identity"] != "closed" {
		t.Errorf("identity = %q, want closed", states["identity"])
	}
	if states["ratelimit-store"] != "open" {
		t.Errorf("ratelimit-store = %q, want open", states["ratelimit-store"])
	}
}
