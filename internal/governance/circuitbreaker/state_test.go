package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(config *Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New("test", config)
	cb.now = clock.Now
	cb.stats.StateChangedAt = clock.Now()
	return cb, clock
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := New("test", &Config{MaxFailures: 5})
	config := cb.GetConfig()

	if config.MaxFailures != 5 {
		t.Errorf("Expected MaxFailures to be 5, got %d", config.MaxFailures)
	}
	if config.ResetTimeout != 10*time.Second {
		t.Errorf("Expected ResetTimeout to be 10s, got %s", config.ResetTimeout)
	}
	if config.MaxHalfOpenRequests != 1 {
		t.Errorf("Expected MaxHalfOpenRequests to be 1, got %d", config.MaxHalfOpenRequests)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be CLOSED, got %s", cb.GetState())
	}
	if !cb.CanExecute() {
		t.Error("Expected CanExecute to return true in CLOSED state")
	}
}

func TestCircuitBreakerTripping(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to stay CLOSED below the threshold, got %s", cb.GetState())
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state to be OPEN after consecutive failures, got %s", cb.GetState())
	}
	if cb.CanExecute() {
		t.Error("Expected CanExecute to return false in OPEN state")
	}
}

func TestCircuitBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be CLOSED, got %s", cb.GetState())
	}
}

func TestCircuitBreakerResetTimeout(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1})

	cb.RecordFailure()
	clock.Advance(9999 * time.Millisecond)
	if cb.CanExecute() {
		t.Error("Expected CanExecute to return false before the reset timeout")
	}

	clock.Advance(time.Millisecond)
	if !cb.CanExecute() {
		t.Error("Expected CanExecute to return true after the reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected state to be HALF_OPEN after reset timeout, got %s", cb.GetState())
	}

	// Only one trial request is allowed
	if cb.CanExecute() {
		t.Error("Expected second request to be rejected in HALF_OPEN state")
	}
}

func TestCircuitBreakerHalfOpenToClosedTransition(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1})

	cb.RecordFailure()
	clock.Advance(DefaultResetTimeout)
	cb.CanExecute()
	cb.RecordSuccess()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be CLOSED after successful trial, got %s", cb.GetState())
	}
	if !cb.CanExecute() {
		t.Error("Expected CanExecute to return true after closing")
	}
}

func TestCircuitBreakerHalfOpenToOpenTransition(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 3})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(DefaultResetTimeout)
	cb.CanExecute()

	// Record a failure in half-open state
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("Expected state to be OPEN after failure in HALF_OPEN, got %s", cb.GetState())
	}
	if cb.CanExecute() {
		t.Error("Expected the reset timeout to restart")
	}
}

func TestCircuitBreakerStatistics(t *testing.T) {
	cb := New("test", DefaultConfig())

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()

	stats := cb.GetStatistics()

	if stats.TotalRequests != 3 {
		t.Errorf("Expected TotalRequests to be 3, got %d", stats.TotalRequests)
	}
	if stats.SuccessfulRequests != 2 {
		t.Errorf("Expected SuccessfulRequests to be 2, got %d", stats.SuccessfulRequests)
	}
	if stats.FailedRequests != 1 {
		t.Errorf("Expected FailedRequests to be 1, got %d", stats.FailedRequests)
	}

	expectedErrorRate := float64(1) / float64(3) * 100
	if stats.ErrorRate() != expectedErrorRate {
		t.Errorf("Expected ErrorRate to be %.2f, got %.2f", expectedErrorRate, stats.ErrorRate())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := New("test", DefaultConfig())

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state to be OPEN, got %s", cb.GetState())
	}

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be CLOSED after reset, got %s", cb.GetState())
	}
	if stats := cb.GetStatistics(); stats.TotalRequests != 0 {
		t.Errorf("Expected TotalRequests to be 0 after reset, got %d", stats.TotalRequests)
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb := New("test", DefaultConfig())

	type change struct{ from, to State }
	callbackCh := make(chan change, 1)
	cb.SetStateChangeCallback(func(name string, from, to State) {
		callbackCh <- change{from, to}
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	select {
	case result := <-callbackCh:
		if result.from != StateClosed {
			t.Errorf("Expected fromState to be CLOSED, got %s", result.from)
		}
		if result.to != StateOpen {
			t.Errorf("Expected toState to be OPEN, got %s", result.to)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for state change callback")
	}
}

func TestStateMarshalJSON(t *testing.T) {
	data, err := StateHalfOpen.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	if string(data) != `"HALF_OPEN"` {
		t.Errorf("Expected \"HALF_OPEN\", got %s", data)
	}
}
