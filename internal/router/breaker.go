package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit has tripped - the provider is skipped.
	CircuitOpen
	// CircuitHalfOpen lets a single trial request test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *CircuitState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half-open":
		*s = CircuitHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", name)
	}
	return nil
}

// breaker tracks one provider's health.
type breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(name string, from, to CircuitState)

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool // a half-open trial is in flight
	lastErr  string
}

// allow reports whether a request may go to the provider. trial is true
// when the request is the single half-open probe; it must not be retried.
func (b *breaker) allow() (ok, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		b.transitionTo(CircuitHalfOpen)
		b.trial = true
		return true, true
	case CircuitHalfOpen:
		if b.trial {
			return false, false
		}
		b.trial = true
		return true, true
	}
	return false, false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.lastErr = ""
	b.transitionTo(CircuitClosed)
}

func (b *breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.trial = false
	if err != nil {
		b.lastErr = err.Error()
	}

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.openedAt = b.now()
		b.transitionTo(CircuitOpen)
	}
}

// release gives back a half-open trial that never produced a verdict,
// for example because the caller cancelled.
func (b *breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// usable reports whether the next request could reach the provider.
func (b *breaker) usable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != CircuitOpen || b.now().Sub(b.openedAt) >= b.cooldown
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.lastErr = ""
	b.transitionTo(CircuitClosed)
}

// transitionTo changes the circuit state (must hold lock).
func (b *breaker) transitionTo(next CircuitState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == CircuitClosed {
		b.openedAt = time.Time{}
	}
	if b.onChange != nil {
		b.onChange(b.name, prev, next)
	}
}

func (b *breaker) health(local bool) ProviderHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ProviderHealth{
		Name:                b.name,
		ConsecutiveFailures: b.failures,
		CircuitState:        b.state,
		OpenedAt:            b.openedAt,
		LastError:           b.lastErr,
		Local:               local,
	}
}

// ProviderHealth is the router's view of one provider.
type ProviderHealth struct {
	Name                string       `json:"name"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CircuitState        CircuitState `json:"circuit_state"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	Local               bool         `json:"local"`
}
