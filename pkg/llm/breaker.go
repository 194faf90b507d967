package llm

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=1"`

	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`

	// HalfOpenMaxRequests is the number of probes allowed while half-open.
	HalfOpenMaxRequests int `mapstructure:"half_open_max_requests" validate:"gte=1"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    3,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker is a closed → open → half-open circuit for one provider.
//
//   - Closed -> Open: after FailureThreshold consecutive failures
//   - Open -> Half-Open: after OpenTimeout
//   - Half-Open -> Closed: when a probe succeeds
//   - Half-Open -> Open: when a probe fails
type Breaker struct {
	config BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	halfOpenTests int
	lastErr       error
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	return &Breaker{config: config, now: time.Now}
}

// CircuitOpenError is returned by Allow while the circuit is open.
type CircuitOpenError struct {
	Provider   string
	RetryAfter time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Provider, e.RetryAfter.Format(time.RFC3339))
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.OpenTimeout {
			b.state = StateHalfOpen
			b.halfOpenTests = 1
			return nil
		}
	case StateHalfOpen:
		if b.halfOpenTests < b.config.HalfOpenMaxRequests {
			b.halfOpenTests++
			return nil
		}
	default:
		return nil
	}
	return &CircuitOpenError{Provider: provider, RetryAfter: b.openedAt.Add(b.config.OpenTimeout)}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenTests = 0
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.halfOpenTests = 0
	}
}

// State returns the current state; an expired open circuit reports half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// LastError returns the most recent recorded failure.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}
