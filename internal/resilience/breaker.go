// Package resilience provides the cross-cutting reliability primitives used
// by agent bridges and outbound calls: circuit breakers and bulkheads.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
// Callers treat it like an offline dependency and back off.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed - normal operation, calls allowed.
	StateClosed CircuitState = iota
	// StateOpen - failing, calls rejected.
	StateOpen
	// StateHalfOpen - probing whether the scope recovered.
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

const outcomeWindowSize = 10

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int                                      // consecutive failures to open (default 5)
	SuccessThreshold int                                      // consecutive successes in half-open to close (default 2)
	OpenTimeout      time.Duration                            // wait before probing (default 60s)
	OnStateChange    func(from, to CircuitState, name string) // optional callback
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// CircuitBreaker guards calls to one named scope (an agent, an outbound
// dependency). It keeps a sliding window of the last ten outcomes for
// introspection; transitions are driven by consecutive counts.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *logger.Logger

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	window          [outcomeWindowSize]bool // true = failure
	windowIdx       int
	windowLen       int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a closed breaker for the named scope.
func NewCircuitBreaker(name string, config BreakerConfig, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          log.WithFields(zap.String("breaker", name)),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// Allow checks whether a call may proceed. Callers that need to inspect
// results use Allow/Mark instead of Execute.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.OpenTimeout {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("circuit breaker half-open, probing recovery")
			return nil
		}
		return fmt.Errorf("%w: %s retries in %s", ErrCircuitOpen, cb.name,
			(cb.config.OpenTimeout - time.Since(cb.lastFailureTime)).Round(time.Second))
	case StateHalfOpen:
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// Mark records a call outcome. Pass nil for success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	cb.window[cb.windowIdx] = failed
	cb.windowIdx = (cb.windowIdx + 1) % outcomeWindowSize
	if cb.windowLen < outcomeWindowSize {
		cb.windowLen++
	}

	if failed {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()
	cb.successCount = 0

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.Int("consecutive_failures", cb.failureCount))
		}
	case StateHalfOpen:
		// Any failure during probing re-opens.
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened after failed probe")
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.logger.Info("circuit breaker closed")
		}
	}
}

func (cb *CircuitBreaker) setState(next CircuitState) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	cb.lastStateChange = time.Now()
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(prev, next, cb.name)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Window returns the recorded outcomes, oldest first (true = failure).
func (cb *CircuitBreaker) Window() []bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]bool, 0, cb.windowLen)
	start := cb.windowIdx - cb.windowLen
	for i := 0; i < cb.windowLen; i++ {
		idx := (start + i + outcomeWindowSize) % outcomeWindowSize
		out = append(out, cb.window[idx])
	}
	return out
}
