// Package resilience provides retry-with-backoff and circuit-breaker
// primitives used by pgclient around the destination PostgreSQL
// connection and its COPY/merge operations.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/posthog/batchexport-postgres/logging"
)

// RetryPolicy controls how PgClient.Connect retries a dial attempt.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	JitterFactor    float64
	RetryableErrors map[string]bool
}

// DefaultRetryPolicy retries a PostgreSQL dial/ping up to 5 times with
// exponential backoff, on the network-level failures a destination
// database transiently produces during a restart or failover.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryableErrors: map[string]bool{
			"connection refused":                      true,
			"connection reset":                        true,
			"deadline exceeded":                        true,
			"context deadline":                         true,
			"temporary failure":                         true,
			"resource exhausted":                        true,
			"unavailable":                               true,
			"i/o timeout":                                true,
			"connect: connection":                        true,
			"no route to host":                           true,
			"server closed the connection unexpectedly":  true,
			"too many connections":                       true,
			"the database system is starting up":         true,
			"the database system is shutting down":        true,
		},
	}
}

// RetryManager executes an operation under a RetryPolicy, tracking
// attempt counts and elapsed retry time for the metrics collector.
type RetryManager struct {
	policy  *RetryPolicy
	logger  *logging.ComponentLogger
	metrics RetryMetrics
	mu      sync.RWMutex
}

// RetryMetrics tracks retry counters for one RetryManager's lifetime.
type RetryMetrics struct {
	TotalAttempts     int64
	SuccessfulRetries int64
	FailedRetries     int64
	TotalRetryTime    time.Duration
}

// NewRetryManager creates a RetryManager bound to policy (DefaultRetryPolicy
// if nil), reporting through logger.
func NewRetryManager(policy *RetryPolicy, logger *logging.ComponentLogger) *RetryManager {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &RetryManager{policy: policy, logger: logger}
}

// Execute runs fn, retrying on a retryable error up to policy.MaxAttempts
// with exponential backoff, or until ctx is cancelled.
func (rm *RetryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	startTime := time.Now()

	for attempt := 1; attempt <= rm.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				rm.recordSuccess(time.Since(startTime))
				rm.logger.Info().
					Str("operation", operation).
					Int("attempts", attempt).
					Dur("total_time", time.Since(startTime)).
					Msg("postgres operation succeeded after retry")
			}
			return nil
		}

		lastErr = err
		rm.recordAttempt()

		if !rm.isRetryable(err) {
			rm.logger.Debug().
				Str("operation", operation).
				Err(err).
				Msg("postgres error is not retryable")
			return err
		}

		if attempt >= rm.policy.MaxAttempts {
			rm.recordFailure(time.Since(startTime))
			rm.logger.Error().
				Str("operation", operation).
				Int("attempts", attempt).
				Err(err).
				Msg("postgres operation failed after max attempts")
			return fmt.Errorf("operation %s failed after %d attempts: %w", operation, attempt, err)
		}

		delay := rm.calculateDelay(attempt)
		rm.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("postgres operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// ExecuteWithResult is rm.Execute for an fn that also returns a value.
func ExecuteWithResult[T any](ctx context.Context, rm *RetryManager, operation string, fn func() (T, error)) (T, error) {
	var result T
	err := rm.Execute(ctx, operation, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

// isRetryable reports whether err's message matches one of the policy's
// transient-failure substrings. Dial/ping errors surface as plain
// network errors rather than *pgconn.PgError, so this matches on text
// instead of workflow.ClassifyPgError's typed taxonomy.
func (rm *RetryManager) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return false
	}
	lowered := strings.ToLower(err.Error())
	for pattern := range rm.policy.RetryableErrors {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.policy.InitialDelay) * math.Pow(rm.policy.BackoffFactor, float64(attempt-1))
	if rm.policy.JitterFactor > 0 {
		jitter := delay * rm.policy.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}
	if delay > float64(rm.policy.MaxDelay) {
		delay = float64(rm.policy.MaxDelay)
	}
	return time.Duration(delay)
}

func (rm *RetryManager) recordAttempt() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.TotalAttempts++
}

func (rm *RetryManager) recordSuccess(duration time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.SuccessfulRetries++
	rm.metrics.TotalRetryTime += duration
}

func (rm *RetryManager) recordFailure(duration time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.FailedRetries++
	rm.metrics.TotalRetryTime += duration
}

// GetMetrics returns a snapshot of the manager's retry counters.
func (rm *RetryManager) GetMetrics() RetryMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metrics
}

// CircuitState is one state in CircuitBreaker's closed/open/half-open
// state machine.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreaker trips after maxFailures consecutive failures of a
// guarded operation (COPY or merge against the destination) and stops
// issuing that operation against an already-unreachable database until
// resetTimeout has passed.
type CircuitBreaker struct {
	name            string
	logger          *logging.ComponentLogger
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenTimeout time.Duration

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	successCount    int
}

// NewCircuitBreaker creates a CircuitBreaker named name, opening after
// maxFailures consecutive failures and attempting recovery after
// resetTimeout.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, logger *logging.ComponentLogger) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		logger:          logger,
		maxFailures:     maxFailures,
		resetTimeout:    resetTimeout,
		halfOpenTimeout: resetTimeout / 2,
		state:           StateClosed,
	}
}

// Execute runs fn if the circuit allows it, recording the outcome.
// Returns an error immediately, without calling fn, while the circuit
// is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.canExecute() {
		return fmt.Errorf("circuit breaker %s is open: destination postgres has failed repeatedly", cb.name)
	}
	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailureTime
	cb.mu.RUnlock()

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(lastFailure) > cb.resetTimeout {
			cb.mu.Lock()
			cb.state = StateHalfOpen
			cb.successCount = 0
			cb.mu.Unlock()
			cb.logger.Info().Str("circuit", cb.name).Msg("circuit breaker probing destination postgres again")
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= 3 {
				cb.state = StateClosed
				cb.logger.Info().Str("circuit", cb.name).Msg("circuit breaker closed, destination postgres recovered")
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.logger.Warn().Str("circuit", cb.name).Err(err).Msg("circuit breaker reopened, probe failed")
	} else if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.logger.Error().Str("circuit", cb.name).Int("failures", cb.failures).Err(err).
			Msg("circuit breaker opened after repeated destination failures")
	}
}

// GetState returns the circuit's current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the circuit closed, discarding any recorded failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.logger.Info().Str("circuit", cb.name).Msg("circuit breaker manually reset")
}
