// breaker.go - Circuit breaker around the object store.
//
// When the bucket is unreachable every file of every request would otherwise
// wait out its own timeout. The breaker opens after a run of failures and
// fails puts fast until the cool-down has passed.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"upload-relay/internal/logging"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed: puts flow normally
	StateClosed CircuitState = iota
	// StateOpen: puts fail fast
	StateOpen
	// StateHalfOpen: one probe put is allowed through
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

var (
	// ErrCircuitOpen is returned while the breaker is open.
	ErrCircuitOpen = errors.New("object store circuit breaker is open")

	// ErrTooManyRequests is returned when a probe is already in flight.
	ErrTooManyRequests = errors.New("too many requests while circuit is half-open")
)

// CircuitBreaker counts consecutive failures of a guarded call.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures uint32
	timeout     time.Duration
	now         func() time.Time

	state           CircuitState
	failures        uint32
	lastFailureTime time.Time
	probing         bool

	successRequests  uint64
	failedRequests   uint64
	rejectedRequests uint64
}

// NewCircuitBreaker opens after maxFailures consecutive failures and probes
// again once timeout has elapsed.
func NewCircuitBreaker(maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

// ExecuteContext is Execute for calls bound to ctx. A failure that coincides
// with ctx ending is the caller giving up and is not counted against the store.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.abandon()
		return err
	}
	cb.after(err)
	return err
}

// abandon releases a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
			cb.rejectedRequests++
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		logging.Info("circuit_breaker_half_open", logging.Fields{"timeout": cb.timeout.String()})
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.rejectedRequests++
			return ErrTooManyRequests
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	if wasProbe {
		cb.probing = false
	}

	// A cancelled request says nothing about the store's health.
	if errors.Is(err, context.Canceled) {
		return
	}

	if err == nil {
		cb.successRequests++
		cb.failures = 0
		if wasProbe {
			cb.state = StateClosed
			logging.Info("circuit_breaker_closed", logging.Fields{"reason": "probe_succeeded"})
		}
		return
	}

	cb.failedRequests++
	cb.failures++
	cb.lastFailureTime = cb.now()
	if wasProbe || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			logging.Warn("circuit_breaker_opened", logging.Fields{
				"failures":     cb.failures,
				"max_failures": cb.maxFailures,
				"timeout":      cb.timeout.String(),
			}, err)
		}
		cb.state = StateOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	Failures         uint32    `json:"failures"`
	SuccessRequests  uint64    `json:"success_requests"`
	FailedRequests   uint64    `json:"failed_requests"`
	RejectedRequests uint64    `json:"rejected_requests"`
	LastFailureTime  time.Time `json:"last_failure_time"`
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state.String(),
		Failures:         cb.failures,
		SuccessRequests:  cb.successRequests,
		FailedRequests:   cb.failedRequests,
		RejectedRequests: cb.rejectedRequests,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// Guarded routes PutFile through a circuit breaker. Ping bypasses it so the
// readiness probe always reports the real store state.
type Guarded struct {
	ObjectStore
	Breaker *CircuitBreaker
}

// WithBreaker wraps store with cb.
func WithBreaker(store ObjectStore, cb *CircuitBreaker) *Guarded {
	return &Guarded{ObjectStore: store, Breaker: cb}
}

func (g *Guarded) PutFile(ctx context.Context, key, localPath string, opts PutOptions) error {
	return g.Breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return g.ObjectStore.PutFile(ctx, key, localPath, opts)
	})
}
