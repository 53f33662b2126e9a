// breaker.go - Circuit breaker around outbound message providers.
//
// After maxFailures consecutive failures the breaker opens and calls fail
// fast until timeout has passed, then a single probe is let through.
package notify

import (
	"errors"
	"sync"
	"time"

	"dcss-portal/internal/logging"
)

// BreakerState is the current breaker position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests while circuit is half-open")
)

// Breaker guards calls to one provider.
type Breaker struct {
	mu sync.Mutex

	name        string
	maxFailures uint32
	timeout     time.Duration
	now         func() time.Time

	state       BreakerState
	failures    uint32
	lastFailure time.Time
	probing     bool

	total    uint64
	failed   uint64
	rejected uint64
}

// BreakerStats is a snapshot for health reporting.
type BreakerStats struct {
	State    string `json:"state"`
	Failures uint32 `json:"failures"`
	Total    uint64 `json:"total_requests"`
	Failed   uint64 `json:"failed_requests"`
	Rejected uint64 `json:"rejected_requests"`
}

func NewBreaker(name string, maxFailures uint32, timeout time.Duration) *Breaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &Breaker{name: name, maxFailures: maxFailures, timeout: timeout, now: time.Now}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) <= b.timeout {
			b.rejected++
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		logging.Info("circuit_breaker_half_open", map[string]any{"name": b.name, "timeout_elapsed": b.timeout.String()})
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			return ErrTooManyRequests
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.failures = 0
	if b.state != StateClosed {
		b.state = StateClosed
		logging.Info("circuit_breaker_closed", map[string]any{"name": b.name, "reason": "recovery_successful"})
	}
}

func (b *Breaker) onFailure() {
	b.failed++
	b.failures++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			logging.Warn("circuit_breaker_opened", map[string]any{
				"name":         b.name,
				"failures":     b.failures,
				"max_failures": b.maxFailures,
				"timeout":      b.timeout.String(),
			})
		}
		b.state = StateOpen
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:    b.state.String(),
		Failures: b.failures,
		Total:    b.total,
		Failed:   b.failed,
		Rejected: b.rejected,
	}
}
