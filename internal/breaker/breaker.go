// Package breaker wraps shared-store and bus calls in a circuit breaker so a
// failing dependency degrades to fallbacks instead of stalling handlers.
package breaker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/parleychat/parley/internal/metrics"
)

const (
	// consecutiveFailuresToTrip moves Closed -> Open.
	consecutiveFailuresToTrip = 3
	// halfOpenProbes is the number of consecutive probe successes needed to
	// close again; any probe failure reopens.
	halfOpenProbes = 3
	// defaultCoolOff is how long Open lasts before Half-Open.
	defaultCoolOff = 30 * time.Second
)

// ErrOpen is returned by Execute when the breaker short-circuits and no
// fallback was supplied.
var ErrOpen = errors.New("circuit breaker is open")

// Op is a guarded operation.
type Op func() (interface{}, error)

// Breaker guards one dependency.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker

	totalCalls     atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	shortCircuits  atomic.Int64
}

// New creates a breaker for the named dependency with the default cool-off.
func New(name string) *Breaker {
	return newBreaker(name, defaultCoolOff)
}

func newBreaker(name string, coolOff time.Duration) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Timeout:     coolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailuresToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs op through the breaker. When the breaker is Open (or the
// half-open probe budget is spent) op is skipped and fallback runs instead;
// an error from op also falls back when a fallback is supplied. With no
// fallback the original error (or ErrOpen) is returned.
func (b *Breaker) Execute(op Op, fallback Op) (interface{}, error) {
	b.totalCalls.Add(1)

	res, err := b.cb.Execute(func() (interface{}, error) { return op() })
	if err == nil {
		b.totalSuccesses.Add(1)
		return res, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.shortCircuits.Add(1)
		metrics.CircuitBreakerShortCircuits.WithLabelValues(b.name).Inc()
		if fallback != nil {
			return fallback()
		}
		return nil, ErrOpen
	}

	b.totalFailures.Add(1)
	if fallback != nil {
		return fallback()
	}
	return nil, err
}

// State reports the current breaker state as a string.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Open reports whether the breaker is currently short-circuiting.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Report is a point-in-time snapshot of breaker health.
type Report struct {
	Name           string  `json:"name"`
	State          string  `json:"state"`
	FailureCount   uint32  `json:"failure_count"`
	SuccessCount   uint32  `json:"success_count"`
	TotalCalls     int64   `json:"total_calls"`
	TotalSuccesses int64   `json:"total_successes"`
	TotalFailures  int64   `json:"total_failures"`
	ShortCircuits  int64   `json:"short_circuits"`
	HealthRatio    float64 `json:"health_ratio"`
}

// Report returns current counters. FailureCount and SuccessCount are the
// consecutive counts inside the current breaker generation.
func (b *Breaker) Report() Report {
	counts := b.cb.Counts()
	r := Report{
		Name:           b.name,
		State:          b.State(),
		FailureCount:   counts.ConsecutiveFailures,
		SuccessCount:   counts.ConsecutiveSuccesses,
		TotalCalls:     b.totalCalls.Load(),
		TotalSuccesses: b.totalSuccesses.Load(),
		TotalFailures:  b.totalFailures.Load(),
		ShortCircuits:  b.shortCircuits.Load(),
	}
	if r.TotalCalls > 0 {
		r.HealthRatio = float64(r.TotalSuccesses) / float64(r.TotalCalls)
	}
	return r
}
