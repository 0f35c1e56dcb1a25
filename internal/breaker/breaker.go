// Package breaker provides the per-instance circuit breaker and the
// process-wide service cooldown that together gate outbound calls to
// inference instances.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/ai-gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; one exploratory call allowed.
)

// String returns a human-readable state name.
func (s State) String() string {
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

// Failure weights. Rate-limit responses count double so the circuit opens
// faster under provider throttling.
const (
	WeightDefault   uint = 1
	WeightRateLimit uint = 2
)

// Decision is the result of a permission check.
type Decision struct {
	Allowed   bool
	Reason    string    // "circuit" when rejected by an open breaker
	WaitUntil time.Time // earliest time a new attempt may be permitted
}

// Breaker is a consecutive-failure circuit breaker owned by exactly one
// service client. It opens once the weighted failure count reaches the
// threshold and re-admits a single probe after the cooldown elapses.
// The OPEN to HALF_OPEN transition happens as a side effect of Allow,
// not on a timer.
type Breaker struct {
	mu sync.Mutex

	instance string
	logger   *slog.Logger

	state        State
	failureCount uint
	lastFailure  time.Time
	nextAttempt  time.Time

	threshold uint
	cooldown  time.Duration

	now func() time.Time
}

// New creates a circuit breaker for the named instance.
func New(instance string, threshold uint, cooldown time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		instance:  instance,
		logger:    logger,
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is OPEN and the
// cooldown has elapsed it transitions to HALF_OPEN and admits the call.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return Decision{Allowed: true}
	case StateOpen:
		if !b.now().Before(b.nextAttempt) {
			b.transitionTo(StateHalfOpen)
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: "circuit", WaitUntil: b.nextAttempt}
	default:
		return Decision{Allowed: true}
	}
}

// OnSuccess records a successful call. In HALF_OPEN it closes the circuit;
// in CLOSED it clears any accumulated failures.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failureCount = 0
		b.transitionTo(StateClosed)
	case StateClosed:
		b.failureCount = 0
	}
}

// OnFailure records a failed call with the given weight. A HALF_OPEN probe
// failure re-opens immediately; in CLOSED the circuit opens once the
// weighted count reaches the threshold.
func (b *Breaker) OnFailure(weight uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failureCount += weight
	b.lastFailure = now

	switch b.state {
	case StateHalfOpen:
		b.nextAttempt = now.Add(b.cooldown)
		b.transitionTo(StateOpen)
	case StateClosed:
		if b.failureCount >= b.threshold {
			b.nextAttempt = now.Add(b.cooldown)
			b.transitionTo(StateOpen)
		}
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of the breaker for the admin API.
type Snapshot struct {
	State        string    `json:"state"`
	FailureCount uint      `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	NextAttempt  time.Time `json:"next_attempt,omitzero"`
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state.String(),
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailure,
		NextAttempt:  b.nextAttempt,
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.instance, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.instance).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"instance", b.instance,
		"from", from.String(),
		"to", newState.String(),
		"failure_count", b.failureCount,
	)
}
