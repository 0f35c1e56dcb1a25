// Package retry wraps a single logical upstream operation with bounded
// retries, failure-class-specific backoff, and circuit-breaker feedback.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dskow/ai-gateway/internal/breaker"
	"github.com/dskow/ai-gateway/internal/gatewayerr"
	"github.com/dskow/ai-gateway/internal/metrics"
)

// Backoff growth factors and the rate-limit delay ceiling. Rate-limited
// attempts back off three times faster and cap higher so the gateway yields
// to provider throttling instead of hammering it.
const (
	serverGrowth      = 2
	rateLimitGrowth   = 3
	rateLimitDelayCap = 15 * time.Second
	jitterFraction    = 0.2
)

// Policy holds the retry tuning for one executor.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt; the
	// total attempt budget is MaxRetries+1.
	MaxRetries int
	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration
	// InitialDelay is the backoff base before growth and jitter.
	InitialDelay time.Duration
	// MaxDelay caps server-error backoff. Rate-limit backoff caps at 15s.
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		AttemptTimeout: 5 * time.Second,
		InitialDelay:   time.Second,
		MaxDelay:       8 * time.Second,
	}
}

// Executor runs operations against one instance, consulting the shared
// cooldown and the instance's circuit breaker before every operation.
type Executor struct {
	instance string
	policy   Policy
	breaker  *breaker.Breaker
	cooldown *breaker.Cooldown
	logger   *slog.Logger

	// Injection points for deterministic tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewExecutor creates an Executor for the named instance.
func NewExecutor(instance string, policy Policy, br *breaker.Breaker, cd *breaker.Cooldown, logger *slog.Logger) *Executor {
	return &Executor{
		instance: instance,
		policy:   policy,
		breaker:  br,
		cooldown: cd,
		logger:   logger,
		sleep:    sleepCtx,
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Float64() * jitterFraction * float64(d))
		},
	}
}

// Do executes fn with retries. It fails fast when the service cooldown is
// active or the circuit breaker rejects, attempts the operation up to
// MaxRetries+1 times with a per-attempt deadline, and feeds every outcome
// back into the breaker. The terminal error is the last attempt's error;
// hints are attached during classification, not here.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if until, active := e.cooldown.Active(); active {
		return gatewayerr.CooldownActive(e.instance, op, until)
	}

	if d := e.breaker.Allow(); !d.Allowed {
		return gatewayerr.CircuitOpen(e.instance, op, d.WaitUntil)
	}

	maxAttempts := e.policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			e.breaker.OnSuccess()
			return nil
		}
		lastErr = err

		class := gatewayerr.ClassOf(err)
		e.recordFailure(class)

		if !class.Retryable() || attempt == maxAttempts {
			break
		}

		delay := e.backoffDelay(class, attempt)
		metrics.Retries.WithLabelValues(e.instance, op, class.Code()).Inc()
		e.logger.Warn("retrying upstream operation",
			"instance", e.instance,
			"operation", op,
			"attempt", attempt,
			"class", class.Code(),
			"delay", delay,
		)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return gatewayerr.FromTransport(sleepErr, e.instance, op)
		}
	}

	// One extra failure on exhaustion, unless the terminal error is itself
	// a breaker rejection (would double count).
	if !gatewayerr.IsUnavailable(lastErr) && gatewayerr.ClassOf(lastErr).Retryable() {
		e.breaker.OnFailure(breaker.WeightDefault)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// recordFailure feeds one attempt's failure into the circuit breaker.
// Rate-limit failures count double; client errors (including 401/403) are
// never counted.
func (e *Executor) recordFailure(class gatewayerr.Class) {
	switch class {
	case gatewayerr.ClassRateLimited:
		e.breaker.OnFailure(breaker.WeightRateLimit)
	case gatewayerr.ClassServer, gatewayerr.ClassTimeout, gatewayerr.ClassConnection:
		e.breaker.OnFailure(breaker.WeightDefault)
	}
}

// backoffDelay computes min(cap, base*growth^(attempt-1)) plus jitter of up
// to 20%, drawn fresh per attempt so concurrent callers do not retry in
// lockstep.
func (e *Executor) backoffDelay(class gatewayerr.Class, attempt int) time.Duration {
	growth, ceil := serverGrowth, e.policy.MaxDelay
	if class == gatewayerr.ClassRateLimited {
		growth, ceil = rateLimitGrowth, rateLimitDelayCap
	}

	delay := e.policy.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(growth)
		if delay >= ceil {
			delay = ceil
			break
		}
	}
	if delay > ceil {
		delay = ceil
	}
	return delay + e.jitter(delay)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
