// Package gatewayerr defines the closed error taxonomy used across the
// gateway. Every failure on the path to an upstream instance is represented
// as an *Error carrying a Class, the instance and operation it occurred on,
// and a stable machine-readable code. Components switch on Class rather than
// inspecting status codes or error strings.
package gatewayerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Class is the failure classification. The set is closed: retry policy,
// circuit-breaker accounting, and fallback behavior are all keyed off it.
type Class int

const (
	// ClassClient is a 4xx other than 429. Not retried and never counted
	// against the circuit breaker (401/403 indicate a credential defect on
	// our side, not upstream unhealthiness).
	ClassClient Class = iota

	// ClassRateLimited is a 429. Retried with amplified backoff and double
	// circuit-failure weight.
	ClassRateLimited

	// ClassServer is a 5xx. Retried with standard backoff.
	ClassServer

	// ClassTimeout means the attempt exceeded its deadline. Treated as
	// server-class for retry and accounting purposes.
	ClassTimeout

	// ClassConnection means the instance was refused or unreachable.
	// Triggers the rollout manager's fallback-to-primary hop.
	ClassConnection

	// ClassCircuitOpen is a fail-fast rejection by the circuit breaker;
	// no network attempt was made.
	ClassCircuitOpen

	// ClassCooldown is a fail-fast rejection by the process-wide service
	// cooldown; no network attempt was made.
	ClassCooldown
)

// Code returns the stable machine-readable code for the class. These form a
// public API contract; do not rename existing codes.
func (c Class) Code() string {
	switch c {
	case ClassClient:
		return "GATEWAY_CLIENT_ERROR"
	case ClassRateLimited:
		return "GATEWAY_RATE_LIMITED"
	case ClassServer:
		return "GATEWAY_UPSTREAM_ERROR"
	case ClassTimeout:
		return "GATEWAY_TIMEOUT"
	case ClassConnection:
		return "GATEWAY_CONNECTION_FAILED"
	case ClassCircuitOpen:
		return "GATEWAY_CIRCUIT_OPEN"
	case ClassCooldown:
		return "GATEWAY_COOLDOWN"
	default:
		return "GATEWAY_INTERNAL_ERROR"
	}
}

// HTTPStatus returns the status the gateway's own HTTP surface uses when
// reporting this class to a caller.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassClient:
		return http.StatusBadRequest
	case ClassRateLimited:
		return http.StatusTooManyRequests
	case ClassServer, ClassConnection:
		return http.StatusBadGateway
	case ClassTimeout:
		return http.StatusGatewayTimeout
	case ClassCircuitOpen, ClassCooldown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an attempt failing with this class should be
// retried locally.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassServer, ClassTimeout, ClassConnection:
		return true
	default:
		return false
	}
}

// Error is the gateway's tagged failure type.
type Error struct {
	Class    Class
	Status   int // upstream HTTP status when applicable, else 0
	Instance string
	Op       string
	Hint     string
	// WaitUntil is set on circuit-open and cooldown rejections: the earliest
	// time a new attempt may be permitted.
	WaitUntil time.Time
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s on instance %q", e.Op, e.Instance)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: upstream status %d", msg, e.Status)
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Hint)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// FromStatus classifies a non-2xx upstream response by status code.
func FromStatus(status int, instance, op string) *Error {
	var class Class
	switch {
	case status == http.StatusTooManyRequests:
		class = ClassRateLimited
	case status >= 500:
		class = ClassServer
	default:
		class = ClassClient
	}
	return &Error{
		Class:    class,
		Status:   status,
		Instance: instance,
		Op:       op,
		Hint:     hintForStatus(status),
	}
}

// FromTransport classifies an error returned by the HTTP transport.
// Deadline expiry maps to ClassTimeout; everything else that reached the
// network layer is treated as a connection failure (refused, unreachable,
// DNS failure).
func FromTransport(err error, instance, op string) *Error {
	class := ClassConnection
	hint := "instance unreachable, connection failed"

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = ClassTimeout
		hint = "request timed out, the instance may be overloaded"
	case errors.As(err, &netErr) && netErr.Timeout():
		class = ClassTimeout
		hint = "request timed out, the instance may be overloaded"
	}

	return &Error{
		Class:    class,
		Instance: instance,
		Op:       op,
		Hint:     hint,
		Err:      err,
	}
}

// CircuitOpen builds the fail-fast rejection for an open circuit breaker.
func CircuitOpen(instance, op string, waitUntil time.Time) *Error {
	return &Error{
		Class:     ClassCircuitOpen,
		Instance:  instance,
		Op:        op,
		Hint:      "circuit breaker open, instance is cooling down",
		WaitUntil: waitUntil,
	}
}

// CooldownActive builds the fail-fast rejection for the process-wide
// service cooldown.
func CooldownActive(instance, op string, waitUntil time.Time) *Error {
	return &Error{
		Class:     ClassCooldown,
		Instance:  instance,
		Op:        op,
		Hint:      "service cooldown active, all instances recently degraded",
		WaitUntil: waitUntil,
	}
}

// ClassOf extracts the Class from an error chain. Errors that are not
// *Error (token generation failures, encoding bugs) report ClassClient:
// they are defects on our side and must be neither retried nor counted
// against the breaker.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassClient
}

// IsUnavailable reports whether the error indicates full unavailability
// (circuit open or cooldown active), the only condition under which the
// service client substitutes a fallback payload.
func IsUnavailable(err error) bool {
	c := ClassOf(err)
	return c == ClassCircuitOpen || c == ClassCooldown
}

// IsAuthStatus reports whether the upstream status indicates a credential
// problem. Such failures are excluded from circuit-breaker accounting.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// hintForStatus returns a human-readable hint keyed by status code. Attached
// to the terminal error when retries are exhausted so operators see an
// actionable message, not just a number.
func hintForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "provider rate limit hit, reduce request volume or raise quota"
	case IsAuthStatus(status):
		return "authentication rejected, check the service token configuration"
	case status == http.StatusNotFound:
		return "endpoint not found, check the instance base URL"
	case status >= 500:
		return "instance returned a server error, it may be restarting"
	case status >= 400:
		return "request rejected by the instance"
	default:
		return ""
	}
}
