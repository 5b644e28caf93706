package biz

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons carried by the kratos errors returned from this layer.
const (
	ReasonSignatureInvalid      = "WEBHOOK_SIGNATURE_INVALID"
	ReasonPayloadInvalid        = "WEBHOOK_PAYLOAD_INVALID"
	ReasonRateLimitPrefix       = "RATE_LIMIT_EXCEEDED_"
	ReasonDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ReasonDependencyTimeout     = "DEPENDENCY_TIMEOUT"
	ReasonStrategyFailed        = "STRATEGY_FAILED"
	ReasonDeliveryFailed        = "DELIVERY_FAILED"
	ReasonBackpressure          = "PIPELINE_BACKPRESSURE"
)

// NewAuthenticationError is returned when the webhook signature does not verify.
func NewAuthenticationError() error {
	return errors.New(401, ReasonSignatureInvalid, "webhook signature verification failed")
}

// NewPayloadError is returned for a body that is not a valid webhook payload.
func NewPayloadError(cause error) error {
	return errors.New(400, ReasonPayloadInvalid, "malformed webhook payload").WithCause(cause)
}

// NewRateLimitExceededError creates a 429 error for the violated scope.
// retry_after metadata is whole seconds, rounded up, never below 1.
func NewRateLimitExceededError(scope RateLimitScope, retryAfter time.Duration) error {
	secs := RetryAfterSeconds(retryAfter)
	return errors.New(
		429,
		ReasonRateLimitPrefix+strings.ToUpper(string(scope)),
		fmt.Sprintf("rate limit exceeded: scope=%s retry_after=%ds", scope, secs),
	).WithMetadata(map[string]string{
		"scope":       string(scope),
		"retry_after": strconv.FormatInt(secs, 10),
	})
}

// RetryAfterSeconds converts a retry hint to the Retry-After header value.
func RetryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// NewBackpressureError asks the sender to redeliver later because the
// inbound queue is full. It carries a 1s retry_after.
func NewBackpressureError(cause error) error {
	return errors.New(429, ReasonBackpressure, "inbound queue is full, retry later").
		WithMetadata(map[string]string{"retry_after": "1"}).WithCause(cause)
}

// NewDependencyUnavailableError is returned when a breaker short-circuits a call.
func NewDependencyUnavailableError(dependency string) error {
	return errors.New(503, ReasonDependencyUnavailable,
		fmt.Sprintf("dependency %s is unavailable", dependency),
	).WithMetadata(map[string]string{"dependency": dependency})
}

// NewDependencyTimeoutError is returned when a guarded call exceeds its deadline.
func NewDependencyTimeoutError(dependency string, timeout time.Duration) error {
	return errors.New(504, ReasonDependencyTimeout,
		fmt.Sprintf("dependency %s did not answer within %s", dependency, timeout),
	).WithMetadata(map[string]string{"dependency": dependency})
}

// NewStrategyFailureError wraps a strategy error.
func NewStrategyFailureError(strategy StrategyID, cause error) error {
	return errors.New(502, ReasonStrategyFailed,
		fmt.Sprintf("strategy %s failed", strategy),
	).WithMetadata(map[string]string{"strategy": string(strategy)}).WithCause(cause)
}

// NewDeliveryFailureError is returned when a reply could not be delivered.
func NewDeliveryFailureError(attempts int, cause error) error {
	return errors.New(502, ReasonDeliveryFailed,
		fmt.Sprintf("delivery failed after %d attempts", attempts),
	).WithMetadata(map[string]string{"attempts": strconv.Itoa(attempts)}).WithCause(cause)
}

// IsDependencyUnavailable reports whether err is a breaker short-circuit.
func IsDependencyUnavailable(err error) bool {
	return errors.Reason(err) == ReasonDependencyUnavailable
}

// IsDependencyTimeout reports whether err is a guarded-call timeout.
func IsDependencyTimeout(err error) bool {
	return errors.Reason(err) == ReasonDependencyTimeout
}
