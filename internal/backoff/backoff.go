// Package backoff implements the configurable exponential retry curve
// used between delivery attempts.
package backoff

import (
	"errors"
	"math"
	"time"
)

// base caps the additive floor of the curve so that short minimum
// intervals still produce a growing sequence.
const base = 250.0

// ErrInvalidPolicy is returned when the retry policy is incomplete.
var ErrInvalidPolicy = errors.New("backoff: retry policy must define min_retry_interval, max_retry_interval and time_before_drop")

// Policy mirrors postfix-style retry settings, in seconds.
type Policy struct {
	// MinRetryInterval is the minimum time between two retries.
	MinRetryInterval int
	// MaxRetryInterval is the maximum time between two retries.
	MaxRetryInterval int
	// TimeBeforeDrop is the total time before the mail is dropped.
	TimeBeforeDrop int
}

// ExponentialBackOff computes per-attempt delays following A*e**n + B,
// clamped to the maximum interval.
type ExponentialBackOff struct {
	policy Policy
	base   float64
	a      float64
}

// New validates the policy and builds the curve.
func New(policy Policy) (*ExponentialBackOff, error) {
	if policy.MinRetryInterval <= 0 || policy.MaxRetryInterval <= 0 || policy.TimeBeforeDrop <= 0 {
		return nil, ErrInvalidPolicy
	}
	// For cases where the minimum interval is under the floor, ensure
	// the difference is always at least 1.
	b := math.Min(base, float64(policy.MinRetryInterval-1))
	return &ExponentialBackOff{
		policy: policy,
		base:   b,
		a:      (float64(policy.MinRetryInterval) - b) / math.E,
	}, nil
}

// Delay returns the raw delay for one attempt number, in seconds.
func (e *ExponentialBackOff) Delay(attempts int) float64 {
	return math.Min(
		e.a*math.Pow(math.E, float64(attempts))+e.base,
		float64(e.policy.MaxRetryInterval))
}

// Next returns the wait before the given attempt, or false when the
// cumulative delay of the previous attempts already exceeds the drop
// budget and the mail must be dropped instead.
func (e *ExponentialBackOff) Next(attempts int) (time.Duration, bool) {
	total := 0.0
	for i := 0; i < attempts; i++ {
		total += e.Delay(i)
	}
	if total <= float64(e.policy.TimeBeforeDrop) {
		return time.Duration(int(e.Delay(attempts))) * time.Second, true
	}
	return 0, false
}
