// Package retry provides bounded retry loops with exponential backoff and
// deterministic jitter.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used when callers pass a zero Policy.
var DefaultPolicy = Policy{BaseMs: 50, MaxMs: 2000, MaxJitterMs: 25, MaxAttempts: 3}

// ComputeBackoff returns the delay before attempt (0-based). Attempt 0 never waits.
func ComputeBackoff(key string, attempt int, policy Policy) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	factor := int64(1) << shift

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(key, attempt, policy)) * time.Millisecond
}

// deterministicJitter derives jitter from the key so replays wait identically.
func deterministicJitter(key string, attempt int, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run
// out, or ctx is done. The last error is returned.
func Do(ctx context.Context, key string, policy Policy, retryable func(error) bool, fn func(attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy
	}

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if delay := ComputeBackoff(key, attempt, policy); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
