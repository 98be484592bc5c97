package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeBackoff(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 1000, MaxAttempts: 5}

	if d := ComputeBackoff("k", 0, policy); d != 0 {
		t.Errorf("attempt 0 delay = %v, want 0", d)
	}
	if d := ComputeBackoff("k", 1, policy); d != 200*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 200ms", d)
	}
	if d := ComputeBackoff("k", 2, policy); d != 400*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 400ms", d)
	}
	// Capped at MaxMs
	if d := ComputeBackoff("k", 10, policy); d != time.Second {
		t.Errorf("attempt 10 delay = %v, want 1s", d)
	}
}

func TestDeterministicJitter(t *testing.T) {
	policy := Policy{BaseMs: 10, MaxMs: 1000, MaxJitterMs: 50}
	a := ComputeBackoff("conflict-1", 2, policy)
	b := ComputeBackoff("conflict-1", 2, policy)
	if a != b {
		t.Fatalf("jitter not deterministic: %v vs %v", a, b)
	}
	if a < 40*time.Millisecond || a >= 90*time.Millisecond {
		t.Errorf("delay %v outside [40ms, 90ms)", a)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), "k", Policy{MaxAttempts: 5}, func(err error) bool {
		return !errors.Is(err, fatal)
	}, func(int) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want fatal after 1 call", err, calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "k", Policy{MaxAttempts: 3}, nil, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want success after 3 calls", err, calls)
	}
}

func TestDo_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, "k", Policy{BaseMs: 1000, MaxAttempts: 3}, nil, func(int) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
