package optlock

import (
	"context"
	"errors"
	"testing"
)

func TestRetrySucceedsAfterConflicts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsOnPersistentConflict(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnBusinessError(t *testing.T) {
	businessErr := errors.New("insufficient stock")
	attempts := 0
	err := Retry(context.Background(), 5, func(ctx context.Context) error {
		attempts++
		return businessErr
	})
	if !errors.Is(err, businessErr) {
		t.Fatalf("expected business error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("business errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, func(ctx context.Context) error {
		return ErrConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
