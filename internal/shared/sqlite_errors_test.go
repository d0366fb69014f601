package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("database is locked"), want: true},
		{err: errors.New("exec: SQLITE_BUSY (5)"), want: true},
		{err: errors.New("no such table"), want: false},
	}
	for _, tt := range tests {
		if got := IsSQLiteConflictError(tt.err); got != tt.want {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	t.Run("retries conflicts then succeeds", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryOnConflict(context.Background(), 3, time.Millisecond, "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryOnConflict(context.Background(), 2, time.Millisecond, "test", func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if err == nil || calls != 2 {
			t.Fatalf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		want := errors.New("constraint failed")
		err := RetryOnConflict(context.Background(), 5, time.Millisecond, "test", func() error {
			calls++
			return want
		})
		if !errors.Is(err, want) || calls != 1 {
			t.Fatalf("err = %v, calls = %d", err, calls)
		}
	})
}
