package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database busy"), true},
		{errors.New("database is locked (5)"), true},
		{errors.New("no such table: sessions"), false},
	}
	for _, tc := range cases {
		if got := IsSQLiteConflictError(tc.err); got != tc.want {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryOnSQLiteConflict(t *testing.T) {
	calls := 0
	err := RetryOnSQLiteConflict(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = RetryOnSQLiteConflict(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected immediate failure, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = RetryOnSQLiteConflict(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil || calls != 2 {
		t.Fatalf("expected failure after 2 attempts, got err=%v calls=%d", err, calls)
	}
}
