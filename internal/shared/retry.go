package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryOnSQLiteConflict runs op up to maxRetries times, backing off
// exponentially from baseDelay while op fails with SQLITE_BUSY or a locked
// database. Other errors are returned immediately.
func RetryOnSQLiteConflict(ctx context.Context, maxRetries int, baseDelay time.Duration, op func(context.Context) error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op(ctx)
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms with the default base
		slog.Debug("SQLite busy, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
