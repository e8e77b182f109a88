package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/delfos/internal/toolclient"
)

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invokeWithRetry calls the tool and repeats the call once after backoff when
// the failure is transient. Remote rejections are returned immediately.
func invokeWithRetry(ctx context.Context, tools toolclient.Invoker, tool string, args map[string]any,
	backoff time.Duration, sleep sleepFunc, logger *slog.Logger,
) (toolclient.Result, error) {
	res, err := tools.Invoke(ctx, tool, args)
	if err == nil || !toolclient.IsRetryable(err) {
		return res, err
	}
	logger.Warn("tool call failed, retrying once", "tool", tool, "kind", toolclient.KindOf(err), "backoff", backoff, "error", err)
	if sleepErr := sleep(ctx, backoff); sleepErr != nil {
		return toolclient.Result{}, err
	}
	return tools.Invoke(ctx, tool, args)
}
