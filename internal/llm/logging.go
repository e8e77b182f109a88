package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/delfos/internal/metrics"
)

// RetryConfig bounds retries of rate-limited completions.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryConfig returns the retry policy used by the server.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  5 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
	}
}

type instrumented struct {
	next   Completer
	logger *slog.Logger
	retry  RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// Instrument wraps c so every completion is logged, measured and retried
// when the provider reports a rate limit. Other errors are returned as is.
func Instrument(c Completer, logger *slog.Logger, retry RetryConfig) Completer {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &instrumented{next: c, logger: logger, retry: retry, sleep: sleepCtx}
}

func (i *instrumented) Name() string {
	return i.next.Name()
}

func (i *instrumented) Complete(ctx context.Context, messages []Message) (string, error) {
	op := OperationFrom(ctx)
	delay := i.retry.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= i.retry.MaxAttempts; attempt++ {
		started := time.Now()
		out, err := i.next.Complete(ctx, messages)
		latency := time.Since(started)

		if err == nil {
			metrics.ObserveLLMCall(i.next.Name(), "ok", latency)
			i.logger.Debug("llm completion",
				"op", op,
				"provider", i.next.Name(),
				"messages", len(messages),
				"latency", latency,
				"response_chars", len(out),
			)
			return out, nil
		}

		lastErr = err
		limited := IsRateLimit(err)
		outcome := "error"
		if limited {
			outcome = "rate_limited"
		}
		metrics.ObserveLLMCall(i.next.Name(), outcome, latency)

		if !limited || attempt == i.retry.MaxAttempts {
			break
		}
		wait := delay
		if hinted, ok := retryAfterHint(err); ok {
			wait = hinted
		}
		if i.retry.MaxDelay > 0 && wait > i.retry.MaxDelay {
			wait = i.retry.MaxDelay
		}
		i.logger.Warn("llm rate limited, retrying",
			"op", op,
			"provider", i.next.Name(),
			"attempt", attempt,
			"max_attempts", i.retry.MaxAttempts,
			"wait", wait,
		)
		if err := i.sleep(ctx, wait); err != nil {
			return "", err
		}
		delay = time.Duration(float64(delay) * i.retry.BackoffFactor)
	}

	i.logger.Error("llm completion failed", "op", op, "provider", i.next.Name(), "error", lastErr)
	return "", lastErr
}

// IsRateLimit reports whether err is a provider rate-limit response.
func IsRateLimit(err error) bool {
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) && oaErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) && antErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return rateLimitPattern.MatchString(err.Error())
}

// rateLimitPattern matches providers whose errors carry no typed status. 429
// must stand alone so token counts such as "4290 tokens" do not match.
var rateLimitPattern = regexp.MustCompile(`(?i)rate[ _]limit|\b429\b`)

var retryAfterPattern = regexp.MustCompile(`(?i)(\d+)\s*seconds?`)

// retryAfterHint extracts "retry after N seconds" style hints from the error.
func retryAfterHint(err error) (time.Duration, bool) {
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
