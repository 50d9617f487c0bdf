package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent 包装一个不应重试的错误
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryWithBackoff 执行 operation，失败时按指数退避最多重试 maxRetries 次。
// operationName 仅用于日志。ctx 结束或 operation 返回 Permanent 错误时立即停止。
func RetryWithBackoff(ctx context.Context, operationName string, maxRetries int, initialBackoff time.Duration, maxBackoff time.Duration, operation func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialBackoff
	eb.MaxInterval = maxBackoff
	eb.Multiplier = 1.5
	eb.MaxElapsedTime = 0

	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return operation()
	}, b, func(err error, next time.Duration) {
		slog.Debug("retry attempt failed", "operation", operationName, "attempt", attempt, "error", err, "backoff_ms", next.Milliseconds())
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	slog.Error("operation failed after all retries", "operation", operationName, "attempts", attempt, "error", err)
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempt, err)
}
