package engine

import (
	"context"
	"math"
	"strings"
	"time"
)

const retryAttempts = 5

func (e *Engine) withRetryVoid(ctx context.Context, fn func() error) error {
	var lastErr error
	var backoff time.Duration = 1 * time.Second
	for i := 0; i < retryAttempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == retryAttempts-1 {
			break
		}
		wait := time.Duration(math.Min(float64(backoff), float64(30*time.Second)))
		if isRateLimitError(lastErr) {
			wait = time.Duration(math.Min(float64(backoff*4), float64(30*time.Second)))
		}
		e.logEntry().WithError(lastErr).Warn("request failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Too many visits!") || strings.Contains(msg, "429") || strings.Contains(msg, "10006")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
