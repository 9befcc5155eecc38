package llm

import (
	"context"
	"fmt"
	"time"
)

type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// CompleteWithRetry calls c.Complete up to attempts times, sleeping between
// failures with exponential backoff (1s, 2s, 4s, ...). The context cancels
// both the in-flight call and the backoff sleep.
func CompleteWithRetry(ctx context.Context, c Client, system, prompt string, attempts int) (string, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if err := sleepWithContext(ctx, backoff); err != nil {
				return "", err
			}
		}

		text, err := c.Complete(ctx, system, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
	}

	return "", fmt.Errorf("llm request failed after %d attempts: %w", attempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
