package chat

import (
	"context"
	"fmt"
	"time"
)

// Embed colours shared by the command surface.
const (
	ColorInfo    = 0x5B8DEF
	ColorSuccess = 0x2ECC71
	ColorWarn    = 0xF1C40F
	ColorError   = 0xFF6B6B
)

// ErrorEmbed styles a user-facing error.
func ErrorEmbed(title, description string) Embed {
	return Embed{Title: title, Description: description, Color: ColorError}
}

// InfoEmbed styles an informational card.
func InfoEmbed(title, description string) Embed {
	return Embed{Title: title, Description: description, Color: ColorInfo}
}

// DefaultRetryAttempts and DefaultRetryBackoff bound retries of transient
// platform calls.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
)

// Retry runs fn up to attempts times, sleeping backoff between failures.
// The last error is returned wrapped with the attempt count.
func Retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		zero    T
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("chat: %d attempts failed: %w", attempts, lastErr)
}
