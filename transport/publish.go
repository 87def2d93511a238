package transport

import (
	"context"
	"time"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/pkg/retry"
)

// publishRetry is one publish plus one retry on a fresh connection
var publishRetry = retry.Config{
	MaxAttempts:  2,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     10 * time.Millisecond,
	Multiplier:   1,
}

// PublishWithReconnect publishes payload under key. On failure it
// disconnects, reconnects and retries exactly once before returning the
// error.
func PublishWithReconnect(ctx context.Context, b Broker, key string, payload []byte) error {
	attempt := 0
	err := retry.Do(ctx, publishRetry, func() error {
		attempt++
		if attempt > 1 {
			_ = b.Disconnect(ctx)
			if err := b.Connect(ctx); err != nil {
				return err
			}
		}
		return b.Publish(ctx, key, payload)
	})
	if err != nil {
		return errors.WrapTransient(err, b.Name(), "PublishWithReconnect", "publish "+key)
	}
	return nil
}
