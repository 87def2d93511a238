package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientOption configures a Client. An option returns an error for values
// the client cannot use.
type ClientOption func(*Client) error

// WithMaxReconnects bounds the driver's own reconnects; -1 retries forever
// and 0 reports the first loss to the caller
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return fmt.Errorf("max reconnects %d", n)
		}
		c.maxReconnects = n
		return nil
	}
}

// WithPingInterval sets how often the server is pinged
func WithPingInterval(d time.Duration) ClientOption {
	return positive("ping interval", d, func(c *Client) { c.pingInterval = d })
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return positive("timeout", d, func(c *Client) { c.timeout = d })
}

// WithMaxBackoff caps the circuit breaker backoff. Values under a second
// fall back to a minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets the consecutive failures that open the
// circuit; values under 1 mean 5
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithHealthChangeCallback is called, on its own goroutine, whenever the
// connection goes up or down
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithCredentials authenticates with a user and password. Either being
// empty disables authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username, c.password = username, password
		return nil
	}
}

// WithName is the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

func positive(what string, d time.Duration, set func(*Client)) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", what, d)
		}
		set(c)
		return nil
	}
}
