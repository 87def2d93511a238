package dispatch

import (
	"context"

	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
	"github.com/c360/stratcon/pkg/cache"
)

// Interceptor sees a message before the default handling. Returning true
// claims the message and ends its handling.
type Interceptor interface {
	Intercept(ctx context.Context, msg message.Message) (bool, error)
}

// InterceptorFunc adapts a function to an Interceptor
type InterceptorFunc func(ctx context.Context, msg message.Message) (bool, error)

// Intercept implements Interceptor
func (f InterceptorFunc) Intercept(ctx context.Context, msg message.Message) (bool, error) {
	return f(ctx, msg)
}

// DefaultDedupSize is the number of recent digests remembered
const DefaultDedupSize = 65536

// DedupInterceptor claims events whose digest was seen recently. Commands
// always pass through.
type DedupInterceptor struct {
	seen    cache.Cache[struct{}]
	metrics *metric.Metrics
}

// NewDedupInterceptor remembers up to size digests; zero or less uses
// DefaultDedupSize. metrics may be nil.
func NewDedupInterceptor(size int, metrics *metric.Metrics, opts ...cache.Option[struct{}]) (*DedupInterceptor, error) {
	if size <= 0 {
		size = DefaultDedupSize
	}
	seen, err := cache.NewLRU(size, opts...)
	if err != nil {
		return nil, err
	}
	return &DedupInterceptor{seen: seen, metrics: metrics}, nil
}

// Intercept implements Interceptor
func (d *DedupInterceptor) Intercept(_ context.Context, msg message.Message) (bool, error) {
	ev, ok := msg.(message.Event)
	if !ok {
		return false, nil
	}
	digest := ev.Digest()
	if digest.IsZero() {
		return false, nil
	}
	dup, err := d.seen.ContainsOrAdd(digest.String(), struct{}{})
	if err != nil {
		return false, err
	}
	if dup {
		d.metrics.RecordDeduped()
	}
	return dup, nil
}

// Stats returns the digest cache statistics
func (d *DedupInterceptor) Stats() cache.StatsSummary {
	return d.seen.Stats().Summary()
}
