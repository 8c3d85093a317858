package llmrelay

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/llmrelay/llmrelay/internal/contextbuilder"
	"github.com/llmrelay/llmrelay/internal/secret"
	"github.com/llmrelay/llmrelay/internal/store"
	"github.com/llmrelay/llmrelay/pkg/health"
	"github.com/llmrelay/llmrelay/providers"
)

// Config collects relay construction settings. Use the With* options.
type Config struct {
	registry    *providers.Registry
	healthStore health.Store
	credentials secret.Store
	descriptors store.DescriptorStore
	messages    store.MessageStore
	builder     contextbuilder.Builder
	eventSink   EventSink
	logger      *slog.Logger
	tracer      trace.Tracer
	rng         *rand.Rand
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	recentTTL   time.Duration
}

// Option configures the relay.
type Option func(*Config)

// WithRegistry sets the adapter registry (required).
func WithRegistry(r *providers.Registry) Option {
	return func(c *Config) { c.registry = r }
}

// WithHealthStore sets the health persistence backend.
// Defaults to an in-memory store.
func WithHealthStore(s health.Store) Option {
	return func(c *Config) { c.healthStore = s }
}

// WithCredentials sets the credential store (required).
func WithCredentials(s secret.Store) Option {
	return func(c *Config) { c.credentials = s }
}

// WithDescriptors sets the provider descriptor store (required).
func WithDescriptors(s store.DescriptorStore) Option {
	return func(c *Config) { c.descriptors = s }
}

// WithMessageStore enables RouteAndSave persistence.
func WithMessageStore(s store.MessageStore) Option {
	return func(c *Config) { c.messages = s }
}

// WithContextBuilder sets the context builder. Defaults to passthrough.
func WithContextBuilder(b contextbuilder.Builder) Option {
	return func(c *Config) { c.builder = b }
}

// WithEventSink sets the routing event sink. Defaults to discarding events.
func WithEventSink(s EventSink) Option {
	return func(c *Config) { c.eventSink = s }
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithTracer enables span creation around route attempts.
func WithTracer(t trace.Tracer) Option {
	return func(c *Config) { c.tracer = t }
}

// WithRand injects the random source behind candidate weights and sampling.
func WithRand(rng *rand.Rand) Option {
	return func(c *Config) { c.rng = rng }
}

// WithSleep replaces the inter-attempt backoff sleep. Tests use it to make
// backoff instantaneous while still observing cancellation.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Config) { c.sleep = sleep }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.now = now }
}

// WithRecentTTL sets how long per-conversation provider memory is retained.
func WithRecentTTL(ttl time.Duration) Option {
	return func(c *Config) { c.recentTTL = ttl }
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
