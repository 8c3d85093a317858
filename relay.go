package llmrelay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmrelay/llmrelay/internal/contextbuilder"
	"github.com/llmrelay/llmrelay/internal/resilience"
	"github.com/llmrelay/llmrelay/internal/store"
	"github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/health"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/routers"
)

// Retry budget for one route call. Backoff doubles per attempt up to the cap.
const (
	// MaxAttempts bounds how many candidates one route call may try.
	MaxAttempts = 6
	// baseRetryDelay is the backoff after the first failed attempt.
	baseRetryDelay = time.Second
	// maxRetryDelay caps the exponential backoff.
	maxRetryDelay = 30 * time.Second
)

// RouteOptions describes one generation request.
type RouteOptions struct {
	ConversationID string
	Messages       []provider.Message
	// Model overrides the chosen adapter's default model when set.
	Model string
	// UserMessageID links events to the triggering user message.
	UserMessageID string
	// OnStream receives chunks as they arrive. Optional. Panics from the
	// sink are contained and never abort routing.
	OnStream provider.StreamSink
}

// RouteResult is the outcome of a route call.
type RouteResult struct {
	Success      bool
	Content      string
	ProviderID   string
	Model        string
	Tokens       int
	LatencyMs    int64
	Err          *errors.NormalizedError
	AttemptsUsed int
	// MessageID is set by RouteAndSave.
	MessageID string
}

// UISink receives stream chunks keyed by conversation, for callers that
// multiplex several conversations over one channel.
type UISink func(conversationID string, chunk provider.StreamChunk)

// Relay routes generation requests across providers with weighted selection,
// health tracking, circuit breaking, and fallback.
type Relay struct {
	registry    adapterRegistry
	healthStore health.Store
	breaker     *resilience.Breaker
	pool        *routers.Pool
	credentials credentialStore
	descriptors store.DescriptorStore
	messages    store.MessageStore
	builder     contextbuilder.Builder
	sink        EventSink
	recent      *RecentProviders
	logger      *slog.Logger
	tracer      trace.Tracer
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// adapterRegistry is the registry surface the relay uses.
type adapterRegistry interface {
	Get(id string) (provider.Adapter, bool)
	Has(id string) bool
	IDs() []string
}

// credentialStore mirrors secret.Store without binding the relay to one
// implementation.
type credentialStore interface {
	GetKey(ctx context.Context, providerID string) (string, error)
	HasCredential(ctx context.Context, providerID string) bool
}

// New builds a relay. Registry, descriptors, and credentials are required;
// everything else has working defaults.
func New(opts ...Option) (*Relay, error) {
	cfg := &Config{
		builder:   contextbuilder.NewPassthrough(),
		eventSink: NopSink{},
		logger:    slog.Default(),
		sleep:     defaultSleep,
		now:       time.Now,
		recentTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.registry == nil {
		return nil, fmt.Errorf("llmrelay: registry is required")
	}
	if cfg.descriptors == nil {
		return nil, fmt.Errorf("llmrelay: descriptor store is required")
	}
	if cfg.credentials == nil {
		return nil, fmt.Errorf("llmrelay: credential store is required")
	}
	if cfg.healthStore == nil {
		cfg.healthStore = health.NewMemoryStore()
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	breaker := resilience.New(cfg.healthStore,
		resilience.WithClock(cfg.now),
		resilience.WithLogger(cfg.logger),
	)

	r := &Relay{
		registry:    cfg.registry,
		healthStore: cfg.healthStore,
		breaker:     breaker,
		credentials: cfg.credentials,
		descriptors: cfg.descriptors,
		messages:    cfg.messages,
		builder:     cfg.builder,
		sink:        cfg.eventSink,
		recent:      NewRecentProviders(cfg.recentTTL),
		logger:      cfg.logger,
		tracer:      cfg.tracer,
		sleep:       cfg.sleep,
		now:         cfg.now,
	}
	r.pool = routers.NewPool(cfg.registry, cfg.descriptors, cfg.credentials, cfg.healthStore, breaker,
		routers.WithRand(cfg.rng))

	if err := r.seedHealth(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// seedHealth ensures every configured provider has a health record, so
// eligibility checks never drop a fresh registration.
func (r *Relay) seedHealth(ctx context.Context) error {
	descs, err := r.descriptors.List(ctx)
	if err != nil {
		return fmt.Errorf("list descriptors: %w", err)
	}
	for _, d := range descs {
		if _, err := r.healthStore.Get(ctx, d.ID); err == nil {
			continue
		}
		if err := r.healthStore.Reset(ctx, d.ID); err != nil {
			return fmt.Errorf("seed health for %s: %w", d.ID, err)
		}
	}
	return nil
}

// Route runs the retry/fallback loop for one request. Cancellation via ctx
// returns ctx's error; the relay records neither success nor failure for an
// attempt interrupted by cancellation.
func (r *Relay) Route(ctx context.Context, opts RouteOptions) (*RouteResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "llmrelay.route",
			trace.WithAttributes(attribute.String("conversation_id", opts.ConversationID)))
		defer span.End()
	}

	msgs, err := r.builder.BuildContext(ctx, opts.ConversationID, opts.Messages)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	// Summarization runs detached from the request lifetime.
	go r.builder.MaybeSummarize(context.WithoutCancel(ctx), opts.ConversationID)

	tried := make(map[string]struct{})
	recent := r.recent.Get(opts.ConversationID)
	var lastErr *errors.NormalizedError
	attempt := 0

	for attempt < MaxAttempts {
		attempt++
		if ctx.Err() != nil {
			return &RouteResult{AttemptsUsed: attempt - 1}, ctx.Err()
		}

		candidates, err := r.pool.Candidates(ctx, routers.SelectionOptions{Exclude: tried, Recent: recent})
		if err != nil {
			return nil, fmt.Errorf("build candidates: %w", err)
		}
		if len(candidates) == 0 {
			r.emit(Event{
				ConversationID: opts.ConversationID,
				MessageID:      opts.UserMessageID,
				Kind:           EventExhaust,
				Attempt:        attempt - 1,
				ErrorKind:      errorKind(lastErr),
				ErrorMessage:   errorMessage(lastErr),
			})
			if lastErr == nil {
				lastErr = errors.NewUnknown("no eligible providers")
			}
			return &RouteResult{Err: lastErr, AttemptsUsed: attempt - 1}, nil
		}

		cand := r.pool.Select(candidates)
		tried[cand.ID] = struct{}{}
		r.emit(Event{
			ConversationID: opts.ConversationID,
			MessageID:      opts.UserMessageID,
			Kind:           EventAttempt,
			ProviderID:     cand.ID,
			Attempt:        attempt,
		})

		adapter, ok := r.registry.Get(cand.ID)
		if !ok {
			r.logger.Warn("candidate has no adapter", "provider", cand.ID)
			continue
		}
		credential, err := r.credentials.GetKey(ctx, cand.ID)
		if err != nil {
			r.logger.Warn("candidate credential unavailable", "provider", cand.ID, "error", err)
			continue
		}

		outcome := r.runAttempt(ctx, adapter, credential, msgs, opts)
		latencyMs := outcome.latency.Milliseconds()

		if ctx.Err() != nil {
			// Cancelled mid-attempt: no health or circuit updates.
			return &RouteResult{AttemptsUsed: attempt}, ctx.Err()
		}

		if outcome.err == nil {
			if err := r.healthStore.RecordSuccess(ctx, cand.ID, float64(latencyMs)); err != nil {
				r.logger.Warn("health update failed", "provider", cand.ID, "error", err)
			}
			r.breaker.RecordSuccess(ctx, cand.ID)
			r.recent.Push(opts.ConversationID, cand.ID)
			r.emit(Event{
				ConversationID: opts.ConversationID,
				MessageID:      opts.UserMessageID,
				Kind:           EventSuccess,
				ProviderID:     cand.ID,
				Attempt:        attempt,
				LatencyMs:      latencyMs,
			})
			return &RouteResult{
				Success:      true,
				Content:      outcome.content,
				ProviderID:   cand.ID,
				Model:        outcome.model,
				Tokens:       outcome.usage.TotalTokens,
				LatencyMs:    latencyMs,
				AttemptsUsed: attempt,
			}, nil
		}

		lastErr = outcome.err
		if err := r.healthStore.RecordFailure(ctx, cand.ID, float64(latencyMs), lastErr.Kind); err != nil {
			r.logger.Warn("health update failed", "provider", cand.ID, "error", err)
		}
		r.breaker.RecordFailure(ctx, cand.ID)
		if lastErr.Kind == errors.KindRateLimit {
			r.breaker.ApplyRateLimitCooldown(ctx, cand.ID, lastErr.RetryAfter)
		}
		r.emit(Event{
			ConversationID: opts.ConversationID,
			MessageID:      opts.UserMessageID,
			Kind:           EventFailure,
			ProviderID:     cand.ID,
			Attempt:        attempt,
			LatencyMs:      latencyMs,
			ErrorKind:      lastErr.Kind,
			ErrorMessage:   lastErr.Message,
		})
		r.emit(Event{
			ConversationID: opts.ConversationID,
			MessageID:      opts.UserMessageID,
			Kind:           EventFallback,
			ProviderID:     cand.ID,
			Attempt:        attempt,
		})

		if err := r.sleep(ctx, backoff(attempt)); err != nil {
			return &RouteResult{AttemptsUsed: attempt}, err
		}
	}

	return &RouteResult{Err: lastErr, AttemptsUsed: MaxAttempts}, nil
}

// attemptOutcome is the digest of one adapter call.
type attemptOutcome struct {
	content string
	model   string
	usage   provider.Usage
	err     *errors.NormalizedError
	latency time.Duration
}

// runAttempt drives one adapter stream, forwarding chunks to the caller and
// synthesizing a done terminator if the adapter returned without one.
func (r *Relay) runAttempt(ctx context.Context, adapter provider.Adapter, credential string, msgs []provider.Message, opts RouteOptions) attemptOutcome {
	var (
		content   strings.Builder
		model     string
		usage     provider.Usage
		finish    = provider.FinishStop
		streamErr *errors.NormalizedError
		doneSeen  bool
	)

	forward := func(chunk provider.StreamChunk) {
		if opts.OnStream == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				r.logger.Warn("stream sink panicked", "provider", adapter.ID(), "panic", p)
			}
		}()
		opts.OnStream(chunk)
	}

	sink := func(chunk provider.StreamChunk) {
		switch chunk.Kind {
		case provider.ChunkDelta:
			content.WriteString(chunk.Delta)
			forward(chunk)
		case provider.ChunkError:
			if chunk.Err != nil {
				streamErr = chunk.Err
			} else {
				streamErr = errors.NewUnknown("adapter emitted an error chunk without detail")
			}
		case provider.ChunkDone:
			doneSeen = true
			if chunk.Done != nil {
				usage = chunk.Done.Usage
				model = chunk.Done.Model
				finish = chunk.Done.FinishReason
			}
			forward(chunk)
		}
	}

	start := r.now()
	resp, genErr := adapter.Generate(ctx, &provider.Request{Messages: msgs, Model: opts.Model}, credential, sink)
	elapsed := r.now().Sub(start)

	if streamErr != nil {
		return attemptOutcome{err: streamErr, latency: elapsed}
	}
	if genErr != nil {
		return attemptOutcome{err: adapter.NormalizeError(genErr, 0), latency: elapsed}
	}

	out := attemptOutcome{
		content: content.String(),
		model:   model,
		usage:   usage,
		latency: elapsed,
	}
	if resp != nil {
		if resp.Content != "" {
			out.content = resp.Content
		}
		if resp.Model != "" {
			out.model = resp.Model
		}
		if resp.Usage != (provider.Usage{}) {
			out.usage = resp.Usage
		}
	}
	if !doneSeen && ctx.Err() == nil {
		forward(provider.DoneChunk(provider.Done{Usage: out.usage, Model: out.model, FinishReason: finish}))
	}
	return out
}

// RouteAndSave wraps Route with message persistence: it creates a placeholder
// assistant message, streams through uiSink, and either finalizes the message
// with the result metadata or deletes the placeholder on failure.
func (r *Relay) RouteAndSave(ctx context.Context, opts RouteOptions, uiSink UISink) (*RouteResult, error) {
	if r.messages == nil {
		return nil, fmt.Errorf("llmrelay: no message store configured")
	}

	messageID, err := r.messages.Create(ctx, opts.ConversationID, string(provider.RoleAssistant), "")
	if err != nil {
		return nil, fmt.Errorf("create placeholder message: %w", err)
	}

	callerSink := opts.OnStream
	opts.OnStream = func(chunk provider.StreamChunk) {
		if uiSink != nil {
			uiSink(opts.ConversationID, chunk)
		}
		if callerSink != nil {
			callerSink(chunk)
		}
	}

	result, routeErr := r.Route(ctx, opts)
	if routeErr != nil || result == nil || !result.Success {
		// The placeholder must not linger; deletion failures are logged
		// because the routing outcome matters more to the caller.
		if delErr := r.messages.Delete(context.WithoutCancel(ctx), messageID); delErr != nil {
			r.logger.Warn("placeholder message not deleted", "message_id", messageID, "error", delErr)
		}
		return result, routeErr
	}

	if err := r.messages.UpdateMetadata(ctx, messageID, store.MessageMetadata{
		Content:    result.Content,
		ProviderID: result.ProviderID,
		Model:      result.Model,
		Tokens:     result.Tokens,
		LatencyMs:  result.LatencyMs,
	}); err != nil {
		return result, fmt.Errorf("finalize message: %w", err)
	}
	result.MessageID = messageID
	return result, nil
}

// TestProvider checks a provider's credential against its upstream.
func (r *Relay) TestProvider(ctx context.Context, providerID string) (*provider.TestResult, error) {
	adapter, ok := r.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	credential, err := r.credentials.GetKey(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return adapter.TestConnection(ctx, credential), nil
}

// ResetProvider is the operator escape hatch: clears health counters, closes
// the circuit, and removes cooldowns.
func (r *Relay) ResetProvider(ctx context.Context, providerID string) error {
	if err := r.breaker.Reset(ctx, providerID); err != nil {
		return err
	}
	return r.healthStore.Reset(ctx, providerID)
}

// ClearRecent forgets a conversation's provider history.
func (r *Relay) ClearRecent(conversationID string) {
	r.recent.Clear(conversationID)
}

// HealthSnapshot is one provider's health with its derived status.
type HealthSnapshot struct {
	health.ProviderHealth
	Status health.Status
}

// Health returns snapshots for all tracked providers.
func (r *Relay) Health(ctx context.Context) (map[string]HealthSnapshot, error) {
	all, err := r.healthStore.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]HealthSnapshot, len(all))
	for id, rec := range all {
		out[id] = HealthSnapshot{ProviderHealth: *rec, Status: health.StatusOf(rec.Score)}
	}
	return out, nil
}

// HealthFor returns one provider's snapshot.
func (r *Relay) HealthFor(ctx context.Context, providerID string) (*HealthSnapshot, error) {
	rec, err := r.healthStore.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return &HealthSnapshot{ProviderHealth: *rec, Status: health.StatusOf(rec.Score)}, nil
}

func (r *Relay) emit(e Event) {
	e.Timestamp = r.now()
	r.sink.Log(e)
}

// backoff returns the sleep before the next attempt: base doubled per
// completed attempt, capped.
func backoff(attempt int) time.Duration {
	d := baseRetryDelay << (attempt - 1)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

func errorKind(err *errors.NormalizedError) errors.Kind {
	if err == nil {
		return ""
	}
	return err.Kind
}

func errorMessage(err *errors.NormalizedError) string {
	if err == nil {
		return ""
	}
	return err.Message
}
