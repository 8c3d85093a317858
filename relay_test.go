package llmrelay

import (
	"context"
	goerrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrelay/llmrelay/internal/secret"
	"github.com/llmrelay/llmrelay/internal/store"
	"github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/health"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/providers"
	"github.com/llmrelay/llmrelay/routers"
)

// generateFn scripts one fake adapter's behavior.
type generateFn func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error)

type fakeAdapter struct {
	id       string
	generate generateFn
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streams: true, SystemMessages: true}
}

func (f *fakeAdapter) Generate(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
	return f.generate(ctx, req, credential, sink)
}

func (f *fakeAdapter) TestConnection(ctx context.Context, credential string) *provider.TestResult {
	return &provider.TestResult{OK: true, LatencyMs: 1}
}

func (f *fakeAdapter) NormalizeError(err error, statusCode int) *errors.NormalizedError {
	return errors.FromError(err, statusCode)
}

// succeed emits the given deltas followed by done and returns the response.
func succeed(model string, totalTokens int, deltas ...string) generateFn {
	return func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		var content string
		for _, d := range deltas {
			content += d
			sink(provider.DeltaChunk(d))
		}
		usage := provider.Usage{TotalTokens: totalTokens}
		sink(provider.DoneChunk(provider.Done{Usage: usage, Model: model, FinishReason: provider.FinishStop}))
		return &provider.GenerateResponse{Content: content, Model: model, Usage: usage, FinishReason: provider.FinishStop}, nil
	}
}

// fail returns the given error without emitting chunks.
func fail(err error) generateFn {
	return func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		return nil, err
	}
}

// recordSink captures routing events in order.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Log(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordSink) kinds() []EventKind {
	var out []EventKind
	for _, e := range s.all() {
		out = append(out, e.Kind)
	}
	return out
}

func (s *recordSink) count(kind EventKind) int {
	n := 0
	for _, e := range s.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// instantSleep skips backoff but still observes cancellation.
func instantSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestRelay(t *testing.T, adapters []*fakeAdapter, extra ...Option) (*Relay, *recordSink) {
	t.Helper()

	regAdapters := make([]provider.Adapter, len(adapters))
	descs := make([]store.Descriptor, len(adapters))
	creds := make(map[string]string, len(adapters))
	for i, a := range adapters {
		regAdapters[i] = a
		descs[i] = store.Descriptor{ID: a.id, DisplayName: a.id, Enabled: true, Priority: 50}
		creds[a.id] = "key-" + a.id
	}

	ds, err := store.NewMemoryDescriptorStore(descs...)
	require.NoError(t, err)

	sink := &recordSink{}
	opts := []Option{
		WithRegistry(providers.NewRegistry(regAdapters...)),
		WithDescriptors(ds),
		WithCredentials(secret.NewManager(creds)),
		WithEventSink(sink),
		WithRand(rand.New(rand.NewSource(1))),
		WithSleep(instantSleep),
	}
	opts = append(opts, extra...)

	relay, err := New(opts...)
	require.NoError(t, err)
	return relay, sink
}

func userMessage(content string) []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: content}}
}

func TestRouteHappyPath(t *testing.T) {
	ctx := context.Background()
	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: succeed("m", 3, "Hello", " world")},
	})

	var streamed []provider.StreamChunk
	result, err := relay.Route(ctx, RouteOptions{
		ConversationID: "conv-1",
		Messages:       userMessage("hi"),
		OnStream:       func(c provider.StreamChunk) { streamed = append(streamed, c) },
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, "p1", result.ProviderID)
	assert.Equal(t, "m", result.Model)
	assert.Equal(t, 3, result.Tokens)
	assert.Equal(t, 1, result.AttemptsUsed)

	// Chunks arrive in emission order and terminate with done.
	require.Len(t, streamed, 3)
	assert.Equal(t, "Hello", streamed[0].Delta)
	assert.Equal(t, " world", streamed[1].Delta)
	assert.Equal(t, provider.ChunkDone, streamed[2].Kind)

	snap, err := relay.HealthFor(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.NotNil(t, snap.LastSuccessAt)

	assert.Equal(t, []EventKind{EventAttempt, EventSuccess}, sink.kinds())
}

func TestRouteFallbackThenSuccess(t *testing.T) {
	ctx := context.Background()

	// The first two attempts fail regardless of which provider is picked;
	// the third succeeds.
	var calls atomic.Int32
	script := func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.NewServerError(500, "upstream down")
		}
		return succeed("m", 1, "ok")(ctx, req, credential, sink)
	}

	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: script},
		{id: "p2", generate: script},
		{id: "p3", generate: script},
	})

	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 3, result.AttemptsUsed)

	// Both failed providers carry a consecutive-failure count.
	events := sink.all()
	var failedProviders []string
	for _, e := range events {
		if e.Kind == EventFailure {
			failedProviders = append(failedProviders, e.ProviderID)
		}
	}
	require.Len(t, failedProviders, 2)
	for _, id := range failedProviders {
		assert.Equal(t, 1, relay.breaker.ConsecutiveFailures(id), "provider %s", id)
	}

	// attempt -> failure -> fallback per failed attempt, then attempt -> success.
	assert.Equal(t, []EventKind{
		EventAttempt, EventFailure, EventFallback,
		EventAttempt, EventFailure, EventFallback,
		EventAttempt, EventSuccess,
	}, sink.kinds())
}

func TestRouteRateLimitCooldown(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	script := func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		if calls.Add(1) == 1 {
			return nil, errors.NewRateLimit("quota exceeded", 60*time.Second)
		}
		return succeed("m", 1, "ok")(ctx, req, credential, sink)
	}

	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: script},
		{id: "p2", generate: script},
	})

	before := time.Now()
	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.AttemptsUsed)

	// The rate-limited provider is cooling down for ~60s.
	var limited string
	for _, e := range sink.all() {
		if e.Kind == EventFailure {
			limited = e.ProviderID
		}
	}
	require.NotEmpty(t, limited)

	snap, err := relay.HealthFor(ctx, limited)
	require.NoError(t, err)
	require.NotNil(t, snap.CooldownUntil)
	assert.WithinDuration(t, before.Add(60*time.Second), *snap.CooldownUntil, 2*time.Second)
	assert.Equal(t, errors.KindRateLimit, snap.LastErrorKind)

	// And ineligible while the cooldown lasts.
	candidates, err := relay.pool.Candidates(ctx, routers.SelectionOptions{})
	require.NoError(t, err)
	for _, c := range candidates {
		assert.NotEqual(t, limited, c.ID)
	}
}

func TestRouteCircuitOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: fail(errors.NewServerError(503, "unavailable"))},
	})

	// Three route calls, each burning the only candidate.
	for i := 0; i < 3; i++ {
		result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, 1, result.AttemptsUsed)
	}

	snap, err := relay.HealthFor(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, health.CircuitOpen, snap.CircuitState)
	require.NotNil(t, snap.CooldownUntil)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), *snap.CooldownUntil, 5*time.Second)

	// The next call finds no candidates at all.
	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.AttemptsUsed)
	assert.Equal(t, 4, sink.count(EventExhaust))
}

func TestRouteExhaustion(t *testing.T) {
	ctx := context.Background()
	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: fail(errors.NewServerError(500, "down"))},
		{id: "p2", generate: fail(errors.NewServerError(500, "down"))},
	})

	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.AttemptsUsed, "attempts bounded by provider count")
	require.NotNil(t, result.Err)
	assert.Equal(t, errors.KindServerError, result.Err.Kind)
	assert.Equal(t, 1, sink.count(EventExhaust), "exactly one exhaust event")
}

func TestRouteAttemptBudget(t *testing.T) {
	ctx := context.Background()

	var adapters []*fakeAdapter
	for i := 0; i < MaxAttempts+1; i++ {
		adapters = append(adapters, &fakeAdapter{
			id:       fmt.Sprintf("p%d", i),
			generate: fail(errors.NewServerError(500, "down")),
		})
	}
	relay, sink := newTestRelay(t, adapters)

	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, MaxAttempts, result.AttemptsUsed)
	assert.Equal(t, 0, sink.count(EventExhaust), "budget ran out before the pool did")
}

func TestRouteNoProvidersAtAll(t *testing.T) {
	ctx := context.Background()
	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: succeed("m", 1, "x")},
	})
	// Remove the only credential, leaving nothing eligible.
	require.NoError(t, relay.credentials.(*secret.Manager).RemoveKey(ctx, "p1"))

	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.AttemptsUsed)
	require.NotNil(t, result.Err)
	assert.Equal(t, errors.KindUnknown, result.Err.Kind)
	assert.Equal(t, 1, sink.count(EventExhaust))
}

func TestRouteAntiRepeatPrefersOtherProvider(t *testing.T) {
	ctx := context.Background()
	relay, _ := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: succeed("m", 1, "x")},
		{id: "p2", generate: succeed("m", 1, "x")},
	})

	const rounds = 300
	p2Wins := 0
	for i := 0; i < rounds; i++ {
		relay.ClearRecent("c")
		relay.recent.Push("c", "p1")

		result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
		require.NoError(t, err)
		require.True(t, result.Success)
		if result.ProviderID == "p2" {
			p2Wins++
		}
	}

	// p1's weight carries the 0.2 most-recent penalty, so p2 should win
	// the large majority of rounds.
	frac := float64(p2Wins) / rounds
	assert.Greater(t, frac, 0.7, "p2 won only %.1f%%", frac*100)
}

func TestRouteCancelMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocking := func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		sink(provider.DeltaChunk("part"))
		<-ctx.Done()
		return nil, ctx.Err()
	}
	relay, sink := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: blocking}})

	var sawPart bool
	result, err := relay.Route(ctx, RouteOptions{
		ConversationID: "c",
		Messages:       userMessage("hi"),
		OnStream: func(c provider.StreamChunk) {
			if c.Kind == provider.ChunkDelta && c.Delta == "part" {
				sawPart = true
				cancel()
			}
		},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sawPart)
	assert.False(t, result.Success)

	// Cancellation records neither success nor failure.
	snap, err := relay.HealthFor(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.SuccessCount)
	assert.Equal(t, int64(0), snap.FailureCount)
	assert.Equal(t, 0, sink.count(EventSuccess))
	assert.Equal(t, 0, sink.count(EventFailure))
}

func TestRouteCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var generateCalls atomic.Int32
	failing := func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		generateCalls.Add(1)
		return nil, errors.NewServerError(500, "down")
	}

	var sleeps atomic.Int32
	cancellingSleep := func(ctx context.Context, d time.Duration) error {
		if sleeps.Add(1) == 2 {
			// Simulates the caller cancelling while the second backoff
			// is in progress.
			cancel()
		}
		return ctx.Err()
	}

	relay, sink := newTestRelay(t, []*fakeAdapter{
		{id: "p1", generate: failing},
		{id: "p2", generate: failing},
		{id: "p3", generate: failing},
	}, WithSleep(cancellingSleep))

	result, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, result.AttemptsUsed)
	assert.Equal(t, int32(2), generateCalls.Load(), "no attempt after cancellation")
	assert.Equal(t, 2, sink.count(EventAttempt))
}

func TestRouteClassifiesAdapterErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"auth from message", goerrors.New("API key not valid"), errors.KindAuth},
		{"rate limit wins over auth", goerrors.New("resource_exhausted: api_key ok"), errors.KindRateLimit},
		{"context length", goerrors.New("context length exceeded"), errors.KindContextLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: fail(tt.err)}})

			result, err := relay.Route(context.Background(), RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
			require.NoError(t, err)
			assert.False(t, result.Success)
			require.NotNil(t, result.Err)
			assert.Equal(t, tt.want, result.Err.Kind)
		})
	}
}

func TestRouteSynthesizesDoneChunk(t *testing.T) {
	ctx := context.Background()

	// An adapter that returns without a terminator still yields a done
	// chunk to the caller.
	noTerminator := func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		sink(provider.DeltaChunk("raw"))
		return &provider.GenerateResponse{Content: "raw", Model: "m", FinishReason: provider.FinishStop}, nil
	}
	relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: noTerminator}})

	var chunks []provider.StreamChunk
	result, err := relay.Route(ctx, RouteOptions{
		ConversationID: "c",
		Messages:       userMessage("hi"),
		OnStream:       func(c provider.StreamChunk) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, chunks, 2)
	assert.Equal(t, provider.ChunkDelta, chunks[0].Kind)
	assert.Equal(t, provider.ChunkDone, chunks[1].Kind)
}

func TestRouteContainsSinkPanics(t *testing.T) {
	ctx := context.Background()
	relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: succeed("m", 1, "ok")}})

	result, err := relay.Route(ctx, RouteOptions{
		ConversationID: "c",
		Messages:       userMessage("hi"),
		OnStream:       func(provider.StreamChunk) { panic("sink bug") },
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Content)
}

func TestRouteErrorChunkTreatedAsFailure(t *testing.T) {
	ctx := context.Background()

	errorChunk := func(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
		sink(provider.DeltaChunk("partial"))
		sink(provider.ErrorChunk(errors.NewServerError(500, "mid-stream failure")))
		return nil, nil
	}
	relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: errorChunk}})

	var sawDone bool
	result, err := relay.Route(ctx, RouteOptions{
		ConversationID: "c",
		Messages:       userMessage("hi"),
		OnStream: func(c provider.StreamChunk) {
			if c.Kind == provider.ChunkDone {
				sawDone = true
			}
		},
	})
	require.NoError(t, err)

	assert.False(t, result.Success, "partial content must not surface as success")
	require.NotNil(t, result.Err)
	assert.Equal(t, errors.KindServerError, result.Err.Kind)
	assert.False(t, sawDone, "no done terminator after an error chunk")
}

func TestRouteAndSave(t *testing.T) {
	ctx := context.Background()
	messages := store.NewMemoryMessageStore()

	t.Run("success finalizes the placeholder", func(t *testing.T) {
		relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: succeed("m", 5, "saved")}},
			WithMessageStore(messages))

		var uiChunks int
		result, err := relay.RouteAndSave(ctx, RouteOptions{ConversationID: "conv-save", Messages: userMessage("hi")},
			func(conversationID string, chunk provider.StreamChunk) {
				assert.Equal(t, "conv-save", conversationID)
				uiChunks++
			})
		require.NoError(t, err)
		require.True(t, result.Success)
		require.NotEmpty(t, result.MessageID)
		assert.Greater(t, uiChunks, 0)

		saved, err := messages.ListByConversation(ctx, "conv-save")
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, "saved", saved[0].Content)
		assert.Equal(t, "p1", saved[0].ProviderID)
		assert.Equal(t, "m", saved[0].Model)
		assert.Equal(t, 5, saved[0].Tokens)
	})

	t.Run("failure deletes the placeholder", func(t *testing.T) {
		relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: fail(errors.NewServerError(500, "down"))}},
			WithMessageStore(messages))

		result, err := relay.RouteAndSave(ctx, RouteOptions{ConversationID: "conv-fail", Messages: userMessage("hi")}, nil)
		require.NoError(t, err)
		assert.False(t, result.Success)

		saved, err := messages.ListByConversation(ctx, "conv-fail")
		require.NoError(t, err)
		assert.Empty(t, saved, "placeholder removed after failure")
	})
}

func TestTestProviderAndReset(t *testing.T) {
	ctx := context.Background()
	relay, _ := newTestRelay(t, []*fakeAdapter{{id: "p1", generate: fail(errors.NewServerError(500, "down"))}})

	res, err := relay.TestProvider(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = relay.TestProvider(ctx, "ghost")
	assert.Error(t, err)

	// Open the circuit, then reset restores a fresh record.
	for i := 0; i < 3; i++ {
		_, err := relay.Route(ctx, RouteOptions{ConversationID: "c", Messages: userMessage("hi")})
		require.NoError(t, err)
	}
	snap, err := relay.HealthFor(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, health.CircuitOpen, snap.CircuitState)

	require.NoError(t, relay.ResetProvider(ctx, "p1"))
	snap, err = relay.HealthFor(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, health.CircuitClosed, snap.CircuitState)
	assert.Equal(t, 1.0, snap.Score)
	assert.Equal(t, int64(0), snap.FailureCount)
	assert.Equal(t, 0, relay.breaker.ConsecutiveFailures("p1"))
}

func TestRecentProviders(t *testing.T) {
	r := NewRecentProviders(time.Minute)

	for i := 0; i < recentProvidersCap+5; i++ {
		r.Push("c", fmt.Sprintf("p%d", i))
	}
	got := r.Get("c")
	require.Len(t, got, recentProvidersCap, "bounded FIFO")
	assert.Equal(t, "p5", got[0], "oldest surviving entry")
	assert.Equal(t, fmt.Sprintf("p%d", recentProvidersCap+4), got[len(got)-1])

	// Copies out.
	got[0] = "mutated"
	assert.Equal(t, "p5", r.Get("c")[0])

	r.Clear("c")
	assert.Empty(t, r.Get("c"))
}

func TestNewValidatesRequiredDeps(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(WithRegistry(providers.NewRegistry()))
	assert.Error(t, err)
}
