// Package llmrelay is a local multi-provider LLM relay. A caller submits a
// chat request; the relay picks an upstream provider by weighted sampling
// over health, priority, and an anti-repeat penalty, streams the response
// back, and transparently falls back to alternates when the chosen provider
// fails, is rate-limited, or is circuit-broken.
//
// Minimal usage:
//
//	registry := providers.NewRegistry(
//		openaicompat.New("openai", openaicompat.WithDefaultModel("gpt-4o-mini")),
//	)
//	descriptors, _ := store.NewMemoryDescriptorStore(
//		store.Descriptor{ID: "openai", DisplayName: "OpenAI", Enabled: true, Priority: 80},
//	)
//	credentials := secret.NewManager(map[string]string{"openai": "env://OPENAI_API_KEY"})
//	credentials.RegisterResolver("env", secret.NewEnvResolver())
//
//	relay, err := llmrelay.New(
//		llmrelay.WithRegistry(registry),
//		llmrelay.WithDescriptors(descriptors),
//		llmrelay.WithCredentials(credentials),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := relay.Route(ctx, llmrelay.RouteOptions{
//		ConversationID: "conv-1",
//		Messages: []provider.Message{
//			{Role: provider.RoleUser, Content: "Hello"},
//		},
//		OnStream: func(chunk provider.StreamChunk) {
//			if chunk.Kind == provider.ChunkDelta {
//				fmt.Print(chunk.Delta)
//			}
//		},
//	})
//
// Health persists through a pluggable store (in-memory or Redis) so provider
// scores and circuit state survive restarts when shared persistence is
// configured. All routing state beyond that is process-local.
//
// Routing emits events through an EventSink; the metrics package provides a
// Prometheus sink and NewSlogSink logs them, composable via MultiSink.
package llmrelay

import (
	"github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/provider"
)

// Re-exported contract types, so common integrations only import llmrelay.
type (
	// Message is a single chat message.
	Message = provider.Message
	// Request is the unified generation request.
	Request = provider.Request
	// StreamChunk is one element of an adapter's output sequence.
	StreamChunk = provider.StreamChunk
	// NormalizedError is the closed error taxonomy adapters map into.
	NormalizedError = errors.NormalizedError
)
