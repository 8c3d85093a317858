// Package provider defines the public contract every upstream LLM adapter
// must satisfy: a uniform streaming generate, a connection test, and error
// normalization into the relay's closed taxonomy.
package provider

import (
	"context"

	"github.com/llmrelay/llmrelay/pkg/errors"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the unified generation request handed to an adapter.
type Request struct {
	Messages      []Message `json:"messages"`
	Model         string    `json:"model,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	StopSequences []string  `json:"stop,omitempty"`
}

// Usage contains token accounting for a completed generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinishReason explains why a generation stream terminated.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Capabilities describes what an adapter's upstream can do.
type Capabilities struct {
	Streams          bool
	SystemMessages   bool
	FunctionCalling  bool
	Vision           bool
	MaxContextTokens int
	DefaultModel     string
	AvailableModels  []string
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	OK        bool
	Err       *errors.NormalizedError
	LatencyMs int64
}

// GenerateResponse is the terminal value of a completed generation.
type GenerateResponse struct {
	Content      string
	Model        string
	Usage        Usage
	FinishReason FinishReason
}

// StreamSink receives chunks as the adapter produces them.
// Sinks must be cheap; adapters call them inline on the streaming path.
type StreamSink func(chunk StreamChunk)

// Adapter is the uniform interface every upstream integration implements.
//
// Generate must emit zero or more delta chunks followed by exactly one
// terminator (done or error) to the sink, then return. After a terminator no
// further chunks may be produced. A returned error is equivalent to an error
// chunk and must already be normalized (or normalizable via NormalizeError).
// When ctx is cancelled the adapter stops producing chunks and releases
// upstream resources; it need not emit a terminator in that case.
//
// Adapters retry internally only for transport-level blips they consider
// opaque (a single TCP reset, for example). All higher-level retries belong
// to the relay.
type Adapter interface {
	// ID returns the stable provider identifier (e.g. "openai", "groq").
	ID() string

	// Capabilities describes the adapter's upstream.
	Capabilities() Capabilities

	// Generate streams a completion for the request using the credential.
	Generate(ctx context.Context, req *Request, credential string, sink StreamSink) (*GenerateResponse, error)

	// TestConnection verifies the credential against the upstream.
	TestConnection(ctx context.Context, credential string) *TestResult

	// NormalizeError maps a raw adapter failure into the closed taxonomy.
	// statusCode is 0 when no HTTP status was observed.
	NormalizeError(err error, statusCode int) *errors.NormalizedError
}
