// Package openaicompat implements the adapter contract for any upstream
// speaking the OpenAI chat-completions wire protocol, which today covers
// most hosted providers and local runtimes.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	relayerrors "github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/provider"
)

// DefaultBaseURL targets the OpenAI API; override it for compatible hosts.
const DefaultBaseURL = "https://api.openai.com/v1"

// Adapter is an OpenAI-compatible streaming adapter.
type Adapter struct {
	id           string
	baseURL      string
	defaultModel string
	models       []string
	maxContext   int
	headers      map[string]string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the upstream endpoint.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(a *Adapter) { a.defaultModel = model }
}

// WithModels sets the advertised model list.
func WithModels(models ...string) Option {
	return func(a *Adapter) { a.models = models }
}

// WithMaxContextTokens sets the advertised context window.
func WithMaxContextTokens(n int) Option {
	return func(a *Adapter) { a.maxContext = n }
}

// WithHTTPClient replaces the HTTP client (tests, custom transports).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithRequestsPerMinute throttles Generate calls to n per minute. Zero
// disables the limiter.
func WithRequestsPerMinute(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		}
	}
}

// WithHeader adds a header to every upstream request.
func WithHeader(key, value string) Option {
	return func(a *Adapter) { a.headers[key] = value }
}

// New creates an adapter with the given provider id.
func New(id string, opts ...Option) *Adapter {
	a := &Adapter{
		id:         id,
		baseURL:    DefaultBaseURL,
		headers:    make(map[string]string),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the provider identifier.
func (a *Adapter) ID() string { return a.id }

// Capabilities describes the upstream.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streams:          true,
		SystemMessages:   true,
		FunctionCalling:  true,
		Vision:           false,
		MaxContextTokens: a.maxContext,
		DefaultModel:     a.defaultModel,
		AvailableModels:  a.models,
	}
}

// splitCredential handles the "base_url|key" form used for local runtimes
// and self-hosted gateways. A plain credential is just the key.
func (a *Adapter) splitCredential(credential string) (baseURL, key string) {
	if i := strings.IndexByte(credential, '|'); i >= 0 {
		return credential[:i], credential[i+1:]
	}
	return a.baseURL, credential
}

// Wire types for the chat-completions protocol.

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []provider.Message `json:"messages"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	Stop          []string           `json:"stop,omitempty"`
	Stream        bool               `json:"stream"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *provider.Usage `json:"usage"`
}

type wireErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Generate streams a completion. Deltas and the done terminator go to sink;
// failures are returned as errors (already normalized) without a terminator
// chunk, which the relay treats identically.
func (a *Adapter) Generate(ctx context.Context, req *provider.Request, credential string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	baseURL, key := a.splitCredential(credential)

	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	body, err := json.Marshal(wireRequest{
		Model:         model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stop:          req.StopSequences,
		Stream:        true,
		StreamOptions: &wireStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, baseURL, "/chat/completions", key, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, a.NormalizeError(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.errorFromResponse(resp)
	}

	return a.drainStream(ctx, resp.Body, model, sink)
}

// drainStream parses the SSE body, forwarding deltas and emitting the done
// terminator once the upstream signals completion.
func (a *Adapter) drainStream(ctx context.Context, body io.Reader, requestModel string, sink provider.StreamSink) (*provider.GenerateResponse, error) {
	var (
		content strings.Builder
		usage   provider.Usage
		model   = requestModel
		finish  = provider.FinishStop
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Some gateways interleave malformed keepalive frames; skip them.
			continue
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				sink(provider.DeltaChunk(choice.Delta.Content))
			}
			if choice.FinishReason != nil {
				finish = mapFinishReason(*choice.FinishReason)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, a.NormalizeError(fmt.Errorf("read stream: %w", err), 0)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sink(provider.DoneChunk(provider.Done{Usage: usage, Model: model, FinishReason: finish}))
	return &provider.GenerateResponse{
		Content:      content.String(),
		Model:        model,
		Usage:        usage,
		FinishReason: finish,
	}, nil
}

func mapFinishReason(raw string) provider.FinishReason {
	switch raw {
	case "length":
		return provider.FinishLength
	case "content_filter":
		return provider.FinishContentFilter
	case "stop", "":
		return provider.FinishStop
	default:
		return provider.FinishStop
	}
}

// TestConnection sends a one-token probe. A 429 counts as a valid
// credential: the upstream recognized the key and merely throttled it.
func (a *Adapter) TestConnection(ctx context.Context, credential string) *provider.TestResult {
	baseURL, key := a.splitCredential(credential)

	body, err := json.Marshal(wireRequest{
		Model:     a.defaultModel,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		MaxTokens: 1,
	})
	if err != nil {
		return &provider.TestResult{Err: relayerrors.NewUnknown(err.Error())}
	}

	start := time.Now()
	resp, err := a.post(ctx, baseURL, "/chat/completions", key, body)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &provider.TestResult{Err: a.NormalizeError(err, 0), LatencyMs: latency}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusTooManyRequests {
		return &provider.TestResult{OK: true, LatencyMs: latency}
	}
	return &provider.TestResult{
		Err:       relayerrors.Classify(http.StatusText(resp.StatusCode), resp.StatusCode),
		LatencyMs: latency,
	}
}

// NormalizeError maps any failure from this adapter into the taxonomy.
func (a *Adapter) NormalizeError(err error, statusCode int) *relayerrors.NormalizedError {
	return relayerrors.FromError(err, statusCode)
}

func (a *Adapter) post(ctx context.Context, baseURL, path, key string, body []byte) (*http.Response, error) {
	url := strings.TrimSuffix(baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return a.httpClient.Do(httpReq)
}

// errorFromResponse turns a non-200 response into a normalized error,
// honoring Retry-After on 429s.
func (a *Adapter) errorFromResponse(resp *http.Response) *relayerrors.NormalizedError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := strings.TrimSpace(string(raw))
	var parsed wireErrorBody
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	norm := relayerrors.Classify(message, resp.StatusCode)
	if norm.Kind == relayerrors.KindRateLimit {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			norm.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return norm
}
