// Package contextbuilder prepares the final message list for a route call.
// The relay treats builders as pure: they may inject system prompts, trim,
// or add recalled memory, but must not mutate the caller's slice.
package contextbuilder

import (
	"context"

	"github.com/llmrelay/llmrelay/pkg/provider"
)

// Builder shapes the conversation context before routing.
type Builder interface {
	// BuildContext returns the message list to send upstream.
	BuildContext(ctx context.Context, conversationID string, msgs []provider.Message) ([]provider.Message, error)

	// MaybeSummarize kicks off background summarization for a conversation.
	// Callers invoke it fire-and-forget; errors stay internal to the builder.
	MaybeSummarize(ctx context.Context, conversationID string)
}

// Passthrough forwards messages untouched.
type Passthrough struct{}

// NewPassthrough creates the identity builder.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) BuildContext(ctx context.Context, conversationID string, msgs []provider.Message) ([]provider.Message, error) {
	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (p *Passthrough) MaybeSummarize(ctx context.Context, conversationID string) {}

// Window keeps only the trailing N messages so long conversations fit the
// model window. A leading system message survives the trim; everything else
// ages out oldest-first.
type Window struct {
	keep int
}

// NewWindow creates a trailing-window builder keeping up to keep messages
// (not counting a preserved leading system message).
func NewWindow(keep int) *Window {
	if keep < 1 {
		keep = 1
	}
	return &Window{keep: keep}
}

func (w *Window) BuildContext(ctx context.Context, conversationID string, msgs []provider.Message) ([]provider.Message, error) {
	var system *provider.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == provider.RoleSystem {
		system = &msgs[0]
		rest = msgs[1:]
	}

	if len(rest) > w.keep {
		rest = rest[len(rest)-w.keep:]
	}

	out := make([]provider.Message, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, rest...)
	return out, nil
}

func (w *Window) MaybeSummarize(ctx context.Context, conversationID string) {}
