package provider

import "github.com/llmrelay/llmrelay/pkg/errors"

// ChunkKind tags one element of the streaming sequence.
type ChunkKind string

const (
	// ChunkDelta carries an incremental piece of assistant content.
	ChunkDelta ChunkKind = "delta"
	// ChunkError terminates the stream with a normalized error. Content
	// accumulated so far may be partial and must not be surfaced as a
	// completed response.
	ChunkError ChunkKind = "error"
	// ChunkDone terminates the stream; accumulated deltas are final.
	ChunkDone ChunkKind = "done"
)

// Done carries the terminal metadata of a successful stream.
type Done struct {
	Usage        Usage        `json:"usage"`
	Model        string       `json:"model"`
	FinishReason FinishReason `json:"finish_reason"`
}

// StreamChunk is one element of the sequence an adapter produces:
// zero or more deltas followed by exactly one terminator (done or error).
type StreamChunk struct {
	Kind  ChunkKind               `json:"kind"`
	Delta string                  `json:"delta,omitempty"`
	Err   *errors.NormalizedError `json:"error,omitempty"`
	Done  *Done                   `json:"done,omitempty"`
}

// DeltaChunk builds a delta chunk.
func DeltaChunk(delta string) StreamChunk {
	return StreamChunk{Kind: ChunkDelta, Delta: delta}
}

// ErrorChunk builds an error terminator.
func ErrorChunk(err *errors.NormalizedError) StreamChunk {
	return StreamChunk{Kind: ChunkError, Err: err}
}

// DoneChunk builds a done terminator.
func DoneChunk(done Done) StreamChunk {
	return StreamChunk{Kind: ChunkDone, Done: &done}
}

// Terminator reports whether the chunk ends the stream.
func (c StreamChunk) Terminator() bool {
	return c.Kind == ChunkDone || c.Kind == ChunkError
}
