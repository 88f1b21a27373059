package sidecar

import "context"

// Engine is the inference runtime the sidecar drives. Implementations are not
// required to be safe for concurrent use; the Service only calls them under
// its Gate.
type Engine interface {
	// Complete generates a full chat completion for the ordered messages.
	Complete(ctx context.Context, messages []Message) (*Completion, error)
	// Stream opens an incremental completion. The caller must Close the stream.
	Stream(ctx context.Context, messages []Message) (Stream, error)
}

// Completion is the first choice of a non-streamed chat completion.
type Completion struct {
	Content      Content
	FinishReason string
}

// Chunk is one incremental piece of a streamed chat completion.
type Chunk struct {
	Delta        Content
	FinishReason string
}

// Stream is a pull-based iterator over completion chunks, shaped after
// openai-go's ssestream.Stream.
type Stream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}
