package sidecar

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrEmptyOutput is returned when the engine produced no usable text.
var ErrEmptyOutput = errors.New("empty model output")

const fallbackStreamError = "generation failed"

// DefaultMaxBodyBytes caps request bodies unless WithMaxBodyBytes says otherwise.
const DefaultMaxBodyBytes = 10 << 20

// StreamEvent is one event of a /chat/stream response. Exactly one of the
// fields is set.
type StreamEvent struct {
	Token string `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// Service owns the engine for the lifetime of the process and answers chat
// requests through a single Gate.
type Service struct {
	engine       Engine
	gate         *Gate
	modelPath    string
	systemPrompt string
	maxBodyBytes int64
}

// Option configures a Service.
type Option func(*Service)

// WithSystemPrompt replaces DefaultSystemPrompt as the fallback persona.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		if prompt != "" {
			s.systemPrompt = prompt
		}
	}
}

// WithMaxBodyBytes bounds the size of accepted request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewService wraps engine in a GatedEngine. modelPath is reported by /health.
func NewService(engine Engine, modelPath string, opts ...Option) *Service {
	gate := NewGate()
	s := &Service{
		engine:       NewGatedEngine(gate, engine),
		gate:         gate,
		modelPath:    modelPath,
		systemPrompt: DefaultSystemPrompt,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ModelPath() string {
	return s.modelPath
}

// Gate is the generation gate every engine call goes through.
func (s *Service) Gate() *Gate {
	return s.gate
}

// Reply runs one non-streamed generation and returns the trimmed text of the
// first choice.
func (s *Service) Reply(ctx context.Context, messages []Message) (string, error) {
	completion, err := s.engine.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	if !completion.Content.IsText() {
		return "", ErrEmptyOutput
	}
	reply := strings.TrimSpace(completion.Content.Text())
	if reply == "" {
		return "", ErrEmptyOutput
	}
	return reply, nil
}

// StreamReply runs one streamed generation, passing every event to emit. The
// last event is always Done or Error. Once emit fails the client is treated
// as gone: nothing more is emitted, but the engine stream is still drained so
// the generation finishes before the gate is released. The returned error is
// the generation error, if any.
func (s *Service) StreamReply(ctx context.Context, messages []Message, emit func(StreamEvent) error) error {
	clientGone := false
	send := func(ev StreamEvent) {
		if clientGone {
			return
		}
		if err := emit(ev); err != nil {
			clientGone = true
			logrus.WithContext(ctx).Debugf("[stream] stop writing to client: %v", err)
		}
	}

	stream, err := s.engine.Stream(ctx, messages)
	if err != nil {
		send(errorEvent(err))
		return err
	}
	defer stream.Close()

	tokens := 0
	for stream.Next() {
		chunk := stream.Current()
		if text := chunk.Delta.Text(); text != "" {
			tokens++
			send(StreamEvent{Token: text})
		}
		if chunk.FinishReason != "" {
			logrus.WithContext(ctx).Debugf("[stream] finish reason %q after %d tokens", chunk.FinishReason, tokens)
			break
		}
	}
	if err := stream.Err(); err != nil {
		send(errorEvent(err))
		return err
	}

	send(StreamEvent{Done: true})
	return nil
}

// errorEvent is the terminal event for a failed stream. The error field is
// never empty so clients can recognize it.
func errorEvent(err error) StreamEvent {
	msg := err.Error()
	if msg == "" {
		msg = fallbackStreamError
	}
	return StreamEvent{Error: msg}
}
