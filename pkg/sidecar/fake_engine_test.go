package sidecar

import (
	"context"
	"sync"
	"time"
)

// fakeEngine records how it is called. The zero value answers "  Hi there!  ".
type fakeEngine struct {
	content     *Content
	completeErr error
	openErr     error
	chunks      []Chunk
	streamErr   error
	delay       time.Duration
	onComplete  func()

	mu           sync.Mutex
	active       int
	maxActive    int
	calls        int
	lastMessages []Message
	lastCtxErr   error
	consumed     int
	closed       bool
}

func (f *fakeEngine) enter(messages []Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.lastMessages = messages
}

func (f *fakeEngine) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func (f *fakeEngine) stats() (calls, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxActive
}

func (f *fakeEngine) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	f.enter(messages)
	defer f.leave()
	if f.onComplete != nil {
		f.onComplete()
	}
	time.Sleep(f.delay)
	f.mu.Lock()
	f.lastCtxErr = ctx.Err()
	f.mu.Unlock()

	if f.completeErr != nil {
		return nil, f.completeErr
	}
	content := PlainContent("  Hi there!  ")
	if f.content != nil {
		content = *f.content
	}
	return &Completion{Content: content, FinishReason: "stop"}, nil
}

func (f *fakeEngine) Stream(ctx context.Context, messages []Message) (Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.enter(messages)
	return &fakeStream{f: f}, nil
}

type fakeStream struct {
	f       *fakeEngine
	i       int
	current Chunk
	once    sync.Once
}

func (s *fakeStream) Next() bool {
	if s.i >= len(s.f.chunks) {
		return false
	}
	time.Sleep(s.f.delay)
	s.current = s.f.chunks[s.i]
	s.i++
	s.f.mu.Lock()
	s.f.consumed = s.i
	s.f.mu.Unlock()
	return true
}

func (s *fakeStream) Current() Chunk { return s.current }

func (s *fakeStream) Err() error {
	if s.i >= len(s.f.chunks) {
		return s.f.streamErr
	}
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		s.f.closed = true
		s.f.mu.Unlock()
		s.f.leave()
	})
	return nil
}
