package sidecar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Gate admits one generation at a time. Waiters are admitted in the order
// they called Acquire.
type Gate struct {
	sem     *semaphore.Weighted
	waiting atomic.Int64
	busy    atomic.Bool
}

// NewGate returns an idle gate with an empty queue.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is done. The returned release
// func may be called more than once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	g.waiting.Add(1)
	err = g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	g.busy.Store(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.busy.Store(false)
			g.sem.Release(1)
		})
	}, nil
}

// Waiting is the number of callers queued in Acquire.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

// Busy reports whether a generation currently holds the gate.
func (g *Gate) Busy() bool {
	return g.busy.Load()
}

// GatedEngine serializes every call into Next through Gate. The caller's
// context only bounds the wait for the gate: once admitted, the generation
// runs to completion even if the caller goes away.
type GatedEngine struct {
	Gate *Gate
	Next Engine
}

var _ Engine = (*GatedEngine)(nil)

func NewGatedEngine(gate *Gate, next Engine) *GatedEngine {
	return &GatedEngine{Gate: gate, Next: next}
}

func (e *GatedEngine) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	release, err := e.Gate.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for generation gate: %w", err)
	}
	defer release()
	logrus.WithContext(ctx).Debugf("[gate] admitted completion, %d waiting", e.Gate.Waiting())

	return e.Next.Complete(context.WithoutCancel(ctx), messages)
}

// Stream holds the gate until the returned stream is closed.
func (e *GatedEngine) Stream(ctx context.Context, messages []Message) (Stream, error) {
	release, err := e.Gate.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for generation gate: %w", err)
	}
	logrus.WithContext(ctx).Debugf("[gate] admitted stream, %d waiting", e.Gate.Waiting())

	s, err := e.Next.Stream(context.WithoutCancel(ctx), messages)
	if err != nil {
		release()
		return nil, err
	}
	return &gatedStream{Stream: s, release: release}, nil
}

type gatedStream struct {
	Stream
	release func()
}

func (s *gatedStream) Close() error {
	defer s.release()
	return s.Stream.Close()
}
