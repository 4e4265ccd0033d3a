package oracle

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Step is one scripted answer: either Text or Err.
type Step struct {
	Text string
	Err  error
}

// Scripted is a deterministic Oracle that replays queued steps per stage.
// A stage with an empty queue falls back to its Default handler, if any.
type Scripted struct {
	mu       sync.Mutex
	queues   map[string][]Step
	defaults map[string]func(Request) (string, error)
	calls    map[string]int
}

// NewScripted returns an empty Scripted oracle.
func NewScripted() *Scripted {
	return &Scripted{
		queues:   make(map[string][]Step),
		defaults: make(map[string]func(Request) (string, error)),
		calls:    make(map[string]int),
	}
}

// Push queues steps for stage.
func (s *Scripted) Push(stage string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], steps...)
	return s
}

// Default sets the handler used once stage's queue is empty.
func (s *Scripted) Default(stage string, fn func(Request) (string, error)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[stage] = fn
	return s
}

// Calls returns how many requests stage has received.
func (s *Scripted) Calls(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

// Complete implements Oracle.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls[req.Stage]++
	var step Step
	q := s.queues[req.Stage]
	switch {
	case len(q) > 0:
		step = q[0]
		s.queues[req.Stage] = q[1:]
	case s.defaults[req.Stage] != nil:
		fn := s.defaults[req.Stage]
		s.mu.Unlock()
		text, err := fn(req)
		return respond(text, err)
	default:
		s.mu.Unlock()
		return nil, eris.Errorf("oracle: no scripted answer for stage %s", req.Stage)
	}
	s.mu.Unlock()
	return respond(step.Text, step.Err)
}

func respond(text string, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:  text,
		Model: "scripted",
		Usage: Usage{InputTokens: int64(len(text) / 4), OutputTokens: int64(len(text) / 4)},
	}, nil
}
