// ABOUTME: In-memory provider Client and scripted Stream for testing
// ABOUTME: Lets relay, session and dispatch tests run without the network

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrStreamClosed is returned by ScriptedStream.Next after Close or Cancel.
var ErrStreamClosed = errors.New("stream closed")

// Step is one scripted stream action: wait Delay, then yield Response or Err.
type Step struct {
	Delay    time.Duration
	Response *Response
	Err      error
}

// TextSteps scripts a successful run that streams parts as deltas.
func TextSteps(parts ...string) []Step {
	steps := make([]Step, 0, len(parts)+2)
	for _, p := range parts {
		steps = append(steps, Step{Response: &Response{Event: EventText, Text: p}})
	}
	steps = append(steps,
		Step{Response: &Response{Event: EventMessageDone, Text: strings.Join(parts, "")}},
		Step{Response: &Response{Event: EventDone}},
	)
	return steps
}

// ScriptedStream replays a fixed list of steps.
type ScriptedStream struct {
	steps []Step
	next  int

	mu        sync.Mutex
	cancelled bool
	closed    bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewScriptedStream creates a stream that yields steps in order, then io.EOF.
func NewScriptedStream(steps ...Step) *ScriptedStream {
	return &ScriptedStream{steps: steps, stop: make(chan struct{})}
}

// Next waits for the next step's delay and returns its outcome.
func (s *ScriptedStream) Next(ctx context.Context) (*Response, error) {
	if s.next >= len(s.steps) {
		return nil, io.EOF
	}
	step := s.steps[s.next]
	s.next++

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stop:
			return nil, ErrStreamClosed
		case <-timer.C:
		}
	}

	select {
	case <-s.stop:
		return nil, ErrStreamClosed
	default:
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Cancel records the cancellation and unblocks a pending Next.
func (s *ScriptedStream) Cancel(context.Context) error {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Close unblocks a pending Next.
func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Cancelled reports whether Cancel was called.
func (s *ScriptedStream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Closed reports whether Close was called.
func (s *ScriptedStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Fake is an in-memory Client and AssistantAPI.
type Fake struct {
	mu         sync.Mutex
	sessions   []string
	runs       []RunRequest
	streams    []*ScriptedStream
	assistants map[string]*Assistant
	seq        int

	// Script builds the steps of each run. Defaults to a single "ok" reply.
	Script func(req RunRequest) []Step

	CreateSessionErr error
	StartRunErr      error
	GetAssistantErr  error
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{assistants: make(map[string]*Assistant)}
}

func (f *Fake) nextIDLocked(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

// CreateSession issues a new session id.
func (f *Fake) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateSessionErr != nil {
		return "", f.CreateSessionErr
	}
	id := f.nextIDLocked("thread")
	f.sessions = append(f.sessions, id)
	return id, nil
}

// StartRun records the request and returns a scripted stream.
func (f *Fake) StartRun(_ context.Context, req RunRequest) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartRunErr != nil {
		return nil, f.StartRunErr
	}
	f.runs = append(f.runs, req)

	steps := TextSteps("ok")
	if f.Script != nil {
		steps = f.Script(req)
	}
	s := NewScriptedStream(steps...)
	f.streams = append(f.streams, s)
	return s, nil
}

// Sessions returns the ids issued so far.
func (f *Fake) Sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

// Runs returns the run requests received so far.
func (f *Fake) Runs() []RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunRequest(nil), f.runs...)
}

// Streams returns the streams handed out so far.
func (f *Fake) Streams() []*ScriptedStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ScriptedStream(nil), f.streams...)
}

// CreateAssistant stores a new assistant.
func (f *Fake) CreateAssistant(_ context.Context, spec AssistantSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextIDLocked("asst")
	f.assistants[id] = &Assistant{
		ID:           id,
		Name:         spec.Name,
		Model:        spec.Model,
		Instructions: spec.Instructions,
		CreatedAt:    time.Now().Unix(),
	}
	return id, nil
}

// GetAssistant returns a stored assistant or ErrNotFound.
func (f *Fake) GetAssistant(_ context.Context, id string) (*Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GetAssistantErr != nil {
		return nil, f.GetAssistantErr
	}
	a, ok := f.assistants[id]
	if !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// DeleteAssistant removes an assistant.
func (f *Fake) DeleteAssistant(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.assistants[id]; !ok {
		return fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	delete(f.assistants, id)
	return nil
}

// AssistantCount returns the number of stored assistants.
func (f *Fake) AssistantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assistants)
}
