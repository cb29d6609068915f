// ABOUTME: Streaming client contract for the conversational-AI provider
// ABOUTME: Runs are consumed as a pull-based sequence of tagged Response events

package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the provider has no record of an assistant or session.
var ErrNotFound = errors.New("not found at provider")

// Response represents one event of a provider run.
type Response struct {
	Event   ResponseEvent
	Text    string        // delta for EventText, full message for EventMessageDone
	ToolUse *ToolUseEvent // for EventToolUse
	RunID   string
	Error   string      // for EventError
	Usage   *UsageEvent // for EventDone, when reported
}

// ResponseEvent indicates the type of response event.
type ResponseEvent int

const (
	EventToolUse     ResponseEvent = iota // the run paused to call a tool
	EventText                             // incremental text
	EventMessageDone                      // a message finished; Text holds all of it
	EventDone                             // the run completed
	EventError                            // the run failed
)

func (e ResponseEvent) String() string {
	switch e {
	case EventToolUse:
		return "tool_use"
	case EventText:
		return "text"
	case EventMessageDone:
		return "message_done"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolUseEvent represents a tool invocation requested by the assistant.
type ToolUseEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// UsageEvent represents token consumption of a run.
type UsageEvent struct {
	PromptTokens     int64
	CompletionTokens int64
}

// RunRequest asks the provider to answer a user message inside a session.
type RunRequest struct {
	SessionID   string
	AssistantID string
	Message     string
	Metadata    map[string]string
}

// Stream yields the events of one run in order. Next returns io.EOF once the
// provider closes the stream. Implementations are not safe for concurrent Next
// calls, but Cancel and Close may be called from another goroutine.
type Stream interface {
	Next(ctx context.Context) (*Response, error)
	// Cancel asks the provider to stop the run. Best effort.
	Cancel(ctx context.Context) error
	Close() error
}

// Client starts sessions and runs.
type Client interface {
	CreateSession(ctx context.Context) (string, error)
	StartRun(ctx context.Context, req RunRequest) (Stream, error)
}

// Assistant describes a provider-side assistant.
type Assistant struct {
	ID           string
	Name         string
	Model        string
	Instructions string
	CreatedAt    int64
}

// AssistantSpec holds what is needed to create an assistant.
type AssistantSpec struct {
	Name         string
	Model        string
	Instructions string
}

// AssistantAPI manages the assistant the relay talks to.
type AssistantAPI interface {
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
	// GetAssistant returns ErrNotFound when the id is unknown to the provider.
	GetAssistant(ctx context.Context, id string) (*Assistant, error)
	DeleteAssistant(ctx context.Context, id string) error
}
