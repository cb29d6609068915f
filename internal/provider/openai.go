// ABOUTME: OpenAI Assistants implementation of Client and AssistantAPI
// ABOUTME: Translates streamed run events into Responses and answers tool calls in-line

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/2389/chat-relay/internal/tools"
)

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Tools   *tools.Registry
	Logger  *slog.Logger
	// Options are appended after the key and base URL.
	Options []option.RequestOption
}

// OpenAI talks to the Assistants API.
type OpenAI struct {
	client openai.Client
	tools  *tools.Registry
	logger *slog.Logger
}

// NewOpenAI creates a client. Tool calls are answered from cfg.Tools.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	return &OpenAI{
		client: openai.NewClient(opts...),
		tools:  registry,
		logger: logger.With("component", "openai"),
	}, nil
}

// CreateSession creates a new thread.
func (o *OpenAI) CreateSession(ctx context.Context) (string, error) {
	thread, err := o.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", mapError(err))
	}
	o.logger.Debug("created thread", "thread_id", thread.ID)
	return thread.ID, nil
}

// StartRun appends the user message to the thread and starts a streamed run.
func (o *OpenAI) StartRun(ctx context.Context, req RunRequest) (Stream, error) {
	params := openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(req.Message)},
	}
	if len(req.Metadata) > 0 {
		params.Metadata = shared.Metadata(req.Metadata)
	}
	if _, err := o.client.Beta.Threads.Messages.New(ctx, req.SessionID, params); err != nil {
		return nil, fmt.Errorf("adding message to thread %s: %w", req.SessionID, mapError(err))
	}

	sse := o.client.Beta.Threads.Runs.NewStreaming(ctx, req.SessionID, openai.BetaThreadRunNewParams{
		AssistantID: req.AssistantID,
	})
	return &openAIStream{owner: o, threadID: req.SessionID, sse: sse}, nil
}

// CreateAssistant creates an assistant advertising every registered tool.
func (o *OpenAI) CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	params := openai.BetaAssistantNewParams{
		Model:        openai.ChatModel(spec.Model),
		Name:         openai.String(spec.Name),
		Instructions: openai.String(spec.Instructions),
	}
	for _, def := range o.tools.Definitions() {
		params.Tools = append(params.Tools, openai.AssistantToolUnionParam{
			OfFunction: &openai.FunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  shared.FunctionParameters(def.Parameters),
				},
			},
		})
	}

	a, err := o.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("creating assistant: %w", mapError(err))
	}
	o.logger.Info("created assistant", "assistant_id", a.ID, "model", spec.Model)
	return a.ID, nil
}

// GetAssistant retrieves an assistant.
func (o *OpenAI) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	a, err := o.client.Beta.Assistants.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieving assistant %s: %w", id, mapError(err))
	}
	return &Assistant{
		ID:           a.ID,
		Name:         a.Name,
		Model:        a.Model,
		Instructions: a.Instructions,
		CreatedAt:    a.CreatedAt,
	}, nil
}

// DeleteAssistant deletes an assistant.
func (o *OpenAI) DeleteAssistant(ctx context.Context, id string) error {
	if _, err := o.client.Beta.Assistants.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting assistant %s: %w", id, mapError(err))
	}
	return nil
}

// mapError marks 404 responses with ErrNotFound.
func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// openAIStream adapts a run's server-sent events to the Stream interface.
// When the run requires tool outputs, the queued tool-use events are returned
// first; the following Next call executes the tools, submits their outputs and
// continues on the resumed stream.
type openAIStream struct {
	owner    *OpenAI
	threadID string

	mu    sync.Mutex
	sse   *ssestream.Stream[openai.AssistantStreamEventUnion]
	runID string

	pending   []*Response
	toolCalls []openai.RequiredActionFunctionToolCall
	finished  bool
}

func (s *openAIStream) Next(ctx context.Context) (*Response, error) {
	for {
		if len(s.pending) > 0 {
			r := s.pending[0]
			s.pending = s.pending[1:]
			return r, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.toolCalls) > 0 {
			if err := s.submitToolOutputs(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if s.finished {
			return nil, io.EOF
		}

		sse := s.stream()
		if !sse.Next() {
			s.finished = true
			if err := sse.Err(); err != nil {
				return nil, fmt.Errorf("reading run stream: %w", mapError(err))
			}
			continue
		}
		s.handle(sse.Current())
	}
}

func (s *openAIStream) stream() *ssestream.Stream[openai.AssistantStreamEventUnion] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sse
}

func (s *openAIStream) setRunID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
}

func (s *openAIStream) currentRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *openAIStream) handle(evt openai.AssistantStreamEventUnion) {
	switch evt.Event {
	case "thread.run.created":
		s.setRunID(evt.AsThreadRunCreated().Data.ID)

	case "thread.run.requires_action":
		run := evt.AsThreadRunRequiresAction().Data
		s.setRunID(run.ID)
		calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
		for _, call := range calls {
			s.pending = append(s.pending, &Response{
				Event: EventToolUse,
				RunID: run.ID,
				ToolUse: &ToolUseEvent{
					ID:        call.ID,
					Name:      call.Function.Name,
					InputJSON: call.Function.Arguments,
				},
			})
		}
		s.toolCalls = calls

	case "thread.message.delta":
		delta := evt.AsThreadMessageDelta().Data
		for _, c := range delta.Delta.Content {
			if c.Type == "text" && c.Text.Value != "" {
				s.pending = append(s.pending, &Response{Event: EventText, Text: c.Text.Value, RunID: s.currentRunID()})
			}
		}

	case "thread.message.completed":
		msg := evt.AsThreadMessageCompleted().Data
		var text strings.Builder
		for _, c := range msg.Content {
			if c.Type == "text" {
				text.WriteString(c.Text.Value)
			}
		}
		s.pending = append(s.pending, &Response{Event: EventMessageDone, Text: text.String(), RunID: msg.RunID})

	case "thread.run.completed":
		run := evt.AsThreadRunCompleted().Data
		resp := &Response{Event: EventDone, RunID: run.ID}
		if run.Usage.TotalTokens > 0 {
			resp.Usage = &UsageEvent{
				PromptTokens:     run.Usage.PromptTokens,
				CompletionTokens: run.Usage.CompletionTokens,
			}
		}
		s.pending = append(s.pending, resp)
		s.finished = true

	case "thread.run.failed":
		run := evt.AsThreadRunFailed().Data
		msg := run.LastError.Message
		if msg == "" {
			msg = "run failed"
		}
		s.pending = append(s.pending, &Response{Event: EventError, RunID: run.ID, Error: msg})
		s.finished = true

	case "thread.run.cancelled", "thread.run.expired", "thread.run.incomplete":
		s.pending = append(s.pending, &Response{
			Event: EventError,
			RunID: s.currentRunID(),
			Error: "run " + strings.TrimPrefix(evt.Event, "thread.run."),
		})
		s.finished = true

	case "error":
		s.pending = append(s.pending, &Response{Event: EventError, RunID: s.currentRunID(), Error: evt.AsErrorEvent().Data.Message})
		s.finished = true
	}
}

// submitToolOutputs runs the pending tool calls and resumes the run.
func (s *openAIStream) submitToolOutputs(ctx context.Context) error {
	calls := s.toolCalls
	s.toolCalls = nil

	outputs := make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(calls))
	for _, call := range calls {
		out := s.owner.tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
		outputs = append(outputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(call.ID),
			Output:     openai.String(out),
		})
	}

	runID := s.currentRunID()
	if runID == "" {
		return errors.New("tool outputs requested before the run was identified")
	}

	next := s.owner.client.Beta.Threads.Runs.SubmitToolOutputsStreaming(ctx, s.threadID, runID,
		openai.BetaThreadRunSubmitToolOutputsParams{ToolOutputs: outputs})

	s.mu.Lock()
	prev := s.sse
	s.sse = next
	s.mu.Unlock()
	_ = prev.Close()

	s.owner.logger.Debug("submitted tool outputs", "thread_id", s.threadID, "run_id", runID, "count", len(outputs))
	return nil
}

// Cancel cancels the run on the provider side if it has been identified.
func (s *openAIStream) Cancel(ctx context.Context) error {
	runID := s.currentRunID()
	if runID == "" {
		return nil
	}
	if _, err := s.owner.client.Beta.Threads.Runs.Cancel(ctx, s.threadID, runID); err != nil {
		return fmt.Errorf("cancelling run %s: %w", runID, mapError(err))
	}
	return nil
}

func (s *openAIStream) Close() error {
	return s.stream().Close()
}
