// ABOUTME: Per-work-item pipeline from queue delivery to the final frame
// ABOUTME: Subscribes, sends started, resolves the session, dispatches the run and records the outcome

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chat-relay/internal/dispatch"
	"github.com/2389/chat-relay/internal/metrics"
	"github.com/2389/chat-relay/internal/provider"
	"github.com/2389/chat-relay/internal/session"
	"github.com/2389/chat-relay/internal/store"
	"github.com/2389/chat-relay/internal/workitem"
)

const (
	recordTimeout  = 5 * time.Second
	releaseTimeout = 5 * time.Second
)

// Broadcaster delivers frames to socket subscribers. socket.Client and
// socket.Hub both implement it.
type Broadcaster interface {
	Acquire(ctx context.Context, channel string) error
	Release(ctx context.Context, channel string)
	Send(ctx context.Context, channel string, payload any) error
}

// SessionResolver maps a channel to its provider session.
type SessionResolver interface {
	Resolve(ctx context.Context, channel string) (*session.Session, error)
}

// AssistantSource yields the assistant id runs are started with.
type AssistantSource interface {
	Ensure(ctx context.Context) (string, error)
}

// ItemError reports a work item that ended with an error frame.
type ItemError struct {
	Reason  dispatch.Reason
	Details string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("work item failed: %s: %s", e.Reason, e.Details)
}

// ProcessorConfig wires a Processor. Ledger and Metrics are optional.
type ProcessorConfig struct {
	Broadcaster Broadcaster
	Sessions    SessionResolver
	Assistants  AssistantSource
	Provider    provider.Client
	Timeouts    dispatch.Timeouts
	Ledger      store.Store
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Processor handles work items one at a time per caller. It is safe for
// concurrent use by several queue consumers.
type Processor struct {
	broadcaster Broadcaster
	sessions    SessionResolver
	assistants  AssistantSource
	provider    provider.Client
	timeouts    dispatch.Timeouts
	ledger      store.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		broadcaster: cfg.Broadcaster,
		sessions:    cfg.Sessions,
		assistants:  cfg.Assistants,
		provider:    cfg.Provider,
		timeouts:    cfg.Timeouts,
		ledger:      cfg.Ledger,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Handle runs one work item to its final frame. It returns nil when the
// item completed, an *ItemError when an error frame was sent, and a
// dependency error when no frame could be sent at all.
func (p *Processor) Handle(ctx context.Context, item workitem.Item) error {
	if err := item.Validate(); err != nil {
		p.Reject(ctx, item, err)
		return err
	}

	done := p.metrics.Begin()
	defer done()

	logger := p.logger.With("component", "relay", "channel", item.Channel, "message_id", item.MessageID)
	started := time.Now()

	if err := p.broadcaster.Acquire(ctx, item.Channel); err != nil {
		err = fmt.Errorf("%w: subscribing to %s: %w", session.ErrDependencyUnavailable, item.Channel, err)
		p.finish(ctx, item, "", dispatch.Result{Status: dispatch.StatusError, Reason: dispatch.ReasonDependencyUnavailable, Details: err.Error(), Elapsed: time.Since(started)})
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		p.broadcaster.Release(relCtx, item.Channel)
	}()

	d := dispatch.New(p.broadcaster, dispatch.Target{Channel: item.Channel, MessageID: item.MessageID}, p.timeouts, logger)
	if err := d.Start(ctx); err != nil {
		err = fmt.Errorf("%w: sending started frame: %w", session.ErrDependencyUnavailable, err)
		p.finish(ctx, item, "", dispatch.Result{Status: dispatch.StatusError, Reason: dispatch.ReasonDependencyUnavailable, Details: err.Error(), Elapsed: time.Since(started)})
		return err
	}

	// Session resolution and the run share one overall budget.
	itemCtx, cancel := d.Bound(ctx)
	defer cancel()

	sess, assistantID, err := p.prepare(itemCtx, item.Channel)
	if err != nil {
		reason := dispatch.ReasonDependencyUnavailable
		if errors.Is(context.Cause(itemCtx), dispatch.ErrOverallTimeout) {
			reason = dispatch.ReasonOverallTimeout
		}
		logger.Error("cannot reach dependencies", "error", err, "reason", reason)
		res := d.Fail(ctx, reason, err)
		p.finish(ctx, item, "", res)
		if reason != dispatch.ReasonDependencyUnavailable {
			return &ItemError{Reason: res.Reason, Details: res.Details}
		}
		return err
	}
	d.SetThread(sess.ID)
	p.metrics.Session(sess.Created)
	logger.Info("dispatching", "session_id", sess.ID, "new_session", sess.Created, "message_count", sess.MessageCount)

	res := d.Run(itemCtx, p.provider, provider.RunRequest{
		SessionID:   sess.ID,
		AssistantID: assistantID,
		Message:     item.Message,
		Metadata: map[string]string{
			"channel":    item.Channel,
			"message_id": item.MessageID,
		},
	})
	p.finish(ctx, item, sess.ID, res)

	if !res.OK() {
		return &ItemError{Reason: res.Reason, Details: res.Details}
	}
	return nil
}

// prepare fetches the assistant id and resolves the session, bounded by the
// initial-response timeout and by whatever remains of ctx's overall budget.
func (p *Processor) prepare(ctx context.Context, channel string) (*session.Session, string, error) {
	timeout := p.timeouts.Initial
	if timeout <= 0 {
		timeout = dispatch.DefaultInitialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	assistantID, err := p.assistants.Ensure(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("ensuring assistant: %w", err)
	}
	sess, err := p.sessions.Resolve(ctx, channel)
	if err != nil {
		return nil, "", fmt.Errorf("resolving session: %w", err)
	}
	return sess, assistantID, nil
}

// Reject records a work item that failed validation. No frames are sent.
func (p *Processor) Reject(ctx context.Context, item workitem.Item, err error) {
	p.metrics.WorkItem(store.StatusRejected, "", 0, 0)
	p.record(ctx, &store.Outcome{
		Channel:   item.Channel,
		MessageID: item.MessageID,
		Status:    store.StatusRejected,
		Reason:    err.Error(),
	})
}

// RejectBody records an undecodable delivery. It fits queue.ConsumerConfig.OnInvalid.
func (p *Processor) RejectBody(body []byte, err error) {
	var item workitem.Item
	_ = json.Unmarshal(body, &item)
	p.Reject(context.Background(), item, err)
}

func (p *Processor) finish(ctx context.Context, item workitem.Item, threadID string, res dispatch.Result) {
	outcome := store.StatusCompleted
	if !res.OK() {
		outcome = store.StatusError
	}
	p.metrics.WorkItem(outcome, string(res.Reason), res.Frames, res.Elapsed)
	for _, tool := range res.Tools {
		p.metrics.ToolCall(tool)
	}

	o := &store.Outcome{
		Channel:   item.Channel,
		MessageID: item.MessageID,
		ThreadID:  threadID,
		Status:    outcome,
		Reason:    string(res.Reason),
		Frames:    res.Frames,
		Tools:     res.Tools,
		Duration:  res.Elapsed,
	}
	if res.Usage != nil {
		o.PromptTokens = res.Usage.PromptTokens
		o.CompletionTokens = res.Usage.CompletionTokens
		p.metrics.Tokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	}
	p.record(ctx, o)
}

func (p *Processor) record(ctx context.Context, o *store.Outcome) {
	if p.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.ledger.RecordOutcome(ctx, o); err != nil {
		p.logger.Warn("recording outcome failed", "channel", o.Channel, "message_id", o.MessageID, "error", err)
	}
}

// IsDependencyError reports whether err came from an unreachable dependency
// rather than from the provider run itself.
func IsDependencyError(err error) bool {
	return errors.Is(err, session.ErrDependencyUnavailable)
}
