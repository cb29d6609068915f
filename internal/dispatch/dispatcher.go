// ABOUTME: Per-work-item state machine that turns provider events into frames
// ABOUTME: Enforces the initial, idle and overall timeouts and a single terminal frame

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/chat-relay/internal/provider"
)

const (
	DefaultInitialTimeout = 45 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultOverallTimeout = 90 * time.Second

	// terminalSendTimeout bounds delivery of the final frame once the work
	// item's own context is gone.
	terminalSendTimeout = 5 * time.Second
	cancelRunTimeout    = 5 * time.Second
)

// ErrTerminated is returned when a frame is sent after the terminal frame.
var ErrTerminated = errors.New("dispatcher already terminated")

// ErrOverallTimeout is the cause of a work item context whose overall
// budget ran out.
var ErrOverallTimeout = errors.New("overall timeout")

// Sender delivers a payload to the subscribers of a channel.
type Sender interface {
	Send(ctx context.Context, channel string, payload any) error
}

// Timeouts bounds how long a run may take.
type Timeouts struct {
	// Initial is the wait for the first provider event after dispatch.
	Initial time.Duration
	// Idle is the longest silence allowed between later events.
	Idle time.Duration
	// Overall caps the whole run.
	Overall time.Duration
}

// DefaultTimeouts returns 45s, 60s and 90s.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initial: DefaultInitialTimeout,
		Idle:    DefaultIdleTimeout,
		Overall: DefaultOverallTimeout,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Initial <= 0 {
		t.Initial = d.Initial
	}
	if t.Idle <= 0 {
		t.Idle = d.Idle
	}
	if t.Overall <= 0 {
		t.Overall = d.Overall
	}
	return t
}

// State is the dispatcher's position in the work item lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateProcessing
	StateResponding
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further frames can follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Target identifies where a work item's frames go.
type Target struct {
	Channel   string
	MessageID string
	ThreadID  string
}

// Result is the outcome of one work item.
type Result struct {
	Status  Status // StatusCompleted or StatusError
	Reason  Reason
	Details string
	Text    string
	Frames  int
	Tools   []string
	Usage   *provider.UsageEvent
	Elapsed time.Duration
}

// OK reports whether the work item completed.
func (r Result) OK() bool {
	return r.Status == StatusCompleted
}

// Dispatcher drives the frames of a single work item. It is not reused.
type Dispatcher struct {
	sender   Sender
	timeouts Timeouts
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	target     Target
	state      State
	responding bool
	text       strings.Builder
	frames     int
	tools      []string
	usage      *provider.UsageEvent
	started    time.Time
	result     *Result
}

// New creates a Dispatcher for target. Zero timeouts take their defaults.
func New(sender Sender, target Target, timeouts Timeouts, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sender:   sender,
		target:   target,
		timeouts: timeouts.withDefaults(),
		now:      time.Now,
	}
	d.logger = logger.With("component", "dispatch", "channel", target.Channel, "message_id", target.MessageID)
	return d
}

// State returns the current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetThread records the session id once it is known.
func (d *Dispatcher) SetThread(id string) {
	d.mu.Lock()
	d.target.ThreadID = id
	d.mu.Unlock()
}

// Start emits the started frame. It is sent before any provider call and
// is not subject to the run timeouts.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return fmt.Errorf("start in state %s", d.state)
	}
	d.started = d.now()
	d.state = StateStarted
	d.mu.Unlock()

	return d.send(ctx, Payload{Message: msgStarted, Status: StatusStarted, Type: TypeStatus})
}

// Fail ends the work item with an error frame. Calling Fail after the
// terminal frame returns the earlier result unchanged.
func (d *Dispatcher) Fail(ctx context.Context, reason Reason, cause error) Result {
	details := string(reason)
	if cause != nil {
		details = cause.Error()
	}
	return d.fail(ctx, reason, details)
}

// Run starts the provider run for req and relays its events until a
// terminal frame has been sent. Run never returns an error; the Result
// carries the outcome.
func (d *Dispatcher) Run(ctx context.Context, client provider.Client, req provider.RunRequest) Result {
	d.mu.Lock()
	if d.state == StateIdle {
		d.started = d.now()
		d.state = StateStarted
	}
	if d.result != nil {
		r := *d.result
		d.mu.Unlock()
		return r
	}
	d.mu.Unlock()

	runCtx, cancel := d.Bound(ctx)
	defer cancel()

	// The initial timer covers the provider's own startup call.
	initial := time.NewTimer(d.timeouts.Initial)
	defer initial.Stop()

	starts := make(chan runStart, 1)
	go func() {
		stream, err := client.StartRun(runCtx, req)
		starts <- runStart{stream: stream, err: err}
	}()

	var stream provider.Stream
	select {
	case s := <-starts:
		if s.err != nil {
			if reason := d.contextReason(ctx, runCtx); reason != ReasonNone {
				return d.fail(ctx, reason, d.timeoutDetails(reason))
			}
			return d.fail(ctx, ReasonProviderError, fmt.Sprintf("starting run: %v", s.err))
		}
		stream = s.stream
	case <-initial.C:
		cancel()
		d.abandonStart(starts)
		return d.fail(ctx, ReasonNoInitialResponse, d.timeoutDetails(ReasonNoInitialResponse))
	case <-runCtx.Done():
		reason := d.contextReason(ctx, runCtx)
		d.abandonStart(starts)
		return d.fail(ctx, reason, d.timeoutDetails(reason))
	}

	events := make(chan streamEvent)
	pumpDone := make(chan struct{})
	go pump(runCtx, stream, events, pumpDone)
	defer func() {
		cancel()
		stream.Close()
		<-pumpDone
	}()

	idle := time.NewTimer(d.timeouts.Idle)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-runCtx.Done():
			reason := d.contextReason(ctx, runCtx)
			d.cancelRun(stream)
			return d.fail(ctx, reason, d.timeoutDetails(reason))

		case <-initial.C:
			d.cancelRun(stream)
			return d.fail(ctx, ReasonNoInitialResponse, d.timeoutDetails(ReasonNoInitialResponse))

		case <-idle.C:
			d.cancelRun(stream)
			return d.fail(ctx, ReasonStalled, d.timeoutDetails(ReasonStalled))

		case ev := <-events:
			if ev.err != nil {
				if reason := d.contextReason(ctx, runCtx); reason != ReasonNone {
					d.cancelRun(stream)
					return d.fail(ctx, reason, d.timeoutDetails(reason))
				}
				if errors.Is(ev.err, io.EOF) {
					return d.fail(ctx, ReasonStreamIncomplete, "provider stream ended before the run completed")
				}
				return d.fail(ctx, ReasonProviderError, ev.err.Error())
			}

			initial.Stop()
			idle.Reset(d.timeouts.Idle)

			if res, done := d.handle(ctx, runCtx, ev.resp); done {
				if res.Reason.IsTimeout() || res.Reason == ReasonCancelled {
					d.cancelRun(stream)
				}
				return res
			}
		}
	}
}

// Bound returns ctx limited to the overall budget, counted from the
// started frame. Work done before Run, such as session resolution, shares it.
func (d *Dispatcher) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	d.mu.Lock()
	start := d.started
	d.mu.Unlock()
	if start.IsZero() {
		start = d.now()
	}
	return context.WithDeadlineCause(ctx, start.Add(d.timeouts.Overall), ErrOverallTimeout)
}

// abandonStart cancels a run whose StartRun returns after the dispatcher
// has already given up on it.
func (d *Dispatcher) abandonStart(starts <-chan runStart) {
	go func() {
		s := <-starts
		if s.err != nil || s.stream == nil {
			return
		}
		d.cancelRun(s.stream)
		s.stream.Close()
	}()
}

// handle applies one provider event. It returns the final result once the
// work item reached a terminal state.
func (d *Dispatcher) handle(ctx, runCtx context.Context, resp *provider.Response) (Result, bool) {
	switch resp.Event {
	case provider.EventToolUse:
		name := ""
		if resp.ToolUse != nil {
			name = resp.ToolUse.Name
		}
		d.mu.Lock()
		d.state = StateProcessing
		d.tools = append(d.tools, name)
		d.mu.Unlock()

		d.logger.Info("tool call", "tool", name)
		if err := d.send(runCtx, Payload{Message: name, Status: StatusProcessing, Type: TypeTool, Tool: name}); err != nil {
			return d.sendFailed(ctx, runCtx, err), true
		}

	case provider.EventText:
		if resp.Text == "" {
			return Result{}, false
		}
		d.mu.Lock()
		first := !d.responding
		d.responding = true
		d.state = StateResponding
		d.text.WriteString(resp.Text)
		text := d.text.String()
		d.mu.Unlock()

		if first {
			if err := d.send(runCtx, Payload{Message: msgResponding, Status: StatusResponding, Type: TypeStatus}); err != nil {
				return d.sendFailed(ctx, runCtx, err), true
			}
		}
		if err := d.send(runCtx, Payload{Message: text, Status: StatusInProgress, Type: TypeResponse}); err != nil {
			return d.sendFailed(ctx, runCtx, err), true
		}

	case provider.EventMessageDone:
		d.mu.Lock()
		if !d.responding && d.text.Len() == 0 {
			d.text.WriteString(resp.Text)
		}
		d.mu.Unlock()

	case provider.EventDone:
		d.mu.Lock()
		d.usage = resp.Usage
		d.mu.Unlock()
		return d.complete(ctx), true

	case provider.EventError:
		details := resp.Error
		if details == "" {
			details = "provider reported an error"
		}
		return d.fail(ctx, ReasonProviderError, details), true
	}
	return Result{}, false
}

func (d *Dispatcher) sendFailed(ctx, runCtx context.Context, err error) Result {
	if errors.Is(err, ErrTerminated) {
		return d.lastResult()
	}
	if reason := d.contextReason(ctx, runCtx); reason != ReasonNone {
		return d.fail(ctx, reason, d.timeoutDetails(reason))
	}
	return d.fail(ctx, ReasonDependencyUnavailable, fmt.Sprintf("sending frame: %v", err))
}

// complete sends the completed frame.
func (d *Dispatcher) complete(ctx context.Context) Result {
	d.mu.Lock()
	if d.state.Terminal() {
		r := *d.result
		d.mu.Unlock()
		return r
	}
	d.state = StateCompleted
	text := d.text.String()
	payload := d.stampLocked(Payload{Message: text, Status: StatusCompleted, Type: TypeResponse, FinalMessage: true})
	d.result = &Result{Status: StatusCompleted, Text: text, Usage: d.usage, Tools: d.tools}
	d.mu.Unlock()

	sendCtx, cancel := terminalContext(ctx)
	defer cancel()
	if err := d.sender.Send(sendCtx, d.target.Channel, payload); err != nil {
		// The completed frame is the terminal frame even when delivery fails.
		d.logger.Error("completed frame not delivered", "error", err)
		return d.finish(StatusError, ReasonDependencyUnavailable, fmt.Sprintf("sending completed frame: %v", err), false)
	}
	return d.finish(StatusCompleted, ReasonNone, "", true)
}

// fail sends the error frame unless a terminal frame was already sent.
func (d *Dispatcher) fail(ctx context.Context, reason Reason, details string) Result {
	d.mu.Lock()
	if d.state.Terminal() {
		r := *d.result
		d.mu.Unlock()
		return r
	}
	d.state = StateErrored
	payload := d.stampLocked(Payload{
		Message:      FriendlyMessage(reason, details),
		Status:       StatusError,
		Type:         TypeError,
		FinalMessage: true,
		ErrorCode:    reason,
		ErrorDetails: details,
	})
	d.result = &Result{Status: StatusError, Reason: reason, Details: details, Text: d.text.String(), Usage: d.usage, Tools: d.tools}
	d.mu.Unlock()

	sendCtx, cancel := terminalContext(ctx)
	defer cancel()
	delivered := true
	if err := d.sender.Send(sendCtx, d.target.Channel, payload); err != nil {
		d.logger.Error("error frame not delivered", "reason", reason, "error", err)
		delivered = false
	}
	d.logger.Warn("work item failed", "reason", reason, "details", details)
	return d.finish(StatusError, reason, details, delivered)
}

func (d *Dispatcher) finish(status Status, reason Reason, details string, delivered bool) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if delivered {
		d.frames++
	}
	d.result.Status = status
	d.result.Reason = reason
	d.result.Details = details
	d.result.Frames = d.frames
	d.result.Elapsed = d.now().Sub(d.started)
	if status == StatusCompleted {
		d.logger.Info("work item completed", "frames", d.frames, "elapsed", d.result.Elapsed)
	}
	return *d.result
}

func (d *Dispatcher) lastResult() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.result == nil {
		return Result{}
	}
	return *d.result
}

// send delivers a non-terminal frame.
func (d *Dispatcher) send(ctx context.Context, p Payload) error {
	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return ErrTerminated
	}
	p = d.stampLocked(p)
	d.mu.Unlock()

	if err := d.sender.Send(ctx, d.target.Channel, p); err != nil {
		return err
	}

	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) stampLocked(p Payload) Payload {
	p.Timestamp = unixSeconds(d.now())
	p.MessageID = d.target.MessageID
	p.ThreadID = d.target.ThreadID
	return p
}

// contextReason maps a finished run context to a reason, or ReasonNone
// while the context is still live.
func (d *Dispatcher) contextReason(parent, runCtx context.Context) Reason {
	if runCtx.Err() == nil {
		return ReasonNone
	}
	if errors.Is(context.Cause(runCtx), ErrOverallTimeout) {
		return ReasonOverallTimeout
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return ReasonOverallTimeout
	}
	return ReasonCancelled
}

func (d *Dispatcher) timeoutDetails(reason Reason) string {
	switch reason {
	case ReasonNoInitialResponse:
		return fmt.Sprintf("no response from provider within %s", d.timeouts.Initial)
	case ReasonStalled:
		return fmt.Sprintf("provider stream stalled for %s", d.timeouts.Idle)
	case ReasonOverallTimeout:
		return fmt.Sprintf("run did not finish within %s", d.timeouts.Overall)
	case ReasonCancelled:
		return "work item cancelled"
	}
	return string(reason)
}

// cancelRun asks the provider to stop the run.
func (d *Dispatcher) cancelRun(stream provider.Stream) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelRunTimeout)
	defer cancel()
	if err := stream.Cancel(ctx); err != nil {
		d.logger.Warn("cancel run failed", "error", err)
	}
}

func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalSendTimeout)
}

type runStart struct {
	stream provider.Stream
	err    error
}

type streamEvent struct {
	resp *provider.Response
	err  error
}

// pump reads the stream until it fails or ctx ends.
func pump(ctx context.Context, stream provider.Stream, out chan<- streamEvent, done chan<- struct{}) {
	defer close(done)
	for {
		resp, err := stream.Next(ctx)
		if err == nil && resp == nil {
			continue
		}
		select {
		case out <- streamEvent{resp: resp, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
