// ABOUTME: relay-admin send publishes a test work item to the relay's queue
// ABOUTME: With --watch it follows the channel's frames until the final one arrives

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/chat-relay/internal/dispatch"
	"github.com/2389/chat-relay/internal/queue"
	"github.com/2389/chat-relay/internal/workitem"
)

type sendOptions struct {
	channel   string
	message   string
	messageID string
	priority  uint8
	watch     bool
	timeout   time.Duration
}

func newSendCmd(a *app) *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a work item to the relay's queue",
		Example: `  relay-admin send --channel $(relay-admin channel new) --message "hello" --watch
  relay-admin send -C room-42 -m "what's the weather?" --priority 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.channel, "channel", "C", "", "conversation channel (required)")
	f.StringVarP(&opts.message, "message", "m", "", "user message (required)")
	f.StringVar(&opts.messageID, "message-id", "", "message id (default: a new UUID)")
	f.Uint8Var(&opts.priority, "priority", 0, "AMQP message priority")
	f.BoolVarP(&opts.watch, "watch", "w", false, "follow the channel's frames until the final one")
	f.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "how long --watch waits for the final frame")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func (a *app) send(cmd *cobra.Command, opts sendOptions) error {
	if opts.messageID == "" {
		opts.messageID = uuid.NewString()
	}
	item := workitem.Item{Channel: opts.channel, MessageID: opts.messageID, Message: opts.message}
	if err := item.Validate(); err != nil {
		return err
	}

	cfg, err := a.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	// Subscribe before publishing so the started frame is not missed.
	var frames FrameSource
	if opts.watch {
		frames, err = a.deps.watch(ctx, cfg, opts.channel)
		if err != nil {
			return fmt.Errorf("watching channel: %w", err)
		}
		defer frames.Close()
	}

	pub, err := a.deps.newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}
	defer pub.Close()

	if err := pub.Publish(ctx, item, queue.PublishOptions{
		CorrelationID: opts.messageID,
		Priority:      opts.priority,
	}); err != nil {
		return fmt.Errorf("publishing work item: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Published %s to %s\n", color.GreenString("✓"), opts.messageID, cfg.Queue.Name)

	if frames == nil {
		return nil
	}
	return follow(ctx, frames, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// follow prints frames for the sent message until its final frame arrives.
func follow(ctx context.Context, frames FrameSource, opts sendOptions, out, status io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(status))
	s.Suffix = " waiting for the relay..."
	s.Start()
	stopped := false
	stop := func() {
		if !stopped {
			s.Stop()
			stopped = true
		}
	}
	defer stop()

	p := framePrinter{out: out}
	for {
		f, err := frames.Next(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no final frame within %s", opts.timeout)
		}
		if err != nil {
			return err
		}
		if f.MessageID != opts.messageID {
			continue
		}
		stop()
		p.print(f)
		if f.FinalMessage {
			if f.Status == dispatch.StatusError {
				return fmt.Errorf("work item failed: %s", f.ErrorCode)
			}
			return nil
		}
	}
}

// framePrinter renders frames as they arrive. Response text is cumulative, so
// only the new suffix of each in_progress frame is written.
type framePrinter struct {
	out     io.Writer
	written string
	open    bool // a response line is waiting for its newline
}

func (p *framePrinter) print(f *dispatch.Payload) {
	switch {
	case f.Type == dispatch.TypeTool:
		p.endText()
		fmt.Fprintf(p.out, "%s\n", color.YellowString("⚙ tool: %s", f.Tool))
	case f.Status == dispatch.StatusInProgress:
		delta := f.Message
		if strings.HasPrefix(f.Message, p.written) {
			delta = f.Message[len(p.written):]
		} else {
			p.endText()
		}
		fmt.Fprint(p.out, delta)
		p.written = f.Message
		p.open = true
	case f.Status == dispatch.StatusCompleted:
		if p.written == "" && f.Message != "" {
			fmt.Fprint(p.out, f.Message)
			p.open = true
		}
		p.endText()
		fmt.Fprintln(p.out, color.GreenString("✓ completed (thread %s)", f.ThreadID))
	case f.Status == dispatch.StatusError:
		p.endText()
		fmt.Fprintln(p.out, color.RedString("✗ %s: %s", f.ErrorCode, f.Message))
	default:
		p.endText()
		fmt.Fprintln(p.out, color.HiBlackString("· %s", f.Status))
	}
}

func (p *framePrinter) endText() {
	if p.open {
		fmt.Fprintln(p.out)
		p.open = false
	}
}
