// ABOUTME: AMQP consumer that decodes work items and hands them to a Handler
// ABOUTME: Acks on success, rejects without requeue on failure and reconnects on connection loss

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/chat-relay/internal/workitem"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultHeartbeat      = 15 * time.Second
	replyTimeout          = 5 * time.Second
	defaultDrainTimeout   = 30 * time.Second

	msgMalformed = "The message format is invalid. Please check your request and try again."
)

// Handler processes one decoded work item. A nil error acks the delivery;
// anything else dead-letters it.
type Handler interface {
	Handle(ctx context.Context, item workitem.Item) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item workitem.Item) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item workitem.Item) error {
	return f(ctx, item)
}

// Replier publishes replies. *amqp.Channel satisfies it.
type Replier interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Reply is published to a delivery's reply_to queue when one is set.
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Outcome is what happened to a delivery.
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeRejected
	OutcomeInvalid // rejected before reaching the handler
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRejected:
		return "rejected"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	URL            string
	Topology       Topology
	Prefetch       int
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	// DrainTimeout bounds an in-flight item once shutdown begins; after it
	// the item's context is cancelled.
	DrainTimeout time.Duration
	// Tag defaults to relay_worker_<8 hex>.
	Tag string
	// OnInvalid, when set, is told about deliveries that failed to decode.
	OnInvalid func(body []byte, err error)
}

// Consumer reads work items from one AMQP channel. Each consumer processes
// a single delivery at a time; run several for parallelism.
type Consumer struct {
	cfg       ConsumerConfig
	handler   Handler
	logger    *slog.Logger
	connected atomic.Bool
}

// NewConsumer creates a Consumer. Call Run to start consuming.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Tag == "" {
		cfg.Tag = NewConsumerTag()
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "queue", "consumer", cfg.Tag),
	}
}

// NewConsumerTag returns a unique tag of the form relay_worker_<8 hex>.
func NewConsumerTag() string {
	return "relay_worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Tag returns the consumer tag.
func (c *Consumer) Tag() string {
	return c.cfg.Tag
}

// Connected reports whether the consumer currently holds a broker connection.
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Run consumes until ctx is cancelled, reconnecting after ReconnectDelay
// whenever the connection fails. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("queue connection lost, reconnecting", "error", err, "delay", c.cfg.ReconnectDelay)

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume runs one connection's lifetime.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Properties: amqp.Table{"connection_name": c.cfg.Tag},
	})
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if err := c.cfg.Topology.Declare(ch); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.cfg.Topology.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.connected.Store(true)
	c.logger.Info("consuming", "queue", c.cfg.Topology.Queue, "routing_key", c.cfg.Topology.RoutingKey)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(c.cfg.Tag, false)
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			itemCtx, done := drainContext(ctx, c.cfg.DrainTimeout)
			c.HandleDelivery(itemCtx, ch, d)
			done()
		}
	}
}

// errShuttingDown is the cause of an item context cancelled after the drain
// timeout.
var errShuttingDown = errors.New("consumer shutting down")

// drainContext detaches an item from ctx so shutdown does not cut it off
// mid-frame. Once ctx is done the item has grace to finish before its own
// context is cancelled. Call done when the item has been settled.
func drainContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	itemCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel(errShuttingDown)
		case <-itemCtx.Done():
		}
	})
	return itemCtx, func() {
		stop()
		cancel(nil)
	}
}

// HandleDelivery decodes d, runs the handler, settles the delivery and
// publishes a reply when the producer asked for one.
func (c *Consumer) HandleDelivery(ctx context.Context, replier Replier, d amqp.Delivery) Outcome {
	logger := c.logger.With("delivery_tag", d.DeliveryTag, "redelivered", d.Redelivered)

	item, err := workitem.Decode(d.Body)
	if err != nil {
		logger.Warn("rejecting invalid work item", "error", err)
		if c.cfg.OnInvalid != nil {
			c.cfg.OnInvalid(d.Body, err)
		}
		replyErr := err.Error()
		var verr *workitem.ValidationError
		if errors.As(err, &verr) && strings.HasPrefix(verr.Reason, "malformed JSON") {
			replyErr = msgMalformed
		}
		c.reply(ctx, replier, d, Reply{Success: false, Error: replyErr})
		if err := d.Reject(false); err != nil {
			logger.Error("reject failed", "error", err)
		}
		return OutcomeInvalid
	}

	logger = logger.With("channel", item.Channel, "message_id", item.MessageID)
	if err := c.handler.Handle(ctx, *item); err != nil {
		logger.Error("work item failed", "error", err)
		c.reply(ctx, replier, d, Reply{Success: false, Error: err.Error()})
		if err := d.Reject(false); err != nil {
			logger.Error("reject failed", "error", err)
		}
		return OutcomeRejected
	}

	c.reply(ctx, replier, d, Reply{Success: true})
	if err := d.Ack(false); err != nil {
		logger.Error("ack failed", "error", err)
	}
	logger.Info("work item acknowledged")
	return OutcomeAcked
}

func (c *Consumer) reply(ctx context.Context, replier Replier, d amqp.Delivery, r Reply) {
	if d.ReplyTo == "" || replier == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	err = replier.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		c.logger.Warn("reply failed", "reply_to", d.ReplyTo, "error", err)
	}
}
