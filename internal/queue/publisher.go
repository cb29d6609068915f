// ABOUTME: Publishes work items to the relay exchange
// ABOUTME: Used by relay-admin send and by integration tooling

package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/chat-relay/internal/workitem"
)

// PublishOptions carries optional AMQP properties for a work item.
type PublishOptions struct {
	ReplyTo       string
	CorrelationID string
	Priority      uint8
}

// Publisher sends work items to the topology's exchange.
type Publisher struct {
	topo    Topology
	ch      Replier
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to the broker, declares the topology and returns a Publisher.
func Dial(url string, topo Topology) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := topo.Declare(ch); err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{topo: topo, ch: ch, conn: conn, channel: ch}, nil
}

// NewPublisher wraps an existing channel. The caller owns its lifecycle.
func NewPublisher(ch Replier, topo Topology) *Publisher {
	return &Publisher{topo: topo, ch: ch}
}

// Publish validates item and sends it as a persistent message.
func (p *Publisher) Publish(ctx context.Context, item workitem.Item, opts PublishOptions) error {
	if err := item.Validate(); err != nil {
		return err
	}
	body, err := item.Encode()
	if err != nil {
		return fmt.Errorf("encoding work item: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     item.MessageID,
		CorrelationId: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Priority:      opts.Priority,
		Timestamp:     time.Now(),
		Body:          body,
	}
	if err := p.ch.PublishWithContext(ctx, p.topo.Exchange, p.topo.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publishing work item: %w", err)
	}
	return nil
}

// Close closes the channel and connection opened by Dial.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	return p.conn.Close()
}
