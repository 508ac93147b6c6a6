package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/models"
)

// RoutingKey is the topic key a session-mode shard's queue is bound with.
func RoutingKey(shardID string) string {
	return "shard." + shardID
}

// publisher abstracts a confirm-mode channel, enabling test mocks.
type publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (acked bool, err error)
}

type channelPublisher struct {
	ch *amqp.Channel
}

func (c channelPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return false, err
	}
	if dc == nil {
		return true, nil
	}
	return dc.WaitContext(ctx)
}

// AMQPSender publishes payloads for session-mode shards, which pull work
// from their queue. A broker confirm is the acknowledgement.
type AMQPSender struct {
	pub      publisher
	exchange string
	ch       *amqp.Channel
}

// NewAMQPSender opens a confirm-mode channel on conn and declares the
// durable topic exchange.
func NewAMQPSender(conn *amqp.Connection, exchange string) (*AMQPSender, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("dispatch: amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("dispatch: amqp confirm mode: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("dispatch: declare exchange %s: %w", exchange, err)
	}
	return &AMQPSender{pub: channelPublisher{ch: ch}, exchange: exchange, ch: ch}, nil
}

// Close closes the channel.
func (a *AMQPSender) Close() error {
	if a.ch == nil {
		return nil
	}
	return a.ch.Close()
}

// Send implements Sender.
func (a *AMQPSender) Send(ctx context.Context, s *models.Shard, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	acked, err := a.pub.Publish(ctx, a.exchange, RoutingKey(s.ID), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    p.JobID,
		Timestamp:    time.Now(),
		Type:         p.Mode,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("dispatch: publish to shard %s: %w", s.ID, err)
	}
	if !acked {
		return fmt.Errorf("dispatch: broker did not acknowledge job %s for shard %s", p.JobID, s.ID)
	}
	return nil
}
