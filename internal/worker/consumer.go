package worker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/workflow"
)

// ErrDeliveriesClosed is returned by Consume when the broker closes the
// delivery channel.
var ErrDeliveriesClosed = errors.New("worker: delivery channel closed")

// ConsumeQueue declares the shard's queue, binds it to the dispatch
// exchange and consumes from it until ctx is cancelled. Prefetch is capped
// at MaxJobs so the broker never hands over more work than the worker can
// run.
func (w *Worker) ConsumeQueue(ctx context.Context, conn *amqp.Connection, exchange, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("worker: amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("worker: declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("worker: declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, dispatch.RoutingKey(w.opts.ShardID), exchange, false, nil); err != nil {
		return fmt.Errorf("worker: bind queue %s: %w", queue, err)
	}
	if err := ch.Qos(w.opts.MaxJobs, 0, false); err != nil {
		return fmt.Errorf("worker: qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker: consume %s: %w", queue, err)
	}

	w.log.Info("worker consuming", "queue", queue, "routing_key", dispatch.RoutingKey(w.opts.ShardID))
	return w.Consume(ctx, msgs)
}

// Consume runs each delivery as a job. A delivery is acked once its job
// finishes, so unfinished work is redelivered if the worker dies. Malformed
// payloads are dropped.
func (w *Worker) Consume(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			w.handleDelivery(ctx, msg)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	p, err := dispatch.DecodePayload(msg.Body)
	if err != nil {
		w.log.Error("dropping malformed delivery", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}
	if err := w.slots.Acquire(ctx, 1); err != nil {
		_ = msg.Nack(false, true)
		return
	}
	runner, err := w.build(ctx, p)
	if err != nil {
		w.slots.Release(1)
		w.log.Error("dropping undeliverable job", "job", p.JobID, "error", err)
		_ = msg.Nack(false, false)
		return
	}
	w.start(p, runner, func(workflow.Result) {
		if err := msg.Ack(false); err != nil {
			w.log.Warn("ack failed", "job", p.JobID, "error", err)
		}
	})
}
