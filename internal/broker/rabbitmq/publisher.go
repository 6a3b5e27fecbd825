// Package rabbitmq publishes upload messages to a durable RabbitMQ queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// defaultDialTimeout applies when the caller's context has no deadline.
const defaultDialTimeout = 30 * time.Second

var errNacked = errors.New("message rejected by broker")

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	publishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	channel() (channel, error)
	Close() error
}

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct{ *amqp.Channel }

// publishConfirmed publishes on the default exchange and waits for the
// broker's publisher confirm.
func (c amqpChannel) publishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error {
	if err := c.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirm, err := c.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

var dial = func(url string, timeout time.Duration) (connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Publisher opens a fresh connection per message.
type Publisher struct {
	url   string
	queue string
}

// New returns a publisher for queue on the broker at url.
func New(url, queue string) *Publisher {
	return &Publisher{url: url, queue: queue}
}

// Name implements relay.Publisher.
func (p *Publisher) Name() string { return "RabbitMQ" }

// Publish declares the durable queue and publishes body as a persistent
// message. The connection is closed when ctx ends, which aborts calls that
// take no context.
func (p *Publisher) Publish(ctx context.Context, id string, body []byte) error {
	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return fmt.Errorf("connect to rabbitmq: %w", context.DeadlineExceeded)
		}
	}

	conn, err := dial(p.url, timeout)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ch, err := conn.channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", p.queue, err)
	}

	err = ch.publishConfirmed(ctx, p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to queue %s: %w", p.queue, err)
	}
	return nil
}
