// Package kafka publishes upload messages to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// newWriter waits for all in-sync replicas and creates the topic on first
// use. A short batch timeout keeps a single synchronous write from idling.
// The writer rejects messages above maxBytes before sending them.
var newWriter = func(brokers []string, topic string, maxBytes int64) messageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		BatchBytes:             maxBytes,
	}
}

// Publisher opens a writer per message, mirroring the per-request
// connection model of the RabbitMQ publisher.
type Publisher struct {
	brokers         []string
	topic           string
	maxMessageBytes int64
}

// New returns a publisher for topic on the given bootstrap brokers.
// maxMessageBytes must cover the largest encoded upload, and the topic's
// max.message.bytes must allow it too.
func New(brokers []string, topic string, maxMessageBytes int64) *Publisher {
	return &Publisher{brokers: brokers, topic: topic, maxMessageBytes: maxMessageBytes}
}

// Name implements relay.Publisher.
func (p *Publisher) Name() string { return "Kafka" }

// Publish writes body keyed by id and returns after the producer ack.
func (p *Publisher) Publish(ctx context.Context, id string, body []byte) (err error) {
	w := newWriter(p.brokers, p.topic, p.maxMessageBytes)
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close kafka writer: %w", cerr)
		}
	}()

	err = w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(id),
		Value: body,
		Headers: []kafkago.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write to topic %s: %w", p.topic, err)
	}
	return nil
}
