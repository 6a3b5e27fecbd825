package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/logging"
	"github.com/stefando/uploadRelay/internal/metrics"
)

// Publisher delivers one encoded message to a durable queue or topic and
// returns once the broker has acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, id string, body []byte) error
	// Name is the broker name shown to clients, e.g. "RabbitMQ".
	Name() string
}

// Service relays upload messages through one publisher.
type Service struct {
	publisher Publisher
	timeout   time.Duration
}

// NewService creates a relay. Each Send gets at most timeout for connecting
// and publishing.
func NewService(publisher Publisher, timeout time.Duration) *Service {
	return &Service{
		publisher: publisher,
		timeout:   timeout,
	}
}

// Broker returns the publisher's display name.
func (s *Service) Broker() string {
	return s.publisher.Name()
}

// Status is the success message returned to clients.
func (s *Service) Status() string {
	return "file sent to " + s.publisher.Name()
}

// Send publishes msg as a single persistent message. Nothing is retried.
func (s *Service) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err = s.publisher.Publish(ctx, id, body)
	metrics.RecordPublish(s.publisher.Name(), len(body), time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.publisher.Name(), err)
	}

	logging.WithContext(ctx).Info("upload relayed",
		zap.String("broker", s.publisher.Name()),
		zap.String("message_id", id),
		zap.String("bucket", msg.Bucket),
		zap.String("path", msg.Path),
		zap.Int("files", len(msg.Files)),
		zap.Int("bytes", len(body)),
		zap.Bool("anonymous", msg.Email == ""))

	return nil
}
