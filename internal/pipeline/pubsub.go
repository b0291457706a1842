package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// Publisher is the slice of gcp.Publisher the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topicID, eventType string, data any) (string, error)
}

// TopicDispatcher publishes run requests for orchestrator workers.
type TopicDispatcher struct {
	publisher Publisher
	topic     string
}

func NewTopicDispatcher(publisher Publisher, topic string) *TopicDispatcher {
	return &TopicDispatcher{publisher: publisher, topic: topic}
}

func (d *TopicDispatcher) Dispatch(ctx context.Context, executionID string) error {
	if _, err := d.publisher.Publish(ctx, d.topic, gcp.EventTypeRun, models.RunRequest{ExecutionID: executionID}); err != nil {
		return fmt.Errorf("dispatch %s: %w", executionID, err)
	}
	return nil
}

// Subscriber pulls run requests and drives each through a Runner. Messages
// are acked once Run returns nil and nacked otherwise so Pub/Sub redelivers them.
type Subscriber struct {
	sub    *pubsub.Subscription
	runner Runner
	logger *slog.Logger
}

// NewSubscriber bounds concurrent executions to workers.
func NewSubscriber(sub *pubsub.Subscription, runner Runner, workers int, logger *slog.Logger) *Subscriber {
	sub.ReceiveSettings.NumGoroutines = workers
	sub.ReceiveSettings.MaxOutstandingMessages = workers
	return &Subscriber{sub: sub, runner: runner, logger: logger}
}

// Run receives until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("Receiving run requests.", "subscription", s.sub.ID())
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := HandleRunMessage(ctx, s.runner, m.Data); err != nil {
			s.logger.Error("Run request failed; nacking", "messageId", m.ID, "error", err)
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive from %s: %w", s.sub.ID(), err)
	}
	return nil
}

// HandleRunMessage decodes a run request CloudEvent and runs it.
func HandleRunMessage(ctx context.Context, runner Runner, data []byte) error {
	var req models.RunRequest
	if _, err := gcp.DecodeCloudEvent(data, &req); err != nil {
		return err
	}
	if req.ExecutionID == "" {
		return fmt.Errorf("run request without execution id")
	}
	return runner.Run(ctx, req.ExecutionID)
}
