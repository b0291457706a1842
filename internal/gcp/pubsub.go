package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
)

// Event types published between pipeline functions.
const (
	EventTypeRun        = "health.pipeline.execution.run"
	EventTypeExtraction = "health.pipeline.email.extraction"
)

// NewCloudEvent creates a standardized CloudEvent v1.0 carrying data as JSON.
func NewCloudEvent(source, eventType string, data any) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSpecVersion(cloudevents.VersionV1)
	e.SetType(eventType)
	e.SetSource(source)
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return e, fmt.Errorf("set event data: %w", err)
	}
	return e, nil
}

// DecodeCloudEvent parses a structured-mode CloudEvent and unmarshals its data into out.
func DecodeCloudEvent(raw []byte, out any) (cloudevents.Event, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode cloudevent: %w", err)
	}
	if err := e.DataAs(out); err != nil {
		return e, fmt.Errorf("decode %s payload: %w", e.Type(), err)
	}
	return e, nil
}

// DecodePushEvent unwraps a Pub/Sub messagePublished CloudEvent whose message
// data is a structured CloudEvent published by Publisher.
func DecodePushEvent(e cloudevents.Event, out any) (models.PubSubMessage, error) {
	var msg models.PubSubMessage
	if err := json.Unmarshal(e.Data(), &msg); err != nil {
		return msg, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if _, err := DecodeCloudEvent(msg.Message.Data, out); err != nil {
		return msg, err
	}
	return msg, nil
}

// Publisher publishes CloudEvents onto Pub/Sub topics.
type Publisher struct {
	client *pubsub.Client
	source string
}

func NewPublisher(client *pubsub.Client, source string) *Publisher {
	return &Publisher{client: client, source: source}
}

// Publish wraps data in a CloudEvent and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, topicID, eventType string, data any) (string, error) {
	e, err := NewCloudEvent(p.source, eventType, data)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal cloudevent: %w", err)
	}
	res := p.client.Topic(topicID).Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-type":   eventType,
			"ce-source": p.source,
			"ce-id":     e.ID(),
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topicID, err)
	}
	slog.Debug("Published event.", "topic", topicID, "eventType", eventType, "messageId", id)
	return id, nil
}
