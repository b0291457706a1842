// Package email turns inbound messages into Document Objects. The intake
// adapter persists the raw message into the non-triggering raw-email zone and
// announces it; the extractor later writes its parts into the triggering
// zone, where the ordinary ingress path picks them up.
package email

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/gcp"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/storage"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/store"
)

var (
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrMalformedMessage = errors.New("malformed message")
)

// Notifier hands an extraction notification to the extraction stage.
type Notifier interface {
	NotifyExtraction(ctx context.Context, n models.ExtractionNotification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n models.ExtractionNotification) error

func (f NotifierFunc) NotifyExtraction(ctx context.Context, n models.ExtractionNotification) error {
	return f(ctx, n)
}

// Publisher is satisfied by gcp.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topicID, eventType string, data any) (string, error)
}

// TopicNotifier publishes extraction notifications to a Pub/Sub topic.
type TopicNotifier struct {
	publisher Publisher
	topic     string
}

func NewTopicNotifier(publisher Publisher, topic string) *TopicNotifier {
	return &TopicNotifier{publisher: publisher, topic: topic}
}

func (t *TopicNotifier) NotifyExtraction(ctx context.Context, n models.ExtractionNotification) error {
	if _, err := t.publisher.Publish(ctx, t.topic, gcp.EventTypeExtraction, n); err != nil {
		return fmt.Errorf("publish extraction for %s: %w", n.MessageID, err)
	}
	return nil
}

// Intake is the email intake adapter.
type Intake struct {
	substrate  *storage.Substrate
	store      store.Store
	notifier   Notifier
	zone       string
	recipients map[string]bool
	logger     *slog.Logger
}

// NewIntake accepts mail for recipients, compared case-insensitively, and
// stores raw messages in zone.
func NewIntake(substrate *storage.Substrate, st store.Store, notifier Notifier, zone string, recipients []string, logger *slog.Logger) *Intake {
	allowed := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		allowed[normalizeAddress(r)] = true
	}
	return &Intake{substrate: substrate, store: st, notifier: notifier, zone: zone, recipients: allowed, logger: logger}
}

// Receive persists one inbound message and announces it for extraction.
// Redelivery of the same message overwrites the same raw key and never
// announces a message whose extraction already finished.
func (i *Intake) Receive(ctx context.Context, r models.EmailReceipt) (models.EmailAck, error) {
	recipient := normalizeAddress(r.Recipient)
	if !i.recipients[recipient] {
		i.logger.Warn("Rejecting mail for unknown recipient.", "recipient", r.Recipient)
		return models.EmailAck{}, fmt.Errorf("%w: %q", ErrUnknownRecipient, r.Recipient)
	}

	raw := r.Raw
	if len(raw) == 0 {
		if r.RawBlobRef == "" {
			return models.EmailAck{}, fmt.Errorf("%w: receipt carries neither a message nor a blob reference", ErrMalformedMessage)
		}
		data, _, err := i.substrate.Read(ctx, r.RawBlobRef)
		if err != nil {
			return models.EmailAck{}, fmt.Errorf("read raw message %s: %w", r.RawBlobRef, err)
		}
		raw = data
	}
	messageID := MessageID(r.MessageID, raw)
	logCtx := i.logger.With("messageId", messageID, "recipient", recipient)

	ref, err := i.substrate.Write(ctx, RawKey(i.zone, messageID), raw, storage.ObjectAttrs{
		ContentType: "message/rfc822",
		Metadata:    map[string]string{models.MetadataMessageID: messageID},
	})
	if err != nil {
		logCtx.Error("Failed to persist raw message", "error", err)
		return models.EmailAck{}, err
	}

	artifact, err := i.store.PutArtifact(ctx, models.RawEmailArtifact{
		MessageID: messageID,
		Recipient: recipient,
		BlobRef:   ref,
	})
	if err != nil {
		logCtx.Error("Failed to record raw email artifact", "error", err)
		return models.EmailAck{}, err
	}
	ack := models.EmailAck{MessageID: messageID, RawBlobRef: ref, Status: string(artifact.Status)}
	if artifact.Status.Terminal() {
		logCtx.Info("Message already processed. Not announcing again.", "status", artifact.Status)
		return ack, nil
	}

	if err := i.notifier.NotifyExtraction(ctx, models.ExtractionNotification{MessageID: messageID, RawBlobRef: ref}); err != nil {
		logCtx.Error("Failed to announce message for extraction", "error", err)
		return models.EmailAck{}, err
	}
	logCtx.Info("Raw message stored.", "rawBlobRef", ref)
	return ack, nil
}

// RawKey is the deterministic raw-email key for a message id.
func RawKey(zone, messageID string) string {
	return storage.Key(zone, Digest(messageID)+".eml")
}

// Digest is the storage-safe form of a message id.
func Digest(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:])
}

// MessageID returns the explicit id when given, the Message-ID header
// otherwise, and finally a digest of the raw bytes so redelivery of an
// id-less message still maps to one key.
func MessageID(explicit string, raw []byte) string {
	if id := trimMessageID(explicit); id != "" {
		return id
	}
	if msg, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		if id := trimMessageID(msg.Header.Get("Message-Id")); id != "" {
			return id
		}
	}
	sum := sha256.Sum256(raw)
	return "sha256-" + hex.EncodeToString(sum[:])
}

func trimMessageID(id string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(id), "<>"))
}

func normalizeAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		s = addr.Address
	}
	return strings.ToLower(strings.TrimSpace(s))
}
