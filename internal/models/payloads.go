package models

import "time"

// These structs define the JSON payloads exchanged between the ingress
// function, the orchestrator workers, the stage handlers and the email
// intake functions.

// EventType classifies a storage change notification.
type EventType string

const (
	EventObjectCreated  EventType = "ObjectCreated"
	EventObjectDeleted  EventType = "ObjectDeleted"
	EventObjectArchived EventType = "ObjectArchived"
	EventObjectMetadata EventType = "ObjectMetadataUpdated"
)

// Notification is a storage change notification after zone resolution.
type Notification struct {
	Zone        string            `json:"zone"`
	EventType   EventType         `json:"eventType"`
	DocumentKey string            `json:"documentKey"`
	ContentType string            `json:"contentType,omitempty"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Provenance reads the provenance marker the pipeline stamps on objects it
// writes. Anything without one was uploaded directly.
func (n Notification) Provenance() Provenance {
	if p := Provenance(n.Metadata[MetadataProvenance]); p == ProvenanceEmailExtracted {
		return p
	}
	return ProvenanceUploaded
}

// GCSEvent is the payload of a Cloud Storage object CloudEvent.
type GCSEvent struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Size        string            `json:"size"`
	MD5Hash     string            `json:"md5Hash"`
	CRC32C      string            `json:"crc32c"`
	Generation  string            `json:"generation"`
	TimeCreated time.Time         `json:"timeCreated"`
	Updated     time.Time         `json:"updated"`
	Metadata    map[string]string `json:"metadata"`
}

// PubSubMessage is the payload of a Pub/Sub push CloudEvent.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// StageRequest is the input sent to every stage handler.
type StageRequest struct {
	DocumentKey string            `json:"documentKey"`
	ExecutionID string            `json:"executionId"`
	StageName   Stage             `json:"stageName"`
	InputRef    string            `json:"inputRef"`
	Attempt     int               `json:"attempt"`
	StageConfig map[string]string `json:"stageConfig,omitempty"`
}

// StageResponse is the output of every stage handler.
type StageResponse struct {
	Outcome   Outcome `json:"outcome"`
	OutputRef string  `json:"outputRef,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Accept builds an Accepted response carrying ref to the next stage.
func Accept(ref string) StageResponse {
	return StageResponse{Outcome: OutcomeAccepted, OutputRef: ref}
}

// Reject builds a business-level rejection.
func Reject(reason string) StageResponse {
	return StageResponse{Outcome: OutcomeRejected, Reason: reason}
}

// TransientError builds a retryable failure.
func TransientError(cause string) StageResponse {
	return StageResponse{Outcome: OutcomeTransientError, Reason: cause}
}

// PermanentError builds a non-retryable failure.
func PermanentError(cause string) StageResponse {
	return StageResponse{Outcome: OutcomePermanentError, Reason: cause}
}

// RunRequest asks an orchestrator worker to drive one execution.
type RunRequest struct {
	ExecutionID string `json:"executionId"`
}

// ExtractionNotification is published by the email intake adapter.
type ExtractionNotification struct {
	MessageID  string `json:"messageId"`
	RawBlobRef string `json:"rawBlobRef"`
}

// EmailReceipt is the input of the email intake adapter. Raw is used when the
// transport delivers the message inline instead of by reference.
type EmailReceipt struct {
	Recipient  string `json:"recipient"`
	MessageID  string `json:"messageId,omitempty"`
	RawBlobRef string `json:"rawBlobRef,omitempty"`
	Raw        []byte `json:"raw,omitempty"`
}

// EmailAck is returned once the raw artifact is durable.
type EmailAck struct {
	MessageID  string `json:"messageId"`
	RawBlobRef string `json:"rawBlobRef"`
	Status     string `json:"status"`
}

// GrantRequest asks the access gateway for a write grant.
type GrantRequest struct {
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType,omitempty"`
}

// GrantResponse is a single-use, time-bounded write credential.
type GrantResponse struct {
	URL    string    `json:"url"`
	Expiry time.Time `json:"expiry"`
}

// QuarantineRecord is written into the quarantine zone for operator review.
type QuarantineRecord struct {
	DocumentKey string    `json:"documentKey"`
	DocumentRef string    `json:"documentRef"`
	ExecutionID string    `json:"executionId"`
	Stage       Stage     `json:"stage"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// StageManifest is the scratch-zone record the reference Router and Splitter
// handlers hand to the next stage. DocumentRef always points at the original
// document so later stages never depend on the chain of manifests.
type StageManifest struct {
	ExecutionID  string   `json:"executionId"`
	DocumentKey  string   `json:"documentKey"`
	DocumentRef  string   `json:"documentRef"`
	ContentType  string   `json:"contentType,omitempty"`
	DocumentType string   `json:"documentType,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Pages        []string `json:"pages,omitempty"`
}
