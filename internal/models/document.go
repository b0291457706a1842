package models

import "time"

// Provenance records how a Document Object entered the triggering zone.
type Provenance string

const (
	ProvenanceUploaded       Provenance = "uploaded"
	ProvenanceEmailExtracted Provenance = "email-extracted"
)

// Object metadata keys written alongside every document the pipeline produces.
const (
	MetadataProvenance = "provenance"
	MetadataMessageID  = "source-message-id"
	MetadataPartIndex  = "source-part-index"
)

// Zone is a logical partition of the object store with a trigger policy.
type Zone struct {
	Name             string `yaml:"name" json:"name"`
	Bucket           string `yaml:"bucket" json:"bucket"`
	Prefix           string `yaml:"prefix" json:"prefix"`
	TriggersPipeline bool   `yaml:"triggers_pipeline" json:"triggersPipeline"`
}

// DocumentObject is an immutable object written into the triggering zone.
// A logical update is a new key.
type DocumentObject struct {
	Key         string     `firestore:"key" json:"key"`
	ContentType string     `firestore:"contentType,omitempty" json:"contentType,omitempty"`
	Size        int64      `firestore:"size" json:"size"`
	ContentHash string     `firestore:"contentHash,omitempty" json:"contentHash,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt" json:"createdAt"`
	Provenance  Provenance `firestore:"provenance" json:"provenance"`
}

// ExtractionStatus tracks a raw email through MIME extraction.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionExtracted ExtractionStatus = "extracted"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Terminal reports whether extraction has finished, successfully or not.
func (s ExtractionStatus) Terminal() bool {
	return s == ExtractionExtracted || s == ExtractionFailed
}

// RawEmailArtifact is the persisted record of one inbound message.
type RawEmailArtifact struct {
	MessageID    string           `firestore:"messageId" json:"messageId"`
	Recipient    string           `firestore:"recipient" json:"recipient"`
	BlobRef      string           `firestore:"blobRef" json:"blobRef"`
	Status       ExtractionStatus `firestore:"status" json:"status"`
	ErrorDetails string           `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	DocumentKeys []string         `firestore:"documentKeys,omitempty" json:"documentKeys,omitempty"`
	ReceivedAt   time.Time        `firestore:"receivedAt" json:"receivedAt"`
	UpdatedAt    time.Time        `firestore:"updatedAt" json:"updatedAt"`
}
