// Package models defines the queue message envelope and the domain entities
// exchanged between the pipeline services.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContractVersion is carried in inter-service payloads so consumers can
// detect incompatible producers.
const ContractVersion = "1.0.0"

// Queue logical names. Physical names come from configuration; these are the
// keys services use to address them.
const (
	QueueCollectionRequests = "collection-requests"
	QueueProcessTopic       = "process-topic"
	QueueGenerateMarkdown   = "generate-markdown"
	QueuePublishSite        = "publish-site"
)

// Operations accepted on each queue. Unknown operations are rejected and left
// for the dead-letter queue.
const (
	OpWakeUp             = "wake_up"
	OpProcessTopic       = "process_topic"
	OpGenerateMarkdown   = "generate_markdown"
	OpPublishSiteRequest = "publish_site_request"
)

// knownOperations maps each queue to the operations it accepts.
var knownOperations = map[string][]string{
	QueueCollectionRequests: {OpWakeUp},
	QueueProcessTopic:       {OpProcessTopic},
	QueueGenerateMarkdown:   {OpGenerateMarkdown},
	QueuePublishSite:        {OpPublishSiteRequest},
}

// Envelope is the message envelope present on every queue.
//
// Payload is kept as raw JSON so unknown extra fields survive a
// receive/re-serialize round trip (forward compatibility). The shape of the
// payload is determined by (queue, operation).
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	ServiceName   string          `json:"service_name"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	DequeueCount  int             `json:"dequeue_count,omitempty"`
}

// NewEnvelope builds an envelope for sending. The correlation ID should be
// propagated from the triggering message; pass "" to mint a fresh one.
func NewEnvelope(serviceName, operation, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", operation, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		ServiceName:   serviceName,
		Operation:     operation,
		Payload:       raw,
	}, nil
}

// DecodePayload unmarshals the payload into v. Unknown payload fields are
// ignored by encoding/json, which is the contract's forward-compatibility rule.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Operation, err)
	}
	return nil
}

// ValidateOperation reports whether the envelope's operation is known for the
// given queue.
func (e *Envelope) ValidateOperation(queue string) error {
	for _, op := range knownOperations[queue] {
		if e.Operation == op {
			return nil
		}
	}
	return fmt.Errorf("unknown operation %q on queue %q", e.Operation, queue)
}

// WakeUpPayload is the Q1 payload.
type WakeUpPayload struct {
	Trigger      string `json:"trigger"`
	TemplateName string `json:"template_name,omitempty"`
}

// GenerateMarkdownPayload is the Q3 payload. ContentType is a tagged variant;
// "json" is the only value the current renderer accepts.
type GenerateMarkdownPayload struct {
	ContentType     string `json:"content_type"`
	BlobPath        string `json:"blob_path"`
	ArticleID       string `json:"article_id"`
	BatchID         string `json:"batch_id,omitempty"`
	ContractVersion string `json:"contract_version"`
}

// PublishSitePayload is the Q4 payload.
type PublishSitePayload struct {
	BatchID           string `json:"batch_id"`
	MarkdownCount     int    `json:"markdown_count"`
	MarkdownContainer string `json:"markdown_container"`
	Trigger           string `json:"trigger"`
	ContractVersion   string `json:"contract_version"`
}
