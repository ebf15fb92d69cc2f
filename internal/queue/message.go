// Package queue carries the pipeline's message transport: Pub/Sub topics and
// subscriptions, the message envelopes exchanged between components, and the
// delayed-retry scheduler that turns classifier backoff into redelivery.
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Topic names. Configurable at wire-up; these are the defaults.
const (
	DefaultUploadTopic  = "object-created"
	DefaultIndexTopic   = "photo-index"
	DefaultCleanupTopic = "event-cleanup"
)

// attemptsAttr carries the prior failed-attempt count across redeliveries.
const attemptsAttr = "attempts"

// UploadEvent is the object-store notification consumed by the Upload
// Processor. Only PutObject/CompleteMultipartUpload under uploads/ are
// processed; everything else is acknowledged untouched.
type UploadEvent struct {
	Action    string     `json:"action"`
	Bucket    string     `json:"bucket"`
	Object    ObjectInfo `json:"object"`
	EventTime time.Time  `json:"eventTime"`
}

// ObjectInfo identifies the stored object an UploadEvent refers to.
type ObjectInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"eTag"`
}

// PhotoJob asks the Index Processor to index one normalized photo.
type PhotoJob struct {
	PhotoID uuid.UUID `json:"photo_id"`
	EventID uuid.UUID `json:"event_id"`
	R2Key   string    `json:"r2_key"`
}

// CleanupJob asks the Cleanup Engine to reconcile one expired event.
type CleanupJob struct {
	EventID      uuid.UUID `json:"event_id"`
	CollectionID string    `json:"collection_id,omitempty"`
}

// Message is the transport-agnostic view a handler sees.
type Message struct {
	// Data is the JSON envelope body.
	Data []byte
	// Attempts counts prior failed deliveries of this payload (0 on first).
	Attempts int
	// Attributes are the transport attributes, minus the attempts counter.
	Attributes map[string]string
}

// Encode marshals a job envelope for publishing.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func attemptsFrom(attrs map[string]string) int {
	if attrs == nil {
		return 0
	}
	n, err := strconv.Atoi(attrs[attemptsAttr])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func withAttempts(attrs map[string]string, attempts int) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[attemptsAttr] = strconv.Itoa(attempts)
	return out
}
