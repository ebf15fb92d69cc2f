// Package uploads implements the upload processing pipeline: object-create
// notification in, normalized credit-debited photo row out, indexing job
// enqueued.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gallerio/pipeline/internal/blob"
	"github.com/gallerio/pipeline/internal/db"
	"github.com/gallerio/pipeline/internal/imgproc"
	"github.com/gallerio/pipeline/internal/metrics"
	"github.com/gallerio/pipeline/internal/pipeerr"
	"github.com/gallerio/pipeline/internal/queue"
)

// Intent failure codes surfaced to user-facing reads of upload_intents.
const (
	CodeSizeExceeded        = "size_exceeded"
	CodeInvalidMagicBytes   = "invalid_magic_bytes"
	CodeInsufficientCredits = "insufficient_credits"
	CodeNormalizationFailed = "normalization_failed"
	CodeObjectMissing       = "object_missing"
)

// Store is the database surface the processor needs.
type Store interface {
	IntentByKey(ctx context.Context, r2Key string) (*db.UploadIntent, error)
	MarkIntentProcessing(ctx context.Context, id uuid.UUID) error
	MarkIntentFailed(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error
	MarkIntentExpired(ctx context.Context, id uuid.UUID) error
	CompleteUpload(ctx context.Context, p db.CompleteUploadParams) error
	PhotoExists(ctx context.Context, id uuid.UUID) (bool, error)
}

var _ Store = (*db.DB)(nil)

// Config tunes the processor.
type Config struct {
	MaxFileSize      int64
	NormalizeMaxDim  int
	NormalizeQuality int
	// IndexTopic is where PhotoJobs are published.
	IndexTopic string
}

// Processor consumes object-create notifications and runs the upload
// pipeline per message.
type Processor struct {
	cfg     Config
	store   Store
	objects blob.Store
	pub     queue.Publisher
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New builds the processor. metrics may be nil (tests).
func New(cfg Config, store Store, objects blob.Store, pub queue.Publisher, m *metrics.Metrics) *Processor {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 20 * 1024 * 1024
	}
	if cfg.NormalizeMaxDim <= 0 {
		cfg.NormalizeMaxDim = 4000
	}
	if cfg.NormalizeQuality <= 0 {
		cfg.NormalizeQuality = 90
	}
	if cfg.IndexTopic == "" {
		cfg.IndexTopic = queue.DefaultIndexTopic
	}
	return &Processor{
		cfg:     cfg,
		store:   store,
		objects: objects,
		pub:     pub,
		metrics: m,
		logger:  log.New(log.Writer(), "[UPLOAD] ", log.LstdFlags),
	}
}

// HandleMessage is the queue handler. Notifications outside the uploads/
// prefix or for non-create actions acknowledge immediately.
func (p *Processor) HandleMessage(ctx context.Context, m queue.Message) error {
	var ev queue.UploadEvent
	if err := m.Decode(&ev); err != nil {
		return pipeerr.Terminal("invalid_message", err)
	}

	if ev.Action != "PutObject" && ev.Action != "CompleteMultipartUpload" {
		return nil
	}
	if !blob.IsUploadKey(ev.Object.Key) {
		return nil
	}

	return p.process(ctx, ev)
}

func (p *Processor) process(ctx context.Context, ev queue.UploadEvent) error {
	key := ev.Object.Key

	intent, err := p.store.IntentByKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		// Orphan object: nothing reserved this key, remove it.
		p.logger.Printf("orphan object %s, deleting", key)
		p.deleteObject(ctx, key)
		return nil
	}
	if err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}

	if done, err := p.shortCircuit(ctx, intent); done {
		return err
	}

	// Expiry is judged against the notification's eventTime so a delayed
	// delivery of an in-window upload is not falsely expired.
	if intent.ExpiresAt.Before(ev.EventTime) {
		p.logger.Printf("intent %s expired before upload at %s", intent.ID, ev.EventTime)
		p.deleteObject(ctx, key)
		if err := p.store.MarkIntentExpired(ctx, intent.ID); err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		return nil
	}

	if err := p.store.MarkIntentProcessing(ctx, intent.ID); err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}

	// Size gate before downloading anything.
	size, err := p.objects.Head(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		if err := p.store.MarkIntentFailed(ctx, intent.ID, CodeObjectMissing, "object disappeared before processing", false); err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		return nil
	}
	if err != nil {
		return pipeerr.Retryable("ObjectStoreError", err)
	}
	if size > p.cfg.MaxFileSize {
		return p.rejectInvalid(ctx, intent, key, CodeSizeExceeded,
			fmt.Sprintf("object is %d bytes, limit %d", size, p.cfg.MaxFileSize))
	}

	start := time.Now()
	data, err := p.objects.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		if err := p.store.MarkIntentFailed(ctx, intent.ID, CodeObjectMissing, "object disappeared before processing", false); err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		return nil
	}
	if err != nil {
		return pipeerr.Retryable("ObjectStoreError", err)
	}
	p.observe("download", start)

	format, ok := imgproc.Sniff(data)
	if !ok {
		return p.rejectInvalid(ctx, intent, key, CodeInvalidMagicBytes, "unrecognized image format")
	}

	start = time.Now()
	jpeg, _, _, err := imgproc.Normalize(data, p.cfg.NormalizeMaxDim, p.cfg.NormalizeQuality)
	if err != nil {
		return p.failNormalization(ctx, intent, err)
	}
	// Final dimensions come from the produced JPEG's own SOF header.
	width, height, ok := imgproc.JPEGDimensions(jpeg)
	if !ok {
		return p.failNormalization(ctx, intent, errors.New("no SOF header in normalized output"))
	}
	p.observe("normalize", start)

	photoID := uuid.New()
	finalKey := blob.PhotoKey(intent.EventID, photoID)

	start = time.Now()
	if err := p.objects.Put(ctx, finalKey, jpeg, blob.ContentTypeJPEG); err != nil {
		return pipeerr.Retryable("ObjectStoreError", err)
	}
	p.observe("store", start)

	start = time.Now()
	err = p.store.CompleteUpload(ctx, db.CompleteUploadParams{
		IntentID:         intent.ID,
		PhotographerID:   intent.PhotographerID,
		EventID:          intent.EventID,
		PhotoID:          photoID,
		R2Key:            finalKey,
		Width:            width,
		Height:           height,
		FileSize:         int64(len(jpeg)),
		OriginalMimeType: string(format),
		OriginalFileSize: size,
	})
	switch {
	case errors.Is(err, db.ErrInsufficientCredits):
		// Original is kept so the photographer can top up and re-upload;
		// the normalized copy has no photo row and is removed.
		p.logger.Printf("intent %s: insufficient credits", intent.ID)
		p.deleteObject(ctx, finalKey)
		if err := p.store.MarkIntentFailed(ctx, intent.ID, CodeInsufficientCredits, "credit balance below 1", false); err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		return nil
	case errors.Is(err, db.ErrNotFound):
		p.deleteObject(ctx, finalKey)
		if err := p.store.MarkIntentFailed(ctx, intent.ID, "photographer_not_found", "photographer row missing", false); err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		return nil
	case err != nil:
		return pipeerr.Retryable("DatabaseError", err)
	}
	p.observe("debit", start)

	p.deleteObject(ctx, key)

	if err := p.publishJob(ctx, photoID, intent.EventID, finalKey); err != nil {
		// The transaction is committed; redelivery short-circuits through the
		// completed intent and re-publishes the job there.
		return pipeerr.Retryable("PublishError", err)
	}

	p.logger.Printf("intent %s completed, photo %s", intent.ID, photoID)
	return nil
}

// shortCircuit handles redelivery of a message whose intent already reached a
// terminal state. Returns done=true when the message is fully disposed here.
func (p *Processor) shortCircuit(ctx context.Context, intent *db.UploadIntent) (bool, error) {
	switch intent.Status {
	case db.IntentCompleted:
		if intent.PhotoID == nil {
			p.logger.Printf("intent %s completed without photo id, acking", intent.ID)
			return true, nil
		}
		exists, err := p.store.PhotoExists(ctx, *intent.PhotoID)
		if err != nil {
			return true, pipeerr.Retryable("DatabaseError", err)
		}
		if !exists {
			p.logger.Printf("intent %s completed but photo %s missing, acking", intent.ID, *intent.PhotoID)
			return true, nil
		}
		// The photo landed; re-publish the indexing job in case the first
		// publish was what failed. The indexer is idempotent, duplicates are
		// harmless.
		finalKey := blob.PhotoKey(intent.EventID, *intent.PhotoID)
		if err := p.publishJob(ctx, *intent.PhotoID, intent.EventID, finalKey); err != nil {
			return true, pipeerr.Retryable("PublishError", err)
		}
		return true, nil
	case db.IntentFailed:
		// A failed intent acks without side effects unless the failure was
		// recorded as retryable (normalization), in which case the pipeline
		// runs again.
		if intent.Retryable != nil && *intent.Retryable {
			return false, nil
		}
		return true, nil
	case db.IntentExpired:
		return true, nil
	}
	return false, nil
}

// rejectInvalid is the invalid_file path: remove the object, fail the intent
// terminally, acknowledge.
func (p *Processor) rejectInvalid(ctx context.Context, intent *db.UploadIntent, key, code, message string) error {
	p.logger.Printf("intent %s rejected: %s", intent.ID, code)
	p.deleteObject(ctx, key)
	if err := p.store.MarkIntentFailed(ctx, intent.ID, code, message, false); err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}
	return nil
}

// failNormalization keeps the original object, records a retryable failure
// on the intent and asks for redelivery.
func (p *Processor) failNormalization(ctx context.Context, intent *db.UploadIntent, cause error) error {
	if err := p.store.MarkIntentFailed(ctx, intent.ID, CodeNormalizationFailed, cause.Error(), true); err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}
	return pipeerr.Retryable(CodeNormalizationFailed, cause)
}

func (p *Processor) publishJob(ctx context.Context, photoID, eventID uuid.UUID, r2Key string) error {
	job := queue.PhotoJob{PhotoID: photoID, EventID: eventID, R2Key: r2Key}
	data, err := queue.Encode(job)
	if err != nil {
		return err
	}
	return p.pub.Publish(ctx, p.cfg.IndexTopic, data, nil)
}

// deleteObject is best-effort: a leftover object is an inefficiency, not a
// correctness problem.
func (p *Processor) deleteObject(ctx context.Context, key string) {
	if err := p.objects.Delete(ctx, key); err != nil {
		p.logger.Printf("delete %s: %v", key, err)
	}
}

func (p *Processor) observe(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, time.Since(start))
	}
}
