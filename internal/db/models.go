package db

import (
	"time"

	"github.com/google/uuid"
)

// Intent statuses. Exactly one terminal transition per intent.
const (
	IntentPending    = "pending"
	IntentProcessing = "processing"
	IntentCompleted  = "completed"
	IntentFailed     = "failed"
	IntentExpired    = "expired"
)

// Photo statuses.
const (
	PhotoUploading = "uploading"
	PhotoIndexing  = "indexing"
	PhotoIndexed   = "indexed"
	PhotoFailed    = "failed"
)

// Ledger entry types and sources.
const (
	LedgerCredit = "credit"
	LedgerDebit  = "debit"

	LedgerSourceUpload = "upload"
)

// UploadIntent is the reservation created at presign time, matched to an
// object-create notification by r2_key.
type UploadIntent struct {
	ID             uuid.UUID  `db:"id"`
	PhotographerID uuid.UUID  `db:"photographer_id"`
	EventID        uuid.UUID  `db:"event_id"`
	R2Key          string     `db:"r2_key"`
	ContentType    string     `db:"content_type"`
	ContentLength  int64      `db:"content_length"`
	Status         string     `db:"status"`
	ErrorCode      *string    `db:"error_code"`
	ErrorMessage   *string    `db:"error_message"`
	Retryable      *bool      `db:"retryable"`
	PhotoID        *uuid.UUID `db:"photo_id"`
	ExpiresAt      time.Time  `db:"expires_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Event is the collection context photos belong to.
type Event struct {
	ID             uuid.UUID  `db:"id"`
	PhotographerID uuid.UUID  `db:"photographer_id"`
	ExpiresAt      time.Time  `db:"expires_at"`
	CollectionID   *string    `db:"collection_id"`
	DeletedAt      *time.Time `db:"deleted_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Photo is a persisted normalized image.
type Photo struct {
	ID               uuid.UUID  `db:"id"`
	EventID          uuid.UUID  `db:"event_id"`
	R2Key            string     `db:"r2_key"`
	Status           string     `db:"status"`
	FaceCount        *int       `db:"face_count"`
	Retryable        *bool      `db:"retryable"`
	ErrorName        *string    `db:"error_name"`
	Width            int        `db:"width"`
	Height           int        `db:"height"`
	FileSize         int64      `db:"file_size"`
	OriginalMimeType string     `db:"original_mime_type"`
	OriginalFileSize int64      `db:"original_file_size"`
	IndexedAt        *time.Time `db:"indexed_at"`
	DeletedAt        *time.Time `db:"deleted_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

// LedgerEntry is one append-only credit ledger row. The sum of unexpired
// amounts is the photographer's effective balance.
type LedgerEntry struct {
	ID             uuid.UUID `db:"id"`
	PhotographerID uuid.UUID `db:"photographer_id"`
	Amount         int64     `db:"amount"`
	Type           string    `db:"type"`
	Source         string    `db:"source"`
	ExpiresAt      time.Time `db:"expires_at"`
	CreatedAt      time.Time `db:"created_at"`
}
