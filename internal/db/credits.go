package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CompleteUploadParams feeds the atomic credit-debit + photo-create
// transaction.
type CompleteUploadParams struct {
	IntentID       uuid.UUID
	PhotographerID uuid.UUID
	EventID        uuid.UUID
	PhotoID        uuid.UUID
	R2Key          string

	Width            int
	Height           int
	FileSize         int64
	OriginalMimeType string
	OriginalFileSize int64
}

// CompleteUpload runs the single transaction at the heart of the upload
// pipeline: lock the photographer row, debit one credit FIFO, create the
// photo, complete the intent. Either all of it lands or none of it does.
//
// Returns ErrInsufficientCredits (after rollback) when the unexpired balance
// is below one; the caller maps that to its terminal failure handling.
func (d *DB) CompleteUpload(ctx context.Context, p CompleteUploadParams) error {
	tx, err := d.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upload tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// The photographer row lock serializes concurrent uploads by the same
	// account so balance reads stay consistent for the whole body.
	var lockedID uuid.UUID
	err = tx.GetContext(ctx, &lockedID, `
		SELECT id FROM photographers WHERE id = $1 FOR UPDATE`,
		p.PhotographerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock photographer: %w", err)
	}

	now := d.now()

	var balance int64
	err = tx.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE photographer_id = $1 AND expires_at > $2`,
		p.PhotographerID, now)
	if err != nil {
		return fmt.Errorf("compute balance: %w", err)
	}
	if balance < 1 {
		return ErrInsufficientCredits
	}

	// FIFO expiration: the debit consumes the credit entry with the
	// earliest remaining lifetime and inherits its expiry.
	var oldestExpiry time.Time
	err = tx.GetContext(ctx, &oldestExpiry, `
		SELECT expires_at
		FROM credit_ledger
		WHERE photographer_id = $1 AND amount > 0 AND expires_at > $2
		ORDER BY expires_at ASC
		LIMIT 1`,
		p.PhotographerID, now)
	if err != nil {
		return fmt.Errorf("select oldest credit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, photographer_id, amount, type, source, expires_at, created_at)
		VALUES ($1, $2, -1, $3, $4, $5, $6)`,
		uuid.New(), p.PhotographerID, LedgerDebit, LedgerSourceUpload, oldestExpiry, now)
	if err != nil {
		return fmt.Errorf("insert debit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO photos (id, event_id, r2_key, status, width, height,
		                    file_size, original_mime_type, original_file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.PhotoID, p.EventID, p.R2Key, PhotoUploading,
		p.Width, p.Height, p.FileSize, p.OriginalMimeType, p.OriginalFileSize, now)
	if err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE upload_intents
		SET status = $2, photo_id = $3, completed_at = $4
		WHERE id = $1`,
		p.IntentID, IntentCompleted, p.PhotoID, now)
	if err != nil {
		return fmt.Errorf("complete intent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upload tx: %w", err)
	}
	return nil
}
