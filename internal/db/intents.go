package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// IntentByKey looks up the upload intent reserved for an R2 key.
func (d *DB) IntentByKey(ctx context.Context, r2Key string) (*UploadIntent, error) {
	var intent UploadIntent
	err := d.x.GetContext(ctx, &intent, `
		SELECT id, photographer_id, event_id, r2_key, content_type,
		       content_length, status, error_code, error_message, retryable,
		       photo_id, expires_at, completed_at, created_at
		FROM upload_intents
		WHERE r2_key = $1`, r2Key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("intent by key: %w", err)
	}
	return &intent, nil
}

// MarkIntentProcessing claims the intent before the pipeline body runs.
func (d *DB) MarkIntentProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE upload_intents SET status = $2 WHERE id = $1`,
		id, IntentProcessing)
	if err != nil {
		return fmt.Errorf("mark intent processing: %w", err)
	}
	return nil
}

// MarkIntentFailed records a terminal or retryable failure on the intent.
func (d *DB) MarkIntentFailed(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE upload_intents
		SET status = $2, error_code = $3, error_message = $4, retryable = $5
		WHERE id = $1`,
		id, IntentFailed, code, message, retryable)
	if err != nil {
		return fmt.Errorf("mark intent failed: %w", err)
	}
	return nil
}

// MarkIntentExpired records that the object arrived after the intent's
// expiry.
func (d *DB) MarkIntentExpired(ctx context.Context, id uuid.UUID) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE upload_intents SET status = $2 WHERE id = $1`,
		id, IntentExpired)
	if err != nil {
		return fmt.Errorf("mark intent expired: %w", err)
	}
	return nil
}

// ExpirePendingIntents flips pending intents whose window has passed to
// expired. Run by the cleanup scan; limit bounds each sweep.
func (d *DB) ExpirePendingIntents(ctx context.Context, limit int) (int64, error) {
	res, err := d.x.ExecContext(ctx, `
		UPDATE upload_intents
		SET status = $1
		WHERE id IN (
			SELECT id FROM upload_intents
			WHERE status = $2 AND expires_at < $3
			LIMIT $4
		)`, IntentExpired, IntentPending, d.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("expire pending intents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending intents: %w", err)
	}
	return n, nil
}
