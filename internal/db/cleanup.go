package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExpiredEvents returns up to limit events that are past both their expiry
// and the retention window and still hold a provider collection. These are
// the cleanup scan's candidates.
func (d *DB) ExpiredEvents(ctx context.Context, retention time.Duration, limit int) ([]Event, error) {
	cutoff := d.now().Add(-retention)

	var events []Event
	err := d.x.SelectContext(ctx, &events, `
		SELECT id, photographer_id, expires_at, collection_id, deleted_at, created_at
		FROM events
		WHERE created_at < $1
		  AND expires_at < $2
		  AND collection_id IS NOT NULL
		ORDER BY expires_at ASC
		LIMIT $3`,
		cutoff, d.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("expired events: %w", err)
	}
	return events, nil
}

// HasUndeletedPhotos reports whether the event still has photos without a
// deletedAt stamp.
func (d *DB) HasUndeletedPhotos(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := d.x.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM photos WHERE event_id = $1 AND deleted_at IS NULL
		)`, eventID)
	if err != nil {
		return false, fmt.Errorf("has undeleted photos: %w", err)
	}
	return exists, nil
}

// SoftDeletePhotos stamps deletedAt on every live photo of the event and
// returns how many rows it touched. Already-deleted rows are untouched, so
// the operation is idempotent.
func (d *DB) SoftDeletePhotos(ctx context.Context, eventID uuid.UUID) (int64, error) {
	res, err := d.x.ExecContext(ctx, `
		UPDATE photos SET deleted_at = $2
		WHERE event_id = $1 AND deleted_at IS NULL`,
		eventID, d.now())
	if err != nil {
		return 0, fmt.Errorf("soft delete photos: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("soft delete photos: %w", err)
	}
	return n, nil
}

// ClearEventCollection removes the event's provider collection reference
// after the provider-side collection is gone.
func (d *DB) ClearEventCollection(ctx context.Context, eventID uuid.UUID) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE events SET collection_id = NULL WHERE id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("clear event collection: %w", err)
	}
	return nil
}
