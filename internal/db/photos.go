package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/gallerio/pipeline/internal/faceapi"
)

// PhotoExists reports whether a photo row exists. Used by the Upload
// Processor's redelivery short-circuit.
func (d *DB) PhotoExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := d.x.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM photos WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("photo exists: %w", err)
	}
	return exists, nil
}

// EventByID loads an event row.
func (d *DB) EventByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	var ev Event
	err := d.x.GetContext(ctx, &ev, `
		SELECT id, photographer_id, expires_at, collection_id, deleted_at, created_at
		FROM events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event by id: %w", err)
	}
	return &ev, nil
}

// SetEventCollection records the provider-side collection id on the event.
// Only fills an empty slot, so concurrent indexers racing on the first photo
// of an event converge on one value.
func (d *DB) SetEventCollection(ctx context.Context, eventID uuid.UUID, collectionID string) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE events SET collection_id = $2
		WHERE id = $1 AND collection_id IS NULL`,
		eventID, collectionID)
	if err != nil {
		return fmt.Errorf("set event collection: %w", err)
	}
	return nil
}

// PersistFaces atomically stores the detected faces and flips the photo to
// indexed. The photo row update and the face inserts share one transaction,
// so a photo is never marked indexed without its faces (or vice versa).
func (d *DB) PersistFaces(ctx context.Context, photoID, eventID uuid.UUID, faces []faceapi.FaceRecord) error {
	tx, err := d.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin faces tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := d.now()

	for _, f := range faces {
		bbox, err := json.Marshal(f.BoundingBox)
		if err != nil {
			return fmt.Errorf("marshal bounding box: %w", err)
		}

		if f.Embedding != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO faces (id, photo_id, event_id, provider_face_id,
				                   bounding_box, confidence, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				uuid.New(), photoID, eventID, f.FaceID,
				bbox, f.Confidence, pgvector.NewVector(f.Embedding), now)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO faces (id, photo_id, event_id, provider_face_id,
				                   bounding_box, confidence, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid.New(), photoID, eventID, f.FaceID,
				bbox, f.Confidence, now)
		}
		if err != nil {
			return fmt.Errorf("insert face %s: %w", f.FaceID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE photos
		SET status = $2, face_count = $3, indexed_at = $4,
		    retryable = NULL, error_name = NULL
		WHERE id = $1`,
		photoID, PhotoIndexed, len(faces), now)
	if err != nil {
		return fmt.Errorf("mark photo indexed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit faces tx: %w", err)
	}
	return nil
}

// MarkPhotoFailed records a terminal indexing failure.
func (d *DB) MarkPhotoFailed(ctx context.Context, id uuid.UUID, errorName string) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE photos SET status = $2, retryable = FALSE, error_name = $3
		WHERE id = $1`,
		id, PhotoFailed, errorName)
	if err != nil {
		return fmt.Errorf("mark photo failed: %w", err)
	}
	return nil
}

// MarkPhotoRetrying records a transient indexing failure without changing
// the photo's status; the message comes back later.
func (d *DB) MarkPhotoRetrying(ctx context.Context, id uuid.UUID, errorName string) error {
	_, err := d.x.ExecContext(ctx, `
		UPDATE photos SET retryable = TRUE, error_name = $2
		WHERE id = $1`,
		id, errorName)
	if err != nil {
		return fmt.Errorf("mark photo retrying: %w", err)
	}
	return nil
}
