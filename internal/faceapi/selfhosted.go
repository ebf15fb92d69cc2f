package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/gallerio/pipeline/internal/pipeerr"
)

// SelfHosted is the pluggable on-prem Provider: face detection runs on an
// HTTP detector service (returns bounding boxes, confidences and 512-d
// embeddings) and the vector index is Postgres/pgvector. "Provider-side"
// state is the face_collections registry plus the embedding column of the
// faces table, so DeleteCollection physically drops face rows the way
// Rekognition drops a collection.
type SelfHosted struct {
	detectorURL string
	httpc       *http.Client
	x           *sqlx.DB
	opts        Options
}

// NewSelfHosted builds the self-hosted provider over an existing Postgres
// pool.
func NewSelfHosted(detectorURL string, x *sqlx.DB, opts Options) *SelfHosted {
	return &SelfHosted{
		detectorURL: detectorURL,
		httpc:       &http.Client{Timeout: 30 * time.Second},
		x:           x,
		opts:        opts.withDefaults(),
	}
}

// detectResponse is the detector service's wire format.
type detectResponse struct {
	Faces []struct {
		BoundingBox BoundingBox `json:"bounding_box"`
		Confidence  float64     `json:"confidence"`
		Embedding   []float32   `json:"embedding"`
	} `json:"faces"`
	ModelVersion string `json:"model_version"`
}

// CreateCollection registers the collection; duplicate registration is
// success.
func (s *SelfHosted) CreateCollection(ctx context.Context, collectionID string) error {
	_, err := s.x.ExecContext(ctx, `
		INSERT INTO face_collections (id, created_at)
		VALUES ($1, now())
		ON CONFLICT (id) DO NOTHING`, collectionID)
	if err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}
	return nil
}

// DeleteCollection drops the collection's face rows and its registry entry.
func (s *SelfHosted) DeleteCollection(ctx context.Context, collectionID string) (bool, error) {
	eventID, err := uuid.Parse(collectionID)
	if err != nil {
		return false, pipeerr.Terminal("InvalidCollectionId", err)
	}

	res, err := s.x.ExecContext(ctx, `
		DELETE FROM face_collections WHERE id = $1`, collectionID)
	if err != nil {
		return false, pipeerr.Retryable("DatabaseError", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return false, pipeerr.Retryable("DatabaseError", err)
	}
	if deleted == 0 {
		return true, nil
	}

	if _, err := s.x.ExecContext(ctx, `
		DELETE FROM faces WHERE event_id = $1`, eventID); err != nil {
		return false, pipeerr.Retryable("DatabaseError", err)
	}
	return false, nil
}

// IndexFaces detects faces via the detector service. Embeddings ride along
// on the returned records; the indexer persists them with the face rows.
func (s *SelfHosted) IndexFaces(ctx context.Context, collectionID string, image []byte, externalImageID string) (*IndexResult, error) {
	resp, err := s.detect(ctx, image)
	if err != nil {
		return nil, err
	}

	result := &IndexResult{ModelVersion: resp.ModelVersion}
	for _, f := range resp.Faces {
		if len(result.Faces) >= s.opts.MaxFacesPerImage {
			result.UnindexedCount++
			continue
		}
		if s.opts.QualityFilter == "auto" && f.Confidence < 0.5 {
			result.UnindexedCount++
			continue
		}
		result.Faces = append(result.Faces, FaceRecord{
			FaceID:          uuid.NewString(),
			ExternalImageID: externalImageID,
			BoundingBox:     f.BoundingBox,
			Confidence:      clamp01(f.Confidence),
			Embedding:       f.Embedding,
		})
	}
	return result, nil
}

// SearchFacesByImage embeds the query image's most confident face and runs a
// cosine-distance scan over the collection's stored embeddings.
func (s *SelfHosted) SearchFacesByImage(ctx context.Context, collectionID string, image []byte, maxResults int, minSimilarity float64) ([]Match, error) {
	eventID, err := uuid.Parse(collectionID)
	if err != nil {
		return nil, pipeerr.Terminal("InvalidCollectionId", err)
	}

	resp, err := s.detect(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(resp.Faces) == 0 {
		return nil, nil
	}

	best := resp.Faces[0]
	for _, f := range resp.Faces[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}

	rows, err := s.x.QueryxContext(ctx, `
		SELECT provider_face_id, photo_id, 1 - (embedding <=> $1) AS similarity
		FROM faces
		WHERE event_id = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(best.Embedding), eventID, maxResults)
	if err != nil {
		return nil, pipeerr.Retryable("DatabaseError", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var faceID string
		var photoID uuid.UUID
		var similarity float64
		if err := rows.Scan(&faceID, &photoID, &similarity); err != nil {
			return nil, pipeerr.Retryable("DatabaseError", err)
		}
		if similarity < minSimilarity {
			continue
		}
		matches = append(matches, Match{
			FaceID:          faceID,
			ExternalImageID: photoID.String(),
			Similarity:      clamp01(similarity),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, pipeerr.Retryable("DatabaseError", err)
	}
	return matches, nil
}

// detect posts the image to the detector service and classifies transport
// and status failures.
func (s *SelfHosted) detect(ctx context.Context, image []byte) (*detectResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.detectorURL+"/detect", bytes.NewReader(image))
	if err != nil {
		return nil, pipeerr.Terminal("BadDetectorRequest", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, pipeerr.Retryable("NetworkError", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, pipeerr.Throttle("TooManyRequestsException", fmt.Errorf("detector returned 429"))
	case resp.StatusCode >= 500:
		return nil, pipeerr.Retryable("DetectorUnavailable", fmt.Errorf("detector returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, pipeerr.Terminal("DetectorRejectedImage", fmt.Errorf("detector returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, pipeerr.Retryable("NetworkError", err)
	}
	var out detectResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, pipeerr.Retryable("DetectorBadResponse", err)
	}
	return &out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Provider = (*SelfHosted)(nil)
