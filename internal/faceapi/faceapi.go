// Package faceapi abstracts the face-recognition provider behind one
// interface with two conforming implementations: AWS Rekognition and a
// self-hosted detector whose embeddings live in Postgres/pgvector. The
// pipeline treats them as interchangeable; confidence and similarity values
// are normalized to 0..1 before they leave the adapter.
package faceapi

import (
	"context"
)

// BoundingBox locates a face within an image. All values are ratios of the
// image dimensions in 0..1.
type BoundingBox struct {
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
	Left   float64 `json:"l"`
	Top    float64 `json:"t"`
}

// FaceRecord is one indexed face.
type FaceRecord struct {
	// FaceID is the provider-assigned identifier.
	FaceID string
	// ExternalImageID is the photo id the caller supplied at indexing time.
	ExternalImageID string
	BoundingBox     BoundingBox
	// Confidence is normalized to 0..1.
	Confidence float64
	// Embedding is the 512-d face vector. Only the self-hosted provider
	// populates it; nil for Rekognition.
	Embedding []float32
}

// IndexResult is the outcome of one IndexFaces call.
type IndexResult struct {
	Faces []FaceRecord
	// UnindexedCount counts faces the provider detected but declined to
	// index (quality filter, size).
	UnindexedCount int
	ModelVersion   string
}

// Match is one hit from SearchFacesByImage. Similarity is normalized to 0..1.
type Match struct {
	FaceID          string
	ExternalImageID string
	Similarity      float64
}

// Options tunes provider behavior.
type Options struct {
	// MaxFacesPerImage bounds how many faces one IndexFaces call may index.
	MaxFacesPerImage int
	// QualityFilter is "auto" or "none".
	QualityFilter string
}

// Provider is the face-recognition surface the pipeline depends on.
//
// Error contract: implementations return *pipeerr.Error so callers can
// classify without knowing the provider. CreateCollection maps
// already-exists to success; DeleteCollection reports already-deleted
// through its bool instead of an error.
type Provider interface {
	// CreateCollection provisions the per-event face namespace. Creating a
	// collection that already exists is success.
	CreateCollection(ctx context.Context, collectionID string) error

	// DeleteCollection removes the namespace and every face in it.
	// alreadyDeleted is true when the collection was already gone.
	DeleteCollection(ctx context.Context, collectionID string) (alreadyDeleted bool, err error)

	// IndexFaces detects and indexes the faces in image under the
	// collection, tagged with externalImageID.
	IndexFaces(ctx context.Context, collectionID string, image []byte, externalImageID string) (*IndexResult, error)

	// SearchFacesByImage finds indexed faces similar to the most prominent
	// face in image. minSimilarity is a 0..1 threshold.
	SearchFacesByImage(ctx context.Context, collectionID string, image []byte, maxResults int, minSimilarity float64) ([]Match, error)
}
