package faceapi

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/gallerio/pipeline/internal/pipeerr"
)

// Rekognition is the managed-cloud Provider. One Rekognition collection per
// event; confidence values arrive as 0..100 and are normalized to 0..1 here
// so nothing downstream ever sees the provider's scale.
type Rekognition struct {
	client *rekognition.Client
	opts   Options
}

// NewRekognition builds the client from ambient AWS config.
func NewRekognition(ctx context.Context, region string, opts Options) (*Rekognition, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Rekognition{client: rekognition.NewFromConfig(awsCfg), opts: opts.withDefaults()}, nil
}

func (o Options) withDefaults() Options {
	if o.MaxFacesPerImage <= 0 {
		o.MaxFacesPerImage = 100
	}
	if o.QualityFilter == "" {
		o.QualityFilter = "auto"
	}
	return o
}

// CreateCollection provisions the per-event collection; already-exists is
// success.
func (r *Rekognition) CreateCollection(ctx context.Context, collectionID string) error {
	_, err := r.client.CreateCollection(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	if err != nil {
		classified := pipeerr.FromAPIError("create", err)
		if classified.Kind == pipeerr.KindIdempotentSuccess {
			return nil
		}
		return classified
	}
	return nil
}

// DeleteCollection removes the collection; already-deleted is reported, not
// failed.
func (r *Rekognition) DeleteCollection(ctx context.Context, collectionID string) (bool, error) {
	_, err := r.client.DeleteCollection(ctx, &rekognition.DeleteCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	if err != nil {
		classified := pipeerr.FromAPIError("delete", err)
		if classified.Kind == pipeerr.KindIdempotentSuccess {
			return true, nil
		}
		return false, classified
	}
	return false, nil
}

// IndexFaces indexes every face Rekognition accepts from image.
func (r *Rekognition) IndexFaces(ctx context.Context, collectionID string, image []byte, externalImageID string) (*IndexResult, error) {
	qf := rektypes.QualityFilterAuto
	if r.opts.QualityFilter == "none" {
		qf = rektypes.QualityFilterNone
	}

	out, err := r.client.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:    aws.String(collectionID),
		Image:           &rektypes.Image{Bytes: image},
		ExternalImageId: aws.String(externalImageID),
		MaxFaces:        aws.Int32(int32(r.opts.MaxFacesPerImage)),
		QualityFilter:   qf,
	})
	if err != nil {
		return nil, pipeerr.FromAPIError("index", err)
	}

	result := &IndexResult{
		UnindexedCount: len(out.UnindexedFaces),
		ModelVersion:   aws.ToString(out.FaceModelVersion),
	}
	for _, rec := range out.FaceRecords {
		if rec.Face == nil {
			continue
		}
		fr := FaceRecord{
			FaceID:          aws.ToString(rec.Face.FaceId),
			ExternalImageID: aws.ToString(rec.Face.ExternalImageId),
			Confidence:      normalizeConfidence(rec.Face.Confidence),
		}
		if bb := rec.Face.BoundingBox; bb != nil {
			fr.BoundingBox = BoundingBox{
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
			}
		}
		result.Faces = append(result.Faces, fr)
	}
	return result, nil
}

// SearchFacesByImage searches the collection with the most prominent face in
// image.
func (r *Rekognition) SearchFacesByImage(ctx context.Context, collectionID string, image []byte, maxResults int, minSimilarity float64) ([]Match, error) {
	out, err := r.client.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(collectionID),
		Image:              &rektypes.Image{Bytes: image},
		MaxFaces:           aws.Int32(int32(maxResults)),
		FaceMatchThreshold: aws.Float32(float32(minSimilarity * 100)),
	})
	if err != nil {
		return nil, pipeerr.FromAPIError("index", err)
	}

	matches := make([]Match, 0, len(out.FaceMatches))
	for _, fm := range out.FaceMatches {
		m := Match{Similarity: float64(aws.ToFloat32(fm.Similarity)) / 100}
		if fm.Face != nil {
			m.FaceID = aws.ToString(fm.Face.FaceId)
			m.ExternalImageID = aws.ToString(fm.Face.ExternalImageId)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// normalizeConfidence maps Rekognition's 0..100 scale to 0..1.
func normalizeConfidence(c *float32) float64 {
	return float64(aws.ToFloat32(c)) / 100
}

var _ Provider = (*Rekognition)(nil)
