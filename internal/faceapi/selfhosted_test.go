package faceapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallerio/pipeline/internal/pipeerr"
)

func detectorReturning(t *testing.T, status int, resp *detectResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(status)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
}

func TestSelfHostedIndexFaces(t *testing.T) {
	srv := detectorReturning(t, http.StatusOK, &detectResponse{
		ModelVersion: "arcface-v2",
		Faces: []struct {
			BoundingBox BoundingBox `json:"bounding_box"`
			Confidence  float64     `json:"confidence"`
			Embedding   []float32   `json:"embedding"`
		}{
			{BoundingBox: BoundingBox{Width: 0.2, Height: 0.3, Left: 0.1, Top: 0.1}, Confidence: 0.98, Embedding: []float32{1, 2, 3}},
			{BoundingBox: BoundingBox{Width: 0.1, Height: 0.1, Left: 0.5, Top: 0.5}, Confidence: 0.2, Embedding: []float32{4, 5, 6}},
		},
	})
	defer srv.Close()

	p := NewSelfHosted(srv.URL, nil, Options{QualityFilter: "auto"})

	res, err := p.IndexFaces(context.Background(), "evt", []byte("img"), "photo-1")
	require.NoError(t, err)
	require.Len(t, res.Faces, 1, "low-confidence face filtered by quality filter")
	assert.Equal(t, 1, res.UnindexedCount)
	assert.Equal(t, "arcface-v2", res.ModelVersion)

	face := res.Faces[0]
	assert.NotEmpty(t, face.FaceID)
	assert.Equal(t, "photo-1", face.ExternalImageID)
	assert.Equal(t, 0.98, face.Confidence)
	assert.Equal(t, []float32{1, 2, 3}, face.Embedding)
}

func TestSelfHostedQualityFilterNoneKeepsAll(t *testing.T) {
	srv := detectorReturning(t, http.StatusOK, &detectResponse{
		Faces: []struct {
			BoundingBox BoundingBox `json:"bounding_box"`
			Confidence  float64     `json:"confidence"`
			Embedding   []float32   `json:"embedding"`
		}{
			{Confidence: 0.2},
			{Confidence: 0.1},
		},
	})
	defer srv.Close()

	p := NewSelfHosted(srv.URL, nil, Options{QualityFilter: "none"})

	res, err := p.IndexFaces(context.Background(), "evt", []byte("img"), "photo-1")
	require.NoError(t, err)
	assert.Len(t, res.Faces, 2)
	assert.Zero(t, res.UnindexedCount)
}

func TestSelfHostedDetectorStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   pipeerr.Kind
	}{
		{http.StatusTooManyRequests, pipeerr.KindThrottle},
		{http.StatusInternalServerError, pipeerr.KindRetryable},
		{http.StatusBadGateway, pipeerr.KindRetryable},
		{http.StatusUnprocessableEntity, pipeerr.KindTerminal},
	}

	for _, tc := range cases {
		srv := detectorReturning(t, tc.status, nil)
		p := NewSelfHosted(srv.URL, nil, Options{})

		_, err := p.IndexFaces(context.Background(), "evt", []byte("img"), "p")
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, pipeerr.KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestSelfHostedDetectorUnreachableIsRetryable(t *testing.T) {
	p := NewSelfHosted("http://127.0.0.1:1", nil, Options{})

	_, err := p.IndexFaces(context.Background(), "evt", []byte("img"), "p")
	require.Error(t, err)
	assert.Equal(t, pipeerr.KindRetryable, pipeerr.KindOf(err))
}

func TestNormalizeConfidence(t *testing.T) {
	assert.InDelta(t, 0.995, normalizeConfidence(aws.Float32(99.5)), 1e-9)
	assert.Zero(t, normalizeConfidence(nil))
}
