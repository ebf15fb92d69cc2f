package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallerio/pipeline/internal/blob"
	"github.com/gallerio/pipeline/internal/db"
	"github.com/gallerio/pipeline/internal/pipeerr"
	"github.com/gallerio/pipeline/internal/queue"
)

// ============================================================================
// FAKES
// ============================================================================

type mockStore struct {
	intent      *db.UploadIntent
	photoExists bool
	completeErr error

	markedProcessing bool
	markedExpired    bool
	failedCode       string
	failedRetryable  bool
	completed        *db.CompleteUploadParams
}

func (m *mockStore) IntentByKey(ctx context.Context, r2Key string) (*db.UploadIntent, error) {
	if m.intent == nil || m.intent.R2Key != r2Key {
		return nil, db.ErrNotFound
	}
	return m.intent, nil
}

func (m *mockStore) MarkIntentProcessing(ctx context.Context, id uuid.UUID) error {
	m.markedProcessing = true
	return nil
}

func (m *mockStore) MarkIntentFailed(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error {
	m.failedCode = code
	m.failedRetryable = retryable
	return nil
}

func (m *mockStore) MarkIntentExpired(ctx context.Context, id uuid.UUID) error {
	m.markedExpired = true
	return nil
}

func (m *mockStore) CompleteUpload(ctx context.Context, p db.CompleteUploadParams) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed = &p
	return nil
}

func (m *mockStore) PhotoExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.photoExists, nil
}

type mockObjects struct {
	objects map[string][]byte
	deleted []string
}

func newMockObjects() *mockObjects {
	return &mockObjects{objects: make(map[string][]byte)}
}

func (m *mockObjects) Head(ctx context.Context, key string) (int64, error) {
	data, ok := m.objects[key]
	if !ok {
		return 0, blob.ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *mockObjects) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return data, nil
}

func (m *mockObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.objects[key] = data
	return nil
}

func (m *mockObjects) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type mockPublisher struct {
	topics   []string
	payloads [][]byte
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) error {
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, data)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, image.White.C)
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func uploadMessage(t *testing.T, key string, size int64, eventTime time.Time) queue.Message {
	t.Helper()
	data, err := json.Marshal(queue.UploadEvent{
		Action:    "PutObject",
		Bucket:    "photos",
		Object:    queue.ObjectInfo{Key: key, Size: size, ETag: "etag"},
		EventTime: eventTime,
	})
	require.NoError(t, err)
	return queue.Message{Data: data}
}

func pendingIntent(key string) *db.UploadIntent {
	return &db.UploadIntent{
		ID:             uuid.New(),
		PhotographerID: uuid.New(),
		EventID:        uuid.New(),
		R2Key:          key,
		Status:         db.IntentPending,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func newProcessor(store *mockStore, objects *mockObjects, pub *mockPublisher) *Processor {
	return New(Config{IndexTopic: "photo-index"}, store, objects, pub, nil)
}

// ============================================================================
// TESTS
// ============================================================================

func TestHappyPathUpload(t *testing.T) {
	key := "uploads/intent-1"
	store := &mockStore{intent: pendingIntent(key)}
	objects := newMockObjects()
	objects.objects[key] = jpegBytes(t, 800, 600)
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	require.NotNil(t, store.completed, "upload transaction must run")
	assert.True(t, store.markedProcessing)
	assert.Equal(t, store.intent.EventID, store.completed.EventID)
	assert.Equal(t, 800, store.completed.Width)
	assert.Equal(t, 600, store.completed.Height)
	assert.Equal(t, "image/jpeg", store.completed.OriginalMimeType)

	finalKey := blob.PhotoKey(store.intent.EventID, store.completed.PhotoID)
	assert.Equal(t, finalKey, store.completed.R2Key)
	assert.Contains(t, objects.objects, finalKey, "normalized photo stored")
	assert.Contains(t, objects.deleted, key, "original upload removed")

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "photo-index", pub.topics[0])
	var job queue.PhotoJob
	require.NoError(t, json.Unmarshal(pub.payloads[0], &job))
	assert.Equal(t, store.completed.PhotoID, job.PhotoID)
	assert.Equal(t, store.intent.EventID, job.EventID)
	assert.Equal(t, finalKey, job.R2Key)
}

func TestInsufficientCredits(t *testing.T) {
	key := "uploads/intent-2"
	store := &mockStore{intent: pendingIntent(key), completeErr: db.ErrInsufficientCredits}
	objects := newMockObjects()
	objects.objects[key] = jpegBytes(t, 100, 100)
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err, "insufficient credits acknowledges")

	assert.Equal(t, CodeInsufficientCredits, store.failedCode)
	assert.False(t, store.failedRetryable)
	assert.Contains(t, objects.objects, key, "original upload retained for a later top-up")
	assert.Empty(t, pub.topics, "no indexing job")
}

func TestInvalidMagicBytes(t *testing.T) {
	key := "uploads/intent-3"
	store := &mockStore{intent: pendingIntent(key)}
	objects := newMockObjects()
	objects.objects[key] = make([]byte, 64) // all zero
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, CodeInvalidMagicBytes, store.failedCode)
	assert.Contains(t, objects.deleted, key, "invalid upload removed")
	assert.Nil(t, store.completed)
}

func TestSizeGate(t *testing.T) {
	key := "uploads/intent-4"
	store := &mockStore{intent: pendingIntent(key)}
	objects := newMockObjects()
	objects.objects[key] = make([]byte, 200)
	pub := &mockPublisher{}

	p := New(Config{MaxFileSize: 100}, store, objects, pub, nil)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 200, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, CodeSizeExceeded, store.failedCode)
	assert.Contains(t, objects.deleted, key)
}

func TestIgnoresOtherActionsAndPrefixes(t *testing.T) {
	store := &mockStore{}
	objects := newMockObjects()
	pub := &mockPublisher{}
	p := newProcessor(store, objects, pub)

	data, err := json.Marshal(queue.UploadEvent{Action: "DeleteObject", Object: queue.ObjectInfo{Key: "uploads/x"}})
	require.NoError(t, err)
	require.NoError(t, p.HandleMessage(context.Background(), queue.Message{Data: data}))

	require.NoError(t, p.HandleMessage(context.Background(),
		uploadMessage(t, "logos/brand.png", 0, time.Now())))

	assert.False(t, store.markedProcessing)
	assert.Empty(t, objects.deleted)
}

func TestOrphanObjectDeleted(t *testing.T) {
	key := "uploads/no-intent"
	store := &mockStore{}
	objects := newMockObjects()
	objects.objects[key] = jpegBytes(t, 10, 10)
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	assert.Contains(t, objects.deleted, key)
	assert.False(t, store.markedProcessing)
}

func TestExpiredIntent(t *testing.T) {
	key := "uploads/intent-5"
	intent := pendingIntent(key)
	intent.ExpiresAt = time.Now().Add(-time.Hour)
	store := &mockStore{intent: intent}
	objects := newMockObjects()
	objects.objects[key] = jpegBytes(t, 10, 10)
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	assert.True(t, store.markedExpired)
	assert.Contains(t, objects.deleted, key)
	assert.Nil(t, store.completed)
}

func TestRedeliveryOfCompletedIntent(t *testing.T) {
	key := "uploads/intent-6"
	intent := pendingIntent(key)
	photoID := uuid.New()
	intent.Status = db.IntentCompleted
	intent.PhotoID = &photoID
	store := &mockStore{intent: intent, photoExists: true}
	objects := newMockObjects()
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	assert.False(t, store.markedProcessing, "pipeline body must not rerun")
	require.Len(t, pub.topics, 1, "indexing job re-published on redelivery")
	var job queue.PhotoJob
	require.NoError(t, json.Unmarshal(pub.payloads[0], &job))
	assert.Equal(t, photoID, job.PhotoID)
}

func TestRedeliveryOfFailedIntent(t *testing.T) {
	key := "uploads/intent-7"
	intent := pendingIntent(key)
	intent.Status = db.IntentFailed
	notRetryable := false
	intent.Retryable = &notRetryable
	store := &mockStore{intent: intent}
	objects := newMockObjects()
	objects.objects[key] = jpegBytes(t, 10, 10)
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	assert.False(t, store.markedProcessing)
	assert.Empty(t, objects.deleted, "no side effects on redelivered terminal failure")
}

func TestRedeliveryOfRetryableFailureReprocesses(t *testing.T) {
	key := "uploads/intent-8"
	intent := pendingIntent(key)
	intent.Status = db.IntentFailed
	retryable := true
	intent.Retryable = &retryable
	store := &mockStore{intent: intent}
	objects := newMockObjects()
	objects.objects[key] = jpegBytes(t, 10, 10)
	pub := &mockPublisher{}

	p := newProcessor(store, objects, pub)
	err := p.HandleMessage(context.Background(), uploadMessage(t, key, 0, time.Now()))
	require.NoError(t, err)

	assert.NotNil(t, store.completed, "retryable failure runs the pipeline again")
}

func TestMalformedMessageIsTerminal(t *testing.T) {
	p := newProcessor(&mockStore{}, newMockObjects(), &mockPublisher{})
	err := p.HandleMessage(context.Background(), queue.Message{Data: []byte("{")})
	require.Error(t, err)
	assert.Equal(t, pipeerr.KindTerminal, pipeerr.KindOf(err))
}
