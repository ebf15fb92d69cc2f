package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallerio/pipeline/internal/metrics"
	"github.com/gallerio/pipeline/internal/pipeerr"
)

func TestPhotoJobEnvelope(t *testing.T) {
	job := PhotoJob{
		PhotoID: uuid.New(),
		EventID: uuid.New(),
		R2Key:   "event-1/photo-1.jpg",
	}
	data, err := json.Marshal(job)
	require.NoError(t, err)

	var got PhotoJob
	require.NoError(t, Message{Data: data}.Decode(&got))
	assert.Equal(t, job, got)
}

func TestUploadEventEnvelopeFieldNames(t *testing.T) {
	raw := `{
		"action": "PutObject",
		"bucket": "gallerio-photos",
		"object": {"key": "uploads/abc", "size": 1234, "eTag": "deadbeef"},
		"eventTime": "2026-08-24T12:00:00Z"
	}`

	var ev UploadEvent
	require.NoError(t, Message{Data: []byte(raw)}.Decode(&ev))
	assert.Equal(t, "PutObject", ev.Action)
	assert.Equal(t, "uploads/abc", ev.Object.Key)
	assert.Equal(t, int64(1234), ev.Object.Size)
	assert.Equal(t, "deadbeef", ev.Object.ETag)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), ev.EventTime)
}

func TestAttemptsRoundTrip(t *testing.T) {
	assert.Equal(t, 0, attemptsFrom(nil))
	assert.Equal(t, 0, attemptsFrom(map[string]string{}))
	assert.Equal(t, 0, attemptsFrom(map[string]string{"attempts": "junk"}))
	assert.Equal(t, 3, attemptsFrom(map[string]string{"attempts": "3"}))

	attrs := withAttempts(map[string]string{"trace": "x"}, 4)
	assert.Equal(t, "4", attrs["attempts"])
	assert.Equal(t, "x", attrs["trace"])
	assert.Equal(t, 4, attemptsFrom(attrs))
}

type fakeScheduler struct {
	calls []struct {
		topic string
		attrs map[string]string
		delay time.Duration
	}
	err error
}

func (f *fakeScheduler) Schedule(_ context.Context, topic string, _ []byte, attrs map[string]string, delay time.Duration) error {
	f.calls = append(f.calls, struct {
		topic string
		attrs map[string]string
		delay time.Duration
	}{topic, attrs, delay})
	return f.err
}

func TestRequeuerIncrementsAttempts(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRequeuer(sched, RetryPolicy{Backoff: pipeerr.DefaultBackoff(), MaxAttempts: 8}, nil)

	m := Message{Data: []byte("{}"), Attempts: 2}
	err := r.Requeue(context.Background(), "photo-index", m, pipeerr.Retryable("DatabaseError", nil))
	require.NoError(t, err)
	require.Len(t, sched.calls, 1)
	assert.Equal(t, "photo-index", sched.calls[0].topic)
	assert.Equal(t, "3", sched.calls[0].attrs["attempts"])

	// Third attempt on the normal curve: nominal 4s, jitter 0.8..1.2.
	assert.GreaterOrEqual(t, sched.calls[0].delay, 3200*time.Millisecond)
	assert.Less(t, sched.calls[0].delay, 4800*time.Millisecond)
}

func TestRequeuerThrottleUsesThrottleCurve(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRequeuer(sched, RetryPolicy{Backoff: pipeerr.DefaultBackoff(), MaxAttempts: 8}, nil)

	m := Message{Data: []byte("{}")}
	err := r.Requeue(context.Background(), "photo-index", m, pipeerr.Throttle("ThrottlingException", nil))
	require.NoError(t, err)
	require.Len(t, sched.calls, 1)

	// First attempt on the throttle curve: nominal 5s.
	assert.GreaterOrEqual(t, sched.calls[0].delay, 4*time.Second)
	assert.Less(t, sched.calls[0].delay, 6*time.Second)
}

func TestRequeuerDropsAtMaxAttempts(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRequeuer(sched, RetryPolicy{Backoff: pipeerr.DefaultBackoff(), MaxAttempts: 3}, nil)

	m := Message{Data: []byte("{}"), Attempts: 2}
	err := r.Requeue(context.Background(), "photo-index", m, errors.New("still broken"))
	require.NoError(t, err)
	assert.Empty(t, sched.calls, "spent message must not be rescheduled")
}

func TestMemorySchedulerRepublishes(t *testing.T) {
	pub := &capturePublisher{published: make(chan string, 1)}
	s := NewMemoryScheduler(pub)

	require.NoError(t, s.Schedule(context.Background(), "event-cleanup", []byte("{}"), nil, 5*time.Millisecond))

	select {
	case topic := <-pub.published:
		assert.Equal(t, "event-cleanup", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled message never republished")
	}
}

type capturePublisher struct {
	published chan string
}

func (c *capturePublisher) Publish(_ context.Context, topic string, _ []byte, _ map[string]string) error {
	c.published <- topic
	return nil
}

type fakeAcker struct {
	acked  bool
	nacked bool
}

func (f *fakeAcker) Ack()  { f.acked = true }
func (f *fakeAcker) Nack() { f.nacked = true }

func newTestDisposer(t *testing.T, maxAttempts int, schedErr error) (*disposer, *fakeScheduler, *metrics.Metrics) {
	t.Helper()
	sched := &fakeScheduler{err: schedErr}
	m := metrics.NewWith(prometheus.NewRegistry())
	r := NewRequeuer(sched, RetryPolicy{Backoff: pipeerr.DefaultBackoff(), MaxAttempts: maxAttempts}, m)
	d := &disposer{
		topic:   "photo-upload",
		requeue: r,
		metrics: m,
		logger:  log.New(io.Discard, "", 0),
	}
	return d, sched, m
}

func TestDisposeSuccessCountsProcessed(t *testing.T) {
	d, sched, m := newTestDisposer(t, 8, nil)
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{}, nil)

	assert.True(t, pm.acked)
	assert.Empty(t, sched.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues("photo-upload")))
}

func TestDisposeIdempotentSuccessCountsProcessed(t *testing.T) {
	d, _, m := newTestDisposer(t, 8, nil)
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{}, pipeerr.AlreadyDone("ResourceAlreadyExistsException"))

	assert.True(t, pm.acked)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues("photo-upload")))
}

func TestDisposeTerminalCountsFailedAndAcks(t *testing.T) {
	d, sched, m := newTestDisposer(t, 8, nil)
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{}, pipeerr.Terminal("InvalidImageFormatException", nil))

	assert.True(t, pm.acked)
	assert.Empty(t, sched.calls, "terminal failures are not rescheduled")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.MessagesFailed.WithLabelValues("photo-upload", "terminal", "InvalidImageFormatException")))
	assert.Zero(t, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues("photo-upload")))
}

func TestDisposeRetryableCountsFailedAndRequeued(t *testing.T) {
	d, sched, m := newTestDisposer(t, 8, nil)
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{Attempts: 1}, pipeerr.Retryable("DatabaseError", nil))

	assert.True(t, pm.acked)
	require.Len(t, sched.calls, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.MessagesFailed.WithLabelValues("photo-upload", "retryable", "DatabaseError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRequeued.WithLabelValues("photo-upload")))
	assert.Zero(t, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("photo-upload")))
}

func TestDisposeDropCountsDropped(t *testing.T) {
	d, sched, m := newTestDisposer(t, 3, nil)
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{Attempts: 2}, pipeerr.Retryable("DatabaseError", nil))

	assert.True(t, pm.acked)
	assert.Empty(t, sched.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("photo-upload")))
	assert.Zero(t, testutil.ToFloat64(m.MessagesRequeued.WithLabelValues("photo-upload")))
}

func TestDisposeNacksWhenSchedulingFails(t *testing.T) {
	d, _, m := newTestDisposer(t, 8, errors.New("tasks unavailable"))
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{}, pipeerr.Retryable("DatabaseError", nil))

	assert.True(t, pm.nacked)
	assert.False(t, pm.acked)
	assert.Zero(t, testutil.ToFloat64(m.MessagesRequeued.WithLabelValues("photo-upload")))
}

func TestDisposeUnclassifiedFailureName(t *testing.T) {
	d, _, m := newTestDisposer(t, 8, nil)
	pm := &fakeAcker{}

	d.dispose(context.Background(), pm, Message{}, errors.New("plain failure"))

	assert.True(t, pm.acked)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.MessagesFailed.WithLabelValues("photo-upload", "retryable", "unclassified")))
}
