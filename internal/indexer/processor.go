// Package indexer implements the face-indexing consumer: batches of
// PhotoJobs are paced through the rate limiter, fanned out to the face
// provider with staggered starts, and their results persisted atomically
// per photo.
package indexer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gallerio/pipeline/internal/blob"
	"github.com/gallerio/pipeline/internal/db"
	"github.com/gallerio/pipeline/internal/faceapi"
	"github.com/gallerio/pipeline/internal/imgproc"
	"github.com/gallerio/pipeline/internal/metrics"
	"github.com/gallerio/pipeline/internal/pipeerr"
	"github.com/gallerio/pipeline/internal/queue"
	"github.com/gallerio/pipeline/internal/ratelimit"
)

// Store is the database surface the indexer needs.
type Store interface {
	EventByID(ctx context.Context, id uuid.UUID) (*db.Event, error)
	SetEventCollection(ctx context.Context, eventID uuid.UUID, collectionID string) error
	PersistFaces(ctx context.Context, photoID, eventID uuid.UUID, faces []faceapi.FaceRecord) error
	MarkPhotoFailed(ctx context.Context, id uuid.UUID, errorName string) error
	MarkPhotoRetrying(ctx context.Context, id uuid.UUID, errorName string) error
}

var _ Store = (*db.DB)(nil)

// Config tunes the processor.
type Config struct {
	// ProviderMaxBytes is the size above which index input is downscaled.
	ProviderMaxBytes int64
	// DownscaleMaxDim / DownscaleQuality shape that best-effort downscale.
	DownscaleMaxDim  int
	DownscaleQuality int
}

// Processor handles batches of PhotoJobs.
type Processor struct {
	cfg      Config
	store    Store
	objects  blob.Store
	provider faceapi.Provider
	limiter  ratelimit.Coordinator
	metrics  *metrics.Metrics
	logger   *log.Logger

	// sleep is overridable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds the processor. metrics may be nil (tests).
func New(cfg Config, store Store, objects blob.Store, provider faceapi.Provider, limiter ratelimit.Coordinator, m *metrics.Metrics) *Processor {
	if cfg.ProviderMaxBytes <= 0 {
		cfg.ProviderMaxBytes = 5 * 1024 * 1024
	}
	if cfg.DownscaleMaxDim <= 0 {
		cfg.DownscaleMaxDim = 4096
	}
	if cfg.DownscaleQuality <= 0 {
		cfg.DownscaleQuality = 85
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		provider: provider,
		limiter:  limiter,
		metrics:  m,
		logger:   log.New(log.Writer(), "[INDEX] ", log.LstdFlags),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// HandleBatch is the batch queue handler. The returned slice is
// index-aligned with msgs; each entry's classification decides that
// message's disposition.
func (p *Processor) HandleBatch(ctx context.Context, msgs []queue.Message) []error {
	errs := make([]error, len(msgs))

	jobs := make([]*queue.PhotoJob, len(msgs))
	live := 0
	for i, m := range msgs {
		var job queue.PhotoJob
		if err := m.Decode(&job); err != nil {
			errs[i] = pipeerr.Terminal("invalid_message", err)
			continue
		}
		jobs[i] = &job
		live++
	}
	if live == 0 {
		return errs
	}

	res, err := p.limiter.ReserveBatch(ctx, live)
	if err != nil {
		// No slot granted; every live message retries.
		for i := range errs {
			if jobs[i] != nil {
				errs[i] = pipeerr.Retryable("RateLimiterError", err)
			}
		}
		return errs
	}
	if p.metrics != nil {
		p.metrics.LimiterDelay.Set(res.Delay.Seconds())
	}
	p.sleep(ctx, res.Delay)

	g, gctx := errgroup.WithContext(ctx)
	slot := 0
	for i := range msgs {
		if jobs[i] == nil {
			continue
		}
		i, job, offset := i, jobs[i], time.Duration(slot)*res.Interval
		slot++
		g.Go(func() error {
			p.sleep(gctx, offset)
			errs[i] = p.processOne(gctx, job)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	// One throttle report per batch, however many messages were throttled.
	for _, err := range errs {
		if pipeerr.IsThrottle(err) {
			if rtErr := p.limiter.ReportThrottle(ctx); rtErr != nil {
				p.logger.Printf("report throttle: %v", rtErr)
			}
			if p.metrics != nil {
				p.metrics.ThrottleReports.Inc()
			}
			break
		}
	}
	return errs
}

func (p *Processor) processOne(ctx context.Context, job *queue.PhotoJob) error {
	start := time.Now()

	data, err := p.objects.Get(ctx, job.R2Key)
	if errors.Is(err, blob.ErrNotFound) {
		// The normalized photo will not reappear.
		if dbErr := p.store.MarkPhotoFailed(ctx, job.PhotoID, "NotFoundError"); dbErr != nil {
			return pipeerr.Retryable("DatabaseError", dbErr)
		}
		return pipeerr.Terminal("NotFoundError", err)
	}
	if err != nil {
		return p.retryLater(ctx, job.PhotoID, pipeerr.Retryable("ObjectStoreError", err))
	}

	if int64(len(data)) > p.cfg.ProviderMaxBytes {
		smaller, err := imgproc.DownscaleForIndex(data, p.cfg.DownscaleMaxDim, p.cfg.DownscaleQuality)
		if err != nil {
			p.logger.Printf("photo %s: downscale failed, sending original %d bytes: %v",
				job.PhotoID, len(data), err)
		} else {
			data = smaller
		}
	}

	collectionID, err := p.ensureCollection(ctx, job.EventID)
	if err != nil {
		return p.recordFailure(ctx, job.PhotoID, err)
	}

	result, err := p.provider.IndexFaces(ctx, collectionID, data, job.PhotoID.String())
	if err != nil {
		return p.recordFailure(ctx, job.PhotoID, err)
	}

	if err := p.store.PersistFaces(ctx, job.PhotoID, job.EventID, result.Faces); err != nil {
		return p.retryLater(ctx, job.PhotoID, pipeerr.Retryable("DatabaseError", err))
	}

	if p.metrics != nil {
		p.metrics.FacesPerPhoto.Observe(float64(len(result.Faces)))
		p.metrics.ObserveStage("index", time.Since(start))
	}
	p.logger.Printf("photo %s indexed: %d faces, %d unindexed",
		job.PhotoID, len(result.Faces), result.UnindexedCount)
	return nil
}

// ensureCollection lazily provisions the event's provider collection. The
// logical collection identifier is the event id; once stored it is
// round-tripped verbatim.
func (p *Processor) ensureCollection(ctx context.Context, eventID uuid.UUID) (string, error) {
	ev, err := p.store.EventByID(ctx, eventID)
	if errors.Is(err, db.ErrNotFound) {
		return "", pipeerr.Terminal("EventNotFound", err)
	}
	if err != nil {
		return "", pipeerr.Retryable("DatabaseError", err)
	}
	if ev.CollectionID != nil {
		return *ev.CollectionID, nil
	}

	collectionID := eventID.String()
	if err := p.provider.CreateCollection(ctx, collectionID); err != nil {
		return "", err
	}
	if err := p.store.SetEventCollection(ctx, eventID, collectionID); err != nil {
		return "", pipeerr.Retryable("DatabaseError", err)
	}
	return collectionID, nil
}

// recordFailure stamps the photo row according to the error class and passes
// the error through as the message disposition.
func (p *Processor) recordFailure(ctx context.Context, photoID uuid.UUID, err error) error {
	name := pipeerr.NameOf(err)
	if name == "" {
		name = "UnknownError"
	}

	if pipeerr.KindOf(err) == pipeerr.KindTerminal {
		if dbErr := p.store.MarkPhotoFailed(ctx, photoID, name); dbErr != nil {
			return pipeerr.Retryable("DatabaseError", dbErr)
		}
		return err
	}
	if dbErr := p.store.MarkPhotoRetrying(ctx, photoID, name); dbErr != nil {
		p.logger.Printf("photo %s: mark retrying: %v", photoID, dbErr)
	}
	return err
}

// retryLater records a transient failure on the photo and returns it.
func (p *Processor) retryLater(ctx context.Context, photoID uuid.UUID, err *pipeerr.Error) error {
	if dbErr := p.store.MarkPhotoRetrying(ctx, photoID, err.Name); dbErr != nil {
		p.logger.Printf("photo %s: mark retrying: %v", photoID, dbErr)
	}
	return err
}
