// Package cleanup reaps expired events: a scheduled scan selects candidates
// and enqueues CleanupJobs, and a state-driven reconciler soft-deletes the
// event's photos, tears down the provider collection and clears the event's
// collection reference. Both halves are idempotent.
package cleanup

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gallerio/pipeline/internal/db"
	"github.com/gallerio/pipeline/internal/faceapi"
	"github.com/gallerio/pipeline/internal/metrics"
	"github.com/gallerio/pipeline/internal/pipeerr"
	"github.com/gallerio/pipeline/internal/queue"
)

// Store is the database surface the cleanup engine needs.
type Store interface {
	EventByID(ctx context.Context, id uuid.UUID) (*db.Event, error)
	ExpiredEvents(ctx context.Context, retention time.Duration, limit int) ([]db.Event, error)
	HasUndeletedPhotos(ctx context.Context, eventID uuid.UUID) (bool, error)
	SoftDeletePhotos(ctx context.Context, eventID uuid.UUID) (int64, error)
	ClearEventCollection(ctx context.Context, eventID uuid.UUID) error
	ExpirePendingIntents(ctx context.Context, limit int) (int64, error)
}

var _ Store = (*db.DB)(nil)

// ============================================================================
// RECONCILER
// ============================================================================

// Reconciler brings one expired event to its cleaned-up state. It derives
// actions from current state, so rerunning it after a success changes
// nothing.
type Reconciler struct {
	store    Store
	provider faceapi.Provider
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// NewReconciler builds the reconciler. metrics may be nil (tests).
func NewReconciler(store Store, provider faceapi.Provider, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:    store,
		provider: provider,
		metrics:  m,
		logger:   log.New(log.Writer(), "[CLEANUP] ", log.LstdFlags),
	}
}

// HandleMessage is the queue handler for CleanupJobs.
func (r *Reconciler) HandleMessage(ctx context.Context, m queue.Message) error {
	var job queue.CleanupJob
	if err := m.Decode(&job); err != nil {
		return pipeerr.Terminal("invalid_message", err)
	}
	return r.Reconcile(ctx, job.EventID)
}

// Reconcile executes the derived actions for one event, in order:
// soft-delete photos, delete the provider collection, clear the event's
// collection reference.
func (r *Reconciler) Reconcile(ctx context.Context, eventID uuid.UUID) error {
	ev, err := r.store.EventByID(ctx, eventID)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.Printf("event %s gone, nothing to reconcile", eventID)
		return nil
	}
	if err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}

	hasPhotos, err := r.store.HasUndeletedPhotos(ctx, eventID)
	if err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}

	if hasPhotos {
		n, err := r.store.SoftDeletePhotos(ctx, eventID)
		if err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		r.record("soft_delete")
		r.logger.Printf("event %s: soft-deleted %d photos", eventID, n)
	}

	if ev.CollectionID != nil {
		alreadyGone, err := r.provider.DeleteCollection(ctx, *ev.CollectionID)
		if err != nil {
			return err
		}
		if alreadyGone {
			r.logger.Printf("event %s: collection %s already deleted", eventID, *ev.CollectionID)
		}
		r.record("delete_collection")

		if err := r.store.ClearEventCollection(ctx, eventID); err != nil {
			return pipeerr.Retryable("DatabaseError", err)
		}
		r.record("update_event")
	}

	return nil
}

func (r *Reconciler) record(action string) {
	if r.metrics != nil {
		r.metrics.CleanupActions.WithLabelValues(action).Inc()
	}
}

// ============================================================================
// SCHEDULED SCAN
// ============================================================================

// Config tunes the scan.
type Config struct {
	Retention time.Duration
	BatchSize int
	// CleanupTopic is where CleanupJobs are published.
	CleanupTopic string
	// Inline runs the reconciler in-process instead of publishing, for
	// single-process deployments without a queue worker.
	Inline bool
}

// Scanner is the scheduled entry point. Each run expires stale pending
// intents and hands every reaped event to the reconciler, either through the
// queue or inline.
type Scanner struct {
	cfg        Config
	store      Store
	pub        queue.Publisher
	reconciler *Reconciler
	logger     *log.Logger
}

// NewScanner builds the scanner. pub may be nil when cfg.Inline is set.
func NewScanner(cfg Config, store Store, pub queue.Publisher, reconciler *Reconciler) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.CleanupTopic == "" {
		cfg.CleanupTopic = queue.DefaultCleanupTopic
	}
	return &Scanner{
		cfg:        cfg,
		store:      store,
		pub:        pub,
		reconciler: reconciler,
		logger:     log.New(log.Writer(), "[CLEANUP-SCAN] ", log.LstdFlags),
	}
}

// Run executes one scan pass.
func (s *Scanner) Run(ctx context.Context) error {
	reaped, err := s.store.ExpirePendingIntents(ctx, s.cfg.BatchSize)
	if err != nil {
		// Intent reaping is housekeeping; a failure must not block event
		// cleanup.
		s.logger.Printf("expire pending intents: %v", err)
	} else if reaped > 0 {
		s.logger.Printf("expired %d stale upload intents", reaped)
	}

	events, err := s.store.ExpiredEvents(ctx, s.cfg.Retention, s.cfg.BatchSize)
	if err != nil {
		return pipeerr.Retryable("DatabaseError", err)
	}
	s.logger.Printf("found %d expired events", len(events))

	for _, ev := range events {
		if s.cfg.Inline {
			if err := s.reconciler.Reconcile(ctx, ev.ID); err != nil {
				s.logger.Printf("reconcile %s: %v", ev.ID, err)
			}
			continue
		}

		job := queue.CleanupJob{EventID: ev.ID}
		if ev.CollectionID != nil {
			job.CollectionID = *ev.CollectionID
		}
		data, err := queue.Encode(job)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(ctx, s.cfg.CleanupTopic, data, nil); err != nil {
			return pipeerr.Retryable("PublishError", err)
		}
	}
	return nil
}
