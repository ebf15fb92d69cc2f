package queue

import (
	"context"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/gallerio/pipeline/internal/metrics"
	"github.com/gallerio/pipeline/internal/pipeerr"
)

// Handler processes one message. The returned error's classification decides
// the disposition: nil / idempotent-success and terminal errors acknowledge,
// retryable and throttle errors are re-enqueued with backoff.
type Handler func(ctx context.Context, m Message) error

// BatchHandler processes a batch and returns one disposition error per
// message, index-aligned with the input.
type BatchHandler func(ctx context.Context, msgs []Message) []error

// RetryPolicy shapes redelivery.
type RetryPolicy struct {
	Backoff pipeerr.Backoff
	// MaxAttempts bounds total deliveries; a message failing its
	// MaxAttempts-th delivery is dropped (acked and logged).
	MaxAttempts int
}

// Requeuer turns a failed delivery into a delayed re-publish.
type Requeuer struct {
	sched   Scheduler
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewRequeuer creates a Requeuer over the given scheduler. m may be nil.
func NewRequeuer(sched Scheduler, policy RetryPolicy, m *metrics.Metrics) *Requeuer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 8
	}
	return &Requeuer{
		sched:   sched,
		policy:  policy,
		metrics: m,
		logger:  log.New(log.Writer(), "[RETRY] ", log.LstdFlags),
	}
}

// Requeue schedules redelivery of m on topic with the backoff curve matching
// cause. Returns nil when the message was dropped because its attempt budget
// is spent — at that point acknowledging is the right disposition.
func (r *Requeuer) Requeue(ctx context.Context, topic string, m Message, cause error) error {
	attempts := m.Attempts + 1 // this delivery just failed
	if attempts >= r.policy.MaxAttempts {
		r.logger.Printf("dropping message on %s after %d attempts: %v", topic, attempts, cause)
		r.metrics.MessageDropped(topic)
		return nil
	}

	delay := r.policy.Backoff.DelayFor(cause, attempts)
	r.logger.Printf("requeue on %s in %s (attempt %d, %s)",
		topic, delay.Round(time.Millisecond), attempts, pipeerr.KindOf(cause))
	if err := r.sched.Schedule(ctx, topic, m.Data, withAttempts(m.Attributes, attempts), delay); err != nil {
		return err
	}
	r.metrics.MessageRequeued(topic)
	return nil
}

// ============================================================================
// DISPOSITION
// ============================================================================

// acker is the slice of *pubsub.Message the disposer needs.
type acker interface {
	Ack()
	Nack()
}

// disposer applies the classification contract to one finished delivery and
// records the outcome. Shared by both consumers.
type disposer struct {
	topic   string // requeue target
	requeue *Requeuer
	metrics *metrics.Metrics
	logger  *log.Logger
}

func (d *disposer) dispose(ctx context.Context, pm acker, m Message, err error) {
	switch {
	case err == nil, pipeerr.KindOf(err) == pipeerr.KindIdempotentSuccess:
		d.metrics.MessageProcessed(d.topic)
		pm.Ack()
	case pipeerr.KindOf(err) == pipeerr.KindTerminal:
		d.logger.Printf("terminal failure, acking: %v", err)
		d.metrics.MessageFailed(d.topic, pipeerr.KindOf(err).String(), failureName(err))
		pm.Ack()
	default:
		d.metrics.MessageFailed(d.topic, pipeerr.KindOf(err).String(), failureName(err))
		if rqErr := d.requeue.Requeue(ctx, d.topic, m, err); rqErr != nil {
			// Scheduling failed; fall back to transport-level redelivery.
			d.logger.Printf("requeue failed, nacking: %v", rqErr)
			pm.Nack()
			return
		}
		pm.Ack()
	}
}

func failureName(err error) string {
	if name := pipeerr.NameOf(err); name != "" {
		return name
	}
	return "unclassified"
}

// ============================================================================
// PER-MESSAGE CONSUMER
// ============================================================================

// Consumer pulls one subscription and dispatches messages individually.
// Used by the Upload Processor and the Cleanup Engine.
type Consumer struct {
	disposer
	sub     *pubsub.Subscription
	handler Handler
}

// NewConsumer wires a subscription to a handler. topic names where retries
// are re-published (the subscription's own topic). m may be nil.
func NewConsumer(sub *pubsub.Subscription, topic string, requeue *Requeuer, handler Handler, m *metrics.Metrics) *Consumer {
	return &Consumer{
		disposer: disposer{
			topic:   topic,
			requeue: requeue,
			metrics: m,
			logger:  log.New(log.Writer(), "[CONSUME:"+topic+"] ", log.LstdFlags),
		},
		sub:     sub,
		handler: handler,
	}
}

// Run blocks receiving messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.sub.Receive(ctx, func(ctx context.Context, pm *pubsub.Message) {
		m := Message{Data: pm.Data, Attempts: attemptsFrom(pm.Attributes), Attributes: pm.Attributes}
		c.dispose(ctx, pm, m, c.handler(ctx, m))
	})
}

// ============================================================================
// BATCH CONSUMER
// ============================================================================

// BatchConsumer assembles received messages into batches for the Index
// Processor: up to MaxBatch messages, flushed after MaxWait.
type BatchConsumer struct {
	disposer
	sub      *pubsub.Subscription
	handler  BatchHandler
	maxBatch int
	maxWait  time.Duration
}

// NewBatchConsumer wires a subscription to a batch handler. m may be nil.
func NewBatchConsumer(sub *pubsub.Subscription, topic string, requeue *Requeuer, handler BatchHandler, maxBatch int, maxWait time.Duration, m *metrics.Metrics) *BatchConsumer {
	if maxBatch <= 0 {
		maxBatch = 10
	}
	if maxWait <= 0 {
		maxWait = 200 * time.Millisecond
	}
	return &BatchConsumer{
		disposer: disposer{
			topic:   topic,
			requeue: requeue,
			metrics: m,
			logger:  log.New(log.Writer(), "[CONSUME:"+topic+"] ", log.LstdFlags),
		},
		sub:      sub,
		handler:  handler,
		maxBatch: maxBatch,
		maxWait:  maxWait,
	}
}

type received struct {
	pm *pubsub.Message
	m  Message
}

// Run blocks receiving messages until ctx is cancelled.
func (c *BatchConsumer) Run(ctx context.Context) error {
	items := make(chan received)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.collect(ctx, items)
	}()

	err := c.sub.Receive(ctx, func(ctx context.Context, pm *pubsub.Message) {
		m := Message{Data: pm.Data, Attempts: attemptsFrom(pm.Attributes), Attributes: pm.Attributes}
		select {
		case items <- received{pm: pm, m: m}:
		case <-ctx.Done():
			pm.Nack()
		}
	})
	<-done
	return err
}

// collect gathers items into batches and dispatches them sequentially.
// In-batch concurrency is the handler's business (the Index Processor
// staggers provider calls itself).
func (c *BatchConsumer) collect(ctx context.Context, items chan received) {
	for {
		var batch []received

		select {
		case first := <-items:
			batch = append(batch, first)
		case <-ctx.Done():
			return
		}

		flush := time.NewTimer(c.maxWait)
	gather:
		for len(batch) < c.maxBatch {
			select {
			case it := <-items:
				batch = append(batch, it)
			case <-flush.C:
				break gather
			case <-ctx.Done():
				flush.Stop()
				for _, it := range batch {
					it.pm.Nack()
				}
				return
			}
		}
		flush.Stop()

		msgs := make([]Message, len(batch))
		for i, it := range batch {
			msgs[i] = it.m
		}
		errs := c.handler(ctx, msgs)
		for i, it := range batch {
			var err error
			if i < len(errs) {
				err = errs[i]
			}
			c.dispose(ctx, it.pm, it.m, err)
		}
	}
}
