// Package ratelimit issues time slots to batches of outbound face-provider
// calls so the fleet stays under the provider's TPS ceiling.
//
// A reservation linearizes batches: batch B2 starts no earlier than the
// moment batch B1's last call is scheduled. The only state is the end time of
// the last reserved batch, so a restart is equivalent to "no recent calls"
// and needs no recovery.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"
)

// Config shapes the limiter.
type Config struct {
	// TPS is the provider's transactions-per-second ceiling.
	TPS float64
	// SafetyFactor is the fraction of TPS actually used (0 < f <= 1).
	SafetyFactor float64
	// ThrottlePenalty is the additive delay applied per throttle report.
	ThrottlePenalty time.Duration
}

// DefaultConfig returns the production defaults: 50 TPS at 90% utilization
// (~22ms between calls) with a 2s throttle penalty.
func DefaultConfig() Config {
	return Config{TPS: 50, SafetyFactor: 0.9, ThrottlePenalty: 2 * time.Second}
}

// Interval returns the safe spacing between consecutive provider calls:
// ceil(1000 / (TPS * SafetyFactor)) milliseconds.
func (c Config) Interval() time.Duration {
	tps := c.TPS
	if tps <= 0 {
		tps = 50
	}
	f := c.SafetyFactor
	if f <= 0 || f > 1 {
		f = 0.9
	}
	ms := math.Ceil(1000 / (tps * f))
	return time.Duration(ms) * time.Millisecond
}

// Reservation is a granted slot for one batch of provider calls.
type Reservation struct {
	// Delay is how long the caller must wait before the first call.
	Delay time.Duration
	// Interval is the spacing between consecutive calls in the batch.
	Interval time.Duration
}

// Status is a snapshot of the limiter for ops surfaces.
type Status struct {
	// Backlog is how far in the future the last reserved batch ends.
	Backlog  time.Duration
	TPS      float64
	Interval time.Duration
}

// MarshalJSON emits durations in whole milliseconds, matching the units the
// status endpoint advertises.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BacklogMs  int64   `json:"backlog_ms"`
		TPS        float64 `json:"tps"`
		IntervalMs int64   `json:"interval_ms"`
	}{
		BacklogMs:  s.Backlog.Milliseconds(),
		TPS:        s.TPS,
		IntervalMs: s.Interval.Milliseconds(),
	})
}

// Coordinator is the reservation surface shared by the in-memory and Redis
// implementations. The Index Processor only sees this interface.
type Coordinator interface {
	ReserveBatch(ctx context.Context, n int) (Reservation, error)
	ReportThrottle(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// Limiter is the process-local Coordinator. All access to lastBatchEnd is
// serialized by the mutex, which makes reservations linearizable.
type Limiter struct {
	cfg      Config
	interval time.Duration

	mu           sync.Mutex
	lastBatchEnd time.Time

	// now is overridable for tests.
	now func() time.Time
}

// New creates an in-memory limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		interval: cfg.Interval(),
		now:      time.Now,
	}
}

// ReserveBatch grants a slot for n provider calls. The returned delay is
// zero when the limiter has no backlog.
func (l *Limiter) ReserveBatch(_ context.Context, n int) (Reservation, error) {
	if n < 0 {
		n = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var delay time.Duration
	if l.lastBatchEnd.After(now) {
		delay = l.lastBatchEnd.Sub(now)
	}
	slotStart := now.Add(delay)
	l.lastBatchEnd = slotStart.Add(time.Duration(n) * l.interval)

	return Reservation{Delay: delay, Interval: l.interval}, nil
}

// ReportThrottle pushes the next available slot out by the configured
// penalty. The penalty is additive and never moves the horizon backwards.
func (l *Limiter) ReportThrottle(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.lastBatchEnd.Before(now) {
		l.lastBatchEnd = now
	}
	l.lastBatchEnd = l.lastBatchEnd.Add(l.cfg.ThrottlePenalty)
	return nil
}

// Status reports the current backlog.
func (l *Limiter) Status(_ context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var backlog time.Duration
	if now := l.now(); l.lastBatchEnd.After(now) {
		backlog = l.lastBatchEnd.Sub(now)
	}
	return Status{Backlog: backlog, TPS: l.cfg.TPS, Interval: l.interval}, nil
}

// Reset clears the reservation horizon. Test hook.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastBatchEnd = time.Time{}
}

var _ Coordinator = (*Limiter)(nil)
