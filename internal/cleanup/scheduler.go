// Package cleanup runs the periodic reconciliation cycle: sweep empty
// conversations, merge duplicates, evict stale queued uploads.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"go.uber.org/zap"
)

// DefaultInterval is the cycle period.
const DefaultInterval = 2 * time.Minute

// ConversationCleaner is the registry surface the scheduler drives.
type ConversationCleaner interface {
	CleanupEmpty(ctx context.Context, userID string, minAge time.Duration) (int, error)
	RemoveDuplicates(ctx context.Context, userID string) (int, error)
}

// UploadEvicter is the queue surface the scheduler drives.
type UploadEvicter interface {
	EvictOlderThan(days int) (int, error)
}

// CycleResult summarizes one cleanup cycle; published on the bus.
type CycleResult struct {
	EmptyRemoved      int
	DuplicatesRemoved int
	UploadsEvicted    int
}

// Scheduler runs cleanup cycles on a recurring timer. Start is idempotent
// and cycles never overlap: a trigger while one is running is skipped.
type Scheduler struct {
	registry ConversationCleaner
	uploads  UploadEvicter
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	cycleMu sync.Mutex

	uploadMaxAgeDays int // 0 = evicter default
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithUploadMaxAge overrides the age threshold passed to the evicter.
func WithUploadMaxAge(days int) Option {
	return func(s *Scheduler) { s.uploadMaxAgeDays = days }
}

// NewScheduler creates a scheduler. interval <= 0 uses DefaultInterval.
func NewScheduler(registry ConversationCleaner, uploads UploadEvicter, b *bus.Bus, logger *zap.Logger, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		registry: registry,
		uploads:  uploads,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsRunning reports whether the recurring timer is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start runs one cycle immediately, then re-runs every interval. A second
// Start while running is a no-op.
func (s *Scheduler) Start(userID string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		s.RunOnce(ctx, userID)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx, userID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the recurring timer. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.cancel = nil
}

// RunOnce runs a single cleanup cycle. Concurrent invocations are skipped
// rather than queued; step failures are logged and the remaining steps
// still run.
func (s *Scheduler) RunOnce(ctx context.Context, userID string) {
	if !s.cycleMu.TryLock() {
		s.logger.Debug("cleanup cycle already in progress, skipping")
		return
	}
	defer s.cycleMu.Unlock()

	var result CycleResult
	var err error

	if result.EmptyRemoved, err = s.registry.CleanupEmpty(ctx, userID, 0); err != nil {
		s.logger.Warn("cleanup empty conversations failed", zap.Error(err))
	}
	if result.DuplicatesRemoved, err = s.registry.RemoveDuplicates(ctx, userID); err != nil {
		s.logger.Warn("remove duplicate conversations failed", zap.Error(err))
	}
	if s.uploads != nil {
		if result.UploadsEvicted, err = s.uploads.EvictOlderThan(s.uploadMaxAgeDays); err != nil {
			s.logger.Warn("evict stale uploads failed", zap.Error(err))
		}
	}

	if result.EmptyRemoved+result.DuplicatesRemoved+result.UploadsEvicted > 0 {
		s.logger.Info("cleanup cycle finished",
			zap.Int("empty_removed", result.EmptyRemoved),
			zap.Int("duplicates_removed", result.DuplicatesRemoved),
			zap.Int("uploads_evicted", result.UploadsEvicted))
	}
	if s.bus != nil {
		s.bus.Publish(bus.Now(bus.KindCleanupCycle, result))
	}
}
