package uploads

import (
	"context"
	"sync"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/connectivity"
	"github.com/lingopal/lingopal/internal/retry"
	"go.uber.org/zap"
)

// Sender performs the actual re-upload of a queued attachment.
type Sender interface {
	Upload(ctx context.Context, entry FailedUpload) error
}

// Resender drains the retry queue whenever connectivity returns. Each entry
// goes through the retry executor; success removes it, failure bumps its
// retry count. Entries past the retry ceiling are left for the user or the
// age-based eviction.
type Resender struct {
	queue  *Queue
	exec   *retry.Executor
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewResender creates a resender.
func NewResender(queue *Queue, exec *retry.Executor, sender Sender, b *bus.Bus, logger *zap.Logger) *Resender {
	return &Resender{
		queue:  queue,
		exec:   exec,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to connectivity transitions. Stop cancels the
// subscription; both are safe to call repeatedly.
func (r *Resender) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	ch, unsub := r.bus.Subscribe(bus.KindConnectivityChanged, 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(connectivity.Change); ok && change.Online {
					r.Drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the resender.
func (r *Resender) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain retries every retryable entry once. Individual failures are
// recorded on the entry and do not stop the drain.
func (r *Resender) Drain(ctx context.Context) {
	entries, err := r.queue.ListRetryable()
	if err != nil {
		r.logger.Error("failed to read retry queue", zap.Error(err))
		return
	}

	for _, entry := range entries {
		entry := entry
		err := r.exec.Do(ctx, "upload.retry", retry.Policy{MaxAttempts: 1}, func(ctx context.Context) error {
			return r.sender.Upload(ctx, entry)
		})
		if err != nil {
			r.logger.Warn("upload retry failed",
				zap.String("upload_id", entry.ID),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			if recErr := r.queue.RecordRetryFailure(entry.ID, err); recErr != nil {
				r.logger.Error("failed to record retry failure", zap.Error(recErr))
			}
			continue
		}
		if err := r.queue.Remove(entry.ID); err != nil {
			r.logger.Error("failed to remove retried upload", zap.Error(err))
			continue
		}
		r.logger.Info("queued upload delivered", zap.String("upload_id", entry.ID))
		r.bus.Publish(bus.Now(bus.KindUploadRetried, entry.ID))
	}
}
