// Package retry wraps remote operations with the connectivity gate, the
// session guard, and exponential backoff for transient failures.
package retry

import (
	"context"
	"time"

	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

// Policy bounds one Run invocation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is three attempts with a 1s base delay.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Second}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	return p
}

// Gate is the connectivity precondition for each attempt.
type Gate interface {
	WaitOnline(ctx context.Context) error
}

// Sessions is the credential precondition for each attempt.
type Sessions interface {
	EnsureValidSession(ctx context.Context) bool
}

// Executor holds the preconditions shared by all wrapped calls. It carries
// no per-call state; attempt bookkeeping lives on the stack of Run.
type Executor struct {
	gate     Gate
	sessions Sessions
	logger   *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(gate Gate, sessions Sessions, logger *zap.Logger) *Executor {
	return &Executor{gate: gate, sessions: sessions, logger: logger}
}

// Run executes op under the given policy. Each attempt first waits for
// connectivity and a valid session. Non-retryable failures (auth,
// permission, oversized payload, conflicts) propagate immediately; transient
// ones back off as base*2^(attempt-1). Unclassified failures get at most one
// defensive retry regardless of the policy budget. The last observed error
// is returned once attempts are exhausted.
func Run[T any](ctx context.Context, e *Executor, label string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p = p.normalize()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := e.gate.WaitOnline(ctx); err != nil {
			return zero, err
		}
		if !e.sessions.EnsureValidSession(ctx) {
			e.logger.Warn("no valid session before attempt",
				zap.String("op", label), zap.Int("attempt", attempt))
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !remote.IsRetryable(err) {
			e.logger.Warn("non-retryable failure",
				zap.String("op", label), zap.Error(err))
			return zero, err
		}
		if remote.CodeOf(err) == remote.CodeUnknown && attempt >= 2 {
			e.logger.Warn("unclassified failure, giving up after one retry",
				zap.String("op", label), zap.Error(err))
			return zero, lastErr
		}
		e.logger.Warn("attempt failed",
			zap.String("op", label),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < p.MaxAttempts {
			delay := p.BaseDelay * (1 << (attempt - 1))
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}

// Do is Run for operations without a result.
func (e *Executor) Do(ctx context.Context, label string, p Policy, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, label, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
