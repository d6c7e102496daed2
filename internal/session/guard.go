package session

import (
	"context"
	"sync"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/connectivity"
	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

const (
	// refreshAhead is how long before expiry the proactive refresh fires,
	// and also the minimum delay from now for the armed timer.
	refreshAhead = time.Minute
	// nearExpiry is the window within which EnsureValidSession refreshes
	// synchronously instead of trusting the scheduled timer.
	nearExpiry = 5 * time.Minute
)

// Guard owns the session snapshot and its refresh lifecycle.
type Guard struct {
	auth    remote.Auth
	monitor *connectivity.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
	machine *Machine

	mu         sync.Mutex
	session    *remote.Session
	refreshing bool
	timer      *time.Timer

	cancel       context.CancelFunc
	unsubMonitor func()
}

// NewGuard creates a session guard.
func NewGuard(auth remote.Auth, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *Guard {
	return &Guard{
		auth:    auth,
		monitor: monitor,
		bus:     b,
		logger:  logger,
		machine: NewMachine(),
	}
}

// State returns the guard's current refresh-cycle state.
func (g *Guard) State() State {
	return g.machine.Current()
}

// UserID returns the signed-in user id, or "" when signed out.
func (g *Guard) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return ""
	}
	return g.session.UserID
}

// Start fetches the current session, arms the refresh timer, and begins
// reacting to connectivity restoration and auth change-stream events.
func (g *Guard) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if s, err := g.auth.Session(ctx); err != nil {
		g.logger.Warn("initial session fetch failed", zap.Error(err))
	} else if s != nil {
		g.setSession(s)
	}

	if g.monitor != nil {
		unsub := g.monitor.OnChange(func(online bool) {
			if online {
				go g.Refresh(context.Background())
			}
		})
		g.mu.Lock()
		g.unsubMonitor = unsub
		g.mu.Unlock()
	}

	if g.bus != nil {
		ch, unsub := g.bus.Subscribe(bus.KindSessionAuthEvent, 32)
		go func() {
			defer unsub()
			for {
				select {
				case evt := <-ch:
					if ae, ok := evt.Payload.(remote.AuthEvent); ok {
						g.handleAuthEvent(ae)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop disarms the timer and detaches from the monitor and bus. Safe to
// call multiple times.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	unsub := g.unsubMonitor
	g.unsubMonitor = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

// EnsureValidSession waits for connectivity, then guarantees the session is
// not about to expire, refreshing synchronously when it is. Returns whether
// a usable session exists afterwards.
func (g *Guard) EnsureValidSession(ctx context.Context) bool {
	if err := g.monitor.WaitOnline(ctx); err != nil {
		g.logger.Warn("ensure session: still offline", zap.Error(err))
		return false
	}

	g.mu.Lock()
	s := g.session
	g.mu.Unlock()

	if s == nil || time.Until(s.ExpiresAt) < nearExpiry {
		g.Refresh(ctx)
		g.mu.Lock()
		s = g.session
		g.mu.Unlock()
	}
	return s != nil && time.Until(s.ExpiresAt) > 0
}

// Refresh performs a single-flight credential refresh. Concurrent calls
// while one is in flight are no-ops.
func (g *Guard) Refresh(ctx context.Context) {
	g.mu.Lock()
	if g.refreshing {
		g.mu.Unlock()
		return
	}
	g.refreshing = true
	g.mu.Unlock()
	_ = g.machine.Transition(Refreshing)

	s, err := g.auth.Refresh(ctx)

	g.mu.Lock()
	g.refreshing = false
	g.mu.Unlock()

	if err != nil {
		// The next scheduled or connectivity-triggered attempt is the
		// recovery path.
		g.logger.Warn("session refresh failed", zap.Error(err))
		_ = g.machine.Transition(Idle)
		return
	}
	g.setSession(s)
	if g.bus != nil {
		g.bus.Publish(bus.Now(bus.KindSessionRefreshed, s.UserID))
	}
}

// setSession replaces the snapshot wholesale and re-arms the refresh timer.
func (g *Guard) setSession(s *remote.Session) {
	g.mu.Lock()
	g.session = s
	g.mu.Unlock()
	g.scheduleRefresh(s)
}

// scheduleRefresh arms a one-shot timer at expiry-60s, but never sooner
// than 60s from now.
func (g *Guard) scheduleRefresh(s *remote.Session) {
	delay := time.Until(s.ExpiresAt.Add(-refreshAhead))
	if delay < refreshAhead {
		delay = refreshAhead
	}

	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(delay, func() {
		g.Refresh(context.Background())
	})
	g.mu.Unlock()

	_ = g.machine.Transition(Scheduled)
	g.logger.Info("session refresh scheduled",
		zap.Duration("in", delay),
		zap.Time("expires_at", s.ExpiresAt))
}

func (g *Guard) handleAuthEvent(ae remote.AuthEvent) {
	switch ae.Kind {
	case remote.AuthSignedIn, remote.AuthTokenRefreshed:
		if ae.Session != nil {
			g.setSession(ae.Session)
		}
	case remote.AuthSignedOut:
		g.mu.Lock()
		g.session = nil
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
		g.mu.Unlock()
		_ = g.machine.Transition(Idle)
		g.logger.Info("signed out, refresh disarmed")
	}
}
