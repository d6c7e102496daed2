// Package connectivity tracks whether the remote service is reachable. It
// combines platform online/offline signals with an active probe, and gates
// the periodic probe on the app being foregrounded.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

// ErrOfflineTimeout is returned by WaitOnline when connectivity does not
// return within the wait timeout.
var ErrOfflineTimeout = errors.New("connectivity: still offline after wait timeout")

// DefaultWaitTimeout bounds WaitOnline when the caller does not override it.
const DefaultWaitTimeout = 30 * time.Second

// Pinger performs the minimal read used as the active probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Change describes a connectivity transition.
type Change struct {
	Online bool
}

// Monitor maintains the online flag and notifies subscribers on transitions.
type Monitor struct {
	pinger      Pinger
	bus         *bus.Bus
	logger      *zap.Logger
	probeEvery  time.Duration
	waitTimeout time.Duration

	mu         sync.Mutex
	online     bool
	foreground bool
	listeners  map[int]func(bool)
	nextID     int
	onlineCh   chan struct{} // closed while online

	cancel context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeInterval overrides the periodic probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.probeEvery = d }
}

// WithWaitTimeout overrides the WaitOnline timeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.waitTimeout = d }
}

// NewMonitor creates a monitor seeded as online and foregrounded; the first
// probe corrects the seed if the service is unreachable.
func NewMonitor(pinger Pinger, b *bus.Bus, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		pinger:      pinger,
		bus:         b,
		logger:      logger,
		probeEvery:  30 * time.Second,
		waitTimeout: DefaultWaitTimeout,
		online:      true,
		foreground:  true,
		listeners:   make(map[int]func(bool)),
		onlineCh:    closedChan(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic probe loop. Idempotent with Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.loop(ctx)
}

// Stop cancels the probe loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsOnline returns the cached connectivity flag.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline feeds a platform online/offline signal into the monitor. The
// flag flips immediately; the next probe confirms or corrects it.
func (m *Monitor) SetOnline(online bool) {
	m.setOnline(online)
}

// SetForeground records whether the app is visible. Becoming visible
// triggers an immediate probe; while backgrounded the periodic probe is
// suppressed.
func (m *Monitor) SetForeground(fg bool) {
	m.mu.Lock()
	was := m.foreground
	m.foreground = fg
	m.mu.Unlock()
	if fg && !was {
		go func() { _ = m.CheckNow(context.Background()) }()
	}
}

// OnChange registers a callback invoked on every transition. The returned
// function unsubscribes; calling it twice is harmless.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// CheckNow runs the active probe and reconciles the cached flag with the
// result. Only connectivity-class failures count as offline; an auth or
// permission error still proves the service is reachable.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := m.pinger.Ping(ctx)
	online := err == nil || remote.IsAuth(err)
	if err != nil && !online {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.setOnline(online)
	return online
}

// WaitOnline blocks until the monitor reports online, the context is done,
// or the wait timeout elapses (ErrOfflineTimeout).
func (m *Monitor) WaitOnline(ctx context.Context) error {
	m.mu.Lock()
	ch := m.onlineCh
	online := m.online
	m.mu.Unlock()
	if online {
		return nil
	}

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrOfflineTimeout
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			fg := m.foreground
			m.mu.Unlock()
			if fg {
				m.CheckNow(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online {
		close(m.onlineCh)
	} else {
		m.onlineCh = make(chan struct{})
	}
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range listeners {
		m.notify(fn, online)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Now(bus.KindConnectivityChanged, Change{Online: online}))
	}
}

// notify shields listeners from each other: a panicking callback is logged
// and the remaining listeners still run.
func (m *Monitor) notify(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked", zap.Any("panic", r))
		}
	}()
	fn(online)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
