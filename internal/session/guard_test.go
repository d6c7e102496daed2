package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/connectivity"
	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

// fakeAuth counts refresh calls and returns sessions with a configurable
// expiry.
type fakeAuth struct {
	mu        sync.Mutex
	refreshes int32
	expiresIn time.Duration
	delay     time.Duration
	err       error
	current   *remote.Session
}

func (a *fakeAuth) Session(context.Context) (*remote.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, nil
}

func (a *fakeAuth) Refresh(context.Context) (*remote.Session, error) {
	atomic.AddInt32(&a.refreshes, 1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return nil, a.err
	}
	s := &remote.Session{
		AccessToken: "tok",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(a.expiresIn),
	}
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()
	return s, nil
}

type onlinePinger struct{}

func (onlinePinger) Ping(context.Context) error { return nil }

func testGuard(t *testing.T, auth *fakeAuth) (*Guard, *connectivity.Monitor) {
	t.Helper()
	b := bus.New()
	logger := zap.NewNop()
	m := connectivity.NewMonitor(onlinePinger{}, b, logger,
		connectivity.WithWaitTimeout(100*time.Millisecond))
	g := NewGuard(auth, m, b, logger)
	t.Cleanup(g.Stop)
	return g, m
}

func TestRefreshSingleFlight(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour, delay: 100 * time.Millisecond}
	g, _ := testGuard(t, auth)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Refresh(context.Background())
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&auth.refreshes); n != 1 {
		t.Errorf("underlying refresh calls = %d, want 1 (single-flight)", n)
	}
}

func TestEnsureValidSessionRefreshesNearExpiry(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour}
	// Current session expires in 2 minutes, inside the 5 minute window.
	auth.current = &remote.Session{
		AccessToken: "old",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(2 * time.Minute),
	}
	g, _ := testGuard(t, auth)
	g.Start(context.Background())

	if !g.EnsureValidSession(context.Background()) {
		t.Fatal("EnsureValidSession() = false, want true")
	}
	if n := atomic.LoadInt32(&auth.refreshes); n != 1 {
		t.Errorf("refresh calls = %d, want 1 (near-expiry refresh)", n)
	}
}

func TestEnsureValidSessionSkipsRefreshWhenFresh(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour}
	auth.current = &remote.Session{
		AccessToken: "fresh",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	g, _ := testGuard(t, auth)
	g.Start(context.Background())

	if !g.EnsureValidSession(context.Background()) {
		t.Fatal("EnsureValidSession() = false, want true")
	}
	if n := atomic.LoadInt32(&auth.refreshes); n != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh session", n)
	}
}

func TestEnsureValidSessionFailsOffline(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour}
	g, m := testGuard(t, auth)
	m.SetOnline(false)

	if g.EnsureValidSession(context.Background()) {
		t.Error("EnsureValidSession() = true while offline, want false")
	}
	if n := atomic.LoadInt32(&auth.refreshes); n != 0 {
		t.Errorf("refresh calls = %d, want 0 while offline", n)
	}
}

func TestConnectivityRestorationForcesRefresh(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour}
	g, m := testGuard(t, auth)
	g.Start(context.Background())
	m.SetOnline(false)

	m.SetOnline(true)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&auth.refreshes) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&auth.refreshes); n != 1 {
		t.Errorf("refresh calls = %d, want 1 after reconnect", n)
	}
}

func TestRefreshFailureRecoversToIdle(t *testing.T) {
	auth := &fakeAuth{err: remote.NewError(remote.CodeUnavailable, "down")}
	g, _ := testGuard(t, auth)

	g.Refresh(context.Background())

	if got := g.State(); got != Idle {
		t.Errorf("state after failed refresh = %s, want %s", got, Idle)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(Refreshing); err != nil {
		t.Fatalf("Idle->Refreshing: %v", err)
	}
	if err := m.Transition(Scheduled); err != nil {
		t.Fatalf("Refreshing->Scheduled: %v", err)
	}
	if err := m.Transition(Scheduled); err != nil {
		t.Fatalf("Scheduled->Scheduled (re-arm): %v", err)
	}
	if err := m.Transition(Refreshing); err != nil {
		t.Fatalf("Scheduled->Refreshing: %v", err)
	}
	if err := m.Transition(Idle); err != nil {
		t.Fatalf("Refreshing->Idle: %v", err)
	}
	if err := m.Transition(Idle); err == nil {
		t.Error("Idle->Idle should be invalid")
	}
}

func TestSignedOutClearsSession(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour}
	auth.current = &remote.Session{
		AccessToken: "tok", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour),
	}
	b := bus.New()
	logger := zap.NewNop()
	m := connectivity.NewMonitor(onlinePinger{}, b, logger)
	g := NewGuard(auth, m, b, logger)
	t.Cleanup(g.Stop)
	g.Start(context.Background())

	if g.UserID() != "user-1" {
		t.Fatalf("UserID = %q, want user-1", g.UserID())
	}

	b.Publish(bus.Now(bus.KindSessionAuthEvent, remote.AuthEvent{Kind: remote.AuthSignedOut}))

	deadline := time.Now().Add(time.Second)
	for g.UserID() != "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if g.UserID() != "" {
		t.Error("session not cleared after SIGNED_OUT event")
	}
}

func TestGuardStartStopConcurrent(t *testing.T) {
	auth := &fakeAuth{expiresIn: time.Hour}
	g, _ := testGuard(t, auth)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			g.Stop()
		}()
	}
	wg.Wait()
	g.Stop()
	g.Stop()
}
