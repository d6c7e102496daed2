package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

// fakePinger returns a configurable error from Ping.
type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (p *fakePinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakePinger) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func newTestMonitor(t *testing.T, p Pinger) (*Monitor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger := zap.NewNop()
	return NewMonitor(p, b, logger, WithWaitTimeout(200*time.Millisecond)), b
}

func TestSetOnlineNotifiesListeners(t *testing.T) {
	m, _ := newTestMonitor(t, &fakePinger{})

	var got []bool
	unsub := m.OnChange(func(online bool) { got = append(got, online) })
	defer unsub()

	m.SetOnline(false)
	m.SetOnline(false) // no transition, no notification
	m.SetOnline(true)

	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Errorf("notifications = %v, want [false true]", got)
	}
}

func TestSetOnlinePublishesBusEvent(t *testing.T) {
	m, b := newTestMonitor(t, &fakePinger{})
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	m.SetOnline(false)

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok || change.Online {
			t.Errorf("payload = %v, want Change{Online: false}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connectivity.changed event")
	}
}

func TestCheckNowProbeFailureMeansOffline(t *testing.T) {
	p := &fakePinger{err: remote.NewError(remote.CodeUnavailable, "dial refused")}
	m, _ := newTestMonitor(t, p)

	if m.CheckNow(context.Background()) {
		t.Error("CheckNow() = true with unreachable service, want false")
	}
	if m.IsOnline() {
		t.Error("IsOnline() = true after failed probe")
	}
}

func TestCheckNowAuthErrorStillOnline(t *testing.T) {
	p := &fakePinger{err: remote.NewError(remote.CodePermissionDenied, "rls")}
	m, _ := newTestMonitor(t, p)
	m.SetOnline(false)

	// A permission error proves the service answered, so the probe reports
	// online.
	if !m.CheckNow(context.Background()) {
		t.Error("CheckNow() = false for permission error, want true")
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after auth-class probe error")
	}
}

func TestWaitOnlineReturnsImmediatelyWhenOnline(t *testing.T) {
	m, _ := newTestMonitor(t, &fakePinger{})
	if err := m.WaitOnline(context.Background()); err != nil {
		t.Errorf("WaitOnline() error = %v, want nil", err)
	}
}

func TestWaitOnlineUnblocksOnTransition(t *testing.T) {
	m, _ := newTestMonitor(t, &fakePinger{})
	m.SetOnline(false)

	done := make(chan error, 1)
	go func() { done <- m.WaitOnline(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	m.SetOnline(true)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitOnline() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitOnline did not unblock on transition")
	}
}

func TestWaitOnlineTimesOut(t *testing.T) {
	m, _ := newTestMonitor(t, &fakePinger{})
	m.SetOnline(false)

	err := m.WaitOnline(context.Background())
	if err != ErrOfflineTimeout {
		t.Errorf("WaitOnline() error = %v, want ErrOfflineTimeout", err)
	}
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	m, _ := newTestMonitor(t, &fakePinger{})

	unsub1 := m.OnChange(func(bool) { panic("boom") })
	defer unsub1()
	called := false
	unsub2 := m.OnChange(func(bool) { called = true })
	defer unsub2()

	m.SetOnline(false)

	if !called {
		t.Error("second listener not called after first panicked")
	}
}

func TestPeriodicProbeCorrectsFlag(t *testing.T) {
	p := &fakePinger{err: remote.NewError(remote.CodeUnavailable, "down")}
	b := bus.New()
	m := NewMonitor(p, b, zap.NewNop(), WithProbeInterval(30*time.Millisecond))

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for m.IsOnline() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.IsOnline() {
		t.Fatal("periodic probe never flipped the flag offline")
	}

	p.setErr(nil)
	deadline = time.Now().Add(time.Second)
	for !m.IsOnline() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !m.IsOnline() {
		t.Fatal("periodic probe never flipped the flag back online")
	}
}

func TestStartStopConcurrent(t *testing.T) {
	m, _ := newTestMonitor(t, &fakePinger{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			m.Stop()
		}()
	}
	wg.Wait()
	m.Stop()
	m.Stop() // repeated Stop stays a no-op
}
