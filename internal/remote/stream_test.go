package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/lingopal/lingopal/internal/bus"
	"go.uber.org/zap"
)

func TestAuthStreamStartStopConcurrent(t *testing.T) {
	// Unreachable endpoint; the read loop just retries until canceled.
	s := NewAuthStream("http://127.0.0.1:1", "anon", bus.New(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	s.Stop()
	s.Stop()
}

func TestAuthStreamDerivesWebsocketURL(t *testing.T) {
	s := NewAuthStream("https://api.example.com", "anon", bus.New(), zap.NewNop())
	if s.url != "wss://api.example.com/auth/v1/stream" {
		t.Errorf("url = %q, want wss endpoint", s.url)
	}
}
