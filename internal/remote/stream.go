package remote

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// AuthStream consumes the backend's auth change-event stream over a
// websocket and republishes the events on the bus, where the session guard
// picks them up. The connection reconnects with capped exponential backoff
// and is torn down by Stop.
type AuthStream struct {
	url     string
	anonKey string
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewAuthStream creates a stream client. baseURL is the backend base URL;
// the websocket endpoint is derived from it.
func NewAuthStream(baseURL, anonKey string, b *bus.Bus, logger *zap.Logger) *AuthStream {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/auth/v1/stream"
	return &AuthStream{url: wsURL, anonKey: anonKey, bus: b, logger: logger}
}

// Start launches the read loop in the background.
func (s *AuthStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.loop(ctx)
}

// Stop closes the stream. Safe to call multiple times.
func (s *AuthStream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *AuthStream) loop(ctx context.Context) {
	const (
		baseDelay = time.Second
		maxDelay  = 30 * time.Second
	)
	delay := baseDelay

	for ctx.Err() == nil {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("auth stream disconnected",
				zap.Error(err), zap.Duration("reconnect_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = baseDelay
	}
}

// consume dials the stream and forwards events until the connection drops.
func (s *AuthStream) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url+"?apikey="+s.anonKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.logger.Info("auth stream connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt AuthEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Warn("malformed auth stream event", zap.Error(err))
			continue
		}
		switch evt.Kind {
		case AuthSignedIn, AuthSignedOut, AuthTokenRefreshed:
			s.bus.Publish(bus.Now(bus.KindSessionAuthEvent, evt))
		default:
			// Ignore kinds this client does not know about.
		}
	}
}
