package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the resilience services.
const (
	KindConnectivityChanged = "connectivity.changed"
	KindSessionRefreshed    = "session.refreshed"
	KindSessionAuthEvent    = "session.auth_event"
	KindUploadQueued        = "upload.queued"
	KindUploadRetried       = "upload.retried"
	KindUploadEvicted       = "upload.evicted"
	KindCleanupCycle        = "cleanup.cycle"
	KindCachePreloaded      = "cache.preloaded"
)

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
