package cache

import (
	"context"
	"time"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

// Preload volumes.
const (
	preloadConversations = 20
	preloadMessages      = 30
	preloadPosts         = 50
	preloadNotifications = 50
)

// preloadStaleAfter is how old the last successful preload may be before
// IsPreloadStale reports true.
const preloadStaleAfter = 24 * time.Hour

const lastPreloadKey = "last_preload"

// Preloader opportunistically fills the cache from the remote tables so
// the app can open read-only while degraded.
type Preloader struct {
	cache  *Cache
	tables remote.Table
	bus    *bus.Bus
	logger *zap.Logger
}

// NewPreloader creates a preloader.
func NewPreloader(cache *Cache, tables remote.Table, b *bus.Bus, logger *zap.Logger) *Preloader {
	return &Preloader{cache: cache, tables: tables, bus: b, logger: logger}
}

// Preload fetches the user's profile, most-recent conversations and their
// messages, posts and notifications into the cache. Each step is isolated:
// one failing fetch is logged and the rest still run. A metadata checkpoint
// records the completion time.
func (p *Preloader) Preload(ctx context.Context, userID string) {
	p.step("profile", func() error { return p.preloadProfile(ctx, userID) })
	p.step("conversations", func() error { return p.preloadConversations(ctx, userID) })
	p.step("posts", func() error { return p.preloadPosts(ctx) })
	p.step("notifications", func() error { return p.preloadNotifications(ctx, userID) })

	if err := p.cache.Set(StoreMetadata, lastPreloadKey, time.Now().UnixMilli()); err != nil {
		p.logger.Warn("failed to record preload checkpoint", zap.Error(err))
		return
	}
	p.logger.Info("offline cache preloaded", zap.String("user_id", userID))
	if p.bus != nil {
		p.bus.Publish(bus.Now(bus.KindCachePreloaded, userID))
	}
}

// IsPreloadStale reports whether the last successful preload is older than
// 24h (or never happened).
func (p *Preloader) IsPreloadStale() bool {
	var lastMilli int64
	ok, err := p.cache.Get(StoreMetadata, lastPreloadKey, &lastMilli)
	if err != nil || !ok {
		return true
	}
	return time.Since(time.UnixMilli(lastMilli)) > preloadStaleAfter
}

func (p *Preloader) step(name string, fn func() error) {
	if err := fn(); err != nil {
		p.logger.Warn("preload step failed", zap.String("step", name), zap.Error(err))
	}
}

func (p *Preloader) preloadProfile(ctx context.Context, userID string) error {
	rows, err := p.tables.Select(ctx, "profiles", remote.Query{
		Filters: []remote.Filter{remote.Eq("id", userID)},
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return p.cache.Set(StoreProfile, userID, rows[0])
}

func (p *Preloader) preloadConversations(ctx context.Context, userID string) error {
	parts, err := p.tables.Select(ctx, "conversation_participants", remote.Query{
		Columns: []string{"conversation_id"},
		Filters: []remote.Filter{remote.Eq("user_id", userID)},
		Limit:   preloadConversations,
	})
	if err != nil {
		return err
	}
	for _, part := range parts {
		convID := part.String("conversation_id")
		conv, err := p.tables.Select(ctx, "conversations", remote.Query{
			Filters: []remote.Filter{remote.Eq("id", convID)},
			Limit:   1,
		})
		if err != nil {
			return err
		}
		if len(conv) == 0 {
			continue
		}
		if err := p.cache.Set(StoreConversations, convID, conv[0]); err != nil {
			return err
		}

		// Most-recent messages per conversation, cached as one entry.
		msgs, err := p.tables.Select(ctx, "messages", remote.Query{
			Filters:    []remote.Filter{remote.Eq("conversation_id", convID)},
			OrderBy:    "created_at",
			Descending: true,
			Limit:      preloadMessages,
		})
		if err != nil {
			return err
		}
		if err := p.cache.Set(StoreMessages, convID, msgs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Preloader) preloadPosts(ctx context.Context) error {
	posts, err := p.tables.Select(ctx, "posts", remote.Query{
		OrderBy:    "created_at",
		Descending: true,
		Limit:      preloadPosts,
	})
	if err != nil {
		return err
	}
	for _, post := range posts {
		if err := p.cache.Set(StorePosts, post.String("id"), post); err != nil {
			return err
		}
	}
	return nil
}

func (p *Preloader) preloadNotifications(ctx context.Context, userID string) error {
	notifs, err := p.tables.Select(ctx, "notifications", remote.Query{
		Filters:    []remote.Filter{remote.Eq("user_id", userID)},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      preloadNotifications,
	})
	if err != nil {
		return err
	}
	for _, n := range notifs {
		if err := p.cache.Set(StoreNotifications, n.String("id"), n); err != nil {
			return err
		}
	}
	return nil
}
