// Package cache is the local last-known-good store used to serve reads when
// the network is degraded. Entries live in named stores with a fixed TTL;
// expired entries are treated as absent, not as errors.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lingopal/lingopal/internal/store"
	"go.uber.org/zap"
)

// Store names the cache partitions.
type Store string

const (
	StoreProfile       Store = "profile"
	StoreConversations Store = "conversations"
	StoreMessages      Store = "messages"
	StorePosts         Store = "posts"
	StoreNotifications Store = "notifications"
	StoreMetadata      Store = "metadata"
)

// DefaultTTL is the entry time-to-live.
const DefaultTTL = 24 * time.Hour

// Cache persists JSON payloads per (store, id) with expiry.
type Cache struct {
	db     *store.DB
	logger *zap.Logger
	ttl    time.Duration
}

// New creates a cache. ttl <= 0 uses DefaultTTL.
func New(db *store.DB, logger *zap.Logger, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, logger: logger, ttl: ttl}
}

// Set stores payload under (st, id), overwriting any previous entry and
// restarting its TTL.
func (c *Cache) Set(st Store, id string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	now := time.Now()
	_, err = c.db.Exec(`
		INSERT INTO cache_entries (store, id, payload, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(store, id) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		string(st), id, buf, now.UnixMilli(), now.Add(c.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Get loads (st, id) into out. Returns false when the entry is absent or
// expired.
func (c *Cache) Get(st Store, id string, out any) (bool, error) {
	var payload []byte
	err := c.db.QueryRow(`
		SELECT payload FROM cache_entries
		WHERE store = ? AND id = ? AND expires_at > ?`,
		string(st), id, time.Now().UnixMilli()).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("decode cache payload: %w", err)
	}
	return true, nil
}

// GetAll returns the raw payloads of every non-expired entry in the store,
// most recently cached first. Expired entries are omitted.
func (c *Cache) GetAll(st Store) ([]json.RawMessage, error) {
	rows, err := c.db.Query(`
		SELECT payload FROM cache_entries
		WHERE store = ? AND expires_at > ?
		ORDER BY cached_at DESC`,
		string(st), time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

// Clear drops every entry in every store.
func (c *Cache) Clear() error {
	_, err := c.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
