// Package uploads is the durable retry queue for failed attachment sends.
// Entries carry the raw file bytes and survive process restarts; retries are
// driven by the resender on reconnection, not by the queue itself.
package uploads

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/store"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the retry ceiling before ShouldRetry reports false.
const DefaultMaxRetries = 3

// DefaultMaxAgeDays is the age-based eviction threshold.
const DefaultMaxAgeDays = 7

// File is the attachment payload of a failed upload.
type File struct {
	Name  string
	Type  string
	Size  int64
	Bytes []byte
}

// FailedUpload is one persisted queue entry.
type FailedUpload struct {
	ID             string
	ConversationID string
	SenderID       string
	MessageID      string
	FileName       string
	FileType       string
	FileSize       int64
	FileBytes      []byte
	CreatedAt      int64 // unix millis
	RetryCount     int
	LastError      string
}

// Queue persists failed uploads in the local database.
type Queue struct {
	db         *store.DB
	bus        *bus.Bus
	logger     *zap.Logger
	maxRetries int
}

// NewQueue creates a queue. maxRetries <= 0 uses DefaultMaxRetries.
func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{db: db, bus: b, logger: logger, maxRetries: maxRetries}
}

// Enqueue persists a failed attachment send with retryCount=0 and returns
// the queue entry id. messageID may be empty when no message row was
// created before the failure.
func (q *Queue) Enqueue(conversationID, senderID, messageID string, file File, sendErr error) (string, error) {
	id := uuid.NewString()
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	_, err := q.db.Exec(`
		INSERT INTO failed_uploads (id, conversation_id, sender_id, message_id, file_name, file_type, file_size, file_bytes, created_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, conversationID, senderID, messageID,
		file.Name, file.Type, file.Size, file.Bytes,
		time.Now().UnixMilli(), errMsg)
	if err != nil {
		return "", fmt.Errorf("enqueue failed upload: %w", err)
	}
	q.logger.Info("failed upload queued",
		zap.String("upload_id", id),
		zap.String("conversation_id", conversationID),
		zap.String("file", file.Name))
	if q.bus != nil {
		q.bus.Publish(bus.Now(bus.KindUploadQueued, id))
	}
	return id, nil
}

// Get returns a single entry, or nil when absent.
func (q *Queue) Get(id string) (*FailedUpload, error) {
	entries, err := q.list(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ListAll returns every entry, oldest first.
func (q *Queue) ListAll() ([]FailedUpload, error) {
	return q.list(``)
}

// ListForConversation returns the conversation's entries, oldest first.
func (q *Queue) ListForConversation(conversationID string) ([]FailedUpload, error) {
	return q.list(`WHERE conversation_id = ?`, conversationID)
}

// ListRetryable returns entries still under the retry ceiling, oldest first.
func (q *Queue) ListRetryable() ([]FailedUpload, error) {
	return q.list(`WHERE retry_count < ?`, q.maxRetries)
}

// ShouldRetry reports whether the entry is under the retry ceiling.
func (q *Queue) ShouldRetry(entry *FailedUpload) bool {
	return entry != nil && entry.RetryCount < q.maxRetries
}

// RecordRetryFailure increments retryCount and stores the new error.
func (q *Queue) RecordRetryFailure(id string, retryErr error) error {
	errMsg := ""
	if retryErr != nil {
		errMsg = retryErr.Error()
	}
	_, err := q.db.Exec(`
		UPDATE failed_uploads SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, errMsg, id)
	if err != nil {
		return fmt.Errorf("record retry failure: %w", err)
	}
	return nil
}

// Remove deletes one entry.
func (q *Queue) Remove(id string) error {
	_, err := q.db.Exec(`DELETE FROM failed_uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove failed upload: %w", err)
	}
	return nil
}

// Clear deletes every entry.
func (q *Queue) Clear() error {
	_, err := q.db.Exec(`DELETE FROM failed_uploads`)
	if err != nil {
		return fmt.Errorf("clear failed uploads: %w", err)
	}
	return nil
}

// EvictOlderThan deletes entries older than the given number of days and
// returns how many were removed. days <= 0 uses DefaultMaxAgeDays.
func (q *Queue) EvictOlderThan(days int) (int, error) {
	if days <= 0 {
		days = DefaultMaxAgeDays
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := q.db.Exec(`DELETE FROM failed_uploads WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict failed uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("stale failed uploads evicted", zap.Int64("count", n))
		if q.bus != nil {
			q.bus.Publish(bus.Now(bus.KindUploadEvicted, int(n)))
		}
	}
	return int(n), nil
}

func (q *Queue) list(where string, args ...any) ([]FailedUpload, error) {
	rows, err := q.db.Query(`
		SELECT id, conversation_id, sender_id, message_id, file_name, file_type, file_size, file_bytes, created_at, retry_count, last_error
		FROM failed_uploads `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []FailedUpload
	for rows.Next() {
		var e FailedUpload
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SenderID, &e.MessageID,
			&e.FileName, &e.FileType, &e.FileSize, &e.FileBytes,
			&e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
