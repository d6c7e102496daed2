// Package messaging is the programmatic send surface the UI layer calls.
// Sends are wrapped in the retry executor; attachment sends that still fail
// are persisted into the upload retry queue for later redelivery.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lingopal/lingopal/internal/conversation"
	"github.com/lingopal/lingopal/internal/remote"
	"github.com/lingopal/lingopal/internal/retry"
	"github.com/lingopal/lingopal/internal/uploads"
	"go.uber.org/zap"
)

// Service sends messages and attachments through the resilience layer.
type Service struct {
	registry *conversation.Registry
	tables   remote.Table
	exec     *retry.Executor
	queue    *uploads.Queue
	logger   *zap.Logger
}

// NewService creates a messaging service.
func NewService(registry *conversation.Registry, tables remote.Table, exec *retry.Executor, queue *uploads.Queue, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		tables:   tables,
		exec:     exec,
		queue:    queue,
		logger:   logger,
	}
}

// SendText delivers a text message to the conversation shared with
// recipientID, creating the conversation on first contact.
func (s *Service) SendText(ctx context.Context, senderID, recipientID, body string) (conversationID, messageID string, err error) {
	conversationID, err = s.conversationWith(ctx, senderID, recipientID)
	if err != nil {
		return "", "", err
	}

	messageID = uuid.NewString()
	err = s.exec.Do(ctx, "message.send", retry.DefaultPolicy, func(ctx context.Context) error {
		_, err := s.tables.Insert(ctx, "messages", remote.Row{
			"id":              messageID,
			"conversation_id": conversationID,
			"sender_id":       senderID,
			"body":            body,
			"created_at":      time.Now().UTC().Format(time.RFC3339),
		})
		return err
	})
	if err != nil {
		return conversationID, "", fmt.Errorf("send text: %w", err)
	}
	return conversationID, messageID, nil
}

// SendAttachment delivers a file to the conversation shared with
// recipientID. When delivery fails after retries, the attachment is
// enqueued for later redelivery and the queue id is returned alongside the
// error, so the UI can show a "failed, tap to retry" affordance.
func (s *Service) SendAttachment(ctx context.Context, senderID, recipientID string, file uploads.File) (conversationID, queuedID string, err error) {
	conversationID, err = s.conversationWith(ctx, senderID, recipientID)
	if err != nil {
		return "", "", err
	}

	messageID := uuid.NewString()
	err = s.exec.Do(ctx, "attachment.send", retry.DefaultPolicy, func(ctx context.Context) error {
		return s.deliverAttachment(ctx, conversationID, senderID, messageID, file)
	})
	if err == nil {
		return conversationID, "", nil
	}

	queuedID, qErr := s.queue.Enqueue(conversationID, senderID, messageID, file, err)
	if qErr != nil {
		// The durable fallback itself failed; the caller only gets the
		// original send error.
		s.logger.Error("failed to queue attachment for retry", zap.Error(qErr))
		return conversationID, "", err
	}
	s.logger.Warn("attachment send failed, queued for retry",
		zap.String("upload_id", queuedID),
		zap.String("file", file.Name),
		zap.Error(err))
	return conversationID, queuedID, err
}

// Upload redelivers a queued attachment. Implements uploads.Sender for the
// resender.
func (s *Service) Upload(ctx context.Context, entry uploads.FailedUpload) error {
	messageID := entry.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return s.deliverAttachment(ctx, entry.ConversationID, entry.SenderID, messageID, uploads.File{
		Name:  entry.FileName,
		Type:  entry.FileType,
		Size:  entry.FileSize,
		Bytes: entry.FileBytes,
	})
}

func (s *Service) conversationWith(ctx context.Context, senderID, recipientID string) (string, error) {
	var conversationID string
	err := s.exec.Do(ctx, "conversation.find_or_create", retry.DefaultPolicy, func(ctx context.Context) error {
		id, isNew, err := s.registry.FindOrCreate(ctx, senderID, recipientID)
		if err != nil {
			return err
		}
		if isNew {
			s.logger.Info("conversation created",
				zap.String("conversation_id", id),
				zap.String("with", recipientID))
		}
		conversationID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	return conversationID, nil
}

func (s *Service) deliverAttachment(ctx context.Context, conversationID, senderID, messageID string, file uploads.File) error {
	attachmentID := uuid.NewString()
	if _, err := s.tables.Insert(ctx, "attachments", remote.Row{
		"id":              attachmentID,
		"message_id":      messageID,
		"conversation_id": conversationID,
		"file_name":       file.Name,
		"file_type":       file.Type,
		"file_size":       file.Size,
		"data":            file.Bytes,
	}); err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	if _, err := s.tables.Insert(ctx, "messages", remote.Row{
		"id":              messageID,
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"body":            file.Name,
		"message_type":    "attachment",
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		// Roll back the attachment row so retries and later drains do not
		// accumulate orphans referencing a message that was never created.
		if delErr := s.tables.Delete(ctx, "attachments", remote.Eq("id", attachmentID)); delErr != nil {
			s.logger.Warn("orphaned attachment after message failure",
				zap.String("attachment_id", attachmentID), zap.Error(delErr))
		}
		return fmt.Errorf("create attachment message: %w", err)
	}
	return nil
}
