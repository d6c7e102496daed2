package messaging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lingopal/lingopal/internal/bus"
	"github.com/lingopal/lingopal/internal/conversation"
	"github.com/lingopal/lingopal/internal/remote"
	"github.com/lingopal/lingopal/internal/remote/remotetest"
	"github.com/lingopal/lingopal/internal/retry"
	"github.com/lingopal/lingopal/internal/store"
	"github.com/lingopal/lingopal/internal/uploads"
	"go.uber.org/zap"
)

type onlineGate struct{}

func (onlineGate) WaitOnline(context.Context) error { return nil }

type validSessions struct{}

func (validSessions) EnsureValidSession(context.Context) bool { return true }

func testService(t *testing.T) (*Service, *remotetest.Table, *uploads.Queue) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	tbl := remotetest.NewTable()
	registry := conversation.NewRegistry(tbl, logger)
	exec := retry.NewExecutor(onlineGate{}, validSessions{}, logger)
	queue := uploads.NewQueue(db, bus.New(), logger, 0)
	return NewService(registry, tbl, exec, queue, logger), tbl, queue
}

func TestSendTextCreatesConversationAndMessage(t *testing.T) {
	s, tbl, _ := testService(t)

	convID, msgID, err := s.SendText(context.Background(), "alice", "bob", "hola")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if convID == "" || msgID == "" {
		t.Fatalf("convID = %q msgID = %q, want both set", convID, msgID)
	}

	msgs := tbl.Rows("messages")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].String("body") != "hola" || msgs[0].String("conversation_id") != convID {
		t.Errorf("message = %v", msgs[0])
	}

	// Second send reuses the conversation.
	convID2, _, err := s.SendText(context.Background(), "alice", "bob", "que tal")
	if err != nil {
		t.Fatal(err)
	}
	if convID2 != convID {
		t.Errorf("second send conversation = %q, want %q", convID2, convID)
	}
	if convs := tbl.Rows("conversations"); len(convs) != 1 {
		t.Errorf("conversations = %d, want 1", len(convs))
	}
}

func TestSendAttachmentQueuesOnFailure(t *testing.T) {
	s, tbl, queue := testService(t)
	tbl.Fail("insert", "attachments", remote.NewError(remote.CodePayloadTooLarge, "too big"))

	file := uploads.File{Name: "video.mp4", Type: "video/mp4", Size: 4, Bytes: []byte{9, 9, 9, 9}}
	_, queuedID, err := s.SendAttachment(context.Background(), "alice", "bob", file)
	if err == nil {
		t.Fatal("SendAttachment() should surface the send error")
	}
	if queuedID == "" {
		t.Fatal("failed attachment was not queued")
	}

	entry, qerr := queue.Get(queuedID)
	if qerr != nil {
		t.Fatal(qerr)
	}
	if entry == nil || entry.FileName != "video.mp4" || entry.RetryCount != 0 {
		t.Errorf("queued entry = %+v", entry)
	}
}

func TestSendAttachmentSucceeds(t *testing.T) {
	s, tbl, queue := testService(t)

	file := uploads.File{Name: "voice.ogg", Type: "audio/ogg", Size: 2, Bytes: []byte{1, 2}}
	convID, queuedID, err := s.SendAttachment(context.Background(), "alice", "bob", file)
	if err != nil {
		t.Fatalf("SendAttachment() error = %v", err)
	}
	if queuedID != "" {
		t.Errorf("queuedID = %q for a successful send, want empty", queuedID)
	}

	if rows := tbl.Rows("attachments"); len(rows) != 1 {
		t.Fatalf("attachments = %d, want 1", len(rows))
	}
	msgs := tbl.Rows("messages")
	if len(msgs) != 1 || msgs[0].String("message_type") != "attachment" {
		t.Errorf("messages = %v, want one attachment message", msgs)
	}
	if msgs[0].String("conversation_id") != convID {
		t.Errorf("message conversation = %q, want %q", msgs[0].String("conversation_id"), convID)
	}

	entries, err := queue.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("queue = %v after success, want empty", entries)
	}
}

func TestSendAttachmentRollsBackOrphanedAttachment(t *testing.T) {
	s, tbl, queue := testService(t)
	tbl.Fail("insert", "messages", remote.NewError(remote.CodePermissionDenied, "rls"))

	file := uploads.File{Name: "photo.jpg", Type: "image/jpeg", Size: 3, Bytes: []byte{1, 2, 3}}
	_, queuedID, err := s.SendAttachment(context.Background(), "alice", "bob", file)
	if err == nil {
		t.Fatal("SendAttachment() should surface the message-insert error")
	}
	if queuedID == "" {
		t.Fatal("failed attachment was not queued")
	}

	// The attachment row inserted before the failing message insert must
	// not be left behind.
	if rows := tbl.Rows("attachments"); len(rows) != 0 {
		t.Errorf("attachments = %d after failed send, want 0", len(rows))
	}
	if msgs := tbl.Rows("messages"); len(msgs) != 0 {
		t.Errorf("messages = %d after failed send, want 0", len(msgs))
	}

	entries, err := queue.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue = %d entries, want 1", len(entries))
	}
}

func TestUploadRollsBackOrphanedAttachment(t *testing.T) {
	s, tbl, queue := testService(t)
	tbl.Fail("insert", "messages", remote.NewError(remote.CodeUnavailable, "down"))

	file := uploads.File{Name: "voice.ogg", Type: "audio/ogg", Size: 2, Bytes: []byte{1, 2}}
	id, err := queue.Enqueue("conv-1", "alice", "msg-1", file, remote.NewError(remote.CodeTimeout, "slow"))
	if err != nil {
		t.Fatal(err)
	}
	entry, err := queue.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Upload(context.Background(), *entry); err == nil {
		t.Fatal("Upload() should fail while messages insert fails")
	}
	if rows := tbl.Rows("attachments"); len(rows) != 0 {
		t.Errorf("attachments = %d after failed redelivery, want 0", len(rows))
	}
}

func TestUploadRedeliversQueuedEntry(t *testing.T) {
	s, tbl, queue := testService(t)

	// Queue a failed upload, then redeliver it via the resender path.
	file := uploads.File{Name: "photo.jpg", Type: "image/jpeg", Size: 3, Bytes: []byte{1, 2, 3}}
	id, err := queue.Enqueue("conv-1", "alice", "msg-1", file, remote.NewError(remote.CodeTimeout, "slow"))
	if err != nil {
		t.Fatal(err)
	}
	entry, err := queue.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Upload(context.Background(), *entry); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if rows := tbl.Rows("attachments"); len(rows) != 1 {
		t.Errorf("attachments = %d, want 1", len(rows))
	}
	msgs := tbl.Rows("messages")
	if len(msgs) != 1 || msgs[0].String("id") != "msg-1" {
		t.Errorf("messages = %v, want the original message id reused", msgs)
	}
}
