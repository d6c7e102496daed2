// Package conversation enforces conversation identity: at most one
// two-party conversation per pair of users after reconciliation. Creation is
// deliberately lock-free; near-simultaneous creates from both participants
// can race, and the cleanup routines converge the duplicates afterwards.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lingopal/lingopal/internal/remote"
	"go.uber.org/zap"
)

const (
	tableConversations = "conversations"
	tableParticipants  = "conversation_participants"
	tableMessages      = "messages"
)

// DefaultMinAge is how old an empty conversation must be before
// CleanupEmpty deletes it, so an in-progress first send is not swept away.
const DefaultMinAge = time.Minute

// Registry finds, creates and reconciles conversations.
type Registry struct {
	tables remote.Table
	logger *zap.Logger
}

// NewRegistry creates a registry over the remote tables.
func NewRegistry(tables remote.Table, logger *zap.Logger) *Registry {
	return &Registry{tables: tables, logger: logger}
}

// FindOrCreate returns the existing conversation shared by userA and userB,
// or creates one. isNew reports whether a new conversation was created.
func (r *Registry) FindOrCreate(ctx context.Context, userA, userB string) (id string, isNew bool, err error) {
	shared, err := r.sharedConversations(ctx, userA, userB)
	if err != nil {
		return "", false, err
	}
	if len(shared) > 0 {
		// Duplicates may transiently exist; return the oldest so the answer
		// matches the one RemoveDuplicates will keep.
		id, err := r.oldestConversation(ctx, shared)
		if err != nil {
			return "", false, err
		}
		return id, false, nil
	}

	id = uuid.NewString()
	if _, err := r.tables.Insert(ctx, tableConversations, remote.Row{
		"id":         id,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", false, fmt.Errorf("create conversation: %w", err)
	}

	for _, userID := range []string{userA, userB} {
		if _, err := r.tables.Insert(ctx, tableParticipants, remote.Row{
			"conversation_id": id,
			"user_id":         userID,
		}); err != nil {
			// Roll back the conversation row to avoid orphaning it.
			if delErr := r.tables.Delete(ctx, tableConversations, remote.Eq("id", id)); delErr != nil {
				r.logger.Warn("orphaned conversation after participant failure",
					zap.String("conversation_id", id), zap.Error(delErr))
			}
			return "", false, fmt.Errorf("add participant %s: %w", userID, err)
		}
	}
	return id, true, nil
}

// CleanupEmpty deletes the user's conversations that hold zero messages and
// are older than minAge. Returns the number deleted. Running it twice in a
// row deletes nothing the second time.
func (r *Registry) CleanupEmpty(ctx context.Context, userID string, minAge time.Duration) (int, error) {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	convIDs, err := r.conversationIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-minAge)
	deleted := 0
	for _, id := range convIDs {
		msgs, err := r.tables.Select(ctx, tableMessages, remote.Query{
			Columns: []string{"id"},
			Filters: []remote.Filter{remote.Eq("conversation_id", id)},
			Limit:   1,
		})
		if err != nil {
			return deleted, fmt.Errorf("count messages for %s: %w", id, err)
		}
		if len(msgs) > 0 {
			continue
		}

		createdAt, err := r.createdAt(ctx, id)
		if err != nil {
			return deleted, err
		}
		if createdAt.After(cutoff) {
			continue
		}
		if err := r.deleteConversation(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		r.logger.Info("empty conversations removed",
			zap.String("user_id", userID), zap.Int("count", deleted))
	}
	return deleted, nil
}

// RemoveDuplicates groups the user's two-party conversations by the other
// participant and, where more than one exists, keeps the oldest and deletes
// the rest. Returns the number deleted.
func (r *Registry) RemoveDuplicates(ctx context.Context, userID string) (int, error) {
	convIDs, err := r.conversationIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	// other participant -> conversations with that participant
	byOther := make(map[string][]convInfo)
	for _, id := range convIDs {
		rows, err := r.tables.Select(ctx, tableParticipants, remote.Query{
			Columns: []string{"user_id"},
			Filters: []remote.Filter{remote.Eq("conversation_id", id)},
		})
		if err != nil {
			return 0, fmt.Errorf("participants of %s: %w", id, err)
		}
		if len(rows) != 2 {
			continue
		}
		other := ""
		for _, row := range rows {
			if uid := row.String("user_id"); uid != userID {
				other = uid
			}
		}
		if other == "" {
			continue
		}
		createdAt, err := r.createdAt(ctx, id)
		if err != nil {
			return 0, err
		}
		byOther[other] = append(byOther[other], convInfo{id: id, createdAt: createdAt})
	}

	deleted := 0
	for other, convs := range byOther {
		if len(convs) < 2 {
			continue
		}
		sort.Slice(convs, func(i, j int) bool {
			return convs[i].createdAt.Before(convs[j].createdAt)
		})
		for _, dup := range convs[1:] {
			if err := r.deleteConversation(ctx, dup.id); err != nil {
				return deleted, err
			}
			deleted++
		}
		r.logger.Info("duplicate conversations merged",
			zap.String("user_id", userID),
			zap.String("other_id", other),
			zap.String("kept", convs[0].id),
			zap.Int("removed", len(convs)-1))
	}
	return deleted, nil
}

type convInfo struct {
	id        string
	createdAt time.Time
}

func (r *Registry) conversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.tables.Select(ctx, tableParticipants, remote.Query{
		Columns: []string{"conversation_id"},
		Filters: []remote.Filter{remote.Eq("user_id", userID)},
	})
	if err != nil {
		return nil, fmt.Errorf("conversations of %s: %w", userID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.String("conversation_id"))
	}
	return ids, nil
}

func (r *Registry) sharedConversations(ctx context.Context, userA, userB string) ([]string, error) {
	idsA, err := r.conversationIDs(ctx, userA)
	if err != nil {
		return nil, err
	}
	idsB, err := r.conversationIDs(ctx, userB)
	if err != nil {
		return nil, err
	}
	inB := make(map[string]bool, len(idsB))
	for _, id := range idsB {
		inB[id] = true
	}
	var shared []string
	for _, id := range idsA {
		if inB[id] {
			shared = append(shared, id)
		}
	}
	return shared, nil
}

// oldestConversation picks the conversation with the earliest created_at,
// the same one duplicate reconciliation keeps.
func (r *Registry) oldestConversation(ctx context.Context, ids []string) (string, error) {
	if len(ids) == 1 {
		return ids[0], nil
	}
	oldest := ""
	var oldestAt time.Time
	for _, id := range ids {
		createdAt, err := r.createdAt(ctx, id)
		if err != nil {
			return "", err
		}
		if oldest == "" || createdAt.Before(oldestAt) {
			oldest = id
			oldestAt = createdAt
		}
	}
	return oldest, nil
}

func (r *Registry) createdAt(ctx context.Context, convID string) (time.Time, error) {
	rows, err := r.tables.Select(ctx, tableConversations, remote.Query{
		Columns: []string{"created_at"},
		Filters: []remote.Filter{remote.Eq("id", convID)},
		Limit:   1,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("conversation %s: %w", convID, err)
	}
	if len(rows) == 0 {
		return time.Time{}, fmt.Errorf("conversation %s: not found", convID)
	}
	return rows[0].Time("created_at"), nil
}

// deleteConversation removes participants first, then the conversation row.
func (r *Registry) deleteConversation(ctx context.Context, convID string) error {
	if err := r.tables.Delete(ctx, tableParticipants, remote.Eq("conversation_id", convID)); err != nil {
		return fmt.Errorf("delete participants of %s: %w", convID, err)
	}
	if err := r.tables.Delete(ctx, tableConversations, remote.Eq("id", convID)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", convID, err)
	}
	return nil
}
