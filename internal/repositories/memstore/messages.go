package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// Messages implements repositories.MessageStore.
type Messages struct {
	faults

	mu   sync.Mutex
	msgs map[string]*models.Message
}

var _ repositories.MessageStore = (*Messages)(nil)

func NewMessages() *Messages {
	return &Messages{msgs: map[string]*models.Message{}}
}

func (s *Messages) Insert(_ context.Context, msg *models.Message) error {
	if err := s.take("Insert"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[msg.ID]; ok {
		return repositories.ErrDuplicate
	}
	stored := cloneMessage(msg)
	if stored.Reactions == nil {
		stored.Reactions = map[string]models.Reaction{}
	}
	s.msgs[msg.ID] = stored
	return nil
}

func (s *Messages) Get(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return nil, repositories.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *Messages) ListForConversation(_ context.Context, conversationID string, before time.Time, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, msg := range s.msgs {
		if msg.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Messages) AdvanceStatus(_ context.Context, id string, status models.MessageStatus) (bool, error) {
	if err := s.take("AdvanceStatus"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if !msg.Status.CanAdvanceTo(status) {
		return false, nil
	}
	msg.Status = status
	msg.UpdatedAt = time.Now()
	return true, nil
}

func (s *Messages) AddReceipt(_ context.Context, id, userID string, kind models.ReceiptKind, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if msg.HasReceipt(kind, userID) {
		return false, nil
	}
	receipt := models.Receipt{UserID: userID, At: at}
	if kind == models.ReceiptRead {
		msg.ReadBy = append(msg.ReadBy, receipt)
	} else {
		msg.DeliveredTo = append(msg.DeliveredTo, receipt)
	}
	return true, nil
}

func (s *Messages) ToggleReaction(_ context.Context, id, userID, emoji string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if current, ok := msg.Reactions[userID]; ok && current.Emoji == emoji {
		delete(msg.Reactions, userID)
		return false, nil
	}
	msg.Reactions[userID] = models.Reaction{Emoji: emoji, At: at}
	return true, nil
}

func (s *Messages) RemoveReaction(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if _, ok := msg.Reactions[userID]; !ok {
		return false, nil
	}
	delete(msg.Reactions, userID)
	return true, nil
}

func (s *Messages) DeleteForEveryone(_ context.Context, id, deletedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if msg.IsDeleted {
		return false, nil
	}
	deleted := at
	msg.IsDeleted = true
	msg.DeletedAt = &deleted
	msg.DeletedBy = deletedBy
	msg.Content = ""
	msg.Media = nil
	msg.IsPinned = false
	msg.UpdatedAt = at
	return true, nil
}

func (s *Messages) HideForUser(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if msg.HiddenFor(userID) {
		return false, nil
	}
	msg.DeletedFor = append(msg.DeletedFor, userID)
	return true, nil
}

func (s *Messages) Edit(_ context.Context, id, content string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	if msg.IsDeleted {
		return false, nil
	}
	msg.EditHistory = append(msg.EditHistory, models.Edit{Content: msg.Content, EditedAt: at})
	msg.Content = content
	msg.IsEdited = true
	msg.UpdatedAt = at
	return true, nil
}

func (s *Messages) SetPinned(_ context.Context, id string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return repositories.ErrMessageNotFound
	}
	msg.IsPinned = pinned
	return nil
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	out.Media = append([]models.Media(nil), m.Media...)
	out.Mentions = append([]string(nil), m.Mentions...)
	out.DeliveredTo = append([]models.Receipt(nil), m.DeliveredTo...)
	out.ReadBy = append([]models.Receipt(nil), m.ReadBy...)
	out.DeletedFor = append([]string(nil), m.DeletedFor...)
	out.EditHistory = append([]models.Edit(nil), m.EditHistory...)
	out.Reactions = make(map[string]models.Reaction, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = v
	}
	return &out
}
