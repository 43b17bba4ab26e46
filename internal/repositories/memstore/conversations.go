// Package memstore keeps conversations and messages in process memory. It
// backs STORE_DRIVER=memory and the orchestrator tests; it has no
// transactions, so callers always take the atomic fallback path.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// faults queues errors returned by the next calls of an operation.
type faults struct {
	mu     sync.Mutex
	queued map[string][]error
}

// InjectFault makes the next call of op fail with err.
func (f *faults) InjectFault(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued == nil {
		f.queued = map[string][]error{}
	}
	f.queued[op] = append(f.queued[op], err)
}

func (f *faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queued[op]
	if len(q) == 0 {
		return nil
	}
	f.queued[op] = q[1:]
	return q[0]
}

// Conversations implements repositories.ConversationStore.
type Conversations struct {
	faults

	mu      sync.Mutex
	convs   map[string]*models.Conversation
	direct  map[string]string
	invites map[string]string
	applied map[string]map[string]struct{}
}

var (
	_ repositories.ConversationStore = (*Conversations)(nil)
	_ repositories.Transactor        = (*Conversations)(nil)
)

func NewConversations() *Conversations {
	return &Conversations{
		convs:   map[string]*models.Conversation{},
		direct:  map[string]string{},
		invites: map[string]string{},
		applied: map[string]map[string]struct{}{},
	}
}

// WithTx always reports ErrTxUnsupported.
func (s *Conversations) WithTx(context.Context, func(ctx context.Context) error) error {
	return repositories.ErrTxUnsupported
}

func (s *Conversations) Create(_ context.Context, conv *models.Conversation) error {
	if err := s.take("Create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return repositories.ErrDuplicate
	}
	if conv.DirectKey != "" {
		if _, ok := s.direct[conv.DirectKey]; ok {
			return repositories.ErrDuplicate
		}
		s.direct[conv.DirectKey] = conv.ID
	}
	stored := cloneConversation(conv)
	if stored.UnreadCounts == nil {
		stored.UnreadCounts = map[string]models.UnreadState{}
	}
	for _, p := range stored.Participants {
		if p.IsActive {
			stored.UnreadCounts[p.UserID] = models.UnreadState{}
		}
	}
	if stored.Drafts == nil {
		stored.Drafts = map[string]string{}
	}
	recount(stored)
	s.convs[conv.ID] = stored
	return nil
}

func (s *Conversations) Get(_ context.Context, id string) (*models.Conversation, error) {
	if err := s.take("Get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, repositories.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *Conversations) FindDirect(_ context.Context, directKey string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.direct[directKey]
	if !ok {
		return nil, repositories.ErrConversationNotFound
	}
	return cloneConversation(s.convs[id]), nil
}

func (s *Conversations) FindByInviteCode(_ context.Context, code string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.invites[code]
	if !ok || s.convs[id].IsDeleted {
		return nil, repositories.ErrConversationNotFound
	}
	return cloneConversation(s.convs[id]), nil
}

func (s *Conversations) ListForUser(_ context.Context, userID string) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Conversation
	for _, conv := range s.convs {
		if !conv.IsDeleted && conv.IsActiveParticipant(userID) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Stats.LastActivity.After(out[j].Stats.LastActivity)
	})
	return out, nil
}

func (s *Conversations) ActiveParticipantIDs(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.IsDeleted {
		return nil, nil
	}
	return conv.ActiveParticipantIDs(), nil
}

func (s *Conversations) AddParticipants(_ context.Context, id string, participants []models.Participant) error {
	if err := s.take("AddParticipants"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	for _, p := range participants {
		idx := indexOf(conv, p.UserID)
		switch {
		case idx < 0:
			conv.Participants = append(conv.Participants, p)
		case conv.Participants[idx].IsActive:
			continue
		default:
			conv.Participants[idx] = p
		}
		conv.UnreadCounts[p.UserID] = models.UnreadState{}
	}
	conv.UpdatedAt = time.Now()
	recount(conv)
	return nil
}

func (s *Conversations) DeactivateParticipant(_ context.Context, id, userID string, at time.Time) (bool, error) {
	if err := s.take("DeactivateParticipant"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false, repositories.ErrConversationNotFound
	}
	idx := indexOf(conv, userID)
	if idx < 0 || !conv.Participants[idx].IsActive {
		return false, nil
	}
	left := at
	conv.Participants[idx].IsActive = false
	conv.Participants[idx].LeftAt = &left
	recount(conv)
	return true, nil
}

func (s *Conversations) PromoteToAdmin(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	idx := indexOf(conv, userID)
	if idx < 0 || !conv.Participants[idx].IsActive {
		return repositories.ErrParticipantNotFound
	}
	conv.Participants[idx].Role = models.RoleAdmin
	conv.Participants[idx].Permissions = models.AdminPermissions()
	return nil
}

func (s *Conversations) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	if conv.IsDeleted {
		return nil
	}
	deleted := at
	conv.IsDeleted = true
	conv.DeletedAt = &deleted
	conv.UpdatedAt = at
	if conv.DirectKey != "" {
		delete(s.direct, conv.DirectKey)
		conv.DirectKey = ""
	}
	if conv.InviteLink != nil {
		delete(s.invites, conv.InviteLink.Code)
		conv.InviteLink = nil
	}
	return nil
}

func (s *Conversations) RecordMessage(_ context.Context, id string, rec repositories.MessageRecord) (bool, error) {
	if err := s.take("RecordMessage"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false, repositories.ErrConversationNotFound
	}
	if s.applied[id] == nil {
		s.applied[id] = map[string]struct{}{}
	}
	if _, done := s.applied[id][rec.MessageID]; done {
		return false, nil
	}
	s.applied[id][rec.MessageID] = struct{}{}

	mentioned := make(map[string]bool, len(rec.Mentions))
	for _, m := range rec.Mentions {
		mentioned[m] = true
	}
	for _, p := range conv.Participants {
		if !p.IsActive || p.UserID == rec.SenderID {
			continue
		}
		state := conv.UnreadCounts[p.UserID]
		state.Count++
		if mentioned[p.UserID] {
			state.MentionsCount++
		}
		conv.UnreadCounts[p.UserID] = state
	}
	at := rec.At
	conv.LastMessageID = rec.MessageID
	conv.LastMessageAt = &at
	conv.Stats.TotalMessages++
	conv.Stats.LastActivity = at
	conv.UpdatedAt = at
	return true, nil
}

func (s *Conversations) ResetUnread(_ context.Context, id, userID, lastReadMessageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false, repositories.ErrConversationNotFound
	}
	state, ok := conv.UnreadCounts[userID]
	if !ok {
		return false, nil
	}
	if state.Count == 0 && state.MentionsCount == 0 && state.LastReadMessageID == lastReadMessageID {
		return false, nil
	}
	readAt := at
	conv.UnreadCounts[userID] = models.UnreadState{LastReadMessageID: lastReadMessageID, LastReadAt: &readAt}
	return true, nil
}

func (s *Conversations) EnsureUnreadEntry(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	if _, ok := conv.UnreadCounts[userID]; !ok {
		conv.UnreadCounts[userID] = models.UnreadState{}
	}
	return nil
}

func (s *Conversations) TotalUnread(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, conv := range s.convs {
		if !conv.IsDeleted && conv.IsActiveParticipant(userID) {
			total += conv.UnreadCounts[userID].Count
		}
	}
	return total, nil
}

func (s *Conversations) SetInvite(_ context.Context, id string, invite models.InviteLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.IsDeleted {
		return repositories.ErrConversationNotFound
	}
	if owner, taken := s.invites[invite.Code]; taken && owner != id {
		return repositories.ErrDuplicate
	}
	if conv.InviteLink != nil {
		delete(s.invites, conv.InviteLink.Code)
	}
	link := invite
	link.CurrentUses = 0
	conv.InviteLink = &link
	s.invites[invite.Code] = id
	return nil
}

func (s *Conversations) ConsumeInvite(_ context.Context, id, code string, at time.Time) (bool, error) {
	if err := s.take("ConsumeInvite"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.IsDeleted || conv.InviteLink == nil || conv.InviteLink.Code != code {
		return false, nil
	}
	if conv.InviteLink.ExpiredAt(at) || conv.InviteLink.Exhausted() {
		return false, nil
	}
	conv.InviteLink.CurrentUses++
	return true, nil
}

func (s *Conversations) SetDraft(_ context.Context, id, userID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	if content == "" {
		delete(conv.Drafts, userID)
		return nil
	}
	conv.Drafts[userID] = content
	return nil
}

func (s *Conversations) AddPin(_ context.Context, id string, pin models.PinnedMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false, repositories.ErrConversationNotFound
	}
	if conv.IsPinned(pin.MessageID) {
		return false, nil
	}
	conv.PinnedMessages = append(conv.PinnedMessages, pin)
	return true, nil
}

func (s *Conversations) RemovePin(_ context.Context, id, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false, repositories.ErrConversationNotFound
	}
	for i, p := range conv.PinnedMessages {
		if p.MessageID == messageID {
			conv.PinnedMessages = append(conv.PinnedMessages[:i:i], conv.PinnedMessages[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func indexOf(conv *models.Conversation, userID string) int {
	for i, p := range conv.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func recount(conv *models.Conversation) {
	conv.Stats.TotalParticipants = len(conv.ActiveParticipants())
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Participants = append([]models.Participant(nil), c.Participants...)
	out.PinnedMessages = append([]models.PinnedMessage(nil), c.PinnedMessages...)
	out.UnreadCounts = make(map[string]models.UnreadState, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	out.Drafts = make(map[string]string, len(c.Drafts))
	for k, v := range c.Drafts {
		out.Drafts[k] = v
	}
	if c.InviteLink != nil {
		link := *c.InviteLink
		out.InviteLink = &link
	}
	return &out
}
