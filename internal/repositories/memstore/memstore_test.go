package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

func newGroup(t *testing.T, s *Conversations, id string, users ...string) *models.Conversation {
	t.Helper()
	now := time.Now()
	conv := &models.Conversation{ID: id, Type: models.ConversationGroup, Name: "g", CreatedAt: now}
	for i, u := range users {
		role := models.RoleMember
		if i == 0 {
			role = models.RoleAdmin
		}
		conv.Participants = append(conv.Participants, models.NewParticipant(u, role, now))
	}
	require.NoError(t, s.Create(context.Background(), conv))
	return conv
}

func TestConversations_CreateDirectIsUniquePerPair(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	now := time.Now()
	mk := func(id string) *models.Conversation {
		return &models.Conversation{
			ID:        id,
			Type:      models.ConversationDirect,
			DirectKey: models.DirectKey("a", "b"),
			Participants: []models.Participant{
				models.NewParticipant("a", models.RoleMember, now),
				models.NewParticipant("b", models.RoleMember, now),
			},
		}
	}
	require.NoError(t, s.Create(ctx, mk("c1")))
	assert.ErrorIs(t, s.Create(ctx, mk("c2")), repositories.ErrDuplicate)

	got, err := s.FindDirect(ctx, models.DirectKey("b", "a"))
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	require.NoError(t, s.SoftDelete(ctx, "c1", now))
	_, err = s.FindDirect(ctx, models.DirectKey("a", "b"))
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
	assert.NoError(t, s.Create(ctx, mk("c3")))
}

func TestConversations_RecordMessageIsIdempotent(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	newGroup(t, s, "g1", "a", "b", "c")

	rec := repositories.MessageRecord{MessageID: "m1", SenderID: "a", At: time.Now(), Mentions: []string{"b"}}
	applied, err := s.RecordMessage(ctx, "g1", rec)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.RecordMessage(ctx, "g1", rec)
	require.NoError(t, err)
	assert.False(t, applied)

	conv, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadFor("a").Count)
	assert.Equal(t, 1, conv.UnreadFor("b").Count)
	assert.Equal(t, 1, conv.UnreadFor("b").MentionsCount)
	assert.Equal(t, 1, conv.UnreadFor("c").Count)
	assert.Equal(t, 0, conv.UnreadFor("c").MentionsCount)
	assert.Equal(t, int64(1), conv.Stats.TotalMessages)
	assert.Equal(t, "m1", conv.LastMessageID)
}

func TestConversations_ConcurrentRecordMessage(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	newGroup(t, s, "g1", users...)

	const perUser = 20
	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(sender string, n int) {
				defer wg.Done()
				_, err := s.RecordMessage(ctx, "g1", repositories.MessageRecord{
					MessageID: fmt.Sprintf("%s-%d", sender, n),
					SenderID:  sender,
					At:        time.Now(),
				})
				assert.NoError(t, err)
			}(u, i)
		}
	}
	wg.Wait()

	conv, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	for _, u := range users {
		assert.Equal(t, perUser*(len(users)-1), conv.UnreadFor(u).Count, u)
	}
}

func TestConversations_ResetUnreadReportsChange(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	newGroup(t, s, "g1", "a", "b", "c")
	_, err := s.RecordMessage(ctx, "g1", repositories.MessageRecord{MessageID: "m1", SenderID: "a", At: time.Now()})
	require.NoError(t, err)

	changed, err := s.ResetUnread(ctx, "g1", "b", "m1", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.ResetUnread(ctx, "g1", "b", "m1", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestConversations_ParticipantLifecycle(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	newGroup(t, s, "g1", "a", "b", "c")

	left, err := s.DeactivateParticipant(ctx, "g1", "c", time.Now())
	require.NoError(t, err)
	assert.True(t, left)
	left, err = s.DeactivateParticipant(ctx, "g1", "c", time.Now())
	require.NoError(t, err)
	assert.False(t, left)

	conv, _ := s.Get(ctx, "g1")
	assert.Len(t, conv.Participants, 3)
	assert.Equal(t, 2, conv.Stats.TotalParticipants)

	require.NoError(t, s.AddParticipants(ctx, "g1", []models.Participant{
		models.NewParticipant("c", models.RoleMember, time.Now()),
		models.NewParticipant("d", models.RoleMember, time.Now()),
	}))
	conv, _ = s.Get(ctx, "g1")
	assert.Len(t, conv.Participants, 4)
	assert.True(t, conv.IsActiveParticipant("c"))
	assert.Equal(t, 4, conv.Stats.TotalParticipants)
	_, ok := conv.UnreadCounts["d"]
	assert.True(t, ok)
}

func TestConversations_ConsumeInviteHonoursLimits(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	newGroup(t, s, "g1", "a", "b", "c")
	require.NoError(t, s.SetInvite(ctx, "g1", models.InviteLink{Code: "abc", MaxUses: 1, CreatedBy: "a"}))

	found, err := s.FindByInviteCode(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "g1", found.ID)

	ok, err := s.ConsumeInvite(ctx, "g1", "abc", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeInvite(ctx, "g1", "abc", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConversations_InjectFault(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	newGroup(t, s, "g1", "a", "b", "c")

	s.InjectFault("RecordMessage", repositories.ErrTransient)
	_, err := s.RecordMessage(ctx, "g1", repositories.MessageRecord{MessageID: "m1", SenderID: "a"})
	assert.ErrorIs(t, err, repositories.ErrTransient)

	applied, err := s.RecordMessage(ctx, "g1", repositories.MessageRecord{MessageID: "m1", SenderID: "a"})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestConversations_ReadsAreCopies(t *testing.T) {
	s := NewConversations()
	ctx := context.Background()
	newGroup(t, s, "g1", "a", "b", "c")

	conv, _ := s.Get(ctx, "g1")
	conv.UnreadCounts["b"] = models.UnreadState{Count: 99}
	conv.Participants[1].IsActive = false

	again, _ := s.Get(ctx, "g1")
	assert.Equal(t, 0, again.UnreadFor("b").Count)
	assert.True(t, again.IsActiveParticipant("b"))
}

func TestMessages_StatusNeverRegresses(t *testing.T) {
	s := NewMessages()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &models.Message{ID: "m1", Status: models.StatusSending}))
	assert.ErrorIs(t, s.Insert(ctx, &models.Message{ID: "m1"}), repositories.ErrDuplicate)

	steps := []struct {
		to      models.MessageStatus
		applied bool
		want    models.MessageStatus
	}{
		{models.StatusSent, true, models.StatusSent},
		{models.StatusRead, true, models.StatusRead},
		{models.StatusDelivered, false, models.StatusRead},
		{models.StatusFailed, false, models.StatusRead},
		{models.StatusSent, false, models.StatusRead},
	}
	for _, step := range steps {
		applied, err := s.AdvanceStatus(ctx, "m1", step.to)
		require.NoError(t, err)
		assert.Equal(t, step.applied, applied, step.to)
		msg, _ := s.Get(ctx, "m1")
		assert.Equal(t, step.want, msg.Status)
	}
}

func TestMessages_ReceiptsAreSets(t *testing.T) {
	s := NewMessages()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &models.Message{ID: "m1", Status: models.StatusSent}))

	added, err := s.AddReceipt(ctx, "m1", "b", models.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddReceipt(ctx, "m1", "b", models.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	assert.False(t, added)

	msg, _ := s.Get(ctx, "m1")
	assert.Len(t, msg.DeliveredTo, 1)
	assert.Empty(t, msg.ReadBy)
}

func TestMessages_ReactionsToggleAndReplace(t *testing.T) {
	s := NewMessages()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &models.Message{ID: "m1"}))

	present, err := s.ToggleReaction(ctx, "m1", "a", "👍", time.Now())
	require.NoError(t, err)
	assert.True(t, present)

	present, err = s.ToggleReaction(ctx, "m1", "a", "🎉", time.Now())
	require.NoError(t, err)
	assert.True(t, present)
	msg, _ := s.Get(ctx, "m1")
	assert.Len(t, msg.Reactions, 1)
	assert.Equal(t, "🎉", msg.Reactions["a"].Emoji)

	present, err = s.ToggleReaction(ctx, "m1", "a", "🎉", time.Now())
	require.NoError(t, err)
	assert.False(t, present)

	removed, err := s.RemoveReaction(ctx, "m1", "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMessages_DeleteAndEdit(t *testing.T) {
	s := NewMessages()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &models.Message{ID: "m1", Content: "v1", IsPinned: true}))

	edited, err := s.Edit(ctx, "m1", "v2", time.Now())
	require.NoError(t, err)
	assert.True(t, edited)
	msg, _ := s.Get(ctx, "m1")
	assert.Equal(t, "v2", msg.Content)
	require.Len(t, msg.EditHistory, 1)
	assert.Equal(t, "v1", msg.EditHistory[0].Content)

	hidden, err := s.HideForUser(ctx, "m1", "b")
	require.NoError(t, err)
	assert.True(t, hidden)
	hidden, err = s.HideForUser(ctx, "m1", "b")
	require.NoError(t, err)
	assert.False(t, hidden)

	deleted, err := s.DeleteForEveryone(ctx, "m1", "a", time.Now())
	require.NoError(t, err)
	assert.True(t, deleted)
	msg, _ = s.Get(ctx, "m1")
	assert.Empty(t, msg.Content)
	assert.False(t, msg.IsPinned)
	assert.False(t, msg.VisibleTo("c"))

	edited, err = s.Edit(ctx, "m1", "v3", time.Now())
	require.NoError(t, err)
	assert.False(t, edited)
}

func TestMessages_ListForConversationOldestFirst(t *testing.T) {
	s := NewMessages()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, s.Insert(ctx, &models.Message{
			ID:             id,
			ConversationID: "c1",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Insert(ctx, &models.Message{ID: "x", ConversationID: "c2", CreatedAt: base}))

	msgs, err := s.ListForConversation(ctx, "c1", base.Add(3*time.Second), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestUsers_SetPresenceIgnoresOlderWrites(t *testing.T) {
	s := NewUsers()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SetPresence(ctx, "a", false, now))
	require.NoError(t, s.SetPresence(ctx, "a", true, now.Add(-time.Second)))

	user, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.False(t, user.IsOnline)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrUserNotFound)
}
