package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/apperr"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

func TestSendMessage_DirectFanOut(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	msg, err := h.o.SendMessage(context.Background(), SendInput{
		RecipientID: "bob",
		SenderID:    "alice",
		Content:     "hi",
		ClientID:    "tmp-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	assert.Equal(t, []string{
		models.EventConversationCreated,
		models.EventMessageNew,
		models.EventConversationUnreadCount,
	}, bob.events())
	assert.Equal(t, []string{
		models.EventConversationCreated,
		models.EventMessageNew,
		models.EventMessageSent,
	}, alice.events())

	var ack models.MessagePayload
	require.True(t, alice.last(models.EventMessageSent, &ack))
	assert.Equal(t, "tmp-1", ack.ClientID)
	assert.Equal(t, msg.ID, ack.Message.ID)

	var unread models.UnreadCountPayload
	require.True(t, bob.last(models.EventConversationUnreadCount, &unread))
	assert.Equal(t, 1, unread.Count)

	conv := h.conversation(t, msg.ConversationID)
	assert.Equal(t, msg.ID, conv.LastMessageID)
	assert.Equal(t, 0, conv.UnreadFor("alice").Count)
	assert.Empty(t, h.notifier.recipients())
}

func TestFindOrCreateDirect_ConcurrentCallsShareOneConversation(t *testing.T) {
	h := newHarness(t)
	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := h.o.FindOrCreateDirect(context.Background(), a, b, "")
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 0, h.o.locks.size())
}

func TestFindOrCreateDirect_ReactivatesLeaver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.o.FindOrCreateDirect(ctx, "alice", "bob", "")
	require.NoError(t, err)
	require.NoError(t, h.o.RemoveParticipant(ctx, conv.ID, "bob", "bob", ""))
	assert.False(t, h.conversation(t, conv.ID).IsActiveParticipant("bob"))

	again, err := h.o.FindOrCreateDirect(ctx, "bob", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.True(t, again.IsActiveParticipant("bob"))
}

func TestSendMessage_ConcurrentCountersStayExact(t *testing.T) {
	h := newHarness(t)
	users := []string{"u1", "u2", "u3", "u4"}
	conv := h.group(t, users[0], users[1:]...)

	const perUser = 25
	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(u string, i int) {
				defer wg.Done()
				_, err := h.o.SendMessage(context.Background(), SendInput{
					ConversationID: conv.ID,
					SenderID:       u,
					Content:        fmt.Sprintf("%s-%d", u, i),
				})
				assert.NoError(t, err)
			}(u, i)
		}
	}
	wg.Wait()

	got := h.conversation(t, conv.ID)
	assert.EqualValues(t, perUser*len(users), got.Stats.TotalMessages)
	for _, u := range users {
		assert.Equal(t, perUser*(len(users)-1), got.UnreadFor(u).Count, u)
	}
}

func TestSendMessage_OfflineRecipientsNotified(t *testing.T) {
	h := newHarness(t)
	h.connect("alice")
	conv := h.group(t, "alice", "bob", "carol")

	// carol rejoins with notifications muted.
	carol := models.NewParticipant("carol", models.RoleMember, h.clock.now())
	carol.Notifications.Muted = true
	require.NoError(t, h.o.RemoveParticipant(context.Background(), conv.ID, "carol", "carol", ""))
	require.NoError(t, h.convs.AddParticipants(context.Background(), conv.ID, []models.Participant{carol}))

	h.send(t, conv.ID, "alice", "anyone here?")
	assert.Equal(t, []string{"bob"}, h.notifier.recipients())
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	ctx := context.Background()

	tests := []struct {
		name string
		in   SendInput
		kind string
	}{
		{"empty", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "   "}, "ValidationError"},
		{"empty direct", SendInput{RecipientID: "dave", SenderID: "alice", Content: ""}, "ValidationError"},
		{"no target", SendInput{SenderID: "alice", Content: "x"}, "ValidationError"},
		{"too long", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: string(make([]byte, DefaultMaxContentLength+1))}, "ValidationError"},
		{"bad media", SendInput{ConversationID: conv.ID, SenderID: "alice", Media: []models.Media{{Type: models.MediaImage, URL: "u"}}}, "ValidationError"},
		{"outsider", SendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "x"}, "PermissionDenied"},
		{"unknown conversation", SendInput{ConversationID: "nope", SenderID: "alice", Content: "x"}, "NotFound"},
		{"self direct", SendInput{RecipientID: "alice", SenderID: "alice", Content: "x"}, "ValidationError"},
		{"foreign reply", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "x", ReplyTo: "missing"}, "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.o.SendMessage(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.Kind(err))
		})
	}

	daveConvs, err := h.convs.ListForUser(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, daveConvs)
	msgs, err := h.msgs.ListForConversation(ctx, conv.ID, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessage_LengthCountsCharacters(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	ctx := context.Background()

	fits := strings.Repeat("é", DefaultMaxContentLength)
	msg, err := h.o.SendMessage(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Content: fits})
	require.NoError(t, err)
	assert.Equal(t, fits, msg.Content)

	_, err = h.o.SendMessage(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Content: fits + "é"})
	assert.Equal(t, "ValidationError", apperr.Kind(err))

	_, err = h.o.EditMessage(ctx, msg.ID, "alice", strings.Repeat("ü", DefaultMaxContentLength), "")
	require.NoError(t, err)
}

func TestSendMessage_OnlyAdminsCanSendInChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.o.CreateGroup(ctx, "alice", GroupInput{Type: models.ConversationChannel, Name: "news", ParticipantIDs: []string{"bob", "carol"}})
	require.NoError(t, err)

	_, err = h.o.SendMessage(ctx, SendInput{ConversationID: conv.ID, SenderID: "bob", Content: "x"})
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	_, err = h.o.SendMessage(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "x"})
	assert.NoError(t, err)
}

func TestSendMessage_MentionsFiltered(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	msg, err := h.o.SendMessage(context.Background(), SendInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "@bob @alice @zed",
		Mentions:       []string{"bob", "alice", "zed", "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, msg.Mentions)

	got := h.conversation(t, conv.ID)
	assert.Equal(t, 1, got.UnreadFor("bob").MentionsCount)
	assert.Equal(t, 0, got.UnreadFor("carol").MentionsCount)
}

func TestSendMessage_TransientFaultRetriedOnce(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	h.convs.InjectFault("RecordMessage", repositories.ErrTransient)

	msg := h.send(t, conv.ID, "alice", "retry me")
	assert.Equal(t, models.StatusSent, msg.Status)

	stored, err := h.msgs.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)
	assert.Equal(t, 1, h.conversation(t, conv.ID).UnreadFor("bob").Count)
}

func TestSendMessage_PersistentFaultMarksFailed(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	h.convs.InjectFault("RecordMessage", repositories.ErrTransient)
	h.convs.InjectFault("RecordMessage", repositories.ErrTransient)

	_, err := h.o.SendMessage(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "doomed"})
	require.Error(t, err)
	assert.Equal(t, "Retryable", apperr.Kind(err))

	msgs, err := h.msgs.ListForConversation(context.Background(), conv.ID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.Equal(t, 0, h.conversation(t, conv.ID).UnreadFor("bob").Count)

	history, err := h.o.ListMessages(context.Background(), conv.ID, "bob", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	history, err = h.o.ListMessages(context.Background(), conv.ID, "alice", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "doomed", history[0].Content)
}

func TestUpdateDeliveryStatus_NeverRegresses(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	conv := h.group(t, "alice", "bob", "carol")
	msg := h.send(t, conv.ID, "alice", "hello")
	ctx := context.Background()

	changed, err := h.o.UpdateDeliveryStatus(ctx, msg.ID, "bob", models.StatusRead, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = h.o.UpdateDeliveryStatus(ctx, msg.ID, "carol", models.StatusDelivered, "")
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := h.msgs.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
	assert.True(t, stored.HasReceipt(models.ReceiptDelivered, "bob"), "read implies delivered")

	before := alice.count(models.EventMessageStatus)
	changed, err = h.o.UpdateDeliveryStatus(ctx, msg.ID, "bob", models.StatusDelivered, "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, alice.count(models.EventMessageStatus))

	changed, err = h.o.UpdateDeliveryStatus(ctx, msg.ID, "alice", models.StatusRead, "")
	require.NoError(t, err)
	assert.False(t, changed, "own receipts are ignored")
	assert.Equal(t, before+1, alice.count(models.EventMessageStatus), "no-op is acknowledged to the caller only")

	_, err = h.o.UpdateDeliveryStatus(ctx, msg.ID, "bob", models.StatusSent, "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestToggleReaction(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	msg := h.send(t, conv.ID, "alice", "hello")
	ctx := context.Background()

	present, err := h.o.ToggleReaction(ctx, msg.ID, "bob", "👍", "")
	require.NoError(t, err)
	assert.True(t, present)

	present, err = h.o.ToggleReaction(ctx, msg.ID, "bob", "❤️", "")
	require.NoError(t, err)
	assert.True(t, present)
	stored, _ := h.msgs.Get(ctx, msg.ID)
	assert.Len(t, stored.Reactions, 1)
	assert.Equal(t, "❤️", stored.Reactions["bob"].Emoji)

	present, err = h.o.ToggleReaction(ctx, msg.ID, "bob", "❤️", "")
	require.NoError(t, err)
	assert.False(t, present)

	removed, err := h.o.RemoveReaction(ctx, msg.ID, "bob", "")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = h.o.ToggleReaction(ctx, msg.ID, "mallory", "👍", "")
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)
	bob := h.connect("bob")
	conv := h.group(t, "alice", "bob", "carol")
	ctx := context.Background()

	msg := h.send(t, conv.ID, "alice", "oops")
	err := h.o.DeleteMessage(ctx, msg.ID, "bob", DeleteForEveryone, "")
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	require.NoError(t, h.o.DeleteMessage(ctx, msg.ID, "alice", "forEveryone", ""))
	assert.Equal(t, 1, bob.count(models.EventMessageDeleted))
	list, err := h.o.ListMessages(ctx, conv.ID, "bob", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.o.EditMessage(ctx, msg.ID, "alice", "fixed", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidOperation))

	midway := h.send(t, conv.ID, "alice", "second thoughts")
	h.clock.advance(5 * time.Minute)
	require.NoError(t, h.o.DeleteMessage(ctx, midway.ID, "alice", DeleteForEveryone, ""))
	assert.Equal(t, 2, bob.count(models.EventMessageDeleted))

	old := h.send(t, conv.ID, "alice", "too late")
	h.clock.advance(DefaultDeleteWindow + time.Second)
	err = h.o.DeleteMessage(ctx, old.ID, "alice", DeleteForEveryone, "")
	assert.True(t, errors.Is(err, apperr.ErrExpired))

	require.NoError(t, h.o.DeleteMessage(ctx, old.ID, "bob", DeleteForMe, ""))
	list, _ = h.o.ListMessages(ctx, conv.ID, "bob", time.Time{}, 0)
	assert.Empty(t, list)
	list, _ = h.o.ListMessages(ctx, conv.ID, "carol", time.Time{}, 0)
	assert.Len(t, list, 1)

	err = h.o.DeleteMessage(ctx, old.ID, "alice", "sideways", "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestEditMessage(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	conv := h.group(t, "alice", "bob", "carol")
	ctx := context.Background()
	msg := h.send(t, conv.ID, "alice", "helo")

	_, err := h.o.EditMessage(ctx, msg.ID, "bob", "hijack", "")
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	edited, err := h.o.EditMessage(ctx, msg.ID, "alice", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)
	assert.True(t, edited.IsEdited)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "helo", edited.EditHistory[0].Content)
	edits := bob.count(models.EventMessageEdited)
	acks := alice.count(models.EventMessageEdited)

	same, err := h.o.EditMessage(ctx, msg.ID, "alice", "hello", "")
	require.NoError(t, err)
	assert.Len(t, same.EditHistory, 1)
	assert.Equal(t, edits, bob.count(models.EventMessageEdited))
	assert.Equal(t, acks+1, alice.count(models.EventMessageEdited))

	h.clock.advance(DefaultEditWindow + time.Second)
	_, err = h.o.EditMessage(ctx, msg.ID, "alice", "hello!", "")
	assert.True(t, errors.Is(err, apperr.ErrExpired))
}

func TestPinMessage(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	ctx := context.Background()
	msg := h.send(t, conv.ID, "bob", "pin me")

	err := h.o.PinMessage(ctx, msg.ID, "bob", "")
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	require.NoError(t, h.o.PinMessage(ctx, msg.ID, "alice", ""))
	require.NoError(t, h.o.PinMessage(ctx, msg.ID, "alice", ""))
	got := h.conversation(t, conv.ID)
	assert.Len(t, got.PinnedMessages, 1)
	stored, _ := h.msgs.Get(ctx, msg.ID)
	assert.True(t, stored.IsPinned)

	require.NoError(t, h.o.UnpinMessage(ctx, msg.ID, "alice", ""))
	assert.Empty(t, h.conversation(t, conv.ID).PinnedMessages)
}

func TestListMessages_Paging(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")
	ctx := context.Background()
	var sent []*models.Message
	for i := 0; i < 5; i++ {
		sent = append(sent, h.send(t, conv.ID, "alice", fmt.Sprintf("m%d", i)))
		h.clock.advance(time.Second)
	}

	page, err := h.o.ListMessages(ctx, conv.ID, "bob", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, sent[3].ID, page[0].ID)
	assert.Equal(t, sent[4].ID, page[1].ID)

	page, err = h.o.ListMessages(ctx, conv.ID, "bob", page[0].CreatedAt, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	_, err = h.o.ListMessages(ctx, conv.ID, "mallory", time.Time{}, 10)
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
}
