package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/apperr"
)

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("alice", "bob"), DirectKey("bob", "alice"))
	assert.NotEqual(t, DirectKey("alice", "bob"), DirectKey("alice", "carol"))
}

func TestActiveParticipantsAreDerived(t *testing.T) {
	now := time.Now()
	left := now.Add(-time.Minute)
	conv := &Conversation{Participants: []Participant{
		NewParticipant("a", RoleAdmin, now),
		{UserID: "b", Role: RoleMember, IsActive: false, LeftAt: &left},
		NewParticipant("c", RoleMember, now),
	}}

	assert.Equal(t, []string{"a", "c"}, conv.ActiveParticipantIDs())
	assert.True(t, conv.IsActiveParticipant("a"))
	assert.False(t, conv.IsActiveParticipant("b"))
	_, known := conv.Participant("b")
	assert.True(t, known)
	require.Len(t, conv.ActiveAdmins(), 1)
	assert.Equal(t, "a", conv.ActiveAdmins()[0].UserID)
}

func TestUnreadForDefaultsToZero(t *testing.T) {
	conv := &Conversation{}
	assert.Equal(t, UnreadState{}, conv.UnreadFor("ghost"))

	conv.UnreadCounts = map[string]UnreadState{"a": {Count: 3}}
	assert.Equal(t, 3, conv.UnreadFor("a").Count)
}

func TestConversationValidate(t *testing.T) {
	now := time.Now()
	direct := &Conversation{Type: ConversationDirect, Participants: []Participant{
		NewParticipant("a", RoleMember, now), NewParticipant("b", RoleMember, now),
	}}
	require.NoError(t, direct.Validate())

	group := &Conversation{Type: ConversationGroup, Participants: direct.Participants}
	err := group.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	group.Name = "team"
	require.NoError(t, group.Validate())
}

func TestMessageStatusOnlyMovesForward(t *testing.T) {
	assert.True(t, StatusSending.CanAdvanceTo(StatusSent))
	assert.True(t, StatusSent.CanAdvanceTo(StatusRead))
	assert.False(t, StatusRead.CanAdvanceTo(StatusDelivered))
	assert.False(t, StatusDelivered.CanAdvanceTo(StatusDelivered))
	assert.True(t, StatusSending.CanAdvanceTo(StatusFailed))
	assert.False(t, StatusSent.CanAdvanceTo(StatusFailed))
	assert.False(t, StatusFailed.CanAdvanceTo(StatusSent))
}

func TestMediaValidate(t *testing.T) {
	cases := []struct {
		name  string
		media Media
		ok    bool
	}{
		{"image with dimensions", Media{Type: MediaImage, URL: "u", Width: 10, Height: 10}, true},
		{"image without dimensions", Media{Type: MediaImage, URL: "u"}, false},
		{"video without duration", Media{Type: MediaVideo, URL: "u", Width: 1, Height: 1}, false},
		{"audio with duration", Media{Type: MediaAudio, URL: "u", Duration: 2.5}, true},
		{"file", Media{Type: MediaFile, URL: "u"}, true},
		{"missing url", Media{Type: MediaFile}, false},
		{"unknown type", Media{Type: "sticker", URL: "u"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.media.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrValidation)
			}
		})
	}
}

func TestVisibilityPredicate(t *testing.T) {
	msg := &Message{DeletedFor: []string{"b"}}
	assert.True(t, msg.VisibleTo("a"))
	assert.False(t, msg.VisibleTo("b"))

	msg.IsDeleted = true
	assert.False(t, msg.VisibleTo("a"))

	failed := &Message{SenderID: "a", Status: StatusFailed}
	assert.True(t, failed.VisibleTo("a"))
	assert.False(t, failed.VisibleTo("b"))
}

func TestAggregateStatus(t *testing.T) {
	now := time.Now()
	msg := &Message{SenderID: "a", Status: StatusDelivered, DeliveredTo: []Receipt{{UserID: "b", At: now}}}
	recipients := []string{"a", "b", "c"}

	assert.Equal(t, StatusSent, msg.AggregateStatus(recipients))

	msg.DeliveredTo = append(msg.DeliveredTo, Receipt{UserID: "c", At: now})
	assert.Equal(t, StatusDelivered, msg.AggregateStatus(recipients))

	msg.ReadBy = []Receipt{{UserID: "b", At: now}, {UserID: "c", At: now}}
	assert.Equal(t, StatusRead, msg.AggregateStatus(recipients))
}

func TestInviteLinkLimits(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	link := InviteLink{Code: "x", MaxUses: 2, CurrentUses: 2}
	assert.True(t, link.Exhausted())
	assert.False(t, link.ExpiredAt(now))

	link.ExpiresAt = &past
	assert.True(t, link.ExpiredAt(now))

	unlimited := InviteLink{Code: "y", CurrentUses: 100}
	assert.False(t, unlimited.Exhausted())
}
