package models

import (
	"sort"
	"strings"
	"time"
)

type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationBroadcast ConversationType = "broadcast"
	ConversationChannel   ConversationType = "channel"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationBroadcast, ConversationChannel:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

type Privacy string

const (
	PrivacyPrivate Privacy = "private"
	PrivacyPublic  Privacy = "public"
)

// Permissions are per-participant capability flags.
type Permissions struct {
	CanSendMessages  bool `json:"canSendMessages" bson:"canSendMessages"`
	CanSendMedia     bool `json:"canSendMedia" bson:"canSendMedia"`
	CanAddMembers    bool `json:"canAddMembers" bson:"canAddMembers"`
	CanRemoveMembers bool `json:"canRemoveMembers" bson:"canRemoveMembers"`
	CanEditInfo      bool `json:"canEditInfo" bson:"canEditInfo"`
	CanPinMessages   bool `json:"canPinMessages" bson:"canPinMessages"`
}

// MemberPermissions is the default permission set for regular members.
func MemberPermissions() Permissions {
	return Permissions{CanSendMessages: true, CanSendMedia: true}
}

// AdminPermissions grants every capability.
func AdminPermissions() Permissions {
	return Permissions{
		CanSendMessages:  true,
		CanSendMedia:     true,
		CanAddMembers:    true,
		CanRemoveMembers: true,
		CanEditInfo:      true,
		CanPinMessages:   true,
	}
}

// NotificationSettings are a participant's per-conversation overrides.
type NotificationSettings struct {
	Muted        bool       `json:"muted" bson:"muted"`
	MutedUntil   *time.Time `json:"mutedUntil,omitempty" bson:"mutedUntil,omitempty"`
	MentionsOnly bool       `json:"mentionsOnly" bson:"mentionsOnly"`
}

// MutedAt reports whether notifications are suppressed at t.
func (n NotificationSettings) MutedAt(t time.Time) bool {
	if !n.Muted {
		return false
	}
	return n.MutedUntil == nil || t.Before(*n.MutedUntil)
}

// Participant is a roster entry. Entries are deactivated, never removed.
type Participant struct {
	UserID        string               `json:"userId" bson:"userId"`
	Role          Role                 `json:"role" bson:"role"`
	IsActive      bool                 `json:"isActive" bson:"isActive"`
	JoinedAt      time.Time            `json:"joinedAt" bson:"joinedAt"`
	LeftAt        *time.Time           `json:"leftAt,omitempty" bson:"leftAt,omitempty"`
	Permissions   Permissions          `json:"permissions" bson:"permissions"`
	Notifications NotificationSettings `json:"notifications" bson:"notifications"`
}

// IsAdmin reports whether the participant holds the admin role.
func (p Participant) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// NewParticipant builds an active participant with the permissions of role.
func NewParticipant(userID string, role Role, at time.Time) Participant {
	perms := MemberPermissions()
	if role == RoleAdmin {
		perms = AdminPermissions()
	}
	return Participant{UserID: userID, Role: role, IsActive: true, JoinedAt: at, Permissions: perms}
}

// UnreadState is a participant's read position. The zero value means nothing unread.
type UnreadState struct {
	Count             int        `json:"count" bson:"count"`
	MentionsCount     int        `json:"mentionsCount" bson:"mentionsCount"`
	LastReadMessageID string     `json:"lastReadMessageId,omitempty" bson:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty" bson:"lastReadAt,omitempty"`
}

type PinnedMessage struct {
	MessageID string    `json:"messageId" bson:"messageId"`
	PinnedBy  string    `json:"pinnedBy" bson:"pinnedBy"`
	PinnedAt  time.Time `json:"pinnedAt" bson:"pinnedAt"`
}

// InviteLink lets users join a group by code. MaxUses of zero means unlimited.
type InviteLink struct {
	Code        string     `json:"code" bson:"code"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	MaxUses     int        `json:"maxUses" bson:"maxUses"`
	CurrentUses int        `json:"currentUses" bson:"currentUses"`
	CreatedBy   string     `json:"createdBy" bson:"createdBy"`
}

// ExpiredAt reports whether the link can no longer be used at t.
func (l InviteLink) ExpiredAt(t time.Time) bool {
	return l.ExpiresAt != nil && !t.Before(*l.ExpiresAt)
}

// Exhausted reports whether the use limit has been reached.
func (l InviteLink) Exhausted() bool {
	return l.MaxUses > 0 && l.CurrentUses >= l.MaxUses
}

type Stats struct {
	TotalMessages     int64     `json:"totalMessages" bson:"totalMessages"`
	TotalParticipants int       `json:"totalParticipants" bson:"totalParticipants"`
	LastActivity      time.Time `json:"lastActivity" bson:"lastActivity"`
}

type Settings struct {
	OnlyAdminsCanSend bool `json:"onlyAdminsCanSend" bson:"onlyAdminsCanSend"`
	// DisappearingSeconds > 0 gives new messages an expiry.
	DisappearingSeconds int `json:"disappearingSeconds" bson:"disappearingSeconds"`
}

// Conversation is the shared document every participant's counters live on.
type Conversation struct {
	ID             string                 `json:"id" bson:"_id"`
	Type           ConversationType       `json:"type" bson:"type"`
	Participants   []Participant          `json:"participants" bson:"participants"`
	Name           string                 `json:"name,omitempty" bson:"name,omitempty"`
	Description    string                 `json:"description,omitempty" bson:"description,omitempty"`
	Privacy        Privacy                `json:"privacy" bson:"privacy"`
	LastMessageID  string                 `json:"lastMessage,omitempty" bson:"lastMessage,omitempty"`
	LastMessageAt  *time.Time             `json:"lastMessageAt,omitempty" bson:"lastMessageAt,omitempty"`
	UnreadCounts   map[string]UnreadState `json:"unreadCounts" bson:"unreadCounts"`
	PinnedMessages []PinnedMessage        `json:"pinnedMessages" bson:"pinnedMessages"`
	Drafts         map[string]string      `json:"-" bson:"drafts,omitempty"`
	Draft          string                 `json:"draft,omitempty" bson:"-"`
	InviteLink     *InviteLink            `json:"inviteLink,omitempty" bson:"inviteLink,omitempty"`
	Stats          Stats                  `json:"stats" bson:"stats"`
	Settings       Settings               `json:"settings" bson:"settings"`
	DirectKey      string                 `json:"-" bson:"directKey,omitempty"`
	CreatedBy      string                 `json:"createdBy" bson:"createdBy"`
	IsDeleted      bool                   `json:"isDeleted" bson:"isDeleted"`
	DeletedAt      *time.Time             `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`
	CreatedAt      time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// DirectKey normalizes an unordered user pair into a unique key.
func DirectKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// Participant returns the roster entry for userID, active or not.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// ActiveParticipant returns the entry for userID only while it is active.
func (c *Conversation) ActiveParticipant(userID string) (Participant, bool) {
	p, ok := c.Participant(userID)
	if !ok || !p.IsActive {
		return Participant{}, false
	}
	return p, true
}

// IsActiveParticipant reports whether userID is currently a member.
func (c *Conversation) IsActiveParticipant(userID string) bool {
	_, ok := c.ActiveParticipant(userID)
	return ok
}

// ActiveParticipants filters the roster by IsActive, preserving order.
func (c *Conversation) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active
}

// ActiveParticipantIDs returns the ids of active participants in roster order.
func (c *Conversation) ActiveParticipantIDs() []string {
	active := c.ActiveParticipants()
	ids := make([]string, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.UserID)
	}
	return ids
}

// ActiveAdmins returns active participants holding the admin role.
func (c *Conversation) ActiveAdmins() []Participant {
	var admins []Participant
	for _, p := range c.ActiveParticipants() {
		if p.IsAdmin() {
			admins = append(admins, p)
		}
	}
	return admins
}

// UnreadFor reads the unread state of userID, defaulting to the zero value.
func (c *Conversation) UnreadFor(userID string) UnreadState {
	if c.UnreadCounts == nil {
		return UnreadState{}
	}
	return c.UnreadCounts[userID]
}

// DraftFor returns the draft saved by userID, if any.
func (c *Conversation) DraftFor(userID string) string {
	if c.Drafts == nil {
		return ""
	}
	return c.Drafts[userID]
}

// ViewFor returns a shallow copy carrying only userID's own draft.
func (c *Conversation) ViewFor(userID string) *Conversation {
	out := *c
	out.Draft = c.DraftFor(userID)
	return &out
}

// IsPinned reports whether messageID is in the pinned list.
func (c *Conversation) IsPinned(messageID string) bool {
	for _, p := range c.PinnedMessages {
		if p.MessageID == messageID {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a new conversation.
func (c *Conversation) Validate() error {
	if !c.Type.Valid() {
		return invalidf("unknown conversation type %q", c.Type)
	}
	if c.Type == ConversationDirect {
		if len(c.Participants) != 2 {
			return invalidf("direct conversation needs exactly 2 participants")
		}
		if c.Participants[0].UserID == c.Participants[1].UserID {
			return invalidf("direct conversation needs two distinct users")
		}
		return nil
	}
	if strings.TrimSpace(c.Name) == "" {
		return invalidf("name is required")
	}
	if len(c.Participants) < 2 {
		return invalidf("%s conversation needs at least 2 participants", c.Type)
	}
	return nil
}
