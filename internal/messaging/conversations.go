package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"chat-core/internal/apperr"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// GroupInput describes a new multi-party conversation.
type GroupInput struct {
	Type           models.ConversationType
	Name           string
	Description    string
	Privacy        models.Privacy
	ParticipantIDs []string
	Settings       models.Settings
	ClientID       string
}

// InviteInput configures a new invite link. Zero values mean no expiry and
// unlimited uses.
type InviteInput struct {
	ExpiresIn time.Duration
	MaxUses   int
	ClientID  string
}

// FindOrCreateDirect returns the direct conversation of a and b, creating it
// on first use and reactivating a participant who left.
func (o *Orchestrator) FindOrCreateDirect(ctx context.Context, a, b, clientID string) (conv *models.Conversation, err error) {
	ctx, end := o.begin(ctx, "find_or_create_direct")
	defer func() { end(err) }()

	conv, created, err := o.findOrCreateDirect(ctx, a, b, clientID)
	if err == nil && !created {
		conv = conv.ViewFor(a)
		o.router.SendToUser(ctx, a, models.EventConversationCreated, models.ConversationPayload{Conversation: conv, ClientID: clientID})
	}
	return conv, err
}

func (o *Orchestrator) findOrCreateDirect(ctx context.Context, a, b, clientID string) (*models.Conversation, bool, error) {
	if a == "" || b == "" {
		return nil, false, apperr.Errorf(apperr.ErrValidation, "recipientId is required")
	}
	if a == b {
		return nil, false, apperr.Errorf(apperr.ErrValidation, "cannot start a direct conversation with yourself")
	}
	key := models.DirectKey(a, b)
	unlock := o.locks.lock("direct:" + key)
	defer unlock()

	conv, err := o.convs.FindDirect(ctx, key)
	if err == nil {
		conv, err = o.reactivateDirect(ctx, conv, a, b)
		return conv, false, err
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return nil, false, err
	}

	now := o.now()
	conv = &models.Conversation{
		ID:   o.newID(),
		Type: models.ConversationDirect,
		Participants: []models.Participant{
			models.NewParticipant(a, models.RoleMember, now),
			models.NewParticipant(b, models.RoleMember, now),
		},
		Privacy: models.PrivacyPrivate,
		UnreadCounts: map[string]models.UnreadState{
			a: {},
			b: {},
		},
		PinnedMessages: []models.PinnedMessage{},
		Drafts:         map[string]string{},
		Stats:          models.Stats{TotalParticipants: 2, LastActivity: now},
		DirectKey:      key,
		CreatedBy:      a,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := conv.Validate(); err != nil {
		return nil, false, err
	}
	if err := o.convs.Create(ctx, conv); err != nil {
		if !errors.Is(err, repositories.ErrDuplicate) {
			return nil, false, err
		}
		// Another process created the pair first.
		conv, err = o.convs.FindDirect(ctx, key)
		return conv, false, err
	}

	o.router.JoinUser(conv.ID, a)
	o.router.JoinUser(conv.ID, b)
	o.broadcastUsers(ctx, []string{a, b}, models.EventConversationCreated, models.ConversationPayload{Conversation: conv, ClientID: clientID})
	o.emitAudit(ctx, "conversation_created", "direct conversation created", conv.ID, a)
	return conv, true, nil
}

func (o *Orchestrator) reactivateDirect(ctx context.Context, conv *models.Conversation, a, b string) (*models.Conversation, error) {
	var missing []models.Participant
	for _, id := range []string{a, b} {
		if !conv.IsActiveParticipant(id) {
			missing = append(missing, models.NewParticipant(id, models.RoleMember, o.now()))
		}
	}
	if len(missing) == 0 {
		return conv, nil
	}
	if err := o.convs.AddParticipants(ctx, conv.ID, missing); err != nil {
		return nil, err
	}
	for _, p := range missing {
		o.router.JoinUser(conv.ID, p.UserID)
	}
	return o.convs.Get(ctx, conv.ID)
}

// CreateGroup creates a group, broadcast or channel with creator as admin.
func (o *Orchestrator) CreateGroup(ctx context.Context, creator string, in GroupInput) (conv *models.Conversation, err error) {
	ctx, end := o.begin(ctx, "create_group")
	defer func() { end(err) }()

	if in.Type == "" {
		in.Type = models.ConversationGroup
	}
	if in.Type == models.ConversationDirect {
		return nil, apperr.Errorf(apperr.ErrValidation, "direct conversations are created by sending a message")
	}
	if !in.Type.Valid() {
		return nil, apperr.Errorf(apperr.ErrValidation, "unknown conversation type %q", in.Type)
	}
	others := dedupe(in.ParticipantIDs, creator)
	if len(others) < 2 {
		return nil, apperr.Errorf(apperr.ErrValidation, "a %s needs at least 2 other participants", in.Type)
	}
	if in.Privacy == "" {
		in.Privacy = models.PrivacyPrivate
	}
	if in.Type != models.ConversationGroup {
		in.Settings.OnlyAdminsCanSend = true
	}

	now := o.now()
	participants := []models.Participant{models.NewParticipant(creator, models.RoleAdmin, now)}
	unread := map[string]models.UnreadState{creator: {}}
	for _, id := range others {
		participants = append(participants, models.NewParticipant(id, models.RoleMember, now))
		unread[id] = models.UnreadState{}
	}
	conv = &models.Conversation{
		ID:             o.newID(),
		Type:           in.Type,
		Participants:   participants,
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		Privacy:        in.Privacy,
		UnreadCounts:   unread,
		PinnedMessages: []models.PinnedMessage{},
		Drafts:         map[string]string{},
		Stats:          models.Stats{TotalParticipants: len(participants), LastActivity: now},
		Settings:       in.Settings,
		CreatedBy:      creator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	if err := o.convs.Create(ctx, conv); err != nil {
		return nil, err
	}

	unlock := o.locks.lock(conv.ID)
	defer unlock()
	ids := conv.ActiveParticipantIDs()
	for _, id := range ids {
		o.router.JoinUser(conv.ID, id)
	}
	o.broadcastUsers(ctx, ids, models.EventConversationCreated, models.ConversationPayload{Conversation: conv, ClientID: in.ClientID})
	o.emitAudit(ctx, "conversation_created", fmt.Sprintf("%s %q created", conv.Type, conv.Name), conv.ID, creator)
	return conv, nil
}

// AddParticipants adds or reactivates userIDs. It returns the ids that were
// not already active.
func (o *Orchestrator) AddParticipants(ctx context.Context, conversationID, actor string, userIDs []string, clientID string) (added []string, err error) {
	ctx, end := o.begin(ctx, "add_participants", attribute.String("conversation_id", conversationID))
	defer func() { end(err) }()

	unlock := o.locks.lock(conversationID)
	defer unlock()

	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type == models.ConversationDirect {
		return nil, apperr.Errorf(apperr.ErrInvalidOperation, "cannot add members to a direct conversation")
	}
	p, err := member(conv, actor)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && !p.Permissions.CanAddMembers {
		return nil, apperr.Errorf(apperr.ErrPermissionDenied, "not allowed to add members")
	}

	now := o.now()
	var entries []models.Participant
	for _, id := range dedupe(userIDs, "") {
		if conv.IsActiveParticipant(id) {
			continue
		}
		entries = append(entries, models.NewParticipant(id, models.RoleMember, now))
		added = append(added, id)
	}
	payload := models.MembershipPayload{ConversationID: conv.ID, UserIDs: added, ActorID: actor, ClientID: clientID}
	if len(added) == 0 {
		payload.UserIDs = []string{}
		o.router.SendToUser(ctx, actor, models.EventConversationUserJoined, payload)
		return nil, nil
	}

	apply := func(ctx context.Context) error {
		if err := o.convs.AddParticipants(ctx, conv.ID, entries); err != nil {
			return err
		}
		for _, id := range added {
			if err := o.convs.EnsureUnreadEntry(ctx, conv.ID, id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := repositories.RunAtomic(ctx, "add_participants", o.tx, apply, apply); err != nil {
		return nil, err
	}

	fresh, err := o.convs.Get(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range added {
		o.router.JoinUser(conv.ID, id)
	}
	o.broadcast(ctx, conv.ID, models.EventConversationUserJoined, payload)
	o.broadcastUsers(ctx, added, models.EventConversationCreated, models.ConversationPayload{Conversation: fresh})
	o.emitAudit(ctx, "participants_added", fmt.Sprintf("added %s", strings.Join(added, ",")), conv.ID, actor)
	return added, nil
}

// RemoveParticipant deactivates target. A participant may always leave; removing
// someone else needs the remove permission, and only admins remove admins.
// When the last admin of a group leaves, the longest-standing member is
// promoted; when nobody remains, the conversation is soft-deleted.
func (o *Orchestrator) RemoveParticipant(ctx context.Context, conversationID, actor, target, clientID string) (err error) {
	ctx, end := o.begin(ctx, "remove_participant", attribute.String("conversation_id", conversationID))
	defer func() { end(err) }()

	unlock := o.locks.lock(conversationID)
	defer unlock()

	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if target == "" {
		target = actor
	}
	tp, ok := conv.ActiveParticipant(target)
	if !ok {
		return repositories.ErrParticipantNotFound
	}
	self := actor == target
	if !self {
		if conv.Type == models.ConversationDirect {
			return apperr.Errorf(apperr.ErrInvalidOperation, "cannot remove the other member of a direct conversation")
		}
		ap, err := member(conv, actor)
		if err != nil {
			return err
		}
		if !ap.IsAdmin() && !ap.Permissions.CanRemoveMembers {
			return apperr.Errorf(apperr.ErrPermissionDenied, "not allowed to remove members")
		}
		if tp.IsAdmin() && !ap.IsAdmin() {
			return apperr.Errorf(apperr.ErrPermissionDenied, "only admins can remove an admin")
		}
	}

	remaining := without(conv.ActiveParticipantIDs(), target)
	newAdmin := ""
	deleteConv := len(remaining) == 0 && conv.Type != models.ConversationDirect
	if !deleteConv && conv.Type != models.ConversationDirect && tp.IsAdmin() && len(conv.ActiveAdmins()) == 1 {
		newAdmin = successor(conv, target)
	}

	now := o.now()
	apply := func(ctx context.Context) error {
		if _, err := o.convs.DeactivateParticipant(ctx, conv.ID, target, now); err != nil {
			return err
		}
		if newAdmin != "" {
			if err := o.convs.PromoteToAdmin(ctx, conv.ID, newAdmin); err != nil {
				return err
			}
		}
		if deleteConv {
			return o.convs.SoftDelete(ctx, conv.ID, now)
		}
		return nil
	}
	if err := repositories.RunAtomic(ctx, "remove_participant", o.tx, apply, apply); err != nil {
		return err
	}

	o.router.RemoveUser(conv.ID, target)
	o.broadcastUsers(ctx, append(remaining, target), models.EventConversationUserLeft, models.MembershipPayload{
		ConversationID: conv.ID,
		UserIDs:        []string{target},
		ActorID:        actor,
		NewAdminID:     newAdmin,
		ClientID:       clientID,
	})
	if deleteConv {
		o.router.SendToUser(ctx, target, models.EventConversationDeleted, models.ConversationDeletedPayload{ConversationID: conv.ID})
	}
	action := "participant_removed"
	if self {
		action = "participant_left"
	}
	o.emitAudit(ctx, action, "removed "+target, conv.ID, actor)
	return nil
}

// successor picks the earliest-joined active participant other than leaving.
func successor(conv *models.Conversation, leaving string) string {
	candidates := make([]models.Participant, 0, len(conv.Participants))
	for _, p := range conv.ActiveParticipants() {
		if p.UserID != leaving {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].JoinedAt.Before(candidates[j].JoinedAt)
	})
	return candidates[0].UserID
}

// MarkRead zeroes userID's unread counters and moves the read pointer to
// lastReadMessageID, or to the latest message when empty. It reports whether
// anything changed; a repeated call is acknowledged to the reader only.
func (o *Orchestrator) MarkRead(ctx context.Context, conversationID, userID, lastReadMessageID, clientID string) (changed bool, err error) {
	ctx, end := o.begin(ctx, "mark_read", attribute.String("conversation_id", conversationID))
	defer func() { end(err) }()

	unlock := o.locks.lock(conversationID)
	defer unlock()

	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if _, err := member(conv, userID); err != nil {
		return false, err
	}
	pointer := lastReadMessageID
	if pointer == "" {
		pointer = conv.LastMessageID
	}

	receipt := false
	if pointer != "" {
		msg, err := o.msgs.Get(ctx, pointer)
		if err != nil {
			return false, err
		}
		if msg.ConversationID != conv.ID {
			return false, repositories.ErrMessageNotFound
		}
		if msg.SenderID != userID {
			if receipt, err = o.recordReceipt(ctx, msg, userID, models.StatusRead); err != nil {
				return false, err
			}
		}
	}

	if err := o.convs.EnsureUnreadEntry(ctx, conv.ID, userID); err != nil {
		return false, err
	}
	now := o.now()
	reset, err := o.convs.ResetUnread(ctx, conv.ID, userID, pointer, now)
	if err != nil {
		return false, err
	}
	unread := models.UnreadCountPayload{ConversationID: conv.ID, ClientID: clientID}
	if !reset && !receipt {
		o.router.SendToUser(ctx, userID, models.EventConversationUnreadCount, unread)
		return false, nil
	}

	o.broadcast(ctx, conv.ID, models.EventMessageStatus, models.StatusPayload{
		MessageID:         pointer,
		ConversationID:    conv.ID,
		UserID:            userID,
		Status:            models.StatusRead,
		LastReadMessageID: pointer,
		At:                now,
		ClientID:          clientID,
	})
	o.router.SendToUser(ctx, userID, models.EventConversationUnreadCount, unread)
	o.pushTotalUnread(ctx, userID)
	return true, nil
}

func (o *Orchestrator) pushTotalUnread(ctx context.Context, userID string) {
	total, err := o.convs.TotalUnread(ctx, userID)
	if err != nil {
		o.logger.Warn("total unread failed", "user_id", userID, "err", err)
		return
	}
	o.router.SendToUser(ctx, userID, models.EventConversationTotalUnread, models.TotalUnreadPayload{Total: total})
}

// SaveDraft stores or clears userID's draft and syncs their other connections.
func (o *Orchestrator) SaveDraft(ctx context.Context, conversationID, userID, content, clientID string) (err error) {
	ctx, end := o.begin(ctx, "save_draft")
	defer func() { end(err) }()

	if utf8.RuneCountInString(content) > o.cfg.MaxContentLength {
		return apperr.Errorf(apperr.ErrValidation, "draft exceeds %d characters", o.cfg.MaxContentLength)
	}
	unlock := o.locks.lock(conversationID)
	defer unlock()

	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if _, err := member(conv, userID); err != nil {
		return err
	}
	if err := o.convs.SetDraft(ctx, conv.ID, userID, content); err != nil {
		return err
	}
	o.router.SendToUser(ctx, userID, models.EventConversationDraft, models.DraftPayload{ConversationID: conv.ID, Content: content, ClientID: clientID})
	return nil
}

// CreateInvite replaces the invite link of a group.
func (o *Orchestrator) CreateInvite(ctx context.Context, conversationID, actor string, in InviteInput) (link models.InviteLink, err error) {
	ctx, end := o.begin(ctx, "create_invite", attribute.String("conversation_id", conversationID))
	defer func() { end(err) }()

	if in.MaxUses < 0 || in.ExpiresIn < 0 {
		return link, apperr.Errorf(apperr.ErrValidation, "maxUses and expiresIn must not be negative")
	}
	unlock := o.locks.lock(conversationID)
	defer unlock()

	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return link, err
	}
	if conv.Type == models.ConversationDirect {
		return link, apperr.Errorf(apperr.ErrInvalidOperation, "direct conversations have no invite links")
	}
	p, err := member(conv, actor)
	if err != nil {
		return link, err
	}
	if !p.IsAdmin() && !p.Permissions.CanAddMembers {
		return link, apperr.Errorf(apperr.ErrPermissionDenied, "not allowed to create invites")
	}

	link = models.InviteLink{MaxUses: in.MaxUses, CreatedBy: actor}
	if in.ExpiresIn > 0 {
		expires := o.now().Add(in.ExpiresIn)
		link.ExpiresAt = &expires
	}
	for attempt := 0; attempt < 3; attempt++ {
		if link.Code, err = inviteCode(); err != nil {
			return link, err
		}
		err = o.convs.SetInvite(ctx, conv.ID, link)
		if !errors.Is(err, repositories.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return link, err
	}

	o.router.SendToUser(ctx, actor, models.EventConversationInviteCreated, models.InvitePayload{ConversationID: conv.ID, Invite: link, ClientID: in.ClientID})
	o.emitAudit(ctx, "invite_created", "invite link created", conv.ID, actor)
	return link, nil
}

func inviteCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// JoinByInvite adds userID to the conversation owning code. Expiry and the use
// limit are enforced by the store, so concurrent joins never exceed maxUses.
func (o *Orchestrator) JoinByInvite(ctx context.Context, code, userID, clientID string) (conv *models.Conversation, err error) {
	ctx, end := o.begin(ctx, "join_by_invite")
	defer func() { end(err) }()

	if strings.TrimSpace(code) == "" {
		return nil, apperr.Errorf(apperr.ErrInvalidInput, "invite code is required")
	}
	found, err := o.convs.FindByInviteCode(ctx, code)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return nil, apperr.Errorf(apperr.ErrInvalidInput, "unknown invite code")
		}
		return nil, err
	}

	unlock := o.locks.lock(found.ID)
	defer unlock()

	conv, err = o.conversation(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if conv.IsActiveParticipant(userID) {
		return nil, apperr.Errorf(apperr.ErrConflict, "already a participant")
	}
	now := o.now()
	if err := inviteUsable(conv, code, now); err != nil {
		return nil, err
	}

	join := func(ctx context.Context, consumed *bool) error {
		if !*consumed {
			ok, err := o.convs.ConsumeInvite(ctx, conv.ID, code, now)
			if err != nil {
				return err
			}
			if !ok {
				return errInviteRejected
			}
			*consumed = true
		}
		if err := o.convs.AddParticipants(ctx, conv.ID, []models.Participant{models.NewParticipant(userID, models.RoleMember, now)}); err != nil {
			return err
		}
		return o.convs.EnsureUnreadEntry(ctx, conv.ID, userID)
	}
	// The fallback must not consume a second use when it is retried after
	// the use was already taken.
	fallbackConsumed := false
	txPath := func(ctx context.Context) error {
		consumed := false
		return join(ctx, &consumed)
	}
	fallback := func(ctx context.Context) error {
		return join(ctx, &fallbackConsumed)
	}
	if err := repositories.RunAtomic(ctx, "join_by_invite", o.tx, txPath, fallback); err != nil {
		if errors.Is(err, errInviteRejected) {
			return nil, o.rejection(ctx, conv.ID, code)
		}
		return nil, err
	}

	conv, err = o.convs.Get(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	o.router.JoinUser(conv.ID, userID)
	o.broadcast(ctx, conv.ID, models.EventConversationUserJoined, models.MembershipPayload{
		ConversationID: conv.ID,
		UserIDs:        []string{userID},
		ActorID:        userID,
		ClientID:       clientID,
	})
	conv = conv.ViewFor(userID)
	o.router.SendToUser(ctx, userID, models.EventConversationCreated, models.ConversationPayload{Conversation: conv, ClientID: clientID})
	o.emitAudit(ctx, "invite_joined", "joined by invite", conv.ID, userID)
	return conv, nil
}

var errInviteRejected = errors.New("invite rejected")

func inviteUsable(conv *models.Conversation, code string, at time.Time) error {
	link := conv.InviteLink
	switch {
	case link == nil || link.Code != code:
		return apperr.Errorf(apperr.ErrInvalidInput, "unknown invite code")
	case link.ExpiredAt(at):
		return fmt.Errorf("%w: %w: invite link expired", apperr.ErrInvalidInput, apperr.ErrExpired)
	case link.Exhausted():
		return apperr.Errorf(apperr.ErrResourceExhausted, "invite link has reached its use limit")
	}
	return nil
}

// rejection explains why the store refused to consume an invite.
func (o *Orchestrator) rejection(ctx context.Context, id, code string) error {
	conv, err := o.convs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := inviteUsable(conv, code, o.now()); err != nil {
		return err
	}
	return apperr.Errorf(apperr.ErrInvalidInput, "invite link is no longer valid")
}

// ListConversations returns userID's active conversations, most recent first.
func (o *Orchestrator) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	convs, err := o.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, c := range convs {
		convs[i] = c.ViewFor(userID)
	}
	return convs, nil
}

// ConversationIDs returns the ids of userID's active conversations.
func (o *Orchestrator) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	convs, err := o.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// CheckMember reports PermissionDenied unless userID is an active participant.
func (o *Orchestrator) CheckMember(ctx context.Context, conversationID, userID string) error {
	return o.requireMember(ctx, conversationID, userID)
}

// TotalUnread sums userID's unread counts over active conversations.
func (o *Orchestrator) TotalUnread(ctx context.Context, userID string) (int, error) {
	return o.convs.TotalUnread(ctx, userID)
}
