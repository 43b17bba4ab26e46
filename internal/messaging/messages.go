package messaging

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"chat-core/internal/apperr"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

const (
	DeleteForEveryone = "everyone"
	DeleteForMe       = "me"

	ReactionAdded   = "added"
	ReactionRemoved = "removed"

	DefaultPageSize = 50
	MaxPageSize     = 200
)

// SendInput is an outgoing message. Either ConversationID or RecipientID is
// set; RecipientID targets the direct conversation with that user.
type SendInput struct {
	ConversationID string
	RecipientID    string
	SenderID       string
	Content        string
	Media          []models.Media
	ReplyTo        string
	ForwardedFrom  string
	Mentions       []string
	ClientID       string
}

func (o *Orchestrator) validateSend(in SendInput) error {
	if in.ConversationID == "" && in.RecipientID == "" {
		return apperr.Errorf(apperr.ErrValidation, "conversationId or recipientId is required")
	}
	if !models.HasContent(in.Content, in.Media) {
		return apperr.Errorf(apperr.ErrValidation, "message needs content or media")
	}
	if utf8.RuneCountInString(in.Content) > o.cfg.MaxContentLength {
		return apperr.Errorf(apperr.ErrValidation, "content exceeds %d characters", o.cfg.MaxContentLength)
	}
	for _, m := range in.Media {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage stores a message, applies the conversation counters exactly
// once and fans the message out. Recipients without a live connection are
// handed to the offline notifier.
func (o *Orchestrator) SendMessage(ctx context.Context, in SendInput) (msg *models.Message, err error) {
	ctx, end := o.begin(ctx, "send_message", attribute.String("conversation_id", in.ConversationID))
	defer func() { end(err) }()

	if err := o.validateSend(in); err != nil {
		return nil, err
	}
	conversationID := in.ConversationID
	if conversationID == "" {
		conv, _, err := o.findOrCreateDirect(ctx, in.SenderID, in.RecipientID, in.ClientID)
		if err != nil {
			return nil, err
		}
		conversationID = conv.ID
	}

	unlock := o.locks.lock(conversationID)
	defer unlock()

	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sender, err := member(conv, in.SenderID)
	if err != nil {
		return nil, err
	}
	switch {
	case !sender.Permissions.CanSendMessages:
		return nil, apperr.Errorf(apperr.ErrPermissionDenied, "not allowed to send messages")
	case len(in.Media) > 0 && !sender.Permissions.CanSendMedia:
		return nil, apperr.Errorf(apperr.ErrPermissionDenied, "not allowed to send media")
	case conv.Settings.OnlyAdminsCanSend && !sender.IsAdmin():
		return nil, apperr.Errorf(apperr.ErrPermissionDenied, "only admins can send messages here")
	}
	if in.ReplyTo != "" {
		target, err := o.msgs.Get(ctx, in.ReplyTo)
		if err != nil || target.ConversationID != conv.ID {
			return nil, apperr.Errorf(apperr.ErrValidation, "replyTo must reference a message of this conversation")
		}
	}

	now := o.now()
	msg = &models.Message{
		ID:             o.newID(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Media:          in.Media,
		ReplyTo:        in.ReplyTo,
		ForwardedFrom:  in.ForwardedFrom,
		Type:           models.MessageText,
		Status:         models.StatusSending,
		Mentions:       mentionable(conv, in.Mentions, in.SenderID),
		DeliveredTo:    []models.Receipt{},
		ReadBy:         []models.Receipt{},
		Reactions:      map[string]models.Reaction{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(in.Media) > 0 && strings.TrimSpace(in.Content) == "" {
		msg.Type = models.MessageMedia
	}
	if secs := conv.Settings.DisappearingSeconds; secs > 0 {
		expires := now.Add(time.Duration(secs) * time.Second)
		msg.ExpiresAt = &expires
	}
	rec := repositories.MessageRecord{MessageID: msg.ID, SenderID: in.SenderID, At: now, Mentions: msg.Mentions}

	txPath := func(ctx context.Context) error {
		sent := *msg
		sent.Status = models.StatusSent
		if err := o.msgs.Insert(ctx, &sent); err != nil {
			return err
		}
		_, err := o.convs.RecordMessage(ctx, conv.ID, rec)
		return err
	}
	// Every step is idempotent per message id, so a retry resumes where the
	// previous attempt stopped.
	fallback := func(ctx context.Context) error {
		pending := *msg
		if err := o.msgs.Insert(ctx, &pending); err != nil && !errors.Is(err, repositories.ErrDuplicate) {
			return err
		}
		if _, err := o.convs.RecordMessage(ctx, conv.ID, rec); err != nil {
			return err
		}
		_, err := o.msgs.AdvanceStatus(ctx, msg.ID, models.StatusSent)
		return err
	}
	if err := repositories.RunAtomic(ctx, "send_message", o.tx, txPath, fallback); err != nil {
		o.markFailed(ctx, msg.ID)
		return nil, err
	}
	msg.Status = models.StatusSent

	reach := o.broadcast(ctx, conv.ID, models.EventMessageNew, models.MessagePayload{Message: msg})
	o.router.SendToUser(ctx, in.SenderID, models.EventMessageSent, models.MessagePayload{Message: msg, ClientID: in.ClientID})

	fresh, err := o.convs.Get(ctx, conv.ID)
	if err != nil {
		o.logger.Warn("reload after send failed", "conversation_id", conv.ID, "err", err)
		fresh = conv
	}
	for _, id := range without(reach.Online, in.SenderID) {
		state := fresh.UnreadFor(id)
		o.router.SendToUser(ctx, id, models.EventConversationUnreadCount, models.UnreadCountPayload{
			ConversationID: conv.ID,
			Count:          state.Count,
			MentionsCount:  state.MentionsCount,
		})
	}
	o.notifyOffline(ctx, fresh, msg, without(reach.Offline, in.SenderID))
	return msg, nil
}

// markFailed is best effort: only a message still in sending can fail.
func (o *Orchestrator) markFailed(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := o.msgs.AdvanceStatus(ctx, id, models.StatusFailed); err != nil && !errors.Is(err, repositories.ErrMessageNotFound) {
		o.logger.Warn("mark failed", "message_id", id, "err", err)
	}
}

// mentionable keeps mentions of active participants other than the sender.
func mentionable(conv *models.Conversation, mentions []string, sender string) []string {
	var out []string
	for _, id := range dedupe(mentions, sender) {
		if conv.IsActiveParticipant(id) {
			out = append(out, id)
		}
	}
	return out
}

// UpdateDeliveryStatus records a delivered or read receipt from userID. The
// sender's own receipts and repeated receipts change nothing.
func (o *Orchestrator) UpdateDeliveryStatus(ctx context.Context, messageID, userID string, status models.MessageStatus, clientID string) (changed bool, err error) {
	ctx, end := o.begin(ctx, "update_delivery_status", attribute.String("message_id", messageID))
	defer func() { end(err) }()

	if status != models.StatusDelivered && status != models.StatusRead {
		return false, apperr.Errorf(apperr.ErrValidation, "status must be delivered or read")
	}
	msg, unlock, err := o.lockMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	defer unlock()

	conv, err := o.convs.Get(ctx, msg.ConversationID)
	if err != nil {
		return false, err
	}
	if _, ok := conv.Participant(userID); !ok {
		return false, apperr.Errorf(apperr.ErrPermissionDenied, "user is not a participant of this conversation")
	}
	payload := models.StatusPayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		UserID:         userID,
		Status:         status,
		At:             o.now(),
		ClientID:       clientID,
	}
	if msg.SenderID != userID {
		if changed, err = o.recordReceipt(ctx, msg, userID, status); err != nil {
			return false, err
		}
	}
	if !changed {
		o.router.SendToUser(ctx, userID, models.EventMessageStatus, payload)
		return false, nil
	}
	o.broadcast(ctx, conv.ID, models.EventMessageStatus, payload)
	return true, nil
}

// recordReceipt adds userID's receipts and advances the coarse status. A read
// receipt implies a delivered one.
func (o *Orchestrator) recordReceipt(ctx context.Context, msg *models.Message, userID string, status models.MessageStatus) (bool, error) {
	now := o.now()
	added, err := o.msgs.AddReceipt(ctx, msg.ID, userID, models.ReceiptDelivered, now)
	if err != nil {
		return false, err
	}
	if status == models.StatusRead {
		read, err := o.msgs.AddReceipt(ctx, msg.ID, userID, models.ReceiptRead, now)
		if err != nil {
			return false, err
		}
		added = added || read
	}
	if !added {
		return false, nil
	}
	if _, err := o.msgs.AdvanceStatus(ctx, msg.ID, status); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleReaction sets userID's reaction to emoji, or clears it when emoji is
// already their reaction. It reports whether a reaction is present afterwards.
func (o *Orchestrator) ToggleReaction(ctx context.Context, messageID, userID, emoji, clientID string) (present bool, err error) {
	ctx, end := o.begin(ctx, "toggle_reaction", attribute.String("message_id", messageID))
	defer func() { end(err) }()

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return false, apperr.Errorf(apperr.ErrValidation, "emoji is required and at most %d bytes", maxEmojiLength)
	}
	msg, unlock, err := o.lockMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := o.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return false, err
	}
	present, err = o.msgs.ToggleReaction(ctx, msg.ID, userID, emoji, o.now())
	if err != nil {
		return false, err
	}
	action := ReactionAdded
	if !present {
		action = ReactionRemoved
	}
	o.broadcast(ctx, msg.ConversationID, models.EventMessageReaction, models.ReactionPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Emoji:          emoji,
		Action:         action,
		ClientID:       clientID,
	})
	return present, nil
}

// RemoveReaction clears userID's reaction, if any.
func (o *Orchestrator) RemoveReaction(ctx context.Context, messageID, userID, clientID string) (removed bool, err error) {
	ctx, end := o.begin(ctx, "remove_reaction", attribute.String("message_id", messageID))
	defer func() { end(err) }()

	msg, unlock, err := o.lockMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := o.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return false, err
	}
	removed, err = o.msgs.RemoveReaction(ctx, msg.ID, userID)
	if err != nil {
		return false, err
	}
	payload := models.ReactionPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Action:         ReactionRemoved,
		ClientID:       clientID,
	}
	if !removed {
		o.router.SendToUser(ctx, userID, models.EventMessageReaction, payload)
		return false, nil
	}
	o.broadcast(ctx, msg.ConversationID, models.EventMessageReaction, payload)
	return true, nil
}

// DeleteMessage deletes a message for everyone, which only its sender may do
// inside the delete window, or hides it for userID alone.
func (o *Orchestrator) DeleteMessage(ctx context.Context, messageID, userID, scope, clientID string) (err error) {
	ctx, end := o.begin(ctx, "delete_message", attribute.String("message_id", messageID))
	defer func() { end(err) }()

	switch scope {
	case "", DeleteForMe, "forMe":
		scope = DeleteForMe
	case DeleteForEveryone, "forEveryone":
		scope = DeleteForEveryone
	default:
		return apperr.Errorf(apperr.ErrValidation, "deleteFor must be %q or %q", DeleteForEveryone, DeleteForMe)
	}
	msg, unlock, err := o.lockMessage(ctx, messageID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := o.convs.Get(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	payload := models.DeletedPayload{MessageID: msg.ID, ConversationID: conv.ID, DeleteFor: scope, ClientID: clientID}

	if scope == DeleteForMe {
		if _, ok := conv.Participant(userID); !ok {
			return apperr.Errorf(apperr.ErrPermissionDenied, "user is not a participant of this conversation")
		}
		if _, err := o.msgs.HideForUser(ctx, msg.ID, userID); err != nil {
			return err
		}
		o.router.SendToUser(ctx, userID, models.EventMessageDeleted, payload)
		return nil
	}

	if msg.SenderID != userID {
		return apperr.Errorf(apperr.ErrPermissionDenied, "only the sender can delete a message for everyone")
	}
	if msg.IsDeleted {
		o.router.SendToUser(ctx, userID, models.EventMessageDeleted, payload)
		return nil
	}
	now := o.now()
	if now.Sub(msg.CreatedAt) > o.cfg.DeleteWindow {
		return apperr.Errorf(apperr.ErrExpired, "messages can only be deleted for everyone within %s", o.cfg.DeleteWindow)
	}
	apply := func(ctx context.Context) error {
		if _, err := o.msgs.DeleteForEveryone(ctx, msg.ID, userID, now); err != nil {
			return err
		}
		_, err := o.convs.RemovePin(ctx, conv.ID, msg.ID)
		return err
	}
	if err := repositories.RunAtomic(ctx, "delete_message", o.tx, apply, apply); err != nil {
		return err
	}
	o.broadcast(ctx, conv.ID, models.EventMessageDeleted, payload)
	o.emitAudit(ctx, "message_deleted", "deleted for everyone", conv.ID, userID)
	return nil
}

// EditMessage replaces the content of userID's own message inside the edit
// window, keeping the previous content in its history.
func (o *Orchestrator) EditMessage(ctx context.Context, messageID, userID, content, clientID string) (msg *models.Message, err error) {
	ctx, end := o.begin(ctx, "edit_message", attribute.String("message_id", messageID))
	defer func() { end(err) }()

	if strings.TrimSpace(content) == "" {
		return nil, apperr.Errorf(apperr.ErrValidation, "content is required")
	}
	if utf8.RuneCountInString(content) > o.cfg.MaxContentLength {
		return nil, apperr.Errorf(apperr.ErrValidation, "content exceeds %d characters", o.cfg.MaxContentLength)
	}
	msg, unlock, err := o.lockMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if msg.SenderID != userID {
		return nil, apperr.Errorf(apperr.ErrPermissionDenied, "only the sender can edit a message")
	}
	if msg.IsDeleted {
		return nil, apperr.Errorf(apperr.ErrInvalidOperation, "deleted messages cannot be edited")
	}
	if err := o.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	now := o.now()
	if now.Sub(msg.CreatedAt) > o.cfg.EditWindow {
		return nil, apperr.Errorf(apperr.ErrExpired, "messages can only be edited within %s", o.cfg.EditWindow)
	}
	if content == msg.Content {
		o.router.SendToUser(ctx, userID, models.EventMessageEdited, models.MessagePayload{Message: msg, ClientID: clientID})
		return msg, nil
	}
	ok, err := o.msgs.Edit(ctx, msg.ID, content, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Errorf(apperr.ErrInvalidOperation, "message can no longer be edited")
	}
	if msg, err = o.msgs.Get(ctx, msg.ID); err != nil {
		return nil, err
	}
	o.broadcast(ctx, msg.ConversationID, models.EventMessageEdited, models.MessagePayload{Message: msg, ClientID: clientID})
	return msg, nil
}

// PinMessage pins a message to its conversation.
func (o *Orchestrator) PinMessage(ctx context.Context, messageID, userID, clientID string) (err error) {
	ctx, end := o.begin(ctx, "pin_message", attribute.String("message_id", messageID))
	defer func() { end(err) }()
	return o.setPinned(ctx, messageID, userID, clientID, true)
}

// UnpinMessage removes a message from the pinned list.
func (o *Orchestrator) UnpinMessage(ctx context.Context, messageID, userID, clientID string) (err error) {
	ctx, end := o.begin(ctx, "unpin_message", attribute.String("message_id", messageID))
	defer func() { end(err) }()
	return o.setPinned(ctx, messageID, userID, clientID, false)
}

func (o *Orchestrator) setPinned(ctx context.Context, messageID, userID, clientID string, pinned bool) error {
	msg, unlock, err := o.lockMessage(ctx, messageID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := o.conversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	p, err := member(conv, userID)
	if err != nil {
		return err
	}
	if !p.IsAdmin() && !p.Permissions.CanPinMessages && conv.Type != models.ConversationDirect {
		return apperr.Errorf(apperr.ErrPermissionDenied, "not allowed to pin messages")
	}
	if pinned && msg.IsDeleted {
		return apperr.Errorf(apperr.ErrInvalidOperation, "deleted messages cannot be pinned")
	}

	event := models.EventMessageUnpinned
	if pinned {
		event = models.EventMessagePinned
	}
	payload := models.PinPayload{MessageID: msg.ID, ConversationID: conv.ID, UserID: userID, ClientID: clientID}
	if conv.IsPinned(msg.ID) == pinned {
		o.router.SendToUser(ctx, userID, event, payload)
		return nil
	}

	now := o.now()
	apply := func(ctx context.Context) error {
		if pinned {
			if _, err := o.convs.AddPin(ctx, conv.ID, models.PinnedMessage{MessageID: msg.ID, PinnedBy: userID, PinnedAt: now}); err != nil {
				return err
			}
		} else if _, err := o.convs.RemovePin(ctx, conv.ID, msg.ID); err != nil {
			return err
		}
		return o.msgs.SetPinned(ctx, msg.ID, pinned)
	}
	if err := repositories.RunAtomic(ctx, "pin_message", o.tx, apply, apply); err != nil {
		return err
	}
	o.broadcast(ctx, conv.ID, event, payload)
	return nil
}

// ListMessages pages through a conversation's history as seen by userID,
// oldest first.
func (o *Orchestrator) ListMessages(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if err := o.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := o.msgs.ListForConversation(ctx, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	visible := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.VisibleTo(userID) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

func (o *Orchestrator) requireMember(ctx context.Context, conversationID, userID string) error {
	conv, err := o.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	_, err = member(conv, userID)
	return err
}
