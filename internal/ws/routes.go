package ws

import (
	"context"
	"encoding/json"

	"chat-core/internal/apperr"
	"chat-core/internal/messaging"
	"chat-core/internal/models"
)

type route func(s *Session, ctx context.Context, data json.RawMessage) error

// routes maps inbound events to their handlers. Acknowledgements and
// broadcasts are emitted by the service; handlers only translate payloads.
var routes map[string]route

func init() {
	routes = map[string]route{
		models.EventConversationCreate:       (*Session).createConversation,
		models.EventConversationJoin:         (*Session).joinConversation,
		models.EventConversationLeave:        (*Session).leaveConversation,
		models.EventConversationAddMembers:   (*Session).addMembers,
		models.EventConversationRemoveMember: (*Session).removeMember,
		models.EventConversationMarkRead:     (*Session).markRead,
		models.EventConversationDraft:        (*Session).saveDraft,
		models.EventConversationInvite:       (*Session).createInvite,
		models.EventMessageSend:              (*Session).sendMessage,
		models.EventMessageDelivered:         receipt(models.StatusDelivered),
		models.EventMessageRead:              receipt(models.StatusRead),
		models.EventMessageDelete:            (*Session).deleteMessage,
		models.EventMessageEdit:              (*Session).editMessage,
		models.EventMessageReact:             (*Session).react,
		models.EventMessageUnreact:           (*Session).unreact,
		models.EventMessagePin:               (*Session).pin,
		models.EventMessageUnpin:             (*Session).unpin,
		models.EventTypingStart:              typing(models.EventTypingStart),
		models.EventTypingStop:               typing(models.EventTypingStop),
	}
}

func (s *Session) userID() string { return s.info.UserID }

func (s *Session) createConversation(ctx context.Context, data json.RawMessage) error {
	var req createConversationRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Type == models.ConversationDirect {
		if len(req.ParticipantIDs) != 1 {
			return apperr.Errorf(apperr.ErrValidation, "a direct conversation needs exactly one other participant")
		}
		_, err := s.h.svc.FindOrCreateDirect(ctx, s.userID(), req.ParticipantIDs[0], req.ClientID)
		return err
	}
	_, err := s.h.svc.CreateGroup(ctx, s.userID(), messaging.GroupInput{
		Type:           req.Type,
		Name:           req.Name,
		Description:    req.Description,
		Privacy:        req.Privacy,
		ParticipantIDs: req.ParticipantIDs,
		Settings:       req.Settings,
		ClientID:       req.ClientID,
	})
	return err
}

// joinConversation either redeems an invite code or subscribes this
// connection to the room of a conversation the user already belongs to.
func (s *Session) joinConversation(ctx context.Context, data json.RawMessage) error {
	var req joinRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.InviteCode != "" {
		_, err := s.h.svc.JoinByInvite(ctx, req.InviteCode, s.userID(), req.ClientID)
		return err
	}
	if req.ConversationID == "" {
		return apperr.Errorf(apperr.ErrValidation, "conversationId or inviteCode is required")
	}
	if err := s.h.svc.CheckMember(ctx, req.ConversationID, s.userID()); err != nil {
		return err
	}
	s.h.router.JoinRoom(req.ConversationID, s.client)
	s.reply(models.EventConversationUserJoined, models.MembershipPayload{
		ConversationID: req.ConversationID,
		UserIDs:        []string{s.userID()},
		ActorID:        s.userID(),
		ClientID:       req.ClientID,
	})
	return nil
}

func (s *Session) leaveConversation(ctx context.Context, data json.RawMessage) error {
	var req membersRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.h.svc.RemoveParticipant(ctx, req.ConversationID, s.userID(), s.userID(), req.ClientID)
}

func (s *Session) addMembers(ctx context.Context, data json.RawMessage) error {
	var req membersRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if len(req.UserIDs) == 0 && req.UserID != "" {
		req.UserIDs = []string{req.UserID}
	}
	_, err := s.h.svc.AddParticipants(ctx, req.ConversationID, s.userID(), req.UserIDs, req.ClientID)
	return err
}

func (s *Session) removeMember(ctx context.Context, data json.RawMessage) error {
	var req membersRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return apperr.Errorf(apperr.ErrValidation, "userId is required")
	}
	return s.h.svc.RemoveParticipant(ctx, req.ConversationID, s.userID(), req.UserID, req.ClientID)
}

func (s *Session) markRead(ctx context.Context, data json.RawMessage) error {
	var req markReadRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.svc.MarkRead(ctx, req.ConversationID, s.userID(), req.LastReadMessageID, req.ClientID)
	return err
}

func (s *Session) saveDraft(ctx context.Context, data json.RawMessage) error {
	var req draftRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.h.svc.SaveDraft(ctx, req.ConversationID, s.userID(), req.Content, req.ClientID)
}

func (s *Session) createInvite(ctx context.Context, data json.RawMessage) error {
	var req inviteRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.svc.CreateInvite(ctx, req.ConversationID, s.userID(), messaging.InviteInput{
		ExpiresIn: req.expiresIn(),
		MaxUses:   req.MaxUses,
		ClientID:  req.ClientID,
	})
	return err
}

func (s *Session) sendMessage(ctx context.Context, data json.RawMessage) error {
	var req sendRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.svc.SendMessage(ctx, messaging.SendInput{
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		SenderID:       s.userID(),
		Content:        req.Content,
		Media:          req.Media,
		ReplyTo:        req.ReplyTo,
		ForwardedFrom:  req.ForwardedFrom,
		Mentions:       req.Mentions,
		ClientID:       req.ClientID,
	})
	return err
}

func receipt(status models.MessageStatus) route {
	return func(s *Session, ctx context.Context, data json.RawMessage) error {
		var req messageRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		_, err := s.h.svc.UpdateDeliveryStatus(ctx, req.MessageID, s.userID(), status, req.ClientID)
		return err
	}
}

func (s *Session) deleteMessage(ctx context.Context, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.h.svc.DeleteMessage(ctx, req.MessageID, s.userID(), req.DeleteFor, req.ClientID)
}

func (s *Session) editMessage(ctx context.Context, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.svc.EditMessage(ctx, req.MessageID, s.userID(), req.Content, req.ClientID)
	return err
}

func (s *Session) react(ctx context.Context, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.svc.ToggleReaction(ctx, req.MessageID, s.userID(), req.Emoji, req.ClientID)
	return err
}

func (s *Session) unreact(ctx context.Context, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := s.h.svc.RemoveReaction(ctx, req.MessageID, s.userID(), req.ClientID)
	return err
}

func (s *Session) pin(ctx context.Context, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.h.svc.PinMessage(ctx, req.MessageID, s.userID(), req.ClientID)
}

func (s *Session) unpin(ctx context.Context, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	return s.h.svc.UnpinMessage(ctx, req.MessageID, s.userID(), req.ClientID)
}

// typing relays to the other connections in the conversation room. Typing
// is never persisted.
func typing(event string) route {
	return func(s *Session, ctx context.Context, data json.RawMessage) error {
		var req typingRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		if req.ConversationID == "" {
			return apperr.Errorf(apperr.ErrValidation, "conversationId is required")
		}
		if !s.h.router.InRoom(req.ConversationID, s.client) {
			return apperr.Errorf(apperr.ErrPermissionDenied, "not joined to conversation %s", req.ConversationID)
		}
		s.h.router.BroadcastToRoom(ctx, req.ConversationID, s.userID(), event, models.TypingPayload{
			ConversationID: req.ConversationID,
			UserID:         s.userID(),
		})
		return nil
	}
}
