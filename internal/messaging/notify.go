package messaging

import (
	"context"

	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
)

const previewLength = 120

// notifyOffline hands msg to the offline notifier for each recipient the
// broadcast did not reach, honoring mute and mentions-only settings.
func (o *Orchestrator) notifyOffline(ctx context.Context, conv *models.Conversation, msg *models.Message, recipients []string) {
	if o.notifier == nil || len(recipients) == 0 {
		return
	}
	mentioned := make(map[string]bool, len(msg.Mentions))
	for _, id := range msg.Mentions {
		mentioned[id] = true
	}
	for _, id := range recipients {
		p, ok := conv.ActiveParticipant(id)
		if !ok {
			continue
		}
		if p.Notifications.MutedAt(msg.CreatedAt) || (p.Notifications.MentionsOnly && !mentioned[id]) {
			observability.IncOfflineNotification("suppressed")
			continue
		}
		err := o.notifier.Notify(ctx, models.Notification{
			RecipientID:    id,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			Preview:        preview(msg),
			Mentioned:      mentioned[id],
			CreatedAt:      msg.CreatedAt,
		})
		if err != nil {
			observability.IncOfflineNotification("error")
			o.logger.Warn("offline notification failed", "user_id", id, "message_id", msg.ID, "err", err)
			continue
		}
		observability.IncOfflineNotification("sent")
	}
}

func preview(msg *models.Message) string {
	if msg.Content == "" && len(msg.Media) > 0 {
		return "[" + string(msg.Media[0].Type) + "]"
	}
	runes := []rune(msg.Content)
	if len(runes) > previewLength {
		return string(runes[:previewLength]) + "…"
	}
	return msg.Content
}

// PresenceChanged tells everyone sharing a conversation with t.UserID about
// the transition. It is meant to be installed as the presence registry's
// change hook.
func (o *Orchestrator) PresenceChanged(t presence.Transition) {
	ctx := context.Background()
	convs, err := o.convs.ListForUser(ctx, t.UserID)
	if err != nil {
		o.logger.Warn("presence fan-out failed", "user_id", t.UserID, "err", err)
		return
	}
	var peers []string
	for _, c := range convs {
		peers = append(peers, c.ActiveParticipantIDs()...)
	}
	peers = dedupe(peers, t.UserID)
	if len(peers) == 0 {
		return
	}
	o.broadcastUsers(ctx, peers, models.EventUserStatus, models.UserStatusPayload{
		UserID:   t.UserID,
		Online:   t.Online,
		LastSeen: t.At,
	})
}
