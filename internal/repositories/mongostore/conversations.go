package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// conversationDoc is the stored shape: the model plus bookkeeping fields that
// never leave the store.
type conversationDoc struct {
	models.Conversation `bson:",inline"`

	// RosterVersion changes with every membership mutation so counter updates
	// can detect a roster that moved under them.
	RosterVersion   int64    `bson:"rosterVersion"`
	AppliedMessages []string `bson:"appliedMessages,omitempty"`
}

// Conversations implements repositories.ConversationStore.
type Conversations struct {
	coll *mongo.Collection
}

var _ repositories.ConversationStore = (*Conversations)(nil)

const recordAttempts = 3

func activeMember(userID string) bson.M {
	return bson.M{"$elemMatch": bson.M{"userId": userID, "isActive": true}}
}

func unreadPath(userID string) string {
	return "unreadCounts." + userID
}

func (s *Conversations) Create(ctx context.Context, conv *models.Conversation) error {
	doc := conversationDoc{Conversation: *conv}
	if doc.UnreadCounts == nil {
		doc.UnreadCounts = map[string]models.UnreadState{}
	}
	for _, p := range doc.Participants {
		if p.IsActive {
			doc.UnreadCounts[p.UserID] = models.UnreadState{}
		}
	}
	if doc.Drafts == nil {
		doc.Drafts = map[string]string{}
	}
	if doc.PinnedMessages == nil {
		doc.PinnedMessages = []models.PinnedMessage{}
	}
	doc.Stats.TotalParticipants = len(doc.ActiveParticipants())
	_, err := s.coll.InsertOne(ctx, doc)
	return classify(err)
}

func (s *Conversations) findOne(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var doc conversationDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repositories.ErrConversationNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &doc.Conversation, nil
}

func (s *Conversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *Conversations) FindDirect(ctx context.Context, directKey string) (*models.Conversation, error) {
	return s.findOne(ctx, bson.M{"directKey": directKey, "isDeleted": false})
}

func (s *Conversations) FindByInviteCode(ctx context.Context, code string) (*models.Conversation, error) {
	return s.findOne(ctx, bson.M{"inviteLink.code": code, "isDeleted": false})
}

func (s *Conversations) ListForUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "stats.lastActivity", Value: -1}})
	cursor, err := s.coll.Find(ctx, bson.M{"participants": activeMember(userID), "isDeleted": false}, opts)
	if err != nil {
		return nil, classify(err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	out := make([]*models.Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, &docs[i].Conversation)
	}
	return out, nil
}

func (s *Conversations) ActiveParticipantIDs(ctx context.Context, id string) ([]string, error) {
	opts := options.FindOne().SetProjection(bson.M{"participants": 1})
	var doc conversationDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "isDeleted": false}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return doc.ActiveParticipantIDs(), nil
}

func (s *Conversations) exists(ctx context.Context, id string) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

// AddParticipants reactivates inactive entries in place and pushes entries for
// users never seen before. Each step is a single conditional update.
func (s *Conversations) AddParticipants(ctx context.Context, id string, participants []models.Participant) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	now := time.Now()
	for _, p := range participants {
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "participants": bson.M{"$elemMatch": bson.M{"userId": p.UserID, "isActive": false}}},
			bson.M{
				"$set": bson.M{"participants.$": p, unreadPath(p.UserID): models.UnreadState{}, "updatedAt": now},
				"$inc": bson.M{"rosterVersion": 1, "stats.totalParticipants": 1},
			})
		if err != nil {
			return classify(err)
		}
		if res.MatchedCount > 0 {
			continue
		}
		_, err = s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "participants.userId": bson.M{"$ne": p.UserID}},
			bson.M{
				"$push": bson.M{"participants": p},
				"$set":  bson.M{unreadPath(p.UserID): models.UnreadState{}, "updatedAt": now},
				"$inc":  bson.M{"rosterVersion": 1, "stats.totalParticipants": 1},
			})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (s *Conversations) DeactivateParticipant(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "participants": activeMember(userID)},
		bson.M{
			"$set": bson.M{"participants.$.isActive": false, "participants.$.leftAt": at, "updatedAt": at},
			"$inc": bson.M{"rosterVersion": 1, "stats.totalParticipants": -1},
		})
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 0 {
		return false, s.exists(ctx, id)
	}
	return true, nil
}

func (s *Conversations) PromoteToAdmin(ctx context.Context, id, userID string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "participants": activeMember(userID)},
		bson.M{"$set": bson.M{
			"participants.$.role":        models.RoleAdmin,
			"participants.$.permissions": models.AdminPermissions(),
		}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return repositories.ErrParticipantNotFound
	}
	return nil
}

func (s *Conversations) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "isDeleted": false},
		bson.M{
			"$set":   bson.M{"isDeleted": true, "deletedAt": at, "updatedAt": at},
			"$unset": bson.M{"directKey": "", "inviteLink": ""},
		})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

// RecordMessage builds the $inc set from the roster it read and applies it only
// while the roster version is unchanged and the message id is not yet
// recorded.
func (s *Conversations) RecordMessage(ctx context.Context, id string, rec repositories.MessageRecord) (bool, error) {
	mentioned := make(map[string]bool, len(rec.Mentions))
	for _, m := range rec.Mentions {
		mentioned[m] = true
	}
	for attempt := 0; attempt < recordAttempts; attempt++ {
		var doc conversationDoc
		opts := options.FindOne().SetProjection(bson.M{"participants": 1, "rosterVersion": 1, "appliedMessages": 1})
		err := s.coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, repositories.ErrConversationNotFound
		}
		if err != nil {
			return false, classify(err)
		}
		for _, applied := range doc.AppliedMessages {
			if applied == rec.MessageID {
				return false, nil
			}
		}

		inc := bson.M{"stats.totalMessages": 1}
		for _, p := range doc.ActiveParticipants() {
			if p.UserID == rec.SenderID {
				continue
			}
			inc[unreadPath(p.UserID)+".count"] = 1
			if mentioned[p.UserID] {
				inc[unreadPath(p.UserID)+".mentionsCount"] = 1
			}
		}
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "rosterVersion": doc.RosterVersion, "appliedMessages": bson.M{"$ne": rec.MessageID}},
			bson.M{
				"$inc": inc,
				"$set": bson.M{
					"lastMessage":        rec.MessageID,
					"lastMessageAt":      rec.At,
					"stats.lastActivity": rec.At,
					"updatedAt":          rec.At,
				},
				"$push": bson.M{"appliedMessages": bson.M{"$each": bson.A{rec.MessageID}, "$slice": -appliedWindow}},
			})
		if err != nil {
			return false, classify(err)
		}
		if res.MatchedCount > 0 {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: roster changed while recording message %s", repositories.ErrTransient, rec.MessageID)
}

func (s *Conversations) ResetUnread(ctx context.Context, id, userID, lastReadMessageID string, at time.Time) (bool, error) {
	path := unreadPath(userID)
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id": id,
			path:  bson.M{"$exists": true},
			"$or": bson.A{
				bson.M{path + ".count": bson.M{"$ne": 0}},
				bson.M{path + ".mentionsCount": bson.M{"$ne": 0}},
				bson.M{path + ".lastReadMessageId": bson.M{"$ne": lastReadMessageID}},
			},
		},
		bson.M{"$set": bson.M{path: models.UnreadState{LastReadMessageID: lastReadMessageID, LastReadAt: &at}}})
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 0 {
		return false, s.exists(ctx, id)
	}
	return true, nil
}

func (s *Conversations) EnsureUnreadEntry(ctx context.Context, id, userID string) error {
	path := unreadPath(userID)
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, path: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{path: models.UnreadState{}}})
	return classify(err)
}

func (s *Conversations) TotalUnread(ctx context.Context, userID string) (int, error) {
	opts := options.Find().SetProjection(bson.M{unreadPath(userID): 1})
	cursor, err := s.coll.Find(ctx, bson.M{"participants": activeMember(userID), "isDeleted": false}, opts)
	if err != nil {
		return 0, classify(err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, classify(err)
	}
	total := 0
	for _, doc := range docs {
		total += doc.UnreadFor(userID).Count
	}
	return total, nil
}

func (s *Conversations) SetInvite(ctx context.Context, id string, invite models.InviteLink) error {
	invite.CurrentUses = 0
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "isDeleted": false},
		bson.M{"$set": bson.M{"inviteLink": invite, "updatedAt": time.Now()}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

func (s *Conversations) ConsumeInvite(ctx context.Context, id, code string, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":             id,
			"isDeleted":       false,
			"inviteLink.code": code,
			"$and": bson.A{
				bson.M{"$or": bson.A{
					bson.M{"inviteLink.expiresAt": nil},
					bson.M{"inviteLink.expiresAt": bson.M{"$gt": at}},
				}},
				bson.M{"$or": bson.A{
					bson.M{"inviteLink.maxUses": 0},
					bson.M{"$expr": bson.M{"$lt": bson.A{"$inviteLink.currentUses", "$inviteLink.maxUses"}}},
				}},
			},
		},
		bson.M{"$inc": bson.M{"inviteLink.currentUses": 1}})
	if err != nil {
		return false, classify(err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Conversations) SetDraft(ctx context.Context, id, userID, content string) error {
	update := bson.M{"$set": bson.M{"drafts." + userID: content}}
	if content == "" {
		update = bson.M{"$unset": bson.M{"drafts." + userID: ""}}
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

func (s *Conversations) AddPin(ctx context.Context, id string, pin models.PinnedMessage) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "pinnedMessages.messageId": bson.M{"$ne": pin.MessageID}},
		bson.M{"$push": bson.M{"pinnedMessages": pin}})
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 0 {
		return false, s.exists(ctx, id)
	}
	return true, nil
}

func (s *Conversations) RemovePin(ctx context.Context, id, messageID string) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$pull": bson.M{"pinnedMessages": bson.M{"messageId": messageID}}})
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 0 {
		return false, repositories.ErrConversationNotFound
	}
	return res.ModifiedCount > 0, nil
}
