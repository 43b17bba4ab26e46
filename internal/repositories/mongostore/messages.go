package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

type messageDoc struct {
	models.Message `bson:",inline"`

	// StatusRank mirrors Status.Rank so forward-only transitions are a
	// single filtered update.
	StatusRank int `bson:"statusRank"`
}

// Messages implements repositories.MessageStore.
type Messages struct {
	coll *mongo.Collection
}

var _ repositories.MessageStore = (*Messages)(nil)

func (s *Messages) Insert(ctx context.Context, msg *models.Message) error {
	doc := messageDoc{Message: *msg, StatusRank: msg.Status.Rank()}
	if doc.DeliveredTo == nil {
		doc.DeliveredTo = []models.Receipt{}
	}
	if doc.ReadBy == nil {
		doc.ReadBy = []models.Receipt{}
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return classify(err)
}

func (s *Messages) Get(ctx context.Context, id string) (*models.Message, error) {
	var doc messageDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, repositories.ErrMessageNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &doc.Message, nil
}

func (s *Messages) ListForConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]*models.Message, error) {
	filter := bson.M{"conversationId": conversationID}
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	out := make([]*models.Message, len(docs))
	for i := range docs {
		out[len(docs)-1-i] = &docs[i].Message
	}
	return out, nil
}

// changed turns a conditional update result into (applied, err): a miss on an
// existing document means the guard rejected the write.
func (s *Messages) changed(ctx context.Context, id string, res *mongo.UpdateResult, err error) (bool, error) {
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, classify(err)
	}
	if n == 0 {
		return false, repositories.ErrMessageNotFound
	}
	return false, nil
}

func (s *Messages) AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	filter := bson.M{"_id": id, "statusRank": bson.M{"$lt": status.Rank()}, "status": bson.M{"$ne": models.StatusFailed}}
	if status == models.StatusFailed {
		filter = bson.M{"_id": id, "status": models.StatusSending}
	}
	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":     status,
		"statusRank": status.Rank(),
		"updatedAt":  time.Now(),
	}})
	return s.changed(ctx, id, res, err)
}

func (s *Messages) AddReceipt(ctx context.Context, id, userID string, kind models.ReceiptKind, at time.Time) (bool, error) {
	field := "deliveredTo"
	if kind == models.ReceiptRead {
		field = "readBy"
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, field + ".userId": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{field: models.Receipt{UserID: userID, At: at}}})
	return s.changed(ctx, id, res, err)
}

func (s *Messages) ToggleReaction(ctx context.Context, id, userID, emoji string, at time.Time) (bool, error) {
	path := "reactions." + userID
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, path + ".emoji": emoji},
		bson.M{"$unset": bson.M{path: ""}})
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount > 0 {
		return false, nil
	}
	res, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{path: models.Reaction{Emoji: emoji, At: at}}})
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 0 {
		return false, repositories.ErrMessageNotFound
	}
	return true, nil
}

func (s *Messages) RemoveReaction(ctx context.Context, id, userID string) (bool, error) {
	path := "reactions." + userID
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, path: bson.M{"$exists": true}},
		bson.M{"$unset": bson.M{path: ""}})
	return s.changed(ctx, id, res, err)
}

func (s *Messages) DeleteForEveryone(ctx context.Context, id, deletedBy string, at time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "isDeleted": false},
		bson.M{
			"$set": bson.M{
				"isDeleted": true,
				"deletedAt": at,
				"deletedBy": deletedBy,
				"content":   "",
				"isPinned":  false,
				"updatedAt": at,
			},
			"$unset": bson.M{"media": ""},
		})
	return s.changed(ctx, id, res, err)
}

func (s *Messages) HideForUser(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "deletedFor": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"deletedFor": userID}})
	return s.changed(ctx, id, res, err)
}

// Edit moves the current content into editHistory and sets the new content in
// one pipeline update.
func (s *Messages) Edit(ctx context.Context, id, content string, at time.Time) (bool, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"editHistory": bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$editHistory", bson.A{}}},
				bson.A{bson.M{"content": "$content", "editedAt": at}},
			}},
			"content":   content,
			"isEdited":  true,
			"updatedAt": at,
		}}},
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "isDeleted": false}, pipeline)
	return s.changed(ctx, id, res, err)
}

func (s *Messages) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"isPinned": pinned}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return repositories.ErrMessageNotFound
	}
	return nil
}
