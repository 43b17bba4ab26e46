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

// Users implements repositories.UserStore.
type Users struct {
	coll *mongo.Collection
}

var _ repositories.UserStore = (*Users)(nil)

// SetPresence upserts the presence fields unless a newer write already landed.
// The upsert then collides on _id, which is reported as a no-op.
func (s *Users) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": userID, "$or": bson.A{
			bson.M{"lastSeen": bson.M{"$exists": false}},
			bson.M{"lastSeen": bson.M{"$lte": at}},
		}},
		bson.M{"$set": bson.M{"isOnline": online, "lastSeen": at}},
		options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return classify(err)
}

func (s *Users) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.User{}, repositories.ErrUserNotFound
	}
	return user, classify(err)
}
