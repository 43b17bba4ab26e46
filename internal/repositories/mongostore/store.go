// Package mongostore implements the conversation, message and user stores on
// MongoDB. Counters are updated with $inc under guard filters, and
// multi-document operations use session transactions when the deployment
// supports them.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chat-core/internal/repositories"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	usersCollection         = "users"

	// appliedWindow bounds the per-conversation list of message ids whose
	// counters were already recorded.
	appliedWindow = 512

	codeIllegalOperation = 20
	codeWriteConflict    = 112
)

// Store owns the client and hands out the typed stores.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	noTx atomic.Bool
}

var _ repositories.Transactor = (*Store)(nil)

// Connect dials uri, pings the deployment and ensures indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	log.Info("MongoDB store ready", "database", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	collections := map[string][]mongo.IndexModel{
		conversationsCollection: {
			{
				Keys:    bson.D{{Key: "directKey", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true).SetName("unique_direct_pair"),
			},
			{
				Keys:    bson.D{{Key: "inviteLink.code", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true).SetName("unique_invite_code"),
			},
			{Keys: bson.D{{Key: "participants.userId", Value: 1}, {Key: "isDeleted", Value: 1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
	}
	for name, indexes := range collections {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo: failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Conversations() *Conversations {
	return &Conversations{coll: s.db.Collection(conversationsCollection)}
}

func (s *Store) Messages() *Messages {
	return &Messages{coll: s.db.Collection(messagesCollection)}
}

func (s *Store) Users() *Users {
	return &Users{coll: s.db.Collection(usersCollection)}
}

// WithTx runs fn inside a session transaction. Standalone servers reject
// transactions; once that is observed the store reports ErrTxUnsupported
// without opening further sessions.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.noTx.Load() {
		return repositories.ErrTxUnsupported
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return classify(err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx)
	})
	err = classify(err)
	if errors.Is(err, repositories.ErrTxUnsupported) {
		s.noTx.Store(true)
		log.Warn("mongo transactions unsupported, using atomic fallback")
	}
	return err
}

// classify maps driver errors onto the repository sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repositories.ErrDuplicate) ||
		errors.Is(err, repositories.ErrTxUnsupported) ||
		errors.Is(err, repositories.ErrTransient) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", repositories.ErrDuplicate, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeIllegalOperation):
			return fmt.Errorf("%w: %v", repositories.ErrTxUnsupported, err)
		case se.HasErrorCode(codeWriteConflict), se.HasErrorLabel("TransientTransactionError"):
			return fmt.Errorf("%w: %v", repositories.ErrTransient, err)
		}
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %v", repositories.ErrTransient, err)
	}
	return err
}
