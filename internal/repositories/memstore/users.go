package memstore

import (
	"context"
	"sync"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// Users implements repositories.UserStore.
type Users struct {
	mu    sync.Mutex
	users map[string]models.User
}

var _ repositories.UserStore = (*Users)(nil)

func NewUsers() *Users {
	return &Users{users: map[string]models.User{}}
}

func (s *Users) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.users[userID]; ok && current.LastSeen.After(at) {
		return nil
	}
	s.users[userID] = models.User{ID: userID, IsOnline: online, LastSeen: at}
	return nil
}

func (s *Users) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, repositories.ErrUserNotFound
	}
	return user, nil
}
