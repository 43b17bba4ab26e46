package presence

import (
	"context"
	"errors"

	"chat-core/internal/repositories"
)

// Persister stores presence transitions somewhere durable.
type Persister interface {
	Persist(ctx context.Context, t Transition) error
}

// Persisters fans a transition out to every persister and joins their errors.
type Persisters []Persister

func (ps Persisters) Persist(ctx context.Context, t Transition) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Persist(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StorePersister writes the online flag and last-seen time to the user store.
type StorePersister struct {
	Users repositories.UserStore
}

func (p StorePersister) Persist(ctx context.Context, t Transition) error {
	return p.Users.SetPresence(ctx, t.UserID, t.Online, t.At)
}
