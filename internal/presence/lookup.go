package presence

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

const lookupTimeout = 2 * time.Second

// Lookup answers presence queries for users connected to any process. The
// local registry is consulted first; the Redis mirror, when set, covers
// connections held elsewhere.
type Lookup struct {
	local  *Registry
	remote *RedisPersister
	logger *log.Logger
}

func NewLookup(local *Registry, remote *RedisPersister) *Lookup {
	return &Lookup{local: local, remote: remote, logger: log.WithPrefix("presence")}
}

func (l *Lookup) IsOnline(userID string) bool {
	if l.local.IsOnline(userID) {
		return true
	}
	if l.remote == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	online, err := l.remote.IsOnline(ctx, userID)
	if err != nil {
		l.logger.Warn("remote presence lookup failed", "user_id", userID, "err", err)
		return false
	}
	return online
}

// LastSeen prefers the more recent of the local and mirrored timestamps.
func (l *Lookup) LastSeen(userID string) (time.Time, bool) {
	seen, ok := l.local.LastSeen(userID)
	if l.remote == nil {
		return seen, ok
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	remote, found, err := l.remote.LastSeen(ctx, userID)
	if err != nil {
		l.logger.Warn("remote last seen lookup failed", "user_id", userID, "err", err)
		return seen, ok
	}
	if found && (!ok || remote.After(seen)) {
		return remote, true
	}
	return seen, ok
}
