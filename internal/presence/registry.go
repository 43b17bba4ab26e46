// Package presence tracks which users have live connections in this process.
//
// The last connection of a user closing does not take the user offline
// straight away: the offline transition is scheduled after a grace period and
// cancelled if the user reconnects first. Transitions are persisted and
// reported in order by a single background worker, so registry calls never
// block on storage and never fail.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"chat-core/internal/observability"
)

const DefaultGrace = 5 * time.Second

// Conn is a live connection handle. Send must not block.
type Conn interface {
	ID() string
	UserID() string
	Send(data []byte) error
}

// Transition is an online or offline change of a user.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

type Options struct {
	Grace     time.Duration
	Persister Persister
	Logger    *log.Logger
}

type entry struct {
	conns    map[string]Conn
	lastSeen time.Time
	// gen invalidates pending offline timers; it changes on every register
	// and on every unregister that empties the entry.
	gen   uint64
	timer *time.Timer
}

// Registry maps user ids to their live connections.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	grace   time.Duration

	persister Persister
	logger    *log.Logger

	hookMu   sync.RWMutex
	onChange func(Transition)

	qmu     sync.Mutex
	pending []Transition
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewRegistry starts the persistence worker. Call Close to stop it.
func NewRegistry(opts Options) *Registry {
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		entries:   make(map[string]*entry),
		grace:     opts.Grace,
		persister: opts.Persister,
		logger:    logger.WithPrefix("presence"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// SetOnChange installs a hook called from the worker for every transition,
// after it was persisted.
func (r *Registry) SetOnChange(fn func(Transition)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onChange = fn
}

// Register adds conn for userID and cancels a pending offline transition.
func (r *Registry) Register(userID string, conn Conn) {
	now := time.Now()
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{conns: make(map[string]Conn)}
		r.entries[userID] = e
	}
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.conns[conn.ID()] = conn
	e.lastSeen = now
	online := len(r.entries)
	r.mu.Unlock()

	if !ok {
		observability.SetOnlineUsers(online)
		r.enqueue(Transition{UserID: userID, Online: true, At: now})
	}
}

// Unregister removes conn. When it was the user's last connection the
// offline transition fires after the grace period.
func (r *Registry) Unregister(userID string, conn Conn) {
	now := time.Now()
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := e.conns[conn.ID()]; !present {
		r.mu.Unlock()
		return
	}
	delete(e.conns, conn.ID())
	e.lastSeen = now
	if len(e.conns) > 0 {
		r.mu.Unlock()
		return
	}
	e.gen++
	gen := e.gen
	if r.grace > 0 {
		e.timer = time.AfterFunc(r.grace, func() { r.expire(userID, gen) })
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.expire(userID, gen)
}

func (r *Registry) expire(userID string, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || e.gen != gen || len(e.conns) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	at := e.lastSeen
	online := len(r.entries)
	r.mu.Unlock()

	observability.SetOnlineUsers(online)
	r.enqueue(Transition{UserID: userID, Online: false, At: at})
}

// IsOnline reports true while the user has connections or is inside the
// grace period.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// ConnectionsFor returns a snapshot of userID's live connections.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// AllOnlineUsers returns the online user ids in sorted order.
func (r *Registry) AllOnlineUsers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// LastSeen returns the last connect or disconnect time known to this process.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (r *Registry) enqueue(t Transition) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.closed {
		return
	}
	r.pending = append(r.pending, t)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		_, ok := <-r.wake
		r.drain()
		if !ok {
			return
		}
	}
}

func (r *Registry) drain() {
	for {
		r.qmu.Lock()
		if len(r.pending) == 0 {
			r.qmu.Unlock()
			return
		}
		t := r.pending[0]
		r.pending = r.pending[1:]
		r.qmu.Unlock()
		r.handle(t)
	}
}

func (r *Registry) handle(t Transition) {
	if r.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.persister.Persist(ctx, t)
		cancel()
		if err != nil {
			observability.IncPresencePersistError()
			r.logger.Warn("presence persist failed", "user_id", t.UserID, "online", t.Online, "err", err)
		}
	}

	r.hookMu.RLock()
	hook := r.onChange
	r.hookMu.RUnlock()
	if hook != nil {
		hook(t)
	}
}

// Close stops pending grace timers, drains queued transitions and stops the
// worker. Users inside the grace period are not reported offline.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.mu.Unlock()

	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return nil
	}
	r.closed = true
	close(r.wake)
	r.qmu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
