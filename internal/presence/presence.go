package presence

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCoalesceWindow is how long the registry waits before broadcasting
// the online set, so a burst of connects and disconnects produces one
// broadcast instead of one per event.
const DefaultCoalesceWindow = 100 * time.Millisecond

// Broadcaster receives the full online set whenever it changes.
type Broadcaster func(online []int)

// Registry is the authoritative mapping of user id to live connection id.
// One binding per user; a newer connection replaces the prior one.
type Registry struct {
	log       *log.Logger
	broadcast Broadcaster
	window    time.Duration

	mu       sync.Mutex
	bindings map[int]uuid.UUID
	timer    *time.Timer
	closed   bool
}

func NewRegistry(logger *log.Logger, window time.Duration, broadcast Broadcaster) *Registry {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Registry{
		log:       logger,
		broadcast: broadcast,
		window:    window,
		bindings:  make(map[int]uuid.UUID),
	}
}

// Register binds userId to connId, replacing any prior binding.
func (r *Registry) Register(userId int, connId uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bindings[userId]; ok && prev != connId {
		r.log.Printf("replacing connection for user %d", userId)
	}
	r.bindings[userId] = connId
	r.scheduleBroadcastLocked()
}

// Unregister removes the binding for userId, but only if it still points at
// connId. A stale disconnect from a replaced connection is a no-op, which
// keeps last-connect-wins correct. Returns whether the binding was removed.
func (r *Registry) Unregister(userId int, connId uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.bindings[userId]
	if !ok || cur != connId {
		return false
	}

	delete(r.bindings, userId)
	r.scheduleBroadcastLocked()
	return true
}

func (r *Registry) IsOnline(userId int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.bindings[userId]
	return ok
}

// ConnectionFor returns the live connection id for userId, if any.
func (r *Registry) ConnectionFor(userId int) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connId, ok := r.bindings[userId]
	return connId, ok
}

// OnlineUsers returns a sorted snapshot of the currently bound user ids.
func (r *Registry) OnlineUsers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []int {
	online := make([]int, 0, len(r.bindings))
	for userId := range r.bindings {
		online = append(online, userId)
	}
	slices.Sort(online)
	return online
}

// scheduleBroadcastLocked arms the coalescing timer if it isn't already
// running. The table mutation itself has already happened; only the
// broadcast is deferred.
func (r *Registry) scheduleBroadcastLocked() {
	if r.closed || r.broadcast == nil || r.timer != nil {
		return
	}

	r.timer = time.AfterFunc(r.window, r.fireBroadcast)
}

func (r *Registry) fireBroadcast() {
	r.mu.Lock()
	r.timer = nil
	if r.closed {
		r.mu.Unlock()
		return
	}
	online := r.onlineLocked()
	r.mu.Unlock()

	r.broadcast(online)
}

// Close stops any pending broadcast. The registry must not be used after.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
