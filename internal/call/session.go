package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

var (
	// ErrPeerUnreachable means the callee has no live connection. No
	// session is created; the caller gets UI feedback, nothing more.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrSessionNotFound means a stale or already-consumed session was
	// referenced.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPairBusy means a session already exists between the two users.
	ErrPairBusy = errors.New("call already in progress")
)

type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

type Reason string

const (
	ReasonUserInitiated    Reason = "user-initiated"
	ReasonPeerDisconnected Reason = "peer-disconnected"
)

// Session is the bookkeeping record for one call attempt. Values returned
// by the Manager are copies; the Manager owns the live record.
type Session struct {
	Id           string
	CallerId     int
	CalleeId     int
	CallerConnId uuid.UUID
	CalleeConnId uuid.UUID
	Status       Status
	Offer        json.RawMessage
	Answer       json.RawMessage
	CreatedAt    time.Time
}

// Peer returns the other participant of the session.
func (s Session) Peer(userId int) int {
	if userId == s.CallerId {
		return s.CalleeId
	}
	return s.CallerId
}

func (s Session) involves(userId int) bool {
	return s.CallerId == userId || s.CalleeId == userId
}

// PresenceView is the slice of the presence registry the manager needs.
type PresenceView interface {
	ConnectionFor(userId int) (uuid.UUID, bool)
}

// pairKey normalizes an unordered user pair.
type pairKey struct {
	low, high int
}

func newPairKey(a, b int) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}

// Manager is the call session state machine. Sessions only move forward:
// Ringing to Active to Ended, never back. All mutations for a session
// happen under the manager's lock.
type Manager struct {
	log      *log.Logger
	presence PresenceView

	mu       sync.Mutex
	sessions map[string]*Session
	pairs    map[pairKey]string
}

func NewManager(logger *log.Logger, presence PresenceView) *Manager {
	return &Manager{
		log:      logger,
		presence: presence,
		sessions: make(map[string]*Session),
		pairs:    make(map[pairKey]string),
	}
}

// Initiate creates a Ringing session for a call from caller to callee. The
// callee must be reachable and the pair must not already have a session.
// Session ids are generated, not derived from the pair, so two simultaneous
// cross-initiated calls can never collide on a key.
func (m *Manager) Initiate(callerId, calleeId int, callerConnId uuid.UUID, offer json.RawMessage) (Session, error) {
	calleeConnId, ok := m.presence.ConnectionFor(calleeId)
	if !ok {
		return Session{}, ErrPeerUnreachable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pair := newPairKey(callerId, calleeId)
	if _, exists := m.pairs[pair]; exists {
		return Session{}, ErrPairBusy
	}

	id, err := shortid.Generate()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	s := &Session{
		Id:           id,
		CallerId:     callerId,
		CalleeId:     calleeId,
		CallerConnId: callerConnId,
		CalleeConnId: calleeConnId,
		Status:       StatusRinging,
		Offer:        offer,
		CreatedAt:    time.Now().UTC(),
	}

	m.sessions[id] = s
	m.pairs[pair] = id
	m.log.Printf("call %s: ringing, caller %d -> callee %d", id, callerId, calleeId)

	return *s, nil
}

// Answer transitions a Ringing session to Active exactly once. Answering a
// session that is absent or already consumed fails with ErrSessionNotFound.
func (m *Manager) Answer(sessionId string, answer json.RawMessage) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionId]
	if !ok || s.Status != StatusRinging {
		return Session{}, ErrSessionNotFound
	}

	s.Status = StatusActive
	s.Answer = answer
	m.log.Printf("call %s: active", sessionId)

	return *s, nil
}

// Decline ends and removes the session. Callee-initiated; the relay
// notifies the caller.
func (m *Manager) Decline(sessionId string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionId]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	m.removeLocked(s)
	m.log.Printf("call %s: declined", sessionId)

	return *s, nil
}

// End ends and removes the session. Both participants are notified with
// the reason by the relay.
func (m *Manager) End(sessionId string, reason Reason) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionId]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	m.removeLocked(s)
	m.log.Printf("call %s: ended (%s)", sessionId, reason)

	return *s, nil
}

// CleanupForUser ends every session the user participates in and returns
// the ended sessions so the hub can notify each counterpart with reason
// peer-disconnected.
func (m *Manager) CleanupForUser(userId int) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []Session
	for _, s := range m.sessions {
		if s.involves(userId) {
			m.removeLocked(s)
			ended = append(ended, *s)
		}
	}

	if len(ended) > 0 {
		m.log.Printf("cleaned up %d calls for user %d", len(ended), userId)
	}
	return ended
}

// Lookup returns a copy of the session, if it exists. The relay uses this
// to validate candidate forwarding against live sessions.
func (m *Manager) Lookup(sessionId string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionId]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

func (m *Manager) removeLocked(s *Session) {
	s.Status = StatusEnded
	delete(m.sessions, s.Id)
	delete(m.pairs, newPairKey(s.CallerId, s.CalleeId))
}
