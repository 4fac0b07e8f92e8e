package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatwave/internal/call"
	"chatwave/internal/database"
	"chatwave/internal/delivery"
	"chatwave/internal/presence"
	"chatwave/internal/stats"
	"chatwave/internal/types"
)

const (
	MetricActiveConnections   = "ActiveConnections"
	MetricActiveCalls         = "ActiveCalls"
	MetricTotalCallsInitiated = "TotalCallsInitiated"
	MetricMessagesDelivered   = "MessagesDelivered"
	MetricPresenceBroadcasts  = "PresenceBroadcasts"
)

// Hub owns the live connections and the coordination state behind them:
// the presence registry, the call session manager and the delivery
// tracker. Register/deregister flow through one run loop.
type Hub struct {
	log      *log.Logger
	db       database.Repository
	stats    stats.StatsProvider
	presence *presence.Registry
	calls    *call.Manager
	tracker  *delivery.Tracker
	relay    *Relay

	clients     map[uuid.UUID]*Client
	clientsLock sync.Mutex

	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
}

func NewHub(logger *log.Logger, db database.Repository, su stats.StatsProvider, coalesceWindow time.Duration) (*Hub, error) {
	h := &Hub{
		log:            logger,
		db:             db,
		stats:          su,
		tracker:        delivery.NewTracker(logger),
		clients:        make(map[uuid.UUID]*Client),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	h.presence = presence.NewRegistry(logger, coalesceWindow, h.broadcastOnline)
	h.calls = call.NewManager(logger, h.presence)
	h.relay = NewRelay(logger, h.presence, h.calls, h, su)

	su.RegisterMetric(MetricActiveConnections)
	su.RegisterMetric(MetricActiveCalls)
	su.RegisterMetric(MetricTotalCallsInitiated)
	su.RegisterMetric(MetricMessagesDelivered)
	su.RegisterMetric(MetricPresenceBroadcasts)

	return h, nil
}

// Presence exposes the registry for read-only queries by the API layer.
func (h *Hub) Presence() *presence.Registry {
	return h.presence
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.RegisterChan:
			h.log.Printf("adding connection from %q", client.user.Username)
			h.addClient(client)
		case client := <-h.deRegisterChan:
			h.log.Printf("removing connection from %q", client.user.Username)
			h.removeClient(client)
		case <-h.stop:
			h.log.Println("closing client connections")
			h.clientsLock.Lock()
			for _, c := range h.clients {
				c.stopClient()
			}
			h.clientsLock.Unlock()
			h.presence.Close()
			close(h.done)
			return
		}
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Println("received shutdown signal")
	close(h.stop)

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) addClient(c *Client) {
	h.clientsLock.Lock()
	// a fresh connection for the same user replaces the old one
	for connId, existing := range h.clients {
		if existing.user.Id == c.user.Id {
			h.log.Printf("closing replaced connection for user %d", c.user.Id)
			existing.stopClient()
			delete(h.clients, connId)
			h.stats.Decr(MetricActiveConnections)
		}
	}
	h.clients[c.connId] = c
	h.clientsLock.Unlock()

	h.presence.Register(c.user.Id, c.connId)
	h.stats.Incr(MetricActiveConnections)
}

func (h *Hub) removeClient(c *Client) {
	h.clientsLock.Lock()
	if cur, ok := h.clients[c.connId]; ok && cur == c {
		delete(h.clients, c.connId)
		h.stats.Decr(MetricActiveConnections)
	}
	h.clientsLock.Unlock()

	// a stale unregister from a replaced connection leaves the new
	// binding, the open view and any live calls alone
	if h.presence.Unregister(c.user.Id, c.connId) {
		h.tracker.CloseConversation(c.user.Id)
		h.relay.CleanupForUser(c.user.Id)
	}
}

// sendToConn queues msg on the client bound to connId.
func (h *Hub) sendToConn(connId uuid.UUID, msg *ServerMessage) bool {
	h.clientsLock.Lock()
	c, ok := h.clients[connId]
	h.clientsLock.Unlock()

	if !ok {
		return false
	}
	return c.queueMessage(msg)
}

// sendToUser resolves userId through the presence registry and queues msg
// on their live connection.
func (h *Hub) sendToUser(userId int, msg *ServerMessage) bool {
	connId, ok := h.presence.ConnectionFor(userId)
	if !ok {
		return false
	}
	return h.sendToConn(connId, msg)
}

// broadcastOnline fans the coalesced online set out to every connection.
func (h *Hub) broadcastOnline(online []int) {
	h.stats.Incr(MetricPresenceBroadcasts)
	msg := NewOnlineUsers(online)

	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	for _, c := range h.clients {
		c.queueMessage(msg)
	}
}

// DeliverMessage persists one direct message and routes it. It reports the
// stored message, with Seen already decided by the recipient's active
// view. Used by both the ws publish path and the HTTP send handler.
func (h *Hub) DeliverMessage(senderId, recipientId int, content string) (database.Message, error) {
	seen := h.tracker.Deliver(senderId, recipientId)

	msg, err := h.db.CreateMessage(database.CreateMessageParams{
		SenderId:    senderId,
		RecipientId: recipientId,
		Content:     content,
		Seen:        seen,
	})
	if err != nil {
		return database.Message{}, err
	}

	h.stats.Incr(MetricMessagesDelivered)
	h.sendToUser(recipientId, NewChatMessage(0, toTypesMessage(msg)))

	return msg, nil
}

func (h *Hub) handlePublish(msg *ClientMessage) {
	stored, err := h.DeliverMessage(msg.UserId, msg.Publish.To, msg.Publish.Content)
	if err != nil {
		h.log.Println("deliver message:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	// echo the stored message so the sender sees ids and seen state
	msg.client.queueMessage(NewChatMessage(msg.Id, toTypesMessage(stored)))
}

// OpenConversation marks the conversation from senderId as the one
// recipientId is viewing, persists the seen flags, and tells the sender
// their messages were seen. Shared by the ws read path and the HTTP
// mark-seen handler.
func (h *Hub) OpenConversation(recipientId, senderId int) error {
	h.tracker.OpenConversation(recipientId, senderId)

	n, err := h.db.MarkConversationSeen(recipientId, senderId)
	if err != nil {
		return err
	}

	if n > 0 {
		h.sendToUser(senderId, NewMessageSeen(recipientId))
	}
	return nil
}

func (h *Hub) handleRead(msg *ClientMessage) {
	if msg.Read.UserId == 0 {
		h.tracker.CloseConversation(msg.UserId)
		return
	}

	if err := h.OpenConversation(msg.UserId, msg.Read.UserId); err != nil {
		h.log.Println("open conversation:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
	}
}

// Unseen reports the tracker's live unseen counts for recipientId.
func (h *Hub) Unseen(recipientId int) map[int]int {
	return h.tracker.Unseen(recipientId)
}

func toTypesMessage(m database.Message) types.Message {
	return types.Message{
		Id:          m.Id,
		SenderId:    m.SenderId,
		RecipientId: m.RecipientId,
		Content:     m.Content,
		Seen:        m.Seen,
		Timestamp:   m.CreatedAt,
	}
}
