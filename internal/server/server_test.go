package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatwave/internal/database"
	"chatwave/internal/stats"
	"chatwave/internal/testutil"
	"chatwave/internal/types"
)

// newTestHub creates a Hub for testing purposes
func newTestHub(t *testing.T, db database.Repository, su *stats.MockStatsUpdater) *Hub {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)

	logger := testutil.TestLogger(t)
	h, err := NewHub(logger, db, su, time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create test Hub: %v", err)
	}
	return h
}

func newTestClient(t *testing.T, h *Hub, user types.User) *Client {
	return NewClient(user, nil, h, testutil.TestLogger(t))
}

func TestNewHub(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(5)

	logger := testutil.TestLogger(t)
	h, err := NewHub(logger, db, su, time.Millisecond)
	assert.NoError(t, err, "expected no error creating Hub")
	assert.NotNil(t, h, "expected Hub to be non-nil")
	assert.Equal(t, logger, h.log, "expected logger to be set")
	assert.Equal(t, db, h.db, "expected repository to be set")
	assert.NotNil(t, h.presence, "expected presence registry to be initialized")
	assert.NotNil(t, h.calls, "expected call manager to be initialized")
	assert.NotNil(t, h.tracker, "expected delivery tracker to be initialized")
	assert.NotNil(t, h.relay, "expected relay to be initialized")
	assert.NotNil(t, h.RegisterChan, "expected RegisterChan to be initialized")
	assert.NotNil(t, h.clients, "expected clients map to be initialized")
}

func TestHubShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		h := newTestHub(t, &database.MockRepository{}, su)

		go h.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := h.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails when run loop is not draining", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		h := newTestHub(t, &database.MockRepository{}, su)

		// Run is never started, so done is never closed
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := h.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestAddRemoveClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", MetricActiveConnections).Return()
	su.On("Decr", MetricActiveConnections).Return()

	h := newTestHub(t, &database.MockRepository{}, su)

	c := newTestClient(t, h, types.User{Id: 1, Username: "alice"})
	h.addClient(c)

	assert.True(t, h.presence.IsOnline(1), "expected user online after add")
	connId, ok := h.presence.ConnectionFor(1)
	require.True(t, ok)
	assert.Equal(t, c.connId, connId)

	h.removeClient(c)
	assert.False(t, h.presence.IsOnline(1), "expected user offline after remove")

	h.clientsLock.Lock()
	assert.Empty(t, h.clients, "expected clients map empty after remove")
	h.clientsLock.Unlock()
}

func TestAddClientReplacesConnection(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", MetricActiveConnections).Return()
	su.On("Decr", MetricActiveConnections).Return()

	h := newTestHub(t, &database.MockRepository{}, su)

	user := types.User{Id: 1, Username: "alice"}
	oldClient := newTestClient(t, h, user)
	newClient := newTestClient(t, h, user)

	h.addClient(oldClient)
	h.addClient(newClient)

	select {
	case <-oldClient.stop:
	default:
		t.Error("expected replaced client to be stopped")
	}

	connId, ok := h.presence.ConnectionFor(1)
	require.True(t, ok)
	assert.Equal(t, newClient.connId, connId, "expected new connection to win")

	// the replaced connection's deregistration must not knock the new
	// binding offline or end the user's calls
	h.removeClient(oldClient)
	assert.True(t, h.presence.IsOnline(1), "expected user still online after stale remove")

	h.clientsLock.Lock()
	_, ok = h.clients[newClient.connId]
	h.clientsLock.Unlock()
	assert.True(t, ok, "expected new client still registered")
}

func TestDeliverMessage(t *testing.T) {
	t.Run("recipient not viewing", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", MetricActiveConnections).Return()
		su.On("Incr", MetricMessagesDelivered).Return()

		h := newTestHub(t, db, su)

		recipient := newTestClient(t, h, types.User{Id: 2, Username: "bob"})
		h.addClient(recipient)

		db.On("CreateMessage", database.CreateMessageParams{
			SenderId:    1,
			RecipientId: 2,
			Content:     "hello",
			Seen:        false,
		}).Return(database.Message{
			Id:          7,
			SenderId:    1,
			RecipientId: 2,
			Content:     "hello",
		}, nil)

		stored, err := h.DeliverMessage(1, 2, "hello")
		require.NoError(t, err)
		assert.Equal(t, 7, stored.Id)
		assert.False(t, stored.Seen)

		select {
		case msg := <-recipient.send:
			require.NotNil(t, msg.Message, "expected a chat message")
			assert.Equal(t, "hello", msg.Message.Content)
		default:
			t.Error("expected message queued for recipient")
		}

		assert.Equal(t, 1, h.Unseen(2)[1], "expected unseen count incremented")
	})

	t.Run("recipient viewing the conversation", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", MetricMessagesDelivered).Return()

		h := newTestHub(t, db, su)
		h.tracker.OpenConversation(2, 1)

		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.Seen
		})).Return(database.Message{Id: 8, SenderId: 1, RecipientId: 2, Seen: true}, nil)

		stored, err := h.DeliverMessage(1, 2, "hi")
		require.NoError(t, err)
		assert.True(t, stored.Seen, "expected message stored as seen")
		assert.Empty(t, h.Unseen(2), "expected no unseen count while viewing")
	})

	t.Run("persistence failure", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		h := newTestHub(t, db, su)

		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down"))

		_, err := h.DeliverMessage(1, 2, "hello")
		assert.Error(t, err)
	})
}

func TestOpenConversation(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", MetricActiveConnections).Return()

	h := newTestHub(t, db, su)

	sender := newTestClient(t, h, types.User{Id: 1, Username: "alice"})
	h.addClient(sender)

	db.On("MarkConversationSeen", 2, 1).Return(int64(3), nil)

	require.NoError(t, h.OpenConversation(2, 1))

	viewing, ok := h.tracker.Viewing(2)
	require.True(t, ok)
	assert.Equal(t, 1, viewing, "expected active view set")

	select {
	case msg := <-sender.send:
		require.NotNil(t, msg.MessageSeen, "expected seen notification for sender")
		assert.Equal(t, 2, msg.MessageSeen.UserId)
	default:
		t.Error("expected seen notification queued for sender")
	}
}

func TestBroadcastOnline(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", MetricActiveConnections).Return()
	su.On("Incr", MetricPresenceBroadcasts).Return()

	h := newTestHub(t, &database.MockRepository{}, su)

	c1 := newTestClient(t, h, types.User{Id: 1, Username: "alice"})
	c2 := newTestClient(t, h, types.User{Id: 2, Username: "bob"})
	h.addClient(c1)
	h.addClient(c2)

	h.broadcastOnline([]int{1, 2})

	for _, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.send:
			require.NotNil(t, msg.OnlineUsers, "expected online set broadcast")
			assert.Equal(t, []int{1, 2}, msg.OnlineUsers.UserIds)
		default:
			t.Errorf("expected broadcast queued for user %d", c.user.Id)
		}
	}
}
