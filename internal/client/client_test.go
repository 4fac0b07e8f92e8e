package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwave/internal/call"
	"chatwave/internal/rtc"
	"chatwave/internal/server"
	"chatwave/internal/testutil"
	"chatwave/internal/types"
)

func newTestClient(t *testing.T, handlers Handlers) *Client {
	t.Helper()

	c, err := NewClient(Config{
		BaseURL:  "http://localhost:8000",
		Logger:   testutil.TestLogger(t),
		Handlers: handlers,
	})
	require.NoError(t, err)
	return c
}

func rawOffer(t *testing.T) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\n",
	})
	require.NoError(t, err)
	return raw
}

func TestDispatchCallbacks(t *testing.T) {
	var gotOnline []int
	var gotMsg types.Message
	var gotSeen int

	c := newTestClient(t, Handlers{
		OnOnlineUsers: func(ids []int) { gotOnline = ids },
		OnMessage:     func(m types.Message) { gotMsg = m },
		OnMessageSeen: func(id int) { gotSeen = id },
	})

	c.dispatch(server.NewOnlineUsers([]int{1, 2, 3}))
	assert.Equal(t, []int{1, 2, 3}, gotOnline)

	c.dispatch(server.NewChatMessage(1, types.Message{Id: 9, SenderId: 2, Content: "hi"}))
	assert.Equal(t, 9, gotMsg.Id)
	assert.Equal(t, "hi", gotMsg.Content)

	c.dispatch(server.NewMessageSeen(4))
	assert.Equal(t, 4, gotSeen)
}

func TestIncomingCallStoresInvite(t *testing.T) {
	var gotFrom int
	var gotSession string

	c := newTestClient(t, Handlers{
		OnIncomingCall: func(from int, sessionId string) {
			gotFrom = from
			gotSession = sessionId
		},
	})

	c.dispatch(&server.ServerMessage{
		IncomingCall: &server.IncomingCall{
			From:      2,
			SessionId: "sess-1",
			Offer:     rawOffer(t),
		},
	})

	assert.Equal(t, 2, gotFrom)
	assert.Equal(t, "sess-1", gotSession)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.invite)
	assert.Equal(t, "sess-1", c.invite.sessionId)
	assert.Equal(t, 2, c.invite.from)
}

func TestIncomingCallIgnoredWhileBusy(t *testing.T) {
	called := false
	c := newTestClient(t, Handlers{
		OnIncomingCall: func(int, string) { called = true },
	})

	c.ctrl = &rtc.Controller{}

	c.dispatch(&server.ServerMessage{
		IncomingCall: &server.IncomingCall{
			From:      2,
			SessionId: "sess-1",
			Offer:     rawOffer(t),
		},
	})

	assert.False(t, called, "expected invite to be ignored while on a call")
	assert.Nil(t, c.invite)
}

func TestCandidateBufferedWhileRinging(t *testing.T) {
	c := newTestClient(t, Handlers{})

	c.dispatch(&server.ServerMessage{
		IncomingCall: &server.IncomingCall{
			From:      2,
			SessionId: "sess-1",
			Offer:     rawOffer(t),
		},
	})

	for _, candidate := range []string{"a", "b", "c"} {
		raw, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
		require.NoError(t, err)

		c.dispatch(&server.ServerMessage{
			Candidate: &server.Candidate{
				From:      2,
				SessionId: "sess-1",
				Candidate: raw,
			},
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.invite)
	require.Len(t, c.invite.pendingRemote, 3)
	assert.Equal(t, "a", c.invite.pendingRemote[0].Candidate)
	assert.Equal(t, "b", c.invite.pendingRemote[1].Candidate)
	assert.Equal(t, "c", c.invite.pendingRemote[2].Candidate)
}

func TestCallEndedTearsDownInvite(t *testing.T) {
	var gotReason call.Reason

	c := newTestClient(t, Handlers{
		OnCallEnded: func(_ string, reason call.Reason) { gotReason = reason },
	})

	c.dispatch(&server.ServerMessage{
		IncomingCall: &server.IncomingCall{
			From:      2,
			SessionId: "sess-1",
			Offer:     rawOffer(t),
		},
	})

	c.dispatch(server.NewCallEnded("sess-1", call.ReasonPeerDisconnected))

	assert.Equal(t, call.ReasonPeerDisconnected, gotReason)
	assert.Nil(t, c.invite, "expected pending invite to be discarded")
}

func TestPlaceCallWhileBusy(t *testing.T) {
	c := newTestClient(t, Handlers{})
	c.ctrl = &rtc.Controller{}

	err := c.PlaceCall(context.Background(), 2)
	assert.ErrorIs(t, err, ErrCallInProgress)
}

func TestAcceptCallWithoutInvite(t *testing.T) {
	c := newTestClient(t, Handlers{})

	err := c.AcceptCall(context.Background())
	assert.ErrorIs(t, err, ErrNoPendingCall)
}

func TestDeclineCallWithoutInvite(t *testing.T) {
	c := newTestClient(t, Handlers{})

	err := c.DeclineCall()
	assert.ErrorIs(t, err, ErrNoPendingCall)
}

func TestHangUpWithoutCall(t *testing.T) {
	c := newTestClient(t, Handlers{})

	err := c.HangUp()
	assert.ErrorIs(t, err, ErrNoCall)
}

func TestSendRequiresConnection(t *testing.T) {
	c := newTestClient(t, Handlers{})

	err := c.Send(2, "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
}
