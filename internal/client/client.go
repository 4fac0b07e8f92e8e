package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"chatwave/internal/api"
	"chatwave/internal/call"
	"chatwave/internal/rtc"
	"chatwave/internal/server"
	"chatwave/internal/types"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrCallInProgress = errors.New("another call is in progress")
	ErrNoCall         = errors.New("no call in progress")
	ErrNoPendingCall  = errors.New("no pending incoming call")
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Handlers receives server events from the read loop. Nil handlers are
// skipped. Handlers run on the read loop goroutine and must not block.
type Handlers struct {
	OnOnlineUsers  func(userIds []int)
	OnMessage      func(msg types.Message)
	OnMessageSeen  func(userId int)
	OnIncomingCall func(from int, sessionId string)
	OnCallAccepted func(sessionId string)
	OnCallDeclined func(sessionId string)
	OnCallEnded    func(sessionId string, reason call.Reason)
	OnCallError    func(message string)
	OnDisconnect   func(err error)
}

type Config struct {
	// BaseURL is the http(s) address of the server, e.g. "http://localhost:8000".
	BaseURL  string
	Logger   *log.Logger
	Media    rtc.MediaSource
	Handlers Handlers
}

// activeCall tracks the single in-flight call attempt. Local candidates
// gathered before the session id is known (the caller side, between
// call_invite and call_accepted) are held here and flushed once the id
// arrives; remote candidates are the controller's problem.
type activeCall struct {
	sessionId    string
	peerId       int
	pendingLocal []webrtc.ICECandidateInit
}

// pendingInvite is an incoming_call the user has not answered yet.
// Candidates that trickle in before the call is accepted are held in
// arrival order and handed to the controller on accept.
type pendingInvite struct {
	from          int
	sessionId     string
	offer         webrtc.SessionDescription
	pendingRemote []webrtc.ICECandidateInit
}

// Client is a signaling client: it authenticates over the REST API, holds
// one websocket connection, and owns at most one rtc.Controller at a time.
type Client struct {
	log      *log.Logger
	base     *url.URL
	http     *http.Client
	media    rtc.MediaSource
	handlers Handlers

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu     sync.Mutex
	nextId int
	ctrl   *rtc.Controller
	active *activeCall
	invite *pendingInvite
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	media := cfg.Media
	if media == nil {
		media = rtc.NewStaticMedia()
	}

	return &Client{
		log:      cfg.Logger,
		base:     base,
		http:     &http.Client{Jar: jar, Timeout: dialTimeout},
		media:    media,
		handlers: cfg.Handlers,
	}, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, email, password string) (types.User, error) {
	var u types.User
	err := c.postJson(ctx, "/api/auth/register", api.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, &u)
	return u, err
}

// Login authenticates and stores the session cookie on the client's jar,
// which the websocket dial reuses.
func (c *Client) Login(ctx context.Context, email, password string) (types.User, error) {
	var u types.User
	err := c.postJson(ctx, "/api/auth/login", api.LoginRequest{
		Email:    email,
		Password: password,
	}, &u)
	return u, err
}

// Users fetches all other accounts along with unseen message counts.
func (c *Client) Users(ctx context.Context) (api.UserListResponse, error) {
	var resp api.UserListResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("/api/users").String(), nil)
	if err != nil {
		return resp, err
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("list users: status %d", httpResp.StatusCode)
	}

	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	return resp, err
}

// Connect dials the websocket endpoint and starts the read loop. Login
// must have succeeded first.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := *c.base.JoinPath("/ws")
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		Jar:              c.http.Jar,
		HandshakeTimeout: dialTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)

	return nil
}

// Close tears down the current call, if any, and closes the connection.
func (c *Client) Close() error {
	c.teardownCall()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Send publishes a chat message to another user over the websocket.
func (c *Client) Send(to int, content string) error {
	return c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		Publish:     &server.Publish{To: to, Content: content},
	})
}

// OpenConversation marks the conversation with userId as the one on
// screen; messages from that user arrive pre-seen until it is closed.
func (c *Client) OpenConversation(userId int) error {
	return c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		Read:        &server.Read{UserId: userId},
	})
}

func (c *Client) CloseConversation() error {
	return c.OpenConversation(0)
}

// PlaceCall starts an outgoing call to another user. The answer arrives
// asynchronously via OnCallAccepted or OnCallDeclined.
func (c *Client) PlaceCall(ctx context.Context, to int) error {
	c.mu.Lock()
	if c.ctrl != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.active = &activeCall{peerId: to}
	c.mu.Unlock()

	ctrl, err := rtc.NewController(rtc.Params{
		Logger:           c.log,
		Media:            c.media,
		OnLocalCandidate: c.onLocalCandidate,
	})
	if err != nil {
		c.clearCall()
		return fmt.Errorf("create controller: %w", err)
	}

	offer, err := ctrl.StartCall(ctx)
	if err != nil {
		ctrl.Close()
		c.clearCall()
		return fmt.Errorf("start call: %w", err)
	}

	rawOffer, err := json.Marshal(offer)
	if err != nil {
		ctrl.Close()
		c.clearCall()
		return err
	}

	c.mu.Lock()
	c.ctrl = ctrl
	c.mu.Unlock()

	if err := c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		CallInvite:  &server.CallInvite{To: to, Offer: rawOffer},
	}); err != nil {
		c.teardownCall()
		return err
	}

	return nil
}

// AcceptCall answers the pending incoming call.
func (c *Client) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.ctrl != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	inv := c.invite
	if inv == nil {
		c.mu.Unlock()
		return ErrNoPendingCall
	}
	c.invite = nil
	c.active = &activeCall{sessionId: inv.sessionId, peerId: inv.from}
	c.mu.Unlock()

	ctrl, err := rtc.NewController(rtc.Params{
		Logger:           c.log,
		Media:            c.media,
		OnLocalCandidate: c.onLocalCandidate,
	})
	if err != nil {
		c.clearCall()
		return fmt.Errorf("create controller: %w", err)
	}

	// candidates that arrived while the call was ringing; the
	// controller queues them until the offer is applied
	for _, cand := range inv.pendingRemote {
		if err := ctrl.AddRemoteCandidate(cand); err != nil {
			c.log.Printf("add buffered candidate: %v", err)
		}
	}

	answer, err := ctrl.AcceptCall(ctx, inv.offer)
	if err != nil {
		ctrl.Close()
		c.clearCall()
		return fmt.Errorf("accept call: %w", err)
	}

	rawAnswer, err := json.Marshal(answer)
	if err != nil {
		ctrl.Close()
		c.clearCall()
		return err
	}

	c.mu.Lock()
	c.ctrl = ctrl
	c.mu.Unlock()

	if err := c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		CallAnswer:  &server.CallAnswer{SessionId: inv.sessionId, Answer: rawAnswer},
	}); err != nil {
		c.teardownCall()
		return err
	}

	return nil
}

// DeclineCall declines the pending incoming call.
func (c *Client) DeclineCall() error {
	c.mu.Lock()
	inv := c.invite
	c.invite = nil
	c.mu.Unlock()

	if inv == nil {
		return ErrNoPendingCall
	}

	return c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		CallDecline: &server.CallDecline{SessionId: inv.sessionId},
	})
}

// HangUp ends the current call.
func (c *Client) HangUp() error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return ErrNoCall
	}

	sessionId := active.sessionId
	c.teardownCall()

	if sessionId == "" {
		// never got an answer; nothing to end server-side
		return nil
	}

	return c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		CallEnd:     &server.CallEnd{SessionId: sessionId},
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg server.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.teardownCall()
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
			return
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *server.ServerMessage) {
	switch {
	case msg.OnlineUsers != nil:
		if c.handlers.OnOnlineUsers != nil {
			c.handlers.OnOnlineUsers(msg.OnlineUsers.UserIds)
		}
	case msg.Message != nil:
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(*msg.Message)
		}
	case msg.MessageSeen != nil:
		if c.handlers.OnMessageSeen != nil {
			c.handlers.OnMessageSeen(msg.MessageSeen.UserId)
		}
	case msg.IncomingCall != nil:
		c.handleIncomingCall(msg.IncomingCall)
	case msg.CallAccepted != nil:
		c.handleCallAccepted(msg.CallAccepted)
	case msg.CallDeclined != nil:
		c.teardownCall()
		if c.handlers.OnCallDeclined != nil {
			c.handlers.OnCallDeclined(msg.CallDeclined.SessionId)
		}
	case msg.CallEnded != nil:
		c.teardownCall()
		if c.handlers.OnCallEnded != nil {
			c.handlers.OnCallEnded(msg.CallEnded.SessionId, msg.CallEnded.Reason)
		}
	case msg.Candidate != nil:
		c.handleCandidate(msg.Candidate)
	case msg.CallError != nil:
		c.teardownCall()
		if c.handlers.OnCallError != nil {
			c.handlers.OnCallError(msg.CallError.Message)
		}
	case msg.Response != nil:
		if msg.Response.Error != "" {
			c.log.Printf("server response %d: %s", msg.Response.ResponseCode, msg.Response.Error)
		}
	}
}

func (c *Client) handleIncomingCall(ic *server.IncomingCall) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(ic.Offer, &offer); err != nil {
		c.log.Printf("decode offer: %v", err)
		return
	}

	c.mu.Lock()
	busy := c.ctrl != nil || c.invite != nil
	if !busy {
		c.invite = &pendingInvite{
			from:      ic.From,
			sessionId: ic.SessionId,
			offer:     offer,
		}
	}
	c.mu.Unlock()

	if busy {
		// already on a call; let the ringing session time out on the
		// caller's side
		c.log.Printf("ignoring incoming call %s while busy", ic.SessionId)
		return
	}

	if c.handlers.OnIncomingCall != nil {
		c.handlers.OnIncomingCall(ic.From, ic.SessionId)
	}
}

func (c *Client) handleCallAccepted(ca *server.CallAccepted) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(ca.Answer, &answer); err != nil {
		c.log.Printf("decode answer: %v", err)
		return
	}

	c.mu.Lock()
	ctrl := c.ctrl
	var flush []webrtc.ICECandidateInit
	if c.active != nil {
		c.active.sessionId = ca.SessionId
		flush = c.active.pendingLocal
		c.active.pendingLocal = nil
	}
	c.mu.Unlock()

	if ctrl == nil {
		c.log.Printf("call_accepted %s with no active call", ca.SessionId)
		return
	}

	if err := ctrl.HandleAnswer(answer); err != nil {
		c.log.Printf("handle answer: %v", err)
		c.teardownCall()
		return
	}

	for _, cand := range flush {
		c.sendCandidate(ca.SessionId, cand)
	}

	if c.handlers.OnCallAccepted != nil {
		c.handlers.OnCallAccepted(ca.SessionId)
	}
}

func (c *Client) handleCandidate(cand *server.Candidate) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand.Candidate, &init); err != nil {
		c.log.Printf("decode candidate: %v", err)
		return
	}

	c.mu.Lock()
	ctrl := c.ctrl
	if ctrl == nil && c.invite != nil && c.invite.sessionId == cand.SessionId {
		// still ringing; hold until the user answers
		c.invite.pendingRemote = append(c.invite.pendingRemote, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if ctrl == nil {
		return
	}

	if err := ctrl.AddRemoteCandidate(init); err != nil {
		c.log.Printf("add remote candidate: %v", err)
	}
}

// onLocalCandidate runs on a pion goroutine. The caller side may not
// know the session id yet; those candidates wait for call_accepted.
func (c *Client) onLocalCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	sessionId := c.active.sessionId
	if sessionId == "" {
		c.active.pendingLocal = append(c.active.pendingLocal, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.sendCandidate(sessionId, cand)
}

func (c *Client) sendCandidate(sessionId string, cand webrtc.ICECandidateInit) {
	raw, err := json.Marshal(cand)
	if err != nil {
		c.log.Printf("encode candidate: %v", err)
		return
	}

	c.mu.Lock()
	peerId := 0
	if c.active != nil {
		peerId = c.active.peerId
	}
	c.mu.Unlock()

	if peerId == 0 {
		return
	}

	if err := c.send(&server.ClientMessage{
		BaseMessage: c.nextBase(),
		Candidate: &server.Candidate{
			To:        peerId,
			SessionId: sessionId,
			Candidate: raw,
		},
	}); err != nil {
		c.log.Printf("send candidate: %v", err)
	}
}

// teardownCall closes the controller and forgets the call, if any.
func (c *Client) teardownCall() {
	c.mu.Lock()
	ctrl := c.ctrl
	c.ctrl = nil
	c.active = nil
	c.invite = nil
	c.mu.Unlock()

	if ctrl != nil {
		ctrl.Close()
	}
}

func (c *Client) clearCall() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

func (c *Client) send(msg *server.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) nextBase() server.BaseMessage {
	c.mu.Lock()
	c.nextId++
	id := c.nextId
	c.mu.Unlock()

	return server.BaseMessage{Id: id, Timestamp: server.Now()}
}

func (c *Client) postJson(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ApiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
