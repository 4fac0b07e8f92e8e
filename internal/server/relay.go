package server

import (
	"errors"
	"log"

	"github.com/google/uuid"

	"chatwave/internal/call"
	"chatwave/internal/presence"
	"chatwave/internal/stats"
)

// connSender delivers a server message to a live connection.
type connSender interface {
	sendToConn(connId uuid.UUID, msg *ServerMessage) bool
	sendToUser(userId int, msg *ServerMessage) bool
}

// Relay forwards call signaling to the right live connection. It keeps no
// state of its own; every message is validated against the session manager
// and the presence registry, then forwarded verbatim.
type Relay struct {
	log      *log.Logger
	presence *presence.Registry
	calls    *call.Manager
	sender   connSender
	stats    stats.StatsProvider
}

func NewRelay(logger *log.Logger, reg *presence.Registry, calls *call.Manager, sender connSender, su stats.StatsProvider) *Relay {
	return &Relay{
		log:      logger,
		presence: reg,
		calls:    calls,
		sender:   sender,
		stats:    su,
	}
}

// Invite creates a session for caller -> callee and rings the callee. On
// any failure the caller gets a call_error and no session survives.
func (r *Relay) Invite(c *Client, inv *CallInvite, msgId int) {
	s, err := r.calls.Initiate(c.user.Id, inv.To, c.connId, inv.Offer)
	if err != nil {
		switch {
		case errors.Is(err, call.ErrPeerUnreachable):
			c.queueMessage(NewCallError(msgId, "user is not online"))
		case errors.Is(err, call.ErrPairBusy):
			c.queueMessage(NewCallError(msgId, "call already in progress"))
		default:
			r.log.Println("initiate call:", err)
			c.queueMessage(ErrInternalError(msgId))
		}
		return
	}

	r.stats.Incr(MetricTotalCallsInitiated)
	r.stats.Incr(MetricActiveCalls)

	if !r.sender.sendToConn(s.CalleeConnId, NewIncomingCall(s)) {
		// the callee vanished between the presence check and delivery
		r.calls.End(s.Id, call.ReasonPeerDisconnected)
		r.stats.Decr(MetricActiveCalls)
		c.queueMessage(NewCallError(msgId, "user is not online"))
	}
}

// Answer relays a callee's answer back to the caller as call_accepted.
func (r *Relay) Answer(c *Client, ans *CallAnswer, msgId int) {
	s, err := r.calls.Answer(ans.SessionId, ans.Answer)
	if err != nil {
		c.queueMessage(NewCallError(msgId, "call session not found"))
		return
	}

	r.sender.sendToUser(s.CallerId, NewCallAccepted(s))
}

// Decline tears the session down and notifies the caller only.
func (r *Relay) Decline(c *Client, d *CallDecline, msgId int) {
	s, err := r.calls.Decline(d.SessionId)
	if err != nil {
		c.queueMessage(NewCallError(msgId, "call session not found"))
		return
	}

	r.stats.Decr(MetricActiveCalls)
	r.sender.sendToUser(s.CallerId, NewCallDeclined(s.Id))
}

// End tears the session down and notifies both participants.
func (r *Relay) End(c *Client, e *CallEnd, msgId int) {
	s, err := r.calls.End(e.SessionId, call.ReasonUserInitiated)
	if err != nil {
		c.queueMessage(NewCallError(msgId, "call session not found"))
		return
	}

	r.stats.Decr(MetricActiveCalls)
	ended := NewCallEnded(s.Id, call.ReasonUserInitiated)
	r.sender.sendToUser(s.CallerId, ended)
	r.sender.sendToUser(s.CalleeId, ended)
}

// Candidate forwards a negotiation candidate verbatim, tagged with the
// sender's user id.
func (r *Relay) Candidate(c *Client, cand *Candidate, msgId int) {
	if _, ok := r.calls.Lookup(cand.SessionId); !ok {
		c.queueMessage(NewCallError(msgId, "call session not found"))
		return
	}

	if !r.sender.sendToUser(cand.To, NewCandidate(c.user.Id, cand.SessionId, cand.Candidate)) {
		c.queueMessage(NewCallError(msgId, "user is not online"))
	}
}

// CleanupForUser ends every session the disconnected user participated in
// and notifies each counterpart with reason peer-disconnected.
func (r *Relay) CleanupForUser(userId int) {
	for _, s := range r.calls.CleanupForUser(userId) {
		r.stats.Decr(MetricActiveCalls)
		r.sender.sendToUser(s.Peer(userId), NewCallEnded(s.Id, call.ReasonPeerDisconnected))
	}
}
