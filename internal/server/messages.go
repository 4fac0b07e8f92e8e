package server

import (
	"encoding/json"
	"net/http"
	"time"

	"chatwave/internal/call"
	"chatwave/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Publish     *Publish     `json:"publish,omitempty"`
	Read        *Read        `json:"read,omitempty"`
	CallInvite  *CallInvite  `json:"call_invite,omitempty"`
	CallAnswer  *CallAnswer  `json:"call_answer,omitempty"`
	CallDecline *CallDecline `json:"call_decline,omitempty"`
	CallEnd     *CallEnd     `json:"call_end,omitempty"`
	Candidate   *Candidate   `json:"candidate,omitempty"`

	UserId int     `json:"-"`
	client *Client `json:"-"`
}

type Publish struct {
	To      int    `json:"to"`
	Content string `json:"content"`
}

// Read opens the conversation with UserId; a zero UserId closes the
// active conversation.
type Read struct {
	UserId int `json:"user_id"`
}

type CallInvite struct {
	To    int             `json:"to"`
	Offer json.RawMessage `json:"offer"`
}

type CallAnswer struct {
	SessionId string          `json:"session_id"`
	Answer    json.RawMessage `json:"answer"`
}

type CallDecline struct {
	SessionId string `json:"session_id"`
}

type CallEnd struct {
	SessionId string `json:"session_id"`
}

// Candidate is forwarded verbatim. Clients set To; the relay fills From on
// the way through so the receiver can multiplex.
type Candidate struct {
	To        int             `json:"to,omitempty"`
	From      int             `json:"from,omitempty"`
	SessionId string          `json:"session_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	OnlineUsers  *OnlineUsers   `json:"online_users,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	MessageSeen  *MessageSeen   `json:"message_seen,omitempty"`
	IncomingCall *IncomingCall  `json:"incoming_call,omitempty"`
	CallAccepted *CallAccepted  `json:"call_accepted,omitempty"`
	CallDeclined *CallDeclined  `json:"call_declined,omitempty"`
	CallEnded    *CallEnded     `json:"call_ended,omitempty"`
	Candidate    *Candidate     `json:"candidate,omitempty"`
	CallError    *CallError     `json:"call_error,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

type OnlineUsers struct {
	UserIds []int `json:"user_ids"`
}

// MessageSeen tells a sender that UserId has seen their messages.
type MessageSeen struct {
	UserId int `json:"user_id"`
}

type IncomingCall struct {
	From      int             `json:"from"`
	SessionId string          `json:"session_id"`
	Offer     json.RawMessage `json:"offer"`
}

type CallAccepted struct {
	SessionId string          `json:"session_id"`
	Answer    json.RawMessage `json:"answer"`
}

type CallDeclined struct {
	SessionId string `json:"session_id"`
}

type CallEnded struct {
	SessionId string      `json:"session_id"`
	Reason    call.Reason `json:"reason"`
}

type CallError struct {
	Message string `json:"message"`
}

func NewOnlineUsers(userIds []int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		OnlineUsers: &OnlineUsers{UserIds: userIds},
	}
}

func NewChatMessage(id int, msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Message:     &msg,
	}
}

func NewMessageSeen(userId int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MessageSeen: &MessageSeen{UserId: userId},
	}
}

func NewIncomingCall(s call.Session) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		IncomingCall: &IncomingCall{
			From:      s.CallerId,
			SessionId: s.Id,
			Offer:     s.Offer,
		},
	}
}

func NewCallAccepted(s call.Session) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		CallAccepted: &CallAccepted{
			SessionId: s.Id,
			Answer:    s.Answer,
		},
	}
}

func NewCallDeclined(sessionId string) *ServerMessage {
	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		CallDeclined: &CallDeclined{SessionId: sessionId},
	}
}

func NewCallEnded(sessionId string, reason call.Reason) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		CallEnded:   &CallEnded{SessionId: sessionId, Reason: reason},
	}
}

func NewCandidate(from int, sessionId string, candidate json.RawMessage) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Candidate: &Candidate{
			From:      from,
			SessionId: sessionId,
			Candidate: candidate,
		},
	}
}

func NewCallError(id int, message string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		CallError:   &CallError{Message: message},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
