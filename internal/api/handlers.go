package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"

	"chatwave/internal/server"
	"chatwave/internal/types"
)

const defaultConversationLimit = 50

type SendMessageRequest struct {
	RecipientId int    `json:"recipient_id"`
	Content     string `json:"content"`
}

type MarkSeenRequest struct {
	UserId int `json:"user_id"`
}

type UserListResponse struct {
	Users  []types.User `json:"users"`
	Unseen map[int]int  `json:"unseen"`
	Online []int        `json:"online"`
}

func (a *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Printf("json encode: %v", err)
	}
}

func (a *App) listUsers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	accounts, err := a.db.ListAccounts(userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	unseen, err := a.db.CountUnseen(userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users := make([]types.User, 0, len(accounts))
	for _, acct := range accounts {
		users = append(users, types.User{
			Id:           acct.Id,
			Username:     acct.Username,
			EmailAddress: acct.EmailAddress,
			CreatedAt:    acct.CreatedAt,
			UpdatedAt:    acct.UpdatedAt,
		})
	}

	a.writeJson(w, http.StatusOK, UserListResponse{
		Users:  users,
		Unseen: unseen,
		Online: a.hub.Presence().OnlineUsers(),
	})
}

func (a *App) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	peerId, err := strconv.Atoi(r.URL.Query().Get("user"))
	if err != nil {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := defaultConversationLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			errResp := NewBadRequestError()
			a.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := a.db.GetConversation(userId, peerId, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, types.Message{
			Id:          m.Id,
			SenderId:    m.SenderId,
			RecipientId: m.RecipientId,
			Content:     m.Content,
			Seen:        m.Seen,
			Timestamp:   m.CreatedAt,
		})
	}

	a.writeJson(w, http.StatusOK, messages)
}

func (a *App) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.RecipientId == 0 || req.Content == "" {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := a.hub.DeliverMessage(userId, req.RecipientId, req.Content)
	if err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	a.writeJson(w, http.StatusCreated, types.Message{
		Id:          msg.Id,
		SenderId:    msg.SenderId,
		RecipientId: msg.RecipientId,
		Content:     msg.Content,
		Seen:        msg.Seen,
		Timestamp:   msg.CreatedAt,
	})
}

func (a *App) markSeen(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req MarkSeenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.UserId == 0 {
		errResp := NewBadRequestError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := a.hub.OpenConversation(userId, req.UserId); err != nil {
		errResp := NewInternalServerError(err)
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *App) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := a.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(a.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, a.hub, a.log)

	a.hub.RegisterChan <- client
	go client.Write()
	go client.Read()
}
