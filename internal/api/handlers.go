package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/opsdesk/internal/chat"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/feed"
	"github.com/npezzotti/opsdesk/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateDirectChatRequest struct {
	UserId int `json:"user_id"`
}

type CreateGroupChatRequest struct {
	Name       string `json:"name"`
	ProjectRef string `json:"project_ref"`
	MemberIds  []int  `json:"member_ids"`
}

type RoomCreatedResponse struct {
	RoomId string `json:"room_id"`
}

type SendMessageRequest struct {
	Body    string            `json:"body"`
	Kind    types.MessageKind `json:"kind,omitempty"`
	File    *types.File       `json:"file,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
}

type EditMessageRequest struct {
	Body string `json:"body"`
}

type MarkReadRequest struct {
	MessageIds []string `json:"message_ids"`
}

func (s *OpsdeskApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *OpsdeskApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError && errResp.Err != nil {
		s.log.Printf("request failed: %v", errResp.Err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// lookupErr maps a direct repository read to its HTTP shape.
func lookupErr(err error) *ApiError {
	if errors.Is(err, database.ErrNotFound) {
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *OpsdeskApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *OpsdeskApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	params := database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	}

	newUser, err := s.db.CreateAccount(r.Context(), params)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			s.writeError(w, NewBadRequestError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *OpsdeskApp) account(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, err := s.db.GetAccountById(r.Context(), userId)
		if err != nil {
			s.writeError(w, lookupErr(err))
			return
		}

		s.writeJson(w, http.StatusOK, toUser(user))
	case http.MethodPut:
		var req UpdateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}

		if req.Username == "" || req.Password == "" {
			s.writeError(w, NewBadRequestError())
			return
		}

		pwdHash, err := hashPassword(req.Password)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		dbUser, err := s.db.UpdateAccount(r.Context(), database.UpdateAccountParams{
			UserId:       userId,
			Username:     req.Username,
			PasswordHash: pwdHash,
		})
		if err != nil {
			s.writeError(w, lookupErr(err))
			return
		}

		s.writeJson(w, http.StatusOK, toUser(dbUser))
	default:
		s.writeError(w, NewMethodNotAllowedError())
	}
}

func (s *OpsdeskApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, lookupErr(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *OpsdeskApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		s.writeError(w, lookupErr(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	u := toUser(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, u)
}

func (s *OpsdeskApp) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, expiredJwtCookie())
	w.WriteHeader(http.StatusNoContent)
}

func (s *OpsdeskApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	rooms, err := s.chat.ListRoomsForUser(r.Context(), userId)
	if err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *OpsdeskApp) createDirectChat(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req CreateDirectChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	roomId, err := s.chat.CreateDirectChat(r.Context(), userId, req.UserId)
	if err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	s.writeJson(w, http.StatusOK, RoomCreatedResponse{RoomId: roomId})
}

func (s *OpsdeskApp) createGroupChat(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req CreateGroupChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	roomId, err := s.chat.CreateGroupChat(r.Context(), userId, req.Name, req.ProjectRef, req.MemberIds)
	if err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	s.writeJson(w, http.StatusCreated, RoomCreatedResponse{RoomId: roomId})
}

func (s *OpsdeskApp) listMessages(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	messages, err := s.chat.ListMessages(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *OpsdeskApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.chat.SendMessage(r.Context(), chat.SendMessageParams{
		RoomID:   r.PathValue("id"),
		SenderID: userId,
		Body:     req.Body,
		Kind:     req.Kind,
		File:     req.File,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *OpsdeskApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.chat.MarkRead(r.Context(), r.PathValue("id"), userId, req.MessageIds); err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *OpsdeskApp) editMessage(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.chat.EditMessage(r.Context(), r.PathValue("id"), userId, req.Body)
	if err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *OpsdeskApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	if err := s.chat.DeleteMessage(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, fromAppErr(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// serveFeed upgrades to a websocket and attaches the connection to the
// change feed.
func (s *OpsdeskApp) serveFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(r.Context(), id)
	if err != nil {
		s.writeError(w, lookupErr(err))
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

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := feed.NewClient(toUser(user), conn, s.hub, s.log)
	if !s.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
