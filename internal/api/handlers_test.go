package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/opsdesk/internal/apperr"
	"github.com/npezzotti/opsdesk/internal/chat"
	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/feed"
	"github.com/npezzotti/opsdesk/internal/stats"
	"github.com/npezzotti/opsdesk/internal/testutil"
	"github.com/npezzotti/opsdesk/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// findCookie is a helper function to find a cookie by name in the response recorder.
// It returns the cookie if found, or nil if not found.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func newMockApp(t *testing.T, db database.ChatRepository) *OpsdeskApp {
	return NewOpsdeskApp(http.NewServeMux(), testutil.TestLogger(t), nil, nil, db, &config.Config{
		SigningKey: []byte("test-signing-key"),
	})
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			app := newMockApp(t, mockRepo)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func TestCreateAccountHandler(t *testing.T) {
	expectedUser := database.User{
		Id:           1,
		Username:     "newuser",
		EmailAddress: "newuser@example.com",
		PasswordHash: "hashedpassword",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	tcases := []struct {
		name        string
		body        any
		mockUser    database.User
		mockErr     error
		expectedErr *ApiError
	}{
		{
			name: "successfully creates a new account",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			mockUser: expectedUser,
		},
		{
			name:        "failed with invalid json body",
			body:        "invalid json",
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing username",
			body: RegisterRequest{
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing password",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with duplicate email",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			mockErr:     fmt.Errorf("insert account: %w", database.ErrConflict),
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with db error",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Email:    expectedUser.EmailAddress,
				Password: "password",
			},
			mockErr:     errors.New("db error"),
			expectedErr: NewInternalServerError(nil),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)

			if tc.mockUser != (database.User{}) || tc.mockErr != nil {
				regReq := tc.body.(RegisterRequest)
				mockRepo.On("CreateAccount", mock.Anything, mock.MatchedBy(func(req database.CreateAccountParams) bool {
					return req.Username == regReq.Username &&
						req.EmailAddress == regReq.Email &&
						verifyPassword(req.PasswordHash, regReq.Password)
				})).Return(tc.mockUser, tc.mockErr).Once()
			}

			app := newMockApp(t, mockRepo)

			var req *http.Request
			switch v := tc.body.(type) {
			case string:
				req = httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(v))
			case RegisterRequest:
				body, err := json.Marshal(v)
				require.NoError(t, err, "failed to marshal request body")
				req = httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBuffer(body))
			default:
				t.Fatalf("unsupported request body type: %T", v)
			}

			rr := httptest.NewRecorder()
			app.createAccount(rr, req)

			if tc.expectedErr == nil {
				assert.Equal(t, http.StatusCreated, rr.Code)
				var u types.User
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
				assert.Equal(t, expectedUser.Id, u.Id)
				assert.Equal(t, expectedUser.EmailAddress, u.EmailAddress)
				assert.NotContains(t, rr.Body.String(), "hashedpassword")
				return
			}

			assert.Equal(t, tc.expectedErr.StatusCode, rr.Code)
			var errResp ApiError
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
			assert.Equal(t, tc.expectedErr.Message, errResp.Message)
		})
	}
}

func TestLoginHandler(t *testing.T) {
	hash, err := hashPassword("password")
	require.NoError(t, err)

	dbUser := database.User{
		Id:           3,
		Username:     "alice",
		EmailAddress: "alice@example.com",
		PasswordHash: hash,
	}

	tcases := []struct {
		name       string
		body       string
		mockUser   database.User
		mockErr    error
		mockCalled bool
		status     int
	}{
		{
			name:       "valid credentials",
			body:       `{"email":"alice@example.com","password":"password"}`,
			mockUser:   dbUser,
			mockCalled: true,
			status:     http.StatusOK,
		},
		{
			name:       "wrong password",
			body:       `{"email":"alice@example.com","password":"nope"}`,
			mockUser:   dbUser,
			mockCalled: true,
			status:     http.StatusUnauthorized,
		},
		{
			name:       "unknown email",
			body:       `{"email":"alice@example.com","password":"password"}`,
			mockErr:    database.ErrNotFound,
			mockCalled: true,
			status:     http.StatusNotFound,
		},
		{
			name:   "missing password",
			body:   `{"email":"alice@example.com"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid json",
			body:   `{`,
			status: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			if tc.mockCalled {
				mockRepo.On("GetAccountByEmail", mock.Anything, "alice@example.com").Return(tc.mockUser, tc.mockErr).Once()
			}

			app := newMockApp(t, mockRepo)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tc.body))
			app.login(rr, req)

			assert.Equal(t, tc.status, rr.Code)

			cookie := findCookie(rr, tokenCookieKey)
			if tc.status != http.StatusOK {
				assert.Nil(t, cookie)
				return
			}

			require.NotNil(t, cookie)
			assert.True(t, cookie.HttpOnly)
			userId, err := app.extractUserIdFromToken(cookie.Value)
			require.NoError(t, err)
			assert.Equal(t, dbUser.Id, userId)
		})
	}
}

func TestLogoutHandler(t *testing.T) {
	app := newMockApp(t, nil)
	rr := httptest.NewRecorder()
	app.logout(rr, httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	cookie := findCookie(rr, tokenCookieKey)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.True(t, cookie.Expires.Before(time.Now()))
}

func TestAccountHandler(t *testing.T) {
	user := database.User{Id: 1, Username: "alice", EmailAddress: "alice@example.com"}

	tcases := []struct {
		name   string
		method string
		body   string
		setup  func(m *database.MockChatRepository)
		status int
	}{
		{
			name:   "get account",
			method: http.MethodGet,
			setup: func(m *database.MockChatRepository) {
				m.On("GetAccountById", mock.Anything, 1).Return(user, nil).Once()
			},
			status: http.StatusOK,
		},
		{
			name:   "get missing account",
			method: http.MethodGet,
			setup: func(m *database.MockChatRepository) {
				m.On("GetAccountById", mock.Anything, 1).Return(database.User{}, database.ErrNotFound).Once()
			},
			status: http.StatusNotFound,
		},
		{
			name:   "update account",
			method: http.MethodPut,
			body:   `{"username":"alice2","password":"new-password"}`,
			setup: func(m *database.MockChatRepository) {
				m.On("UpdateAccount", mock.Anything, mock.MatchedBy(func(p database.UpdateAccountParams) bool {
					return p.UserId == 1 && p.Username == "alice2" && verifyPassword(p.PasswordHash, "new-password")
				})).Return(database.User{Id: 1, Username: "alice2"}, nil).Once()
			},
			status: http.StatusOK,
		},
		{
			name:   "update without password",
			method: http.MethodPut,
			body:   `{"username":"alice2"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "method not allowed",
			method: http.MethodDelete,
			status: http.StatusMethodNotAllowed,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			if tc.setup != nil {
				tc.setup(mockRepo)
			}

			app := newMockApp(t, mockRepo)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, "/api/account", strings.NewReader(tc.body))
			req = req.WithContext(WithUserId(req.Context(), 1))
			app.account(rr, req)

			assert.Equal(t, tc.status, rr.Code)
		})
	}
}

func Test_fromAppErr(t *testing.T) {
	tcases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "unauthenticated", err: apperr.E("op", apperr.Unauthenticated, nil), status: http.StatusUnauthorized, message: "unauthorized"},
		{name: "forbidden", err: apperr.E("op", apperr.Forbidden, nil), status: http.StatusForbidden, message: "forbidden"},
		{name: "not found", err: apperr.E("op", apperr.NotFound, nil), status: http.StatusNotFound, message: "not found"},
		{name: "invalid argument", err: apperr.Errorf("op", apperr.InvalidArgument, "message body is empty"), status: http.StatusBadRequest, message: "bad request: message body is empty"},
		{name: "retrievable", err: apperr.E("op", apperr.Retrievable, errors.New("conn reset")), status: http.StatusServiceUnavailable, message: "service unavailable"},
		{name: "partial failure", err: apperr.E("op", apperr.PartialFailure, errors.New("rollback")), status: http.StatusInternalServerError, message: "internal server error"},
		{name: "unclassified", err: errors.New("boom"), status: http.StatusInternalServerError, message: "internal server error"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := fromAppErr(tc.err)
			assert.Equal(t, tc.status, e.StatusCode)
			assert.Equal(t, tc.message, e.Message)
		})
	}
}

type testServer struct {
	*httptest.Server
	repo *database.GormChatRepository
	svc  *chat.Service
	hub  *feed.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := testutil.TestLogger(t)
	repo := testutil.NewChatRepository(t)

	su := stats.NewNopProvider()

	var svc *chat.Service
	hub := feed.NewHub(logger, func(ctx context.Context, roomID string) ([]int, error) {
		return svc.Audience(ctx, roomID)
	}, su)
	svc = chat.NewService(logger, repo, chat.WithEvents(hub))
	go hub.Run()

	app := NewOpsdeskApp(http.NewServeMux(), logger, svc, hub, repo, &config.Config{
		ServerAddr: "127.0.0.1:0",
		SigningKey: []byte("test-signing-key"),
	})

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		svc.Wait()
	})

	return &testServer{Server: srv, repo: repo, svc: svc, hub: hub}
}

type testUser struct {
	types.User
	client *http.Client
}

func (ts *testServer) signup(t *testing.T, username string) testUser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}

	email := username + "@example.com"
	resp := ts.do(t, client, http.MethodPost, "/api/auth/register", RegisterRequest{Username: username, Email: email, Password: "password"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var u types.User
	resp = ts.do(t, client, http.MethodPost, "/api/auth/login", LoginRequest{Email: email, Password: "password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &u)

	return testUser{User: u, client: client}
}

func (ts *testServer) do(t *testing.T, client *http.Client, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestChatRoutes(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signup(t, "alice")
	bob := ts.signup(t, "bob")
	carol := ts.signup(t, "carol")

	resp := ts.do(t, http.DefaultClient, http.MethodGet, "/api/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var created RoomCreatedResponse
	resp = ts.do(t, alice.client, http.MethodPost, "/api/rooms/direct", CreateDirectChatRequest{UserId: bob.Id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &created)
	require.NotEmpty(t, created.RoomId)

	var again RoomCreatedResponse
	resp = ts.do(t, bob.client, http.MethodPost, "/api/rooms/direct", CreateDirectChatRequest{UserId: alice.Id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &again)
	assert.Equal(t, created.RoomId, again.RoomId)

	resp = ts.do(t, alice.client, http.MethodPost, "/api/rooms/direct", CreateDirectChatRequest{UserId: alice.Id})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	msgPath := "/api/rooms/" + created.RoomId + "/messages"

	var sent types.Message
	resp = ts.do(t, alice.client, http.MethodPost, msgPath, SendMessageRequest{Body: "  hello  "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, resp, &sent)
	assert.Equal(t, "hello", sent.Body)
	assert.Equal(t, alice.Id, sent.Sender.Id)

	resp = ts.do(t, alice.client, http.MethodPost, msgPath, SendMessageRequest{Body: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, carol.client, http.MethodGet, msgPath, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, bob.client, http.MethodGet, "/api/rooms/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var rooms []types.Room
	resp = ts.do(t, bob.client, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &rooms)
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].UnreadCount)
	assert.Equal(t, "hello", rooms[0].LastActivityPreview)

	var msgs []types.Message
	resp = ts.do(t, bob.client, http.MethodGet, msgPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender.Username)

	resp = ts.do(t, bob.client, http.MethodPost, "/api/rooms/"+created.RoomId+"/read", MarkReadRequest{MessageIds: []string{sent.Id}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, bob.client, http.MethodGet, "/api/rooms", nil)
	decode(t, resp, &rooms)
	assert.Equal(t, 0, rooms[0].UnreadCount)

	resp = ts.do(t, bob.client, http.MethodPatch, "/api/messages/"+sent.Id, EditMessageRequest{Body: "hijacked"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var edited types.Message
	resp = ts.do(t, alice.client, http.MethodPatch, "/api/messages/"+sent.Id, EditMessageRequest{Body: "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &edited)
	assert.Equal(t, "hello there", edited.Body)
	assert.NotNil(t, edited.EditedAt)

	resp = ts.do(t, alice.client, http.MethodDelete, "/api/messages/"+sent.Id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, bob.client, http.MethodGet, msgPath, nil)
	decode(t, resp, &msgs)
	assert.Empty(t, msgs)

	var group RoomCreatedResponse
	resp = ts.do(t, carol.client, http.MethodPost, "/api/rooms/group", CreateGroupChatRequest{Name: "incident-42", ProjectRef: "INC-42", MemberIds: []int{alice.Id}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, resp, &group)

	resp = ts.do(t, alice.client, http.MethodGet, "/api/rooms", nil)
	decode(t, resp, &rooms)
	assert.Len(t, rooms, 2)
}

func TestServeFeed(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signup(t, "alice")
	bob := ts.signup(t, "bob")

	var created RoomCreatedResponse
	resp := ts.do(t, alice.client, http.MethodPost, "/api/rooms/direct", CreateDirectChatRequest{UserId: bob.Id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &created)

	dialer := websocket.Dialer{Jar: bob.client.Jar, HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(feed.ClientMessage{
		BaseMessage: feed.BaseMessage{Id: 1},
		Subscribe:   &feed.Subscription{Tables: []feed.Table{feed.TableMessages}, Events: []feed.Kind{feed.KindInsert}},
	}))

	var ack feed.ServerMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.NotNil(t, ack.Response)
	assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)

	resp = ts.do(t, alice.client, http.MethodPost, "/api/rooms/"+created.RoomId+"/messages", SendMessageRequest{Body: "ping"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ev feed.ServerMessage
	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Event)
	assert.Equal(t, feed.TableMessages, ev.Event.Table)
	assert.Equal(t, feed.KindInsert, ev.Event.Kind)
	assert.Equal(t, created.RoomId, ev.Event.RoomID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	assert.Error(t, err, "dial without a session cookie")
}
