package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/npezzotti/opsdesk/internal/testutil"
	"github.com/npezzotti/opsdesk/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &OpsdeskApp{
		log: testutil.TestLogger(t),
	}

	app.log.SetOutput(buf)

	// handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "panic serving GET /: test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &OpsdeskApp{}

	// simple handler that does not panic
	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func TestAuthMiddleware_Routes(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signup(t, "alice")
	handler := ts.Config.Handler

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	var session *http.Cookie
	for _, c := range alice.client.Jar.Cookies(u) {
		if c.Name == tokenCookieKey {
			session = c
		}
	}
	require.NotNil(t, session)

	other := NewOpsdeskApp(http.NewServeMux(), testutil.TestLogger(t), nil, nil, nil, &config.Config{
		SigningKey: []byte("another-signing-key"),
	})
	foreign, err := other.createJwtForSession(alice.User, defaultJwtExpiration)
	require.NoError(t, err)

	tcases := []struct {
		name   string
		method string
		path   string
		cookie *http.Cookie
		want   int
	}{
		{"feed upgrade without a session", http.MethodGet, "/ws", nil, http.StatusUnauthorized},
		{"feed with a session reaches the upgrader", http.MethodGet, "/ws", session, http.StatusBadRequest},
		{"room list without a session", http.MethodGet, "/api/rooms", nil, http.StatusUnauthorized},
		{"room list with a session", http.MethodGet, "/api/rooms", session, http.StatusOK},
		{"history with a token signed elsewhere", http.MethodGet, "/api/rooms/r1/messages", createJwtCookie(foreign, defaultJwtExpiration), http.StatusUnauthorized},
		{"send with a garbage token", http.MethodPost, "/api/rooms/r1/messages", &http.Cookie{Name: tokenCookieKey, Value: "invalid-token"}, http.StatusUnauthorized},
		{"session check", http.MethodGet, "/api/auth/session", session, http.StatusOK},
		{"health is public", http.MethodGet, "/healthz", nil, http.StatusOK},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.cookie != nil {
				req.AddCookie(tc.cookie)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.want, rr.Code)
			if tc.want != http.StatusUnauthorized {
				return
			}

			var apiErr ApiError
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &apiErr))
			assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
			if tc.cookie != nil {
				cleared := findCookie(rr, tokenCookieKey)
				require.NotNil(t, cleared, "a rejected cookie is cleared")
				assert.Empty(t, cleared.Value)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	app := NewOpsdeskApp(
		http.NewServeMux(),
		testutil.TestLogger(t),
		nil,
		nil,
		nil,
		&config.Config{
			SigningKey: []byte("test-signing-key"),
		},
	)

	buf := &bytes.Buffer{}
	app.log.SetOutput(buf)

	var gotUser int
	next := func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserId(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}

	token, err := app.createJwtForSession(types.User{Id: 7, Username: "oncall"}, defaultJwtExpiration)
	require.NoError(t, err)
	expired, err := app.createJwtForSession(types.User{Id: 7, Username: "oncall"}, -time.Minute)
	require.NoError(t, err)

	t.Run("user id reaches the handler", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
		req.AddCookie(createJwtCookie(token, defaultJwtExpiration))
		app.authMiddleware(next).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, 7, gotUser)
		assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
	})

	t.Run("expired session is rejected and logged", func(t *testing.T) {
		gotUser = 0
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.AddCookie(createJwtCookie(expired, defaultJwtExpiration))
		app.authMiddleware(next).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Zero(t, gotUser)
		assert.Contains(t, buf.String(), "rejected session for GET /ws")
	})
}
