// Package chatsync is the client side of the chat: one Session per user
// keeps a cache of the room list and message lists and keeps it honest by
// listening to the server's change feed.
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/opsdesk/internal/apperr"
	"github.com/npezzotti/opsdesk/internal/types"
)

const DefaultTimeout = 20 * time.Second

// API is the subset of the server used by a Session.
type API interface {
	Rooms(ctx context.Context) ([]types.Room, error)
	Messages(ctx context.Context, roomID string) ([]types.Message, error)
	SendMessage(ctx context.Context, roomID string, req SendRequest) (types.Message, error)
	MarkRead(ctx context.Context, roomID string, messageIDs []string) error
	CreateDirectChat(ctx context.Context, userID int) (string, error)
}

type SendRequest struct {
	Body    string            `json:"body"`
	Kind    types.MessageKind `json:"kind,omitempty"`
	File    *types.File       `json:"file,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
}

type errorBody struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// APIClient talks to the server's HTTP API. The session cookie set by Login
// is kept in its jar and reused for the feed.
type APIClient struct {
	base   *url.URL
	client *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &APIClient{
		base:   u,
		client: &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// Jar returns the cookie jar holding the session.
func (c *APIClient) Jar() http.CookieJar {
	return c.client.Jar
}

// FeedURL is the websocket endpoint of the change feed.
func (c *APIClient) FeedURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func (c *APIClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.E(op, apperr.Internal, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return apperr.E(op, apperr.Internal, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.E(op, apperr.Retrievable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Message != "" {
			msg = eb.Message
		}
		return apperr.Errorf(op, kindForStatus(resp.StatusCode), "%s %s: %s", method, path, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.E(op, apperr.Retrievable, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func kindForStatus(code int) apperr.Kind {
	switch code {
	case http.StatusUnauthorized:
		return apperr.Unauthenticated
	case http.StatusForbidden:
		return apperr.Forbidden
	case http.StatusNotFound:
		return apperr.NotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.InvalidArgument
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperr.Retrievable
	}
	return apperr.Internal
}

func (c *APIClient) Login(ctx context.Context, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, "chatsync.Login", http.MethodPost, "/api/auth/login",
		map[string]string{"email": email, "password": password}, &u)
	return u, err
}

func (c *APIClient) Register(ctx context.Context, username, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, "chatsync.Register", http.MethodPost, "/api/auth/register",
		map[string]string{"username": username, "email": email, "password": password}, &u)
	return u, err
}

func (c *APIClient) Rooms(ctx context.Context) ([]types.Room, error) {
	var rooms []types.Room
	if err := c.do(ctx, "chatsync.Rooms", http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *APIClient) Messages(ctx context.Context, roomID string) ([]types.Message, error) {
	var msgs []types.Message
	if err := c.do(ctx, "chatsync.Messages", http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *APIClient) SendMessage(ctx context.Context, roomID string, req SendRequest) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, "chatsync.SendMessage", http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", req, &msg)
	return msg, err
}

func (c *APIClient) MarkRead(ctx context.Context, roomID string, messageIDs []string) error {
	return c.do(ctx, "chatsync.MarkRead", http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/read",
		map[string][]string{"message_ids": messageIDs}, nil)
}

func (c *APIClient) CreateDirectChat(ctx context.Context, userID int) (string, error) {
	var resp struct {
		RoomId string `json:"room_id"`
	}
	err := c.do(ctx, "chatsync.CreateDirectChat", http.MethodPost, "/api/rooms/direct",
		map[string]int{"user_id": userID}, &resp)
	return resp.RoomId, err
}
