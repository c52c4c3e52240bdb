package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/opsdesk/internal/apperr"
)

// Mailbox is the external mail provider.
type Mailbox interface {
	List(ctx context.Context) ([]Item, error)
	MarkSeen(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// remoteItem is the provider's wire shape. It has no local flags.
type remoteItem struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Preview     string       `json:"preview"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments"`
}

func (r remoteItem) item() Item {
	return Item{
		ID:          r.ID,
		From:        r.From,
		To:          r.To,
		Subject:     r.Subject,
		Content:     r.Content,
		Preview:     r.Preview,
		Timestamp:   r.Timestamp,
		Attachments: r.Attachments,
	}
}

// DecodeRemoteItem parses one provider item, dropping any flag fields.
func DecodeRemoteItem(b []byte) (Item, error) {
	var r remoteItem
	if err := json.Unmarshal(b, &r); err != nil {
		return Item{}, err
	}
	if r.ID == "" {
		return Item{}, errors.New("item has no id")
	}
	return r.item(), nil
}

// HTTPMailbox talks to the provider's REST endpoints:
//
//	GET    {base}/messages
//	POST   {base}/messages/{id}/seen
//	DELETE {base}/messages/{id}
type HTTPMailbox struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPMailbox(baseURL, token string, timeout time.Duration) *HTTPMailbox {
	return &HTTPMailbox{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (m *HTTPMailbox) do(ctx context.Context, op, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, nil)
	if err != nil {
		return apperr.E(op, apperr.Internal, err)
	}
	req.Header.Set("Accept", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return apperr.E(op, apperr.Retrievable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperr.Errorf(op, kindForStatus(resp.StatusCode), "%s %s: %s", method, path, resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.E(op, apperr.Retrievable, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func kindForStatus(code int) apperr.Kind {
	switch {
	case code == http.StatusUnauthorized:
		return apperr.Unauthenticated
	case code == http.StatusForbidden:
		return apperr.Forbidden
	case code == http.StatusNotFound:
		return apperr.NotFound
	case code == http.StatusTooManyRequests, code >= 500:
		return apperr.Retrievable
	case code >= 400:
		return apperr.InvalidArgument
	}
	return apperr.Internal
}

func (m *HTTPMailbox) List(ctx context.Context) ([]Item, error) {
	var remote []remoteItem
	if err := m.do(ctx, "inbox.List", http.MethodGet, "/messages", &remote); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(remote))
	for _, r := range remote {
		if r.ID == "" {
			continue
		}
		items = append(items, r.item())
	}
	return items, nil
}

func (m *HTTPMailbox) MarkSeen(ctx context.Context, id string) error {
	return m.do(ctx, "inbox.MarkSeen", http.MethodPost, "/messages/"+url.PathEscape(id)+"/seen", nil)
}

func (m *HTTPMailbox) Delete(ctx context.Context, id string) error {
	return m.do(ctx, "inbox.Delete", http.MethodDelete, "/messages/"+url.PathEscape(id), nil)
}
