// Package inbox keeps a local, flag-preserving copy of an external mailbox
// fed by periodic listings and pushed notifications.
package inbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheKey names the persisted snapshot in every Store.
const CacheKey = "opsdesk.inbox.cache"

type Attachment struct {
	Filename    string `json:"filename"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Item is one mailbox entry. IsRead and IsStarred are local state and are
// never sent back to the provider.
type Item struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Preview     string       `json:"preview"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsRead      bool         `json:"is_read"`
	IsStarred   bool         `json:"is_starred"`
}

type Flags struct {
	IsRead    bool
	IsStarred bool
}

func (it Item) Flags() Flags {
	return Flags{IsRead: it.IsRead, IsStarred: it.IsStarred}
}

func (it *Item) SetFlags(f Flags) {
	it.IsRead = f.IsRead
	it.IsStarred = f.IsStarred
}

// Snapshot is the persisted cache blob. Timestamp is the time of the last
// full listing; it drives the staleness check.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Items     []Item    `json:"items"`
}

func (s Snapshot) clone() Snapshot {
	items := make([]Item, len(s.Items))
	copy(items, s.Items)
	return Snapshot{Timestamp: s.Timestamp, Items: items}
}

func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Items == nil {
		s.Items = []Item{}
	}
	return json.Marshal(s)
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode inbox snapshot: %w", err)
	}
	return s, nil
}
