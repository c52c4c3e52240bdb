package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expvar names are process global, so a single updater serves every case.
func TestUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewUpdater(mux)
	require.NotNil(t, su)

	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern)

	su.Register(FeedClients, EventsPublished, MessagesSent)
	su.Run()

	su.Add(FeedClients, 1)
	su.Add(FeedClients, 1)
	su.Add(FeedClients, -1)
	su.Add(RoomsCreated, 1)
	su.CountEvent("messages", "insert")
	su.CountEvent("messages", "insert")
	su.CountEvent("participants", "delete")
	su.Stop()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))

	tcases := []struct {
		metric Metric
		want   float64
	}{
		{FeedClients, 1},
		{EventsPublished, 0},
		{MessagesSent, 0},
		{RoomsCreated, 1},
	}
	for _, tc := range tcases {
		t.Run(string(tc.metric), func(t *testing.T) {
			assert.Equal(t, tc.want, body[string(tc.metric)])
		})
	}

	assert.Contains(t, body, "Uptime")
	assert.Equal(t, map[string]any{
		"messages.insert":     float64(2),
		"participants.delete": float64(1),
	}, body["Events"])
}
