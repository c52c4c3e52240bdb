// Package stats publishes the server's counters under GET /debug/vars.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// Metric names a counter in the published map.
type Metric string

const (
	// FeedClients is the number of connected feed clients.
	FeedClients Metric = "FeedClients"
	// EventsPublished counts change events handed to the hub.
	EventsPublished Metric = "EventsPublished"
	// EventsDelivered counts event frames queued to clients.
	EventsDelivered Metric = "EventsDelivered"
	MessagesSent    Metric = "MessagesSent"
	RoomsCreated    Metric = "RoomsCreated"
)

// eventsKey holds the per table and kind event counts, keyed "table.kind".
const eventsKey = "Events"

type Provider interface {
	Register(metrics ...Metric)
	Add(m Metric, delta int64)
	CountEvent(table, kind string)
	Run()
}

// Updater applies counter changes on a single goroutine started by Run.
type Updater struct {
	vars    *expvar.Map
	events  *expvar.Map
	updates chan update
	done    chan struct{}
}

type update struct {
	metric Metric
	event  string
	delta  int64
}

func (su *Updater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewUpdater publishes the "opsdesk-stats" map and serves it on mux. The
// map name is process global, so only one Updater may exist per process.
func NewUpdater(mux *http.ServeMux) *Updater {
	su := &Updater{
		vars:    expvar.NewMap("opsdesk-stats"),
		events:  new(expvar.Map).Init(),
		updates: make(chan update, 512),
		done:    make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
	su.vars.Set(eventsKey, su.events)

	return su
}

// Register publishes the metrics at zero so they are listed before their
// first change. Adding to an unregistered metric registers it.
func (su *Updater) Register(metrics ...Metric) {
	for _, m := range metrics {
		if su.vars.Get(string(m)) == nil {
			su.vars.Set(string(m), new(expvar.Int))
		}
	}
}

func (su *Updater) Add(m Metric, delta int64) {
	su.updates <- update{metric: m, delta: delta}
}

func (su *Updater) CountEvent(table, kind string) {
	su.updates <- update{event: table + "." + kind, delta: 1}
}

func (su *Updater) apply() {
	defer close(su.done)
	for u := range su.updates {
		if u.event != "" {
			su.events.Add(u.event, u.delta)
			continue
		}
		su.vars.Add(string(u.metric), u.delta)
	}
}

func (su *Updater) Run() {
	go su.apply()
}

// Stop applies the queued changes and returns. Nothing may be counted
// afterwards.
func (su *Updater) Stop() {
	close(su.updates)
	<-su.done
}
