package feed

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	ChangesChannel = "chat_changes"

	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Sink receives decoded database notifications.
type Sink interface {
	Publish(ev Event)
	Resync(reason string)
}

// PgListener turns NOTIFY payloads on ChangesChannel into feed events.
type PgListener struct {
	dsn  string
	log  *log.Logger
	sink Sink
}

func NewPgListener(logger *log.Logger, dsn string, sink Sink) *PgListener {
	return &PgListener{dsn: dsn, log: logger, sink: sink}
}

func (l *PgListener) reportProblem(ev pq.ListenerEventType, err error) {
	if err != nil {
		l.log.Printf("pg listener: %v", err)
	}
}

// Run listens until ctx is cancelled.
func (l *PgListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, minReconnectInterval, maxReconnectInterval, l.reportProblem)
	defer listener.Close()

	if err := listener.Listen(ChangesChannel); err != nil {
		return err
	}
	l.log.Printf("listening for notifications on %q", ChangesChannel)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			l.handle(n)
		case <-ticker.C:
			go listener.Ping()
		}
	}
}

// handle processes one notification. pq delivers a nil notification after
// re-establishing a dropped connection, in which case anything sent during
// the gap is lost.
func (l *PgListener) handle(n *pq.Notification) {
	if n == nil {
		l.log.Println("pg listener reconnected, requesting resync")
		l.sink.Resync("change feed reconnected")
		return
	}

	ev, err := ParseNotification(n.Extra)
	if err != nil {
		l.log.Printf("dropping notification: %v", err)
		return
	}

	l.sink.Publish(ev)
}
