package chat

import (
	"context"
	"log"
	"time"
)

type Activity struct {
	Action string
	RoomID string
	UserID int
	Ref    string
	At     time.Time
}

// ActivityLog records user actions for auditing. Recording is best effort.
type ActivityLog interface {
	Record(ctx context.Context, a Activity) error
}

type LogActivity struct {
	log *log.Logger
}

func NewLogActivity(logger *log.Logger) *LogActivity {
	return &LogActivity{log: logger}
}

func (l *LogActivity) Record(ctx context.Context, a Activity) error {
	l.log.Printf("activity: %s room=%s user=%d ref=%s at=%s",
		a.Action, a.RoomID, a.UserID, a.Ref, a.At.Format(time.RFC3339Nano))
	return nil
}

func (s *Service) recordActivity(a Activity) {
	s.detach("record activity", func(ctx context.Context) error {
		return s.activity.Record(ctx, a)
	})
}
