package feed

import (
	"net/http"
	"time"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscription `json:"subscribe,omitempty"`
	Unsubscribe *Subscription `json:"unsubscribe,omitempty"`
}

// Subscription names tables and the event kinds wanted for them. An empty
// Events list means every kind.
type Subscription struct {
	Tables []Table `json:"tables"`
	Events []Kind  `json:"events,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Event        *Event        `json:"event,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Resync *Resync `json:"resync,omitempty"`
}

// Resync tells clients that events may have been lost and every cached view
// should be refetched.
type Resync struct {
	Reason string `json:"reason"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrInvalidSubscription(id int, reason string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        reason,
		},
	}
}

func EventMessage(ev Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: &ev,
	}
}

func ResyncMessage(reason string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			Resync: &Resync{Reason: reason},
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
