package chatsync

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/opsdesk/internal/feed"
)

const (
	writeWait = 10 * time.Second
	// the server pings well inside this window
	readWait = 70 * time.Second
)

// WSTransport dials the server's websocket feed, authenticating with the
// session cookie held in jar.
type WSTransport struct {
	url    string
	dialer *websocket.Dialer
}

func NewWSTransport(feedURL string, jar http.CookieJar) *WSTransport {
	return &WSTransport{
		url: feedURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
			Jar:              jar,
		},
	}
}

func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(msg feed.ClientMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Receive() (feed.ServerMessage, error) {
	var msg feed.ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return feed.ServerMessage{}, err
	}
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	return msg, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
