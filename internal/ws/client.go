package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/tidwall/gjson"
	"go.uber.org/ratelimit"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	limiter ratelimit.Limiter

	// Buffered channel of outbound messages.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// ServeWs upgrades the request and attaches the connection to the hub as
// userID, which the caller has already authenticated.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("[WS] upgrade for %s: %v", userID, err)
		return
	}

	limiter := ratelimit.NewUnlimited()
	if hub.inboundRate > 0 {
		limiter = ratelimit.New(hub.inboundRate)
	}
	client := &Client{
		hub:     hub,
		conn:    conn,
		userID:  userID,
		limiter: limiter,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// trySend queues payload without blocking. It reports false when the
// client is gone or its buffer is full.
func (c *Client) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.WARN.Printf("[WS] read from %s: %v", c.userID, err)
			}
			return
		}
		c.limiter.Take()

		event := gjson.GetBytes(message, "event")
		if event.Type != gjson.String {
			jww.DEBUG.Printf("[WS] frame without event from %s", c.userID)
			continue
		}
		in := inbound{client: c, event: event.Str, data: []byte(gjson.GetBytes(message, "data").Raw)}
		select {
		case c.hub.inbound <- in:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
