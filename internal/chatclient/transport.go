package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/models"
	jww "github.com/spf13/jwalterweatherman"
)

const writeWait = 10 * time.Second

// Transport is the client end of the live connection.
type Transport struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

// Dial opens the websocket, authenticating with the cookies in jar.
func Dial(ctx context.Context, wsURL string, jar http.CookieJar) (*Transport, error) {
	dialer := websocket.Dialer{
		Jar:              jar,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, chaterr.Transport(err, "dial %s", wsURL)
	}
	return &Transport{conn: conn}, nil
}

// Emit sends one {event, data} envelope.
func (t *Transport) Emit(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: raw})
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return chaterr.Transport(err, "emit %s", event)
	}
	return nil
}

// Run reads envelopes until the connection closes or ctx is done, passing
// each to handle in arrival order.
func (t *Transport) Run(ctx context.Context, handle func(models.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { t.conn.Close() })
	defer stop()

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return chaterr.Transport(err, "read")
		}
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			jww.WARN.Printf("[TRANSPORT] dropping malformed frame: %v", err)
			continue
		}
		handle(env)
	}
}

func (t *Transport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
