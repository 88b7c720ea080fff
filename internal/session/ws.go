package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer keeps the socket; pings go
	// out at a fraction of it so intermediaries never idle out.
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10

	maxFrameSize = 1 << 20
)

// WSConn adapts a gorilla websocket to the session Conn interface,
// adding write serialization and transport-level ping/pong.
type WSConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewWSConn wraps an upgraded websocket and starts its ping loop.
func NewWSConn(ws *websocket.Conn) *WSConn {
	c := &WSConn{ws: ws, done: make(chan struct{})}

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop()
	return c
}

// ReadMessage returns the next text frame. Control frames are handled
// by the underlying library.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteMessage sends one text frame.
func (c *WSConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame on a best-effort basis and tears the
// socket down.
func (c *WSConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))                                 //nolint:errcheck
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1000, "")) //nolint:errcheck
		c.writeMu.Unlock()
	})
	return c.ws.Close()
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
