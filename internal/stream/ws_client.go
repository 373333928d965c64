package stream

import (
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

// WSClient adapts a websocket connection to the Subscriber interface.
type WSClient struct {
	conn *websocket.Conn
	log  *slog.Logger
	mu   sync.Mutex
}

// NewWSClient constructs a websocket subscriber.
func NewWSClient(conn *websocket.Conn, logger *slog.Logger) *WSClient {
	return &WSClient{conn: conn, log: logger}
}

// Send writes a message to the websocket connection.
func (c *WSClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.log != nil {
			c.log.Warn("websocket send failed", "error", err)
		}
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *WSClient) Close() {
	_ = c.conn.Close()
}
