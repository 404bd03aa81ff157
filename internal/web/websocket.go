// internal/web/websocket.go
package web

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var errClientClosed = errors.New("websocket client closed")
var errClientSlow = errors.New("websocket client send buffer full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboard may be served from another origin
	},
}

// WSClient is a dashboard connection subscribed to the broadcast hub.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	// The snapshot is queued before any delta can be
	if err := s.hub.Subscribe(client, s.engine.Snapshot); err != nil {
		logrus.WithError(err).Warn("Failed to send initial snapshot")
		conn.Close()
		return
	}
	s.metrics.RecordWebSocketConnection(1)
	logrus.WithField("remote", conn.RemoteAddr().String()).Debug("WebSocket client connected")

	go client.writePump()
	go client.readPump()
}

// Send queues data without blocking. A full buffer closes the client; the
// hub drops it on the returned error.
func (c *WSClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closed = true
		close(c.send)
		c.server.metrics.RecordWebSocketConnection(-1)
		logrus.Warn("Dropping slow WebSocket client")
		return errClientSlow
	}
}

func (c *WSClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// close unsubscribes the client and ends its write pump. Safe to call twice.
func (c *WSClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.server.hub.Unsubscribe(c)
	c.server.metrics.RecordWebSocketConnection(-1)
	logrus.Debug("WebSocket client disconnected")
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; dashboards never send data.
func (c *WSClient) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
