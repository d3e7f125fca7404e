package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
	"github.com/pixelfort/vmhub/internal/services/broadcast"
)

const (
	// writeWait bounds a single frame write; a stalled client is dropped
	// rather than allowed to block the pump.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before declaring the
	// connection dead. pingPeriod must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; clients only send pong/close.
	maxMessageSize = 512
)

// Origin checks belong to the reverse proxy in front of the control plane.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleMessagesStream upgrades the connection and streams every broadcast
// message until the client disconnects or the bus drops the mailbox (slow
// reader, or bus close on shutdown).
func (s *Server) handleMessagesStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote", c.ClientIP()),
			zap.Error(err))
		return
	}

	client := &streamClient{
		conn:    conn,
		mailbox: s.bus.Subscribe(),
		bus:     s.bus,
		logger:  s.logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}

	go client.writePump()
	client.readPump()
}

// streamClient is one live subscriber: a mailbox fed by the bus and two
// pumps moving its messages onto the wire.
type streamClient struct {
	conn    *websocket.Conn
	mailbox chan models.Message
	bus     *broadcast.Bus
	logger  *zap.Logger
}

// readPump discards inbound frames; its job is pong handling and detecting
// disconnects. When it returns, the subscription is released.
func (c *streamClient) readPump() {
	defer func() {
		c.bus.Unsubscribe(c.mailbox)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the sole writer on the connection: mailbox messages plus the
// keepalive pings. A closed mailbox means the bus dropped us; a close frame
// tells the client why the stream ended.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.mailbox:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
