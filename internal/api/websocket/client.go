package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	principal auth.Principal

	mu      sync.RWMutex
	devices map[string]bool // nil = all devices
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(deviceID string) bool {
	if deviceID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices == nil || c.devices[deviceID]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump(authenticated bool) {
	registered := authenticated
	defer func() {
		if registered {
			c.hub.remove(c)
		} else {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if authenticated {
		c.resetReadDeadline()
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		if authenticated {
			c.resetReadDeadline()
		}
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !authenticated {
			if msg.Type != "auth" || msg.Token == "" {
				c.reject("First message must be authentication")
				return
			}

			p, err := c.hub.authService.Authenticate(msg.Token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
				c.reject("Invalid or expired token")
				return
			}

			authenticated = true
			c.principal = p
			c.resetReadDeadline()
			c.reply(MessageTypeAuthSuccess, map[string]any{"permissions": p.Permissions})
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.remoteAddr()),
				zap.String("principal", p.Name))

			if !c.hub.add(c) {
				return
			}
			registered = true
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) resetReadDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		if len(msg.Devices) == 0 {
			c.devices = nil
		} else {
			c.devices = make(map[string]bool, len(msg.Devices))
			for _, id := range msg.Devices {
				c.devices[id] = true
			}
		}
		c.mu.Unlock()
		c.reply(MessageTypeSubscribed, map[string]any{"devices": msg.Devices})
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		c.reply(MessageTypeError, map[string]any{"reason": "unknown message type " + msg.Type})
	}
}

func (c *Client) reply(msgType MessageType, data any) {
	payload, err := json.Marshal(NewMessage(msgType, data))
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// reject writes directly because the client was never registered and
// nothing pumps its send channel into the connection afterwards.
func (c *Client) reject(reason string) {
	payload, _ := json.Marshal(NewMessage(MessageTypeAuthFailed, map[string]any{"reason": reason}))
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.TextMessage, payload)
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	authenticated := !hub.authRequired()
	if authenticated && !hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(authenticated)
}
