package websocket

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent when the server drops a device.
const (
	closeRevoked  = websocket.ClosePolicyViolation
	closeOverload = websocket.CloseTryAgainLater
)

// Client is one device's event connection. The manager owns Send and
// closes it; the close code and reason are set first and sent as the
// close frame.
type Client struct {
	ID       string
	TenantID string
	DeviceID string
	Conn     *websocket.Conn
	Manager  *Manager
	Send     chan []byte

	closeCode   int
	closeReason string
}

func NewClient(id, tenantID, deviceID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:        id,
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Conn:      conn,
		Manager:   manager,
		Send:      make(chan []byte, 64),
		closeCode: websocket.CloseNormalClosure,
	}
}

// ReadPump keeps the connection alive and forwards device pings. It returns
// when the device goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.Manager.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error for device %s: %v", c.DeviceID, err)
			}
			return
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			log.Printf("[WebSocket] ignoring frame from device %s: %v", c.DeviceID, err)
			continue
		}
		c.Manager.HandleMessage <- &ClientMessage{Client: c, Message: msg}
	}
}

// WritePump drains Send and pings on an interval. When Send is closed it
// writes the close frame chosen by the manager.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
