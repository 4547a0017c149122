package fanout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// inboundMsg is the only shape a subscriber sends: a room change. The fan-out
// hub is read-only from the domain's perspective — clients never mutate
// auction state over this connection, only their subscription set.
type inboundMsg struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId"`
}

// Client is a middleman between one websocket connection and the Hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	logger *slog.Logger
}

// NewClient wraps an upgraded websocket connection and registers it with
// the hub. Callers must launch ReadPump and WritePump in their own
// goroutines afterward.
func NewClient(hub *Hub, conn *websocket.Conn, id string, logger *slog.Logger) *Client {
	c := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), id: id, logger: logger}
	hub.Register(c)
	return c
}

// ReadPump processes subscribe/unsubscribe requests until the connection
// closes, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", slog.String("client", c.id), slog.Any("error", err))
			}
			break
		}
		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))

		var in inboundMsg
		if err := json.Unmarshal(message, &in); err != nil {
			c.logger.Debug("discarding non-JSON fan-out message", slog.String("client", c.id))
			continue
		}
		switch in.Type {
		case "subscribe":
			c.hub.Subscribe(c, in.AuctionID)
		case "unsubscribe":
			c.hub.Unsubscribe(c, in.AuctionID)
		}
	}
}

// WritePump drains the client's outbound queue onto the socket and keeps
// the connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if err := c.writeMessage(message, ok); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(message []byte, ok bool) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if !ok {
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return fmt.Errorf("fan-out: send channel closed")
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(message); err != nil {
		return err
	}
	return w.Close()
}

func (c *Client) ping() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}
