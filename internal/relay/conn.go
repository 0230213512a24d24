package relay

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP fits comfortably.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

var ErrHubStopped = errors.New("relay hub stopped")

type outbound struct {
	messageType int
	data        []byte
}

// Conn is one websocket connection to the relay.
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	remote string
	send   chan outbound

	// Owned by the hub goroutine.
	closed      bool
	codec       signaling.Codec
	roomID      string
	participant signaling.ParticipantID
}

func newConn(hub *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:    hub,
		ws:     ws,
		remote: ws.RemoteAddr().String(),
		send:   make(chan outbound, sendBuffer),
		codec:  signaling.JSON,
	}
}

// closeSend stops the write pump. Hub goroutine only.
func (c *Conn) closeSend() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump decodes frames and hands them to the hub. It is the only reader
// on the connection.
func (c *Conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read failed", "remote", c.remote, "error", err)
			}
			return
		}

		frame, codec, err := signaling.DecodeFrame(messageType, data)
		if errors.Is(err, signaling.ErrUndecodableFrame) {
			c.hub.logger.Warn("dropping undecodable frame", "remote", c.remote, "error", err)
			continue
		}

		select {
		case c.hub.incoming <- inbound{conn: c, codec: codec, frame: frame, err: err}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.hub.logger.Debug("write failed", "remote", c.remote, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
