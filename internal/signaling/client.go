package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingBuffer = 256
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// Client manages the WebSocket connection to the relay. It is both the
// transport for envelopes and the room directory for one participant.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	roomID    string
	self      ParticipantID
	codec     Codec
	logger    *slog.Logger

	outgoing chan outboundFrame
	done     chan struct{}
	closing  sync.Once

	// lost is closed once either pump has exited.
	lost   chan struct{}
	losing sync.Once

	mu           sync.Mutex
	onEnvelope   func(Envelope)
	onMembership func(Membership)
	pending      []Envelope
	lastMembers  []ParticipantID
	haveMembers  bool
}

// NewClient creates a new signaling client for one participant in one room.
func NewClient(serverURL, roomID string, self ParticipantID, codec Codec, logger *slog.Logger) *Client {
	if codec == nil {
		codec = JSON
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverURL: serverURL,
		roomID:    roomID,
		self:      self,
		codec:     codec,
		logger:    logger.With("component", "signaling", "room", roomID, "self", string(self)),
		outgoing:  make(chan outboundFrame, outgoingBuffer),
		done:      make(chan struct{}),
		lost:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and joins the room.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	// Dial through our DNS lookup with public fallback.
	resolver := &dns.Resolver{}
	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = resolver.DialContext

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	join, err := EncodeFrame(c.codec, &Frame{
		Type:        FrameTypeJoin,
		RoomID:      c.roomID,
		Participant: c.self,
	})
	if err != nil {
		conn.Close()
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(c.codec.MessageType(), join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	go c.readPump()
	go c.writePump()

	return nil
}

// readPump reads frames from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.markLost()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		frame, _, err := DecodeFrame(messageType, data)
		if err != nil {
			c.logger.Warn("dropping frame", "error", err)
			continue
		}
		c.handleFrame(&frame)
	}
}

// writePump writes frames to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.markLost()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				c.logger.Warn("write to relay failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if leave, err := EncodeFrame(c.codec, &Frame{Type: FrameTypeLeave, RoomID: c.roomID, Participant: c.self}); err == nil {
				c.conn.WriteMessage(c.codec.MessageType(), leave)
			}
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send publishes an envelope to its recipient through the relay. Delivery is
// best effort: there is no acknowledgment and no resend. Once the relay
// connection is gone Send fails with ErrRelayLost.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	if env.RoomID == "" {
		env.RoomID = c.roomID
	}
	data, err := EncodeFrame(c.codec, &Frame{Type: FrameTypeSignal, RoomID: c.roomID, Envelope: &env})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	case <-c.lost:
		return ErrRelayLost
	default:
	}

	select {
	case c.outgoing <- outboundFrame{messageType: c.codec.MessageType(), data: data}:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-c.lost:
		return ErrRelayLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lost is closed when the relay connection has gone away.
func (c *Client) Lost() <-chan struct{} {
	return c.lost
}

func (c *Client) markLost() {
	c.losing.Do(func() {
		close(c.lost)
	})
}

// Close leaves the room and closes the connection.
func (c *Client) Close() {
	c.closing.Do(func() {
		close(c.done)
	})
}
