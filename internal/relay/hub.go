package relay

import (
	"context"
	"log/slog"
	"slices"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// inbound is one frame read from a connection, tagged with its sender. err
// is set when the frame carried a malformed envelope.
type inbound struct {
	conn  *Conn
	codec signaling.Codec
	frame signaling.Frame
	err   error
}

// Hub owns every room. All room state is touched only by Run.
type Hub struct {
	rooms map[string]map[signaling.ParticipantID]*Conn

	register   chan *Conn
	unregister chan *Conn
	incoming   chan inbound
	queries    chan func()
	done       chan struct{}

	logger *slog.Logger
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]map[signaling.ParticipantID]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		incoming:   make(chan inbound),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		logger:     logger.With("component", "relay"),
	}
}

// Run processes registrations and frames until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, room := range h.rooms {
			for _, c := range room {
				c.closeSend()
			}
		}
		h.rooms = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.logger.Debug("connection registered", "remote", c.remote)

		case c := <-h.unregister:
			h.logger.Debug("connection unregistered", "remote", c.remote)
			h.leave(c)
			c.closeSend()

		case in := <-h.incoming:
			h.handle(in)

		case fn := <-h.queries:
			fn()
		}
	}
}

// Members returns the sorted member list of a room.
func (h *Hub) Members(ctx context.Context, roomID string) ([]signaling.ParticipantID, error) {
	reply := make(chan []signaling.ParticipantID, 1)
	fn := func() { reply <- h.membersOf(roomID) }

	select {
	case h.queries <- fn:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

func (h *Hub) handle(in inbound) {
	c, frame := in.conn, in.frame
	if in.err != nil {
		h.reject(c, in.err.Error())
		return
	}

	switch frame.Type {
	case signaling.FrameTypeJoin:
		h.join(c, in.codec, frame)

	case signaling.FrameTypeLeave:
		h.leave(c)

	case signaling.FrameTypeSignal:
		h.signal(c, frame)

	default:
		h.logger.Warn("unknown frame type", "type", frame.Type, "remote", c.remote)
		h.reject(c, "unknown frame type: "+frame.Type)
	}
}

func (h *Hub) join(c *Conn, codec signaling.Codec, frame signaling.Frame) {
	if frame.RoomID == "" || frame.Participant == "" {
		h.reject(c, "join needs a room and a participant")
		return
	}
	if c.roomID != "" {
		h.reject(c, "already joined room "+c.roomID)
		return
	}

	room, ok := h.rooms[frame.RoomID]
	if !ok {
		room = make(map[signaling.ParticipantID]*Conn)
		h.rooms[frame.RoomID] = room
		h.logger.Info("room created", "room", frame.RoomID)
	}

	// A participant reconnecting under the same id replaces its old connection.
	if old, ok := room[frame.Participant]; ok {
		h.logger.Info("participant replaced", "room", frame.RoomID, "participant", string(frame.Participant))
		old.roomID, old.participant = "", ""
		old.closeSend()
	}

	c.codec = codec
	c.roomID = frame.RoomID
	c.participant = frame.Participant
	room[c.participant] = c

	h.logger.Info("participant joined", "room", c.roomID, "participant", string(c.participant), "codec", codec.Name())
	h.broadcastMembers(c.roomID)
}

func (h *Hub) leave(c *Conn) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	room := h.rooms[roomID]
	if room[c.participant] == c {
		delete(room, c.participant)
		h.logger.Info("participant left", "room", roomID, "participant", string(c.participant))
	}
	c.roomID, c.participant = "", ""

	if len(room) == 0 {
		delete(h.rooms, roomID)
		h.logger.Info("room deleted", "room", roomID)
		return
	}
	h.broadcastMembers(roomID)
}

func (h *Hub) signal(c *Conn, frame signaling.Frame) {
	if c.roomID == "" {
		h.reject(c, "you must join a room first")
		return
	}

	env := *frame.Envelope
	if env.From != c.participant {
		h.reject(c, "envelope sender does not match joined participant")
		return
	}
	env.RoomID = c.roomID

	target, ok := h.rooms[c.roomID][env.To]
	if !ok {
		// Best effort: the recipient may have just left.
		h.logger.Debug("no recipient for envelope", "room", c.roomID, "to", string(env.To), "kind", string(env.Kind))
		return
	}

	h.logger.Debug("relaying envelope", "room", c.roomID, "from", string(env.From), "to", string(env.To), "kind", string(env.Kind))
	h.deliver(target, &signaling.Frame{Type: signaling.FrameTypeSignal, RoomID: c.roomID, Envelope: &env})
}

func (h *Hub) membersOf(roomID string) []signaling.ParticipantID {
	room := h.rooms[roomID]
	members := make([]signaling.ParticipantID, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}

func (h *Hub) broadcastMembers(roomID string) {
	members := h.membersOf(roomID)
	for _, c := range h.rooms[roomID] {
		h.deliver(c, &signaling.Frame{
			Type:         signaling.FrameTypeMembers,
			RoomID:       roomID,
			Participants: members,
		})
	}
}

func (h *Hub) reject(c *Conn, reason string) {
	h.logger.Warn("rejecting frame", "remote", c.remote, "reason", reason)
	h.deliver(c, &signaling.Frame{Type: signaling.FrameTypeError, Error: reason})
}

// deliver encodes frame in c's codec and queues it. A connection whose
// queue is full is dropped.
func (h *Hub) deliver(c *Conn, frame *signaling.Frame) {
	if c.closed {
		return
	}
	data, err := signaling.EncodeFrame(c.codec, frame)
	if err != nil {
		h.logger.Error("failed to encode frame", "error", err, "type", frame.Type)
		return
	}

	select {
	case c.send <- outbound{messageType: c.codec.MessageType(), data: data}:
	default:
		h.logger.Warn("connection too slow, dropping it", "remote", c.remote)
		h.leave(c)
		c.closeSend()
	}
}
