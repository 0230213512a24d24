package signaling

// Subscribe registers the callback for envelopes addressed to this client.
// Envelopes that arrived before the first subscription are replayed in order.
func (c *Client) Subscribe(onEnvelope func(Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEnvelope = onEnvelope
	for _, env := range c.pending {
		onEnvelope(env)
	}
	c.pending = nil
}

// SubscribeMembership registers the callback for room membership updates.
// The last snapshot received from the relay is replayed immediately.
func (c *Client) SubscribeMembership(onMembership func(Membership)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMembership = onMembership
	if c.haveMembers {
		onMembership(Membership{Snapshot: c.lastMembers})
	}
}

// handleFrame routes one relay frame to the registered callbacks.
func (c *Client) handleFrame(frame *Frame) {
	switch frame.Type {

	case FrameTypeMembers:
		c.handleMembers(frame)

	case FrameTypeSignal:
		c.handleSignal(frame)

	case FrameTypeError:
		c.logger.Warn("relay reported error", "error", frame.Error)

	default:
		c.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

func (c *Client) handleMembers(frame *Frame) {
	members := frame.Participants
	if members == nil {
		members = []ParticipantID{}
	}

	c.mu.Lock()
	c.lastMembers = members
	c.haveMembers = true
	onMembership := c.onMembership
	c.mu.Unlock()

	if onMembership != nil {
		onMembership(Membership{Snapshot: members})
	}
}

func (c *Client) handleSignal(frame *Frame) {
	// DecodeFrame has already validated the envelope.
	env := *frame.Envelope
	if env.To != c.self {
		c.logger.Warn("dropping envelope for another participant", "to", string(env.To))
		return
	}

	c.mu.Lock()
	onEnvelope := c.onEnvelope
	if onEnvelope == nil {
		c.pending = append(c.pending, env)
	}
	c.mu.Unlock()

	if onEnvelope != nil {
		onEnvelope(env)
	}
}
