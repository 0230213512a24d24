package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes envelopes and relay frames.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) MessageType() int                   { return websocket.BinaryMessage }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecByName resolves a codec from its configured name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// CodecForMessageType picks the codec matching a received websocket frame.
func CodecForMessageType(messageType int) Codec {
	if messageType == websocket.BinaryMessage {
		return Msgpack
	}
	return JSON
}

// EncodeFrame serializes a relay frame. A signal frame must carry a valid
// envelope.
func EncodeFrame(c Codec, f *Frame) ([]byte, error) {
	if f.Type == FrameTypeSignal {
		if err := f.checkEnvelope(); err != nil {
			return nil, err
		}
	}
	data, err := c.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses a frame received as a websocket message of the given
// type and reports the codec it was written in. A signal frame without a
// valid envelope fails with ErrMalformedEnvelope.
func DecodeFrame(messageType int, data []byte) (Frame, Codec, error) {
	codec := CodecForMessageType(messageType)

	var f Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return Frame{}, codec, fmt.Errorf("%w: %v", ErrUndecodableFrame, err)
	}
	if f.Type == FrameTypeSignal {
		if err := f.checkEnvelope(); err != nil {
			return Frame{}, codec, err
		}
	}
	return f, codec, nil
}
