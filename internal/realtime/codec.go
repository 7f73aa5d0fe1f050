package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Subprotocols offered during the websocket handshake. A client that
// negotiates none gets JSON.
const (
	SubprotocolJSON    = "devsync.json"
	SubprotocolMsgpack = "devsync.msgpack"
)

// Codec converts messages to and from one wire format. Decode always
// yields JSON so a single parser handles both formats.
type Codec interface {
	Name() string
	FrameType() websocket.MessageType
	Encode(v any) ([]byte, error)
	Decode(frame []byte) ([]byte, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecFor returns the codec negotiated for subprotocol.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

// codecForFrame picks the inbound decoder by frame type.
func codecForFrame(typ websocket.MessageType) Codec {
	if typ == websocket.MessageBinary {
		return Msgpack
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string                     { return "json" }
func (jsonCodec) FrameType() websocket.MessageType { return websocket.MessageText }
func (jsonCodec) Encode(v any) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Decode(frame []byte) ([]byte, error) {
	if !json.Valid(frame) {
		return nil, fmt.Errorf("invalid JSON frame")
	}
	return frame, nil
}

// msgpackCodec maps the JSON form of a message onto msgpack so both
// formats share field names and record data stays structured.
type msgpackCodec struct{}

func (msgpackCodec) Name() string                     { return "msgpack" }
func (msgpackCodec) FrameType() websocket.MessageType { return websocket.MessageBinary }

func (msgpackCodec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return msgpack.Marshal(fromJSONNumbers(generic))
}

func (msgpackCodec) Decode(frame []byte) ([]byte, error) {
	var generic any
	if err := msgpack.Unmarshal(frame, &generic); err != nil {
		return nil, fmt.Errorf("invalid msgpack frame: %w", err)
	}
	return json.Marshal(generic)
}

// fromJSONNumbers replaces json.Number with int64 where exact, float64
// otherwise.
func fromJSONNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSONNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = fromJSONNumbers(e)
		}
		return t
	default:
		return v
	}
}
