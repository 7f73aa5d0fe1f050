package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the envelope tag carried in every frame.
type MessageType string

const (
	// Client to server.
	TypeRegisterDevice MessageType = "register_device"
	TypePing           MessageType = "ping"
	TypeGetStats       MessageType = "get_stats"

	// Server to client.
	TypeRegistered         MessageType = "registered"
	TypePong               MessageType = "pong"
	TypeStats              MessageType = "stats"
	TypeDataSync           MessageType = "data_sync"
	TypeDeviceConnected    MessageType = "device_connected"
	TypeDeviceDisconnected MessageType = "device_disconnected"
	TypeRateLimitExceeded  MessageType = "rate_limit_exceeded"
	TypeError              MessageType = "error"
)

// Message is an outbound frame. Only the fields relevant to Type are set.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	DeviceID string `json:"deviceId,omitempty"`

	// data_sync
	Operation string         `json:"operation,omitempty"`
	Table     string         `json:"table,omitempty"`
	Data      any            `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// rate_limit_exceeded
	ResetTime  *time.Time `json:"resetTime,omitempty"`
	Violations int        `json:"violations,omitempty"`

	// stats
	Stats *Stats `json:"stats,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DataSync builds the notification for a committed mutation.
func DataSync(operation, table string, data any, metadata map[string]any) Message {
	return Message{
		Type:      TypeDataSync,
		Operation: operation,
		Table:     table,
		Data:      data,
		Metadata:  metadata,
	}
}

// Protocol error codes.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeMissingField   = "missing_field"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal_error"
)

// ProtocolError is a malformed or unrecognized inbound frame. It is reported
// to the client as an error message; the connection stays open.
type ProtocolError struct {
	Code   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Message converts the error into its outbound frame.
func (e *ProtocolError) Message() Message {
	return Message{Type: TypeError, Code: e.Code, Message: e.Reason}
}

// Request is an inbound frame. The set of implementations is closed:
// RegisterDevice, Ping and GetStats.
type Request interface {
	requestType() MessageType
}

// RegisterDevice binds the connection to a device identity.
type RegisterDevice struct {
	DeviceID string
	Token    string
}

// Ping asks for a pong.
type Ping struct{}

// GetStats asks for the registry snapshot.
type GetStats struct{}

func (RegisterDevice) requestType() MessageType { return TypeRegisterDevice }
func (Ping) requestType() MessageType           { return TypePing }
func (GetStats) requestType() MessageType       { return TypeGetStats }

type envelope struct {
	Type     *string `json:"type"`
	DeviceID string  `json:"deviceId"`
	Token    string  `json:"token"`
}

// ParseRequest decodes a JSON envelope into a Request.
func ParseRequest(raw []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidMessage, Reason: "message must be a JSON object"}
	}
	if env.Type == nil {
		return nil, &ProtocolError{Code: CodeInvalidMessage, Reason: "message has no type"}
	}

	switch MessageType(*env.Type) {
	case TypeRegisterDevice:
		if env.DeviceID == "" {
			return nil, &ProtocolError{Code: CodeMissingField, Reason: "deviceId is required"}
		}
		return RegisterDevice{DeviceID: env.DeviceID, Token: env.Token}, nil
	case TypePing:
		return Ping{}, nil
	case TypeGetStats:
		return GetStats{}, nil
	default:
		return nil, &ProtocolError{Code: CodeUnknownType, Reason: fmt.Sprintf("unknown message type %q", *env.Type)}
	}
}
