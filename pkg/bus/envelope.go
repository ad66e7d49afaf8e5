// Package bus implements the websocket message bus between the bridge and
// browser-extension instances: the wire envelope codec, the pending-request
// correlation table, and the server-side send-and-wait client.
package bus

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the operation an envelope carries.
type MessageType string

// Wire envelope types. The server initiates every request/response pair
// except registration and heartbeat, which originate on the extension side.
const (
	TypeInstanceRegister     MessageType = "INSTANCE_REGISTER"
	TypeInstanceRegistered   MessageType = "INSTANCE_REGISTERED"
	TypeInstanceUnregister   MessageType = "INSTANCE_UNREGISTER"
	TypeInstanceUnregistered MessageType = "INSTANCE_UNREGISTERED"
	TypeCallTool             MessageType = "CALL_TOOL"
	TypeCallToolResponse     MessageType = "CALL_TOOL_RESPONSE"
	TypeProcessData          MessageType = "PROCESS_DATA"
	TypeProcessDataResponse  MessageType = "PROCESS_DATA_RESPONSE"
	TypeListPublishedFlows   MessageType = "LIST_PUBLISHED_FLOWS"
	TypeListFlowsResponse    MessageType = "LIST_PUBLISHED_FLOWS_RESPONSE"
	TypeFileOperation        MessageType = "FILE_OPERATION"
	TypeFileOpResponse       MessageType = "FILE_OPERATION_RESPONSE"
	TypePing                 MessageType = "PING"
	TypePong                 MessageType = "PONG"
	TypeError                MessageType = "ERROR"
)

var knownTypes = map[MessageType]struct{}{
	TypeInstanceRegister:     {},
	TypeInstanceRegistered:   {},
	TypeInstanceUnregister:   {},
	TypeInstanceUnregistered: {},
	TypeCallTool:             {},
	TypeCallToolResponse:     {},
	TypeProcessData:          {},
	TypeProcessDataResponse:  {},
	TypeListPublishedFlows:   {},
	TypeListFlowsResponse:    {},
	TypeFileOperation:        {},
	TypeFileOpResponse:       {},
	TypePing:                 {},
	TypePong:                 {},
	TypeError:                {},
}

// IsResponse reports whether the type is the response half of a
// request/response pair.
func (t MessageType) IsResponse() bool {
	switch t {
	case TypeCallToolResponse, TypeProcessDataResponse, TypeListFlowsResponse, TypeFileOpResponse:
		return true
	default:
		return false
	}
}

// serverInitiated holds the request types only the bridge may originate.
// An extension sending one of these is a protocol violation.
var serverInitiated = map[MessageType]struct{}{
	TypeCallTool:           {},
	TypeProcessData:        {},
	TypeListPublishedFlows: {},
	TypeFileOperation:      {},
}

// IsServerInitiated reports whether only the server may originate envelopes
// of this type.
func (t MessageType) IsServerInitiated() bool {
	_, ok := serverInitiated[t]
	return ok
}

// Envelope is a single JSON text frame on the websocket bus.
//
// Exactly one of RequestID and ResponseTo is set on any envelope that
// participates in a call/response pair; PING and PONG set neither. Payload is
// kept as raw JSON so unknown fields survive a decode/encode round trip.
type Envelope struct {
	Type       MessageType     `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	ResponseTo string          `json:"responseToRequestId,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Encode serialises the envelope to a JSON text frame.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a JSON text frame into an envelope, rejecting unknown types
// and correlation-field violations with ErrProtocol.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) validate() error {
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("%w: unknown envelope type %q", ErrProtocol, e.Type)
	}
	if e.RequestID != "" && e.ResponseTo != "" {
		return fmt.Errorf("%w: envelope carries both requestId and responseToRequestId", ErrProtocol)
	}
	return nil
}

// MarshalPayload is a convenience for building envelopes from Go values.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
