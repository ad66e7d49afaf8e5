package bus

import "encoding/json"

// Response status values used by the extension on every *_RESPONSE payload.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RegisterPayload is carried by INSTANCE_REGISTER envelopes. The instance id
// itself travels on the envelope; the payload describes the extension build.
type RegisterPayload struct {
	Version string          `json:"version,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// RegisteredPayload is carried by INSTANCE_REGISTERED envelopes.
type RegisteredPayload struct {
	InstanceID string     `json:"instanceId"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the bridge build to the registering extension.
type ServerInfo struct {
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// CallToolPayload is carried by CALL_TOOL envelopes.
type CallToolPayload struct {
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
	InstanceID string         `json:"instanceId,omitempty"`
}

// ResponsePayload is the common shape of every *_RESPONSE payload: a status
// discriminator, the result data on success, an error text on failure.
type ResponsePayload struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// FlowVariableRules constrains a flow variable's accepted values.
type FlowVariableRules struct {
	Required bool     `json:"required,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

// FlowVariable is one declared input of a recorded flow.
type FlowVariable struct {
	Key         string            `json:"key"`
	Label       string            `json:"label,omitempty"`
	Type        string            `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
	Rules       FlowVariableRules `json:"rules,omitempty"`
}

// FlowMeta carries optional per-flow tool metadata.
type FlowMeta struct {
	Tool *struct {
		Description string `json:"description,omitempty"`
	} `json:"tool,omitempty"`
}

// FlowItem is one published flow as reported by an instance.
type FlowItem struct {
	ID          int64          `json:"id"`
	Slug        string         `json:"slug"`
	Description string         `json:"description,omitempty"`
	Variables   []FlowVariable `json:"variables,omitempty"`
	Meta        *FlowMeta      `json:"meta,omitempty"`
}

// ListFlowsPayload is the LIST_PUBLISHED_FLOWS_RESPONSE payload.
type ListFlowsPayload struct {
	Status string     `json:"status"`
	Items  []FlowItem `json:"items,omitempty"`
	Error  string     `json:"error,omitempty"`
}
