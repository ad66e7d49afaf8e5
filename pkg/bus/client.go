package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webbridge/webbridge/pkg/logger"
)

// Default timeouts by operation class. Callers may override through
// SendRequest.
const (
	DefaultCallToolTimeout      = 120 * time.Second
	DefaultListFlowsTimeout     = 20 * time.Second
	DefaultProcessDataTimeout   = 20 * time.Second
	DefaultFileOperationTimeout = 30 * time.Second
)

// Conn is the minimal write surface the client needs on a connection.
type Conn interface {
	SendEnvelope(env *Envelope) error
}

// ConnResolver maps an instance id to its live connection, or nil if the
// instance is not registered. Abstracted as a function so tests can supply
// fakes without a full registry.
type ConnResolver func(instanceID string) Conn

// Client is the server→instance send-and-wait primitive. It resolves the
// instance, enrolls a pending entry, writes the request envelope, and
// suspends on the waiter. The connection handle is captured once and no lock
// is held across the blocking send.
type Client struct {
	table   *PendingTable
	resolve ConnResolver
}

// NewClient creates a bus client over the given pending table and resolver.
func NewClient(table *PendingTable, resolve ConnResolver) *Client {
	return &Client{table: table, resolve: resolve}
}

// SendRequest sends a request envelope of the given type to instanceID and
// waits for the correlated response payload.
//
// Failure surface: ErrUnknownInstance when no connection exists, ErrSendFailed
// when the write fails (the enrollment is cancelled), ErrTimeout when the
// deadline elapses, ErrConnectionLost when the instance's socket drops, and
// the context error when ctx is cancelled (a late reply is then dropped).
func (c *Client) SendRequest(
	ctx context.Context,
	instanceID string,
	typ MessageType,
	payload any,
	timeout time.Duration,
) (json.RawMessage, error) {
	conn := c.resolve(instanceID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}

	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	waiter := c.table.Enroll(requestID, instanceID, time.Now().Add(timeout))

	env := &Envelope{
		Type:       typ,
		RequestID:  requestID,
		InstanceID: instanceID,
		Payload:    raw,
	}
	if err := conn.SendEnvelope(env); err != nil {
		c.table.Cancel(requestID)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	logger.Debugw("bus request sent",
		"type", string(typ), "request_id", requestID, "instance_id", instanceID)

	result, err := waiter.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller stopped waiting; abandon the entry so the late
			// response, if it arrives, is dropped by the table.
			c.table.Cancel(requestID)
		}
		return nil, err
	}
	return result, nil
}

// CallTool dispatches a tool invocation to the instance and returns the
// response data. An error-status response surfaces as a plain error carrying
// the extension's message.
func (c *Client) CallTool(ctx context.Context, instanceID, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallToolTimeout
	}
	payload := CallToolPayload{Name: name, Args: args, InstanceID: instanceID}
	raw, err := c.SendRequest(ctx, instanceID, TypeCallTool, payload, timeout)
	if err != nil {
		return nil, err
	}
	return unwrapResponse(raw)
}

// ListPublishedFlows asks the instance for its published flows.
func (c *Client) ListPublishedFlows(ctx context.Context, instanceID string) ([]FlowItem, error) {
	raw, err := c.SendRequest(ctx, instanceID, TypeListPublishedFlows, struct{}{}, DefaultListFlowsTimeout)
	if err != nil {
		return nil, err
	}

	var resp ListFlowsPayload
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse flow list: %w", err)
	}
	if resp.Status == StatusError {
		return nil, fmt.Errorf("list flows: %s", resp.Error)
	}
	return resp.Items, nil
}

// ProcessData runs a server-initiated data-processing request on the
// instance.
func (c *Client) ProcessData(ctx context.Context, instanceID string, payload any) (json.RawMessage, error) {
	raw, err := c.SendRequest(ctx, instanceID, TypeProcessData, payload, DefaultProcessDataTimeout)
	if err != nil {
		return nil, err
	}
	return unwrapResponse(raw)
}

// FileOperation runs a server-initiated file operation on the instance.
func (c *Client) FileOperation(ctx context.Context, instanceID string, payload any) (json.RawMessage, error) {
	raw, err := c.SendRequest(ctx, instanceID, TypeFileOperation, payload, DefaultFileOperationTimeout)
	if err != nil {
		return nil, err
	}
	return unwrapResponse(raw)
}

// unwrapResponse converts the common {status,data,error} response shape into
// data-or-error. Responses without a status discriminator pass through
// verbatim for forward compatibility.
func unwrapResponse(raw json.RawMessage) (json.RawMessage, error) {
	var resp ResponsePayload
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Status == "" {
		return raw, nil
	}
	if resp.Status == StatusError {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}
