// Package dispatch routes MCP tool calls onto the websocket bus. It resolves
// the ambient session to its bound instance, rewrites flow.<slug> aliases
// onto the static run tool, and picks the transport class per tool.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/webbridge/webbridge/pkg/bus"
	"github.com/webbridge/webbridge/pkg/catalog"
	"github.com/webbridge/webbridge/pkg/logger"
	"github.com/webbridge/webbridge/pkg/telemetry"
)

// BusCaller is the slice of the bus client the dispatcher needs.
type BusCaller interface {
	CallTool(ctx context.Context, instanceID, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
	ListPublishedFlows(ctx context.Context, instanceID string) ([]bus.FlowItem, error)
	ProcessData(ctx context.Context, instanceID string, payload any) (json.RawMessage, error)
	FileOperation(ctx context.Context, instanceID string, payload any) (json.RawMessage, error)
}

// InstanceResolver maps an MCP session id to its bound instance id.
type InstanceResolver func(sessionID string) (string, bool)

// Dispatcher turns MCP tool calls into bus requests.
type Dispatcher struct {
	bus            BusCaller
	instanceFor    InstanceResolver
	onFlowsChanged func(sessionID, instanceID string)
}

// New creates a dispatcher.
func New(busClient BusCaller, instanceFor InstanceResolver) *Dispatcher {
	return &Dispatcher{bus: busClient, instanceFor: instanceFor}
}

// SetFlowInvalidation registers a callback fired after a tool call changes the
// instance's published flows. Set once at assembly, before the dispatcher
// serves calls.
func (d *Dispatcher) SetFlowInvalidation(fn func(sessionID, instanceID string)) {
	d.onFlowsChanged = fn
}

// Handle implements server.ToolHandlerFunc for every tool the bridge exposes.
// Bus failures come back as tool-call error results, not protocol errors, so
// MCP clients see the message instead of a broken stream.
func (d *Dispatcher) Handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.Params.Name
	start := time.Now()

	result, err := d.dispatch(ctx, request)
	if err != nil {
		telemetry.ToolCalls.WithLabelValues(name, "error").Inc()
		logger.Warnw("tool call failed", "tool", name, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Error calling tool: %s", err)), nil
	}
	telemetry.ToolCalls.WithLabelValues(name, "success").Inc()
	telemetry.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return nil, fmt.Errorf("no active MCP session")
	}

	instanceID, ok := d.instanceFor(session.SessionID())
	if !ok {
		return nil, bus.ErrMissingInstance
	}

	name := request.Params.Name
	args := request.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	// Legacy callers pass instanceId explicitly; the binding wins and the
	// field never goes over the wire.
	delete(args, "instanceId")

	if strings.HasPrefix(name, catalog.FlowToolPrefix) {
		var err error
		name, args, err = d.resolveFlowAlias(ctx, instanceID, name, args)
		if err != nil {
			return nil, err
		}
	}

	payload, err := d.route(ctx, instanceID, name, args)
	if err != nil {
		return nil, err
	}

	if d.onFlowsChanged != nil && flowMutating(name) {
		d.onFlowsChanged(session.SessionID(), instanceID)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// flowMutating reports whether a successful call to name changes the set of
// published flows, invalidating per-session flow tools.
func flowMutating(name string) bool {
	return name == catalog.ToolFlowPublish || name == catalog.ToolFlowImport
}

// resolveFlowAlias rewrites flow.<slug> onto record_replay_flow_run with the
// flow's numeric id. Resolution happens at call time so a stale cached
// descriptor cannot run the wrong flow.
func (d *Dispatcher) resolveFlowAlias(
	ctx context.Context,
	instanceID, name string,
	args map[string]any,
) (string, map[string]any, error) {
	slug := strings.TrimPrefix(name, catalog.FlowToolPrefix)

	items, err := d.bus.ListPublishedFlows(ctx, instanceID)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	for _, item := range items {
		if item.Slug == slug {
			return catalog.ToolFlowRun, map[string]any{
				"flowId": item.ID,
				"args":   args,
			}, nil
		}
	}
	return "", nil, fmt.Errorf("flow not found for tool %s", name)
}

// route picks the wire operation for a tool. Extraction goes over
// PROCESS_DATA, flow export/import over FILE_OPERATION, everything else over
// CALL_TOOL.
func (d *Dispatcher) route(ctx context.Context, instanceID, name string, args map[string]any) (json.RawMessage, error) {
	switch name {
	case catalog.ToolExtractData:
		return d.bus.ProcessData(ctx, instanceID, map[string]any{
			"operation": "extract",
			"schema":    args["schema"],
			"selector":  args["selector"],
		})
	case catalog.ToolFlowExport:
		return d.bus.FileOperation(ctx, instanceID, map[string]any{
			"operation": "export",
			"flowId":    args["flowId"],
			"format":    args["format"],
		})
	case catalog.ToolFlowImport:
		return d.bus.FileOperation(ctx, instanceID, map[string]any{
			"operation": "import",
			"data":      args["data"],
			"name":      args["name"],
		})
	default:
		return d.bus.CallTool(ctx, instanceID, name, args, bus.DefaultCallToolTimeout)
	}
}
