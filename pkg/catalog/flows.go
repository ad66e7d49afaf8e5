package catalog

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/webbridge/webbridge/pkg/bus"
)

// DefaultFlowDescription is used when a flow declares no description at all.
const DefaultFlowDescription = "Recorded flow"

// FlowToolName returns the dynamic tool name for a flow slug.
func FlowToolName(slug string) string {
	return FlowToolPrefix + slug
}

// FlowTools synthesises one flow.<slug> descriptor per published flow.
func FlowTools(items []bus.FlowItem) []mcp.Tool {
	tools := make([]mcp.Tool, 0, len(items))
	for _, item := range items {
		tools = append(tools, FlowTool(item))
	}
	return tools
}

// FlowTool builds the descriptor for a single published flow.
func FlowTool(item bus.FlowItem) mcp.Tool {
	properties := make(map[string]any, len(item.Variables)+5)
	var required []string

	for _, v := range item.Variables {
		properties[v.Key] = variableSchema(v)
		if v.Rules.Required {
			required = append(required, v.Key)
		}
	}
	addRunControlProperties(properties)

	return mcp.Tool{
		Name:        FlowToolName(item.Slug),
		Description: flowDescription(item),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

func flowDescription(item bus.FlowItem) string {
	if item.Meta != nil && item.Meta.Tool != nil && item.Meta.Tool.Description != "" {
		return item.Meta.Tool.Description
	}
	if item.Description != "" {
		return item.Description
	}
	return DefaultFlowDescription
}

func variableSchema(v bus.FlowVariable) map[string]any {
	schema := make(map[string]any, 4)
	switch v.Type {
	case "boolean":
		schema["type"] = "boolean"
	case "number":
		schema["type"] = "number"
	case "enum":
		schema["type"] = "string"
		if len(v.Rules.Enum) > 0 {
			schema["enum"] = v.Rules.Enum
		}
	case "array":
		schema["type"] = "array"
		schema["items"] = map[string]any{"type": "string"}
	default:
		schema["type"] = "string"
	}

	if v.Description != "" {
		schema["description"] = v.Description
	} else if v.Label != "" {
		schema["description"] = v.Label
	}
	return schema
}

// addRunControlProperties merges the universal run-control knobs every flow
// tool accepts. Declared variables win on key collisions.
func addRunControlProperties(properties map[string]any) {
	controls := map[string]any{
		"tabTarget": map[string]any{
			"type":    "string",
			"enum":    []string{"current", "new"},
			"default": "current",
		},
		"refresh": map[string]any{
			"type":    "boolean",
			"default": false,
		},
		"captureNetwork": map[string]any{
			"type":    "boolean",
			"default": false,
		},
		"returnLogs": map[string]any{
			"type":    "boolean",
			"default": false,
		},
		"timeoutMs": map[string]any{
			"type":    "number",
			"minimum": 0,
		},
	}
	for key, schema := range controls {
		if _, exists := properties[key]; !exists {
			properties[key] = schema
		}
	}
}
