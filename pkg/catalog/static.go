// Package catalog builds the MCP tool descriptors the bridge exposes: a
// fixed set of browser-automation and record/replay tools, plus flow.<slug>
// tools synthesised from the published flows of a bound instance.
package catalog

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Static tool names. Dispatch routing keys off these; dynamic flow tools are
// rewritten onto ToolFlowRun before hitting the bus.
const (
	ToolNavigate        = "browser_navigate"
	ToolClick           = "browser_click"
	ToolFill            = "browser_fill"
	ToolScreenshot      = "browser_screenshot"
	ToolGetContent      = "browser_get_content"
	ToolListTabs        = "browser_list_tabs"
	ToolNetworkRequests = "browser_network_requests"
	ToolExtractData     = "browser_extract_data"
	ToolFlowRun         = "record_replay_flow_run"
	ToolFlowPublish     = "record_replay_flow_publish"
	ToolFlowExport      = "record_replay_flow_export"
	ToolFlowImport      = "record_replay_flow_import"
)

// FlowToolPrefix marks dynamic tools synthesised from published flows.
const FlowToolPrefix = "flow."

func objectSchema(properties map[string]any, required ...string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// StaticTools returns the built-in descriptors, returned verbatim from every
// tools/list.
func StaticTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        ToolNavigate,
			Description: "Navigate the browser to a URL.",
			InputSchema: objectSchema(map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute URL to open.",
				},
				"tabTarget": map[string]any{
					"type":    "string",
					"enum":    []string{"current", "new"},
					"default": "current",
				},
			}, "url"),
		},
		{
			Name:        ToolClick,
			Description: "Click the first element matching a CSS selector.",
			InputSchema: objectSchema(map[string]any{
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector of the element to click.",
				},
			}, "selector"),
		},
		{
			Name:        ToolFill,
			Description: "Fill a form field matched by a CSS selector.",
			InputSchema: objectSchema(map[string]any{
				"selector": map[string]any{"type": "string"},
				"value":    map[string]any{"type": "string"},
			}, "selector", "value"),
		},
		{
			Name:        ToolScreenshot,
			Description: "Capture a screenshot of the current tab.",
			InputSchema: objectSchema(map[string]any{
				"fullPage": map[string]any{
					"type":        "boolean",
					"default":     false,
					"description": "Capture the full scroll height instead of the viewport.",
				},
			}),
		},
		{
			Name:        ToolGetContent,
			Description: "Read page content, optionally scoped to a selector.",
			InputSchema: objectSchema(map[string]any{
				"selector": map[string]any{"type": "string"},
				"format": map[string]any{
					"type":    "string",
					"enum":    []string{"text", "html"},
					"default": "text",
				},
			}),
		},
		{
			Name:        ToolListTabs,
			Description: "List the browser's open tabs.",
			InputSchema: objectSchema(map[string]any{}),
		},
		{
			Name:        ToolNetworkRequests,
			Description: "List captured network requests for the current tab.",
			InputSchema: objectSchema(map[string]any{
				"filter": map[string]any{
					"type":        "string",
					"description": "Substring filter applied to request URLs.",
				},
				"limit": map[string]any{
					"type":    "number",
					"minimum": 0,
				},
			}),
		},
		{
			Name:        ToolExtractData,
			Description: "Extract structured data from the page against a JSON schema.",
			InputSchema: objectSchema(map[string]any{
				"schema": map[string]any{
					"type":        "object",
					"description": "Shape of the data to extract.",
				},
				"selector": map[string]any{"type": "string"},
			}, "schema"),
		},
		{
			Name:        ToolFlowRun,
			Description: "Run a recorded flow by id with the given arguments.",
			InputSchema: objectSchema(map[string]any{
				"flowId": map[string]any{"type": "number"},
				"args": map[string]any{
					"type":        "object",
					"description": "Values for the flow's declared variables.",
				},
			}, "flowId"),
		},
		{
			Name:        ToolFlowPublish,
			Description: "Publish a recorded flow so it is exposed as a tool.",
			InputSchema: objectSchema(map[string]any{
				"flowId": map[string]any{"type": "number"},
			}, "flowId"),
		},
		{
			Name:        ToolFlowExport,
			Description: "Export a recorded flow to a portable document.",
			InputSchema: objectSchema(map[string]any{
				"flowId": map[string]any{"type": "number"},
				"format": map[string]any{
					"type":    "string",
					"enum":    []string{"json", "yaml"},
					"default": "json",
				},
			}, "flowId"),
		},
		{
			Name:        ToolFlowImport,
			Description: "Import a previously exported flow document.",
			InputSchema: objectSchema(map[string]any{
				"data": map[string]any{
					"type":        "string",
					"description": "Exported flow document.",
				},
				"name": map[string]any{"type": "string"},
			}, "data"),
		},
	}
}
